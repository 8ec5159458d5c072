package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mkravets/ledgerd/internal/domain"
	"github.com/mkravets/ledgerd/internal/infra/sqlite"
)

func newStore(t *testing.T) *sqlite.AggregateStore {
	t.Helper()
	store, err := sqlite.NewAggregateStore(filepath.Join(t.TempDir(), "aggregates.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAggregateStore_SaveAndLoadYear(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	aggs := []domain.CategoryAggregate{
		{
			Category: "groceries", Year: 2026, Month: 8, Day: 0,
			TotalAmount: decimal.RequireFromString("123.45"), TransactionCount: 4,
			Currency: "USD", LastUpdated: time.Now(), LastTransactionDate: "2026-08-20",
		},
		{
			Category: "groceries", Year: 2026, Month: 0, Day: 0,
			TotalAmount: decimal.RequireFromString("900.00"), TransactionCount: 31,
			Currency: "USD", LastUpdated: time.Now(),
		},
		{
			Category: "groceries", Year: 0, Month: 0, Day: 0,
			TotalAmount: decimal.RequireFromString("4500.10"), TransactionCount: 150,
			Currency: "USD", LastUpdated: time.Now(),
		},
	}
	if err := store.SaveAggregates(ctx, aggs); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.LoadAggregates(ctx, 2026)
	if err != nil {
		t.Fatalf("load year: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 rows for 2026, got %d", len(loaded))
	}

	allTime, err := store.LoadAggregates(ctx, 0)
	if err != nil {
		t.Fatalf("load all-time: %v", err)
	}
	if len(allTime) != 1 {
		t.Fatalf("expected 1 all-time row, got %d", len(allTime))
	}
	if !allTime[0].TotalAmount.Equal(decimal.RequireFromString("4500.10")) {
		t.Errorf("all-time total mismatch: %s", allTime[0].TotalAmount)
	}
}

func TestAggregateStore_UpsertReplacesExisting(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	agg := domain.CategoryAggregate{
		Category: "transport", Year: 2026, Month: 8, Day: 0,
		TotalAmount: decimal.NewFromInt(10), TransactionCount: 1,
		Currency: "USD", LastUpdated: time.Now(),
	}
	if err := store.SaveAggregates(ctx, []domain.CategoryAggregate{agg}); err != nil {
		t.Fatalf("first save: %v", err)
	}

	agg.TotalAmount = decimal.NewFromInt(25)
	agg.TransactionCount = 2
	if err := store.SaveAggregates(ctx, []domain.CategoryAggregate{agg}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded, err := store.LoadAggregates(ctx, 2026)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", len(loaded))
	}
	if !loaded[0].TotalAmount.Equal(decimal.NewFromInt(25)) || loaded[0].TransactionCount != 2 {
		t.Errorf("upsert did not replace: total=%s count=%d", loaded[0].TotalAmount, loaded[0].TransactionCount)
	}
}

func TestAggregateStore_ZeroedBucketIsDeleted(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	agg := domain.CategoryAggregate{
		Category: "dining", Year: 2026, Month: 7, Day: 0,
		TotalAmount: decimal.NewFromInt(50), TransactionCount: 1,
		Currency: "USD", LastUpdated: time.Now(),
	}
	if err := store.SaveAggregates(ctx, []domain.CategoryAggregate{agg}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A deletion that drains the bucket writes it back as zero.
	agg.TotalAmount = decimal.Zero
	agg.TransactionCount = 0
	if err := store.SaveAggregates(ctx, []domain.CategoryAggregate{agg}); err != nil {
		t.Fatalf("save zeroed: %v", err)
	}

	loaded, err := store.LoadAggregates(ctx, 2026)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected zeroed bucket to be removed, got %d rows", len(loaded))
	}
}

func TestAggregateStore_DeleteCategory(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	now := time.Now()
	if err := store.SaveAggregates(ctx, []domain.CategoryAggregate{
		{Category: "travel", Year: 2025, TotalAmount: decimal.NewFromInt(5), TransactionCount: 1, Currency: "USD", LastUpdated: now},
		{Category: "travel", Year: 2026, TotalAmount: decimal.NewFromInt(7), TransactionCount: 1, Currency: "USD", LastUpdated: now},
		{Category: "rent", Year: 2026, TotalAmount: decimal.NewFromInt(9), TransactionCount: 1, Currency: "USD", LastUpdated: now},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := store.DeleteCategory(ctx, "travel"); err != nil {
		t.Fatalf("delete category: %v", err)
	}

	loaded, err := store.LoadAggregates(ctx, 2026)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Category != "rent" {
		t.Errorf("expected only 'rent' to remain, got %+v", loaded)
	}
}
