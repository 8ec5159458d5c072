// Package sqlite persists category aggregates in an embedded SQLite
// database. Aggregates are derived data: the schema carries no history and
// can always be rebuilt from the transaction set.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mkravets/ledgerd/internal/domain"

	_ "modernc.org/sqlite"
)

// AggregateStore implements port.AggregateStore on SQLite.
type AggregateStore struct {
	db *sql.DB
}

// NewAggregateStore opens (creating if needed) the aggregate database at
// dbPath and applies pending migrations.
func NewAggregateStore(dbPath string) (*AggregateStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &AggregateStore{db: db}, nil
}

// Close releases the database handle.
func (s *AggregateStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// LoadAggregates returns all aggregate rows for a year. Year 0 returns the
// all-time buckets.
func (s *AggregateStore) LoadAggregates(ctx context.Context, year int) ([]domain.CategoryAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, subcategory, year, month, day,
		       total_amount, transaction_count, currency,
		       last_updated, last_transaction_date
		FROM category_aggregates
		WHERE year = ?`, year)
	if err != nil {
		return nil, fmt.Errorf("query aggregates for year %d: %w", year, err)
	}
	defer rows.Close()

	var out []domain.CategoryAggregate
	for rows.Next() {
		var (
			agg         domain.CategoryAggregate
			totalRaw    string
			updatedRaw  string
		)
		if err := rows.Scan(
			&agg.Category, &agg.Subcategory, &agg.Year, &agg.Month, &agg.Day,
			&totalRaw, &agg.TransactionCount, &agg.Currency,
			&updatedRaw, &agg.LastTransactionDate,
		); err != nil {
			return nil, fmt.Errorf("scan aggregate row: %w", err)
		}

		total, err := decimal.NewFromString(totalRaw)
		if err != nil {
			return nil, fmt.Errorf("parse stored amount %q: %w", totalRaw, err)
		}
		agg.TotalAmount = total

		if updated, err := time.Parse(time.RFC3339Nano, updatedRaw); err == nil {
			agg.LastUpdated = updated
		}

		out = append(out, agg)
	}
	return out, rows.Err()
}

// SaveAggregates upserts the given aggregates in one transaction. Buckets
// whose total and count both reached zero are deleted instead of stored.
func (s *AggregateStore) SaveAggregates(ctx context.Context, aggregates []domain.CategoryAggregate) error {
	if len(aggregates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO category_aggregates (
			category, subcategory, year, month, day,
			total_amount, transaction_count, currency,
			last_updated, last_transaction_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (category, subcategory, year, month, day) DO UPDATE SET
			total_amount = excluded.total_amount,
			transaction_count = excluded.transaction_count,
			currency = excluded.currency,
			last_updated = excluded.last_updated,
			last_transaction_date = excluded.last_transaction_date`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer upsert.Close()

	del, err := tx.PrepareContext(ctx, `
		DELETE FROM category_aggregates
		WHERE category = ? AND subcategory = ? AND year = ? AND month = ? AND day = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer del.Close()

	for _, agg := range aggregates {
		if agg.TotalAmount.IsZero() && agg.TransactionCount == 0 {
			if _, err := del.ExecContext(ctx,
				agg.Category, agg.Subcategory, agg.Year, agg.Month, agg.Day,
			); err != nil {
				return fmt.Errorf("delete empty aggregate: %w", err)
			}
			continue
		}

		if _, err := upsert.ExecContext(ctx,
			agg.Category, agg.Subcategory, agg.Year, agg.Month, agg.Day,
			agg.TotalAmount.String(), agg.TransactionCount, agg.Currency,
			agg.LastUpdated.UTC().Format(time.RFC3339Nano), agg.LastTransactionDate,
		); err != nil {
			return fmt.Errorf("upsert aggregate: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteCategory removes every bucket of a category across all years, used
// when a category is renamed or merged and its aggregates get rebuilt.
func (s *AggregateStore) DeleteCategory(ctx context.Context, category string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM category_aggregates WHERE category = ?`, category,
	); err != nil {
		return fmt.Errorf("delete category %q: %w", category, err)
	}
	return nil
}
