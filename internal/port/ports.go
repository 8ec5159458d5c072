// Package port defines the narrow interfaces between the ledger core and its
// collaborators. Engines accept interfaces and return domain structs.
package port

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mkravets/ledgerd/internal/domain"
)

// CurrencyConverter converts amounts using already-fetched cached rates
// only. It must never block on network I/O: when no rate is cached it
// reports unavailable and the caller falls back.
type CurrencyConverter interface {
	// ConvertSync converts amount from one currency to another. The second
	// return value is false when no cached rate covers the pair.
	ConvertSync(amount decimal.Decimal, from, to string) (decimal.Decimal, bool)

	// RatesAvailable reports whether cached rates exist for every listed
	// currency.
	RatesAvailable(currencies ...string) bool
}

// AggregateStore persists category aggregates. Year 0 loads the all-time
// buckets; any other year loads that year's yearly, monthly and daily rows.
type AggregateStore interface {
	LoadAggregates(ctx context.Context, year int) ([]domain.CategoryAggregate, error)
	SaveAggregates(ctx context.Context, aggregates []domain.CategoryAggregate) error
	DeleteCategory(ctx context.Context, category string) error
}

// TransactionSink receives transactions emitted by engines (interest
// postings). The implementation owns insertion into the ledger.
type TransactionSink interface {
	CreateTransaction(ctx context.Context, tx domain.Transaction) error
}

// RateSource fetches a fresh currency rate table relative to a base
// currency. Lives strictly outside the synchronous conversion path.
type RateSource interface {
	FetchRates(ctx context.Context, base string) (map[string]decimal.Decimal, error)
}

// Cache is a bounded key-value cache used as a building block for
// memory-safe projections.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Remove(key string)
	Purge()
	Len() int
}
