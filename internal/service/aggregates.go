package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mkravets/ledgerd/internal/domain"
	"github.com/mkravets/ledgerd/internal/infra/observability"
	"github.com/mkravets/ledgerd/internal/port"
)

var aggregateTracer = otel.Tracer("service/aggregates")

// AggregationEngine builds and incrementally maintains the hierarchical
// spending aggregates (day/month/year/all-time) per category and
// subcategory. All totals are kept in the ledger's base currency; expenses
// whose currency cannot be resolved stay in their own currency and are
// excluded from base-currency queries rather than implicitly converted.
type AggregationEngine struct {
	converter    port.CurrencyConverter
	cache        *AggregateCache
	baseCurrency string
	metrics      *observability.Metrics
	logger       *zap.Logger
	now          func() time.Time
}

// NewAggregationEngine creates the engine around a projection cache.
func NewAggregationEngine(converter port.CurrencyConverter, cache *AggregateCache, baseCurrency string, metrics *observability.Metrics, logger *zap.Logger) *AggregationEngine {
	return &AggregationEngine{
		converter:    converter,
		cache:        cache,
		baseCurrency: baseCurrency,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
	}
}

// expenseAmount resolves the aggregation amount and currency for an expense
// using the same selection rule as balance calculation: recorded converted
// amount first, then a cached conversion, then the raw amount unconverted.
func (e *AggregationEngine) expenseAmount(tx *domain.Transaction) (decimal.Decimal, string) {
	if tx.ConvertedAmount != nil {
		return *tx.ConvertedAmount, e.baseCurrency
	}
	if tx.Currency == e.baseCurrency {
		return tx.Amount, e.baseCurrency
	}
	if converted, ok := e.converter.ConvertSync(tx.Amount, tx.Currency, e.baseCurrency); ok {
		return converted, e.baseCurrency
	}
	return tx.Amount, tx.Currency
}

// bucketKeys lists the aggregate buckets one expense touches: all-time,
// yearly, monthly, and (inside the sliding window) daily, each for the
// category and, when present, the (category, subcategory) pair. At most
// eight buckets per transaction.
func (e *AggregationEngine) bucketKeys(tx *domain.Transaction, day time.Time) []domain.AggregateKey {
	year, month, dom := day.Year(), int(day.Month()), day.Day()
	inWindow := e.now().Sub(day) <= domain.DailyWindowDays*24*time.Hour

	subcats := []string{""}
	if tx.Subcategory != "" {
		subcats = append(subcats, tx.Subcategory)
	}

	keys := make([]domain.AggregateKey, 0, 8)
	for _, sub := range subcats {
		keys = append(keys,
			domain.AggregateKey{Category: tx.Category, Subcategory: sub},
			domain.AggregateKey{Category: tx.Category, Subcategory: sub, Year: year},
			domain.AggregateKey{Category: tx.Category, Subcategory: sub, Year: year, Month: month},
		)
		if inWindow {
			keys = append(keys, domain.AggregateKey{Category: tx.Category, Subcategory: sub, Year: year, Month: month, Day: dom})
		}
	}
	return keys
}

// apply folds one expense into the cached aggregates with the given sign
// and transaction-count step.
func (e *AggregationEngine) apply(tx *domain.Transaction, sign int64) bool {
	if tx.Type != domain.TransactionExpense || tx.Category == "" {
		return false
	}
	day, err := domain.ParseDay(tx.Date)
	if err != nil {
		e.logger.Warn("skipping expense with unparseable date",
			zap.String("transaction_id", tx.ID),
			zap.String("date", tx.Date),
		)
		return false
	}

	amount, currency := e.expenseAmount(tx)
	amount = amount.Mul(decimal.NewFromInt(sign))

	for _, key := range e.bucketKeys(tx, day) {
		e.cache.add(key, amount, int(sign), currency, tx.Date, e.now())
	}
	return true
}

// BuildAggregates rebuilds the full aggregate set from scratch in a single
// scan over the transaction set and returns the resulting aggregates.
func (e *AggregationEngine) BuildAggregates(ctx context.Context, transactions []domain.Transaction) []domain.CategoryAggregate {
	_, span := aggregateTracer.Start(ctx, "AggregationEngine.BuildAggregates")
	defer span.End()
	span.SetAttributes(attribute.Int("transactions", len(transactions)))

	e.cache.reset()
	count := 0
	for i := range transactions {
		if e.apply(&transactions[i], 1) {
			count++
		}
	}
	e.logger.Info("aggregates rebuilt",
		zap.Int("expenses", count),
		zap.Int("buckets", e.cache.size()),
	)
	return e.cache.Snapshot()
}

// ApplyAddition folds a newly added expense into the aggregates.
func (e *AggregationEngine) ApplyAddition(tx *domain.Transaction) {
	e.apply(tx, 1)
}

// ApplyDeletion removes an expense's contribution: a deletion is an
// addition with the amount negated.
func (e *AggregationEngine) ApplyDeletion(tx *domain.Transaction) {
	e.apply(tx, -1)
}

// ApplyUpdate handles an edited transaction as deletion of the old version
// plus addition of the new one.
func (e *AggregationEngine) ApplyUpdate(oldTx, newTx *domain.Transaction) {
	e.apply(oldTx, -1)
	e.apply(newTx, 1)
}

// CategoryExpenses sums per-category spending for a time filter, restricted
// to the requested currency. Aggregates in other currencies are silently
// excluded, never implicitly converted.
func (e *AggregationEngine) CategoryExpenses(ctx context.Context, filter domain.TimeFilter, currency string) (map[string]decimal.Decimal, error) {
	_, span := aggregateTracer.Start(ctx, "AggregationEngine.CategoryExpenses")
	defer span.End()

	return e.cache.CategoryExpenses(ctx, filter, currency)
}
