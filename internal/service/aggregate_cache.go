package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mkravets/ledgerd/internal/domain"
	"github.com/mkravets/ledgerd/internal/infra/cache"
	"github.com/mkravets/ledgerd/internal/infra/observability"
	"github.com/mkravets/ledgerd/internal/port"
)

// AggregateCache is the in-memory projection of the category aggregates.
//
// The full multi-year history is not held at startup: all-time buckets and
// the current year answer the vast majority of queries, and other years are
// loaded lazily from the store on demand. Loaded years sit in a bounded LRU
// so cold history can fall out of memory again; evictions take effect at the
// next Flush, after dirty rows are persisted.
type AggregateCache struct {
	store   port.AggregateStore
	metrics *observability.Metrics
	logger  *zap.Logger

	mu         sync.Mutex
	aggregates map[domain.AggregateKey]*domain.CategoryAggregate
	dirty      map[domain.AggregateKey]struct{}

	loadedYears *cache.LRU[int]

	evictMu      sync.Mutex
	evictedYears []int

	queries port.Cache[map[string]decimal.Decimal]
}

// NewAggregateCache creates the projection cache. yearCapacity bounds how
// many years stay resident; queryCapacity bounds memoized query results.
func NewAggregateCache(store port.AggregateStore, yearCapacity, queryCapacity int, metrics *observability.Metrics, logger *zap.Logger) *AggregateCache {
	c := &AggregateCache{
		store:      store,
		metrics:    metrics,
		logger:     logger,
		aggregates: make(map[domain.AggregateKey]*domain.CategoryAggregate),
		dirty:      make(map[domain.AggregateKey]struct{}),
		queries:    cache.New[map[string]decimal.Decimal](queryCapacity),
	}
	c.loadedYears = cache.NewWithEvict[int](yearCapacity, func(_ string, year int) {
		c.evictMu.Lock()
		c.evictedYears = append(c.evictedYears, year)
		c.evictMu.Unlock()
	})
	return c
}

// Prime loads the all-time buckets and the given (normally current) year.
func (c *AggregateCache) Prime(ctx context.Context, year int) error {
	if err := c.loadYear(ctx, 0); err != nil {
		return err
	}
	return c.ensureYear(ctx, year)
}

// loadYear merges one year's stored rows into the projection. Rows never
// overwrite dirty in-memory state.
func (c *AggregateCache) loadYear(ctx context.Context, year int) error {
	rows, err := c.store.LoadAggregates(ctx, year)
	if err != nil {
		return fmt.Errorf("load aggregates for year %d: %w", year, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range rows {
		key := rows[i].Key()
		if _, isDirty := c.dirty[key]; isDirty {
			continue
		}
		row := rows[i]
		c.aggregates[key] = &row
	}
	return nil
}

// ensureYear lazily loads a year on first touch. Year 0 (all-time) is
// loaded by Prime and always resident.
func (c *AggregateCache) ensureYear(ctx context.Context, year int) error {
	if year == 0 {
		return nil
	}
	if _, loaded := c.loadedYears.Get(strconv.Itoa(year)); loaded {
		c.metrics.IncrCacheHit("aggregate_year")
		return nil
	}
	if err := c.loadYear(ctx, year); err != nil {
		return err
	}
	c.loadedYears.Set(strconv.Itoa(year), year)
	c.metrics.IncrCacheMiss("aggregate_year")
	return nil
}

// add folds a signed amount into one bucket, creating it on first touch.
func (c *AggregateCache) add(key domain.AggregateKey, amount decimal.Decimal, countStep int, currency, txDate string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agg, ok := c.aggregates[key]
	if !ok {
		agg = &domain.CategoryAggregate{
			Category:    key.Category,
			Subcategory: key.Subcategory,
			Year:        key.Year,
			Month:       key.Month,
			Day:         key.Day,
			Currency:    currency,
		}
		c.aggregates[key] = agg
		if key.Year != 0 {
			c.loadedYears.Set(strconv.Itoa(key.Year), key.Year)
		}
	}
	if agg.Currency != currency {
		// A bucket holds one currency; mixing would corrupt the total.
		c.logger.Warn("aggregate currency mismatch, contribution skipped",
			zap.String("category", key.Category),
			zap.String("bucket_currency", agg.Currency),
			zap.String("tx_currency", currency),
		)
		return
	}

	agg.TotalAmount = agg.TotalAmount.Add(amount)
	agg.TransactionCount += countStep
	agg.LastUpdated = now
	if txDate > agg.LastTransactionDate {
		agg.LastTransactionDate = txDate
	}
	c.dirty[key] = struct{}{}
	c.queries.Purge()
}

// reset drops the whole projection (used before a full rebuild).
func (c *AggregateCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aggregates = make(map[domain.AggregateKey]*domain.CategoryAggregate)
	c.dirty = make(map[domain.AggregateKey]struct{})
	c.evictMu.Lock()
	c.evictedYears = nil
	c.evictMu.Unlock()
	c.queries.Purge()
}

func (c *AggregateCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.aggregates)
}

// DropCategory removes a category's buckets from both the store and the
// projection. Used by rename/merge flows; the caller rebuilds contributions
// under the new name afterwards.
func (c *AggregateCache) DropCategory(ctx context.Context, category string) error {
	if err := c.store.DeleteCategory(ctx, category); err != nil {
		return fmt.Errorf("delete category %q: %w", category, err)
	}
	c.InvalidateCategory(category)
	return nil
}

// InvalidateCategory drops every bucket of one category from the projection
// without touching other categories, for rename/merge flows where the
// caller replays the category's transactions afterwards.
func (c *AggregateCache) InvalidateCategory(category string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.aggregates {
		if key.Category == category {
			delete(c.aggregates, key)
			delete(c.dirty, key)
		}
	}
	c.queries.Purge()
}

// Snapshot returns a copy of all resident aggregates.
func (c *AggregateCache) Snapshot() []domain.CategoryAggregate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.CategoryAggregate, 0, len(c.aggregates))
	for _, agg := range c.aggregates {
		out = append(out, *agg)
	}
	return out
}

// Flush persists dirty buckets and then releases years evicted from the
// residency LRU. Called at drain boundaries by the update queue owner, so
// readers only ever observe fully flushed state.
func (c *AggregateCache) Flush(ctx context.Context) error {
	c.mu.Lock()
	toSave := make([]domain.CategoryAggregate, 0, len(c.dirty))
	for key := range c.dirty {
		if agg, ok := c.aggregates[key]; ok {
			toSave = append(toSave, *agg)
		}
	}
	c.mu.Unlock()

	if len(toSave) > 0 {
		if err := c.store.SaveAggregates(ctx, toSave); err != nil {
			return fmt.Errorf("save aggregates: %w", err)
		}
	}

	c.evictMu.Lock()
	evicted := c.evictedYears
	c.evictedYears = nil
	c.evictMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = make(map[domain.AggregateKey]struct{})
	for _, year := range evicted {
		for key := range c.aggregates {
			if key.Year == year {
				delete(c.aggregates, key)
			}
		}
	}
	return nil
}

// CategoryExpenses resolves a time filter to aggregate buckets and sums the
// matching category-level totals, restricted to one currency.
func (c *AggregateCache) CategoryExpenses(ctx context.Context, filter domain.TimeFilter, currency string) (map[string]decimal.Decimal, error) {
	cacheKey := fmt.Sprintf("%s|%d|%d|%s|%s|%s", filter.Kind, filter.Year, filter.Month, filter.From, filter.To, currency)
	if cached, ok := c.queries.Get(cacheKey); ok {
		c.metrics.IncrCacheHit("aggregate_query")
		return cached, nil
	}
	c.metrics.IncrCacheMiss("aggregate_query")

	year, month := filter.Bucket()
	if year == domain.RangeSentinel {
		result, err := c.rangeExpenses(ctx, filter, currency)
		if err != nil {
			return nil, err
		}
		c.queries.Set(cacheKey, result)
		return result, nil
	}

	if err := c.ensureYear(ctx, year); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	result := make(map[string]decimal.Decimal)
	for key, agg := range c.aggregates {
		if key.Subcategory != "" || key.Day != 0 {
			continue
		}
		if key.Year != year || key.Month != month {
			continue
		}
		if agg.Currency != currency {
			continue
		}
		result[key.Category] = result[key.Category].Add(agg.TotalAmount)
	}
	c.queries.Set(cacheKey, result)
	return result, nil
}

// rangeExpenses answers a date-range filter. Ranges fully inside the daily
// window sum exact per-day buckets; older ranges fall back to summing the
// monthly buckets the range intersects, which over-counts partial months at
// the edges. The daily window keeps this exact for recent queries.
func (c *AggregateCache) rangeExpenses(ctx context.Context, filter domain.TimeFilter, currency string) (map[string]decimal.Decimal, error) {
	from, err := domain.ParseDay(filter.From)
	if err != nil {
		return nil, err
	}
	to, err := domain.ParseDay(filter.To)
	if err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, &domain.ErrValidation{Field: "to", Message: "range end before start"}
	}

	for y := from.Year(); y <= to.Year(); y++ {
		if err := c.ensureYear(ctx, y); err != nil {
			return nil, err
		}
	}

	windowStart := time.Now().UTC().AddDate(0, 0, -domain.DailyWindowDays)
	useDaily := from.After(windowStart)

	c.mu.Lock()
	defer c.mu.Unlock()
	result := make(map[string]decimal.Decimal)
	for key, agg := range c.aggregates {
		if key.Subcategory != "" || key.Year == 0 {
			continue
		}
		if agg.Currency != currency {
			continue
		}
		if useDaily {
			if key.Day == 0 {
				continue
			}
			day := time.Date(key.Year, time.Month(key.Month), key.Day, 0, 0, 0, 0, time.UTC)
			if day.Before(from) || day.After(to) {
				continue
			}
		} else {
			if key.Month == 0 || key.Day != 0 {
				continue
			}
			monthStart := time.Date(key.Year, time.Month(key.Month), 1, 0, 0, 0, 0, time.UTC)
			monthEnd := monthStart.AddDate(0, 1, -1)
			if monthEnd.Before(from) || monthStart.After(to) {
				continue
			}
		}
		result[key.Category] = result[key.Category].Add(agg.TotalAmount)
	}
	return result, nil
}
