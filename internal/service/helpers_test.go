package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mkravets/ledgerd/internal/domain"
	"github.com/mkravets/ledgerd/internal/infra/observability"
)

// stubConverter serves fixed rates keyed "FROM->TO".
type stubConverter struct {
	rates map[string]decimal.Decimal
}

func (c *stubConverter) ConvertSync(amount decimal.Decimal, from, to string) (decimal.Decimal, bool) {
	if from == to {
		return amount, true
	}
	rate, ok := c.rates[from+"->"+to]
	if !ok {
		return decimal.Zero, false
	}
	return amount.Mul(rate), true
}

func (c *stubConverter) RatesAvailable(currencies ...string) bool {
	for _, cur := range currencies {
		found := false
		for key := range c.rates {
			if strings.HasPrefix(key, cur+"->") || strings.HasSuffix(key, "->"+cur) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// memAggStore is an in-memory AggregateStore for engine tests.
type memAggStore struct {
	mu   sync.Mutex
	rows map[domain.AggregateKey]domain.CategoryAggregate
}

func newMemAggStore() *memAggStore {
	return &memAggStore{rows: make(map[domain.AggregateKey]domain.CategoryAggregate)}
}

func (s *memAggStore) LoadAggregates(_ context.Context, year int) ([]domain.CategoryAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CategoryAggregate
	for key, row := range s.rows {
		if key.Year == year {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memAggStore) SaveAggregates(_ context.Context, aggregates []domain.CategoryAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, agg := range aggregates {
		s.rows[agg.Key()] = agg
	}
	return nil
}

func (s *memAggStore) DeleteCategory(_ context.Context, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.rows {
		if key.Category == category {
			delete(s.rows, key)
		}
	}
	return nil
}

// collectSink records transactions emitted by the deposit engine.
type collectSink struct {
	txs []domain.Transaction
}

func (s *collectSink) CreateTransaction(_ context.Context, tx domain.Transaction) error {
	s.txs = append(s.txs, tx)
	return nil
}

func fixedNow(day string) func() time.Time {
	t, err := time.Parse(domain.DayFormat, day)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return t }
}

func newTestCache() *AggregateCache {
	return NewAggregateCache(newMemAggStore(), 4, 16, observability.NewMetrics(), zap.NewNop())
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
