// Package currency implements the cache-only conversion port plus the
// background refresher that keeps the rate table warm. Conversion itself
// never touches the network: when no cached rate covers a pair, callers get
// "unavailable" and fall back to recorded amounts.
package currency

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Store is an in-memory currency rate table. Rates are quoted against a
// single base currency: rates[c] is the amount of c equal to one base unit.
type Store struct {
	mu        sync.RWMutex
	base      string
	rates     map[string]decimal.Decimal
	updatedAt time.Time
}

// NewStore creates an empty rate store for the given base currency.
func NewStore(base string) *Store {
	return &Store{
		base:  base,
		rates: make(map[string]decimal.Decimal),
	}
}

// SetRates replaces the rate table. The base currency itself is always
// quoted at 1.
func (s *Store) SetRates(rates map[string]decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rates = make(map[string]decimal.Decimal, len(rates)+1)
	for c, r := range rates {
		if r.IsPositive() {
			s.rates[c] = r
		}
	}
	s.rates[s.base] = decimal.NewFromInt(1)
	s.updatedAt = time.Now()
}

// UpdatedAt returns when the table was last replaced (zero if never).
func (s *Store) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// ConvertSync converts amount between two currencies using cached rates
// only. Returns false when either side of the pair is not cached.
func (s *Store) ConvertSync(amount decimal.Decimal, from, to string) (decimal.Decimal, bool) {
	if from == to {
		return amount, true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	fromRate, okFrom := s.rates[from]
	toRate, okTo := s.rates[to]
	if !okFrom || !okTo || fromRate.IsZero() {
		return decimal.Zero, false
	}

	// amount/fromRate is the base-currency value; scale into the target.
	return amount.Div(fromRate).Mul(toRate), true
}

// RatesAvailable reports whether every listed currency has a cached rate.
func (s *Store) RatesAvailable(currencies ...string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range currencies {
		if c == s.base {
			continue
		}
		if _, ok := s.rates[c]; !ok {
			return false
		}
	}
	return true
}
