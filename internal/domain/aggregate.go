package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Category spending aggregates
// ============================================================

// DailyWindowDays is the sliding window inside which per-day aggregates are
// maintained. Daily buckets are an optimization for recent-activity queries;
// monthly/yearly/all-time buckets stay authoritative.
const DailyWindowDays = 90

// AggregateKey identifies one aggregate bucket.
// Year 0 means all-time, month 0 means yearly, day 0 means monthly.
// Subcategory is empty for category-level buckets.
type AggregateKey struct {
	Category    string
	Subcategory string
	Year        int
	Month       int
	Day         int
}

// CategoryAggregate is a spending total for one category bucket, kept in the
// ledger's base currency. Derived data: it can always be rebuilt from the
// transaction set.
type CategoryAggregate struct {
	Category            string          `json:"category"`
	Subcategory         string          `json:"subcategory,omitempty"`
	Year                int             `json:"year"`
	Month               int             `json:"month"`
	Day                 int             `json:"day"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	TransactionCount    int             `json:"transaction_count"`
	Currency            string          `json:"currency"`
	LastUpdated         time.Time       `json:"last_updated"`
	LastTransactionDate string          `json:"last_transaction_date,omitempty"`
}

// Key returns the bucket key for the aggregate.
func (a *CategoryAggregate) Key() AggregateKey {
	return AggregateKey{
		Category:    a.Category,
		Subcategory: a.Subcategory,
		Year:        a.Year,
		Month:       a.Month,
		Day:         a.Day,
	}
}

// ============================================================
// Time filters
// ============================================================

// TimeFilterKind selects the shape of an aggregate query.
type TimeFilterKind string

const (
	FilterAllTime   TimeFilterKind = "all_time"
	FilterYear      TimeFilterKind = "year"
	FilterMonth     TimeFilterKind = "month"
	FilterDateRange TimeFilterKind = "date_range"
)

// TimeFilter narrows an aggregate query to a period.
type TimeFilter struct {
	Kind  TimeFilterKind `json:"kind"`
	Year  int            `json:"year,omitempty"`
	Month int            `json:"month,omitempty"`
	From  string         `json:"from,omitempty"` // YYYY-MM-DD, date ranges only
	To    string         `json:"to,omitempty"`
}

// RangeSentinel marks filters that cannot be answered by a single
// (year, month) bucket and need date-range scanning.
const RangeSentinel = -1

// Bucket resolves the filter to a (year, month) aggregate key:
// (0,0) all-time, (year,0) yearly, (year,month) monthly, and
// (RangeSentinel, RangeSentinel) for date ranges.
func (f TimeFilter) Bucket() (year, month int) {
	switch f.Kind {
	case FilterYear:
		return f.Year, 0
	case FilterMonth:
		return f.Year, f.Month
	case FilterDateRange:
		return RangeSentinel, RangeSentinel
	default:
		return 0, 0
	}
}
