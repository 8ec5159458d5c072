package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Accounts
// ============================================================

// AccountMode controls how an account's balance is derived.
//
// It is ledger metadata, not account metadata: the mode is recorded by the
// balance engine and survives full recomputation, so an imported account is
// never accidentally replayed from zero.
type AccountMode string

const (
	// ModeFromInitialBalance replays the full transaction history on top of
	// a recorded initial balance. Used for manually created accounts.
	ModeFromInitialBalance AccountMode = "from_initial_balance"

	// ModePreserveImported trusts the balance observed at import time and
	// only applies transactions added after that point.
	ModePreserveImported AccountMode = "preserve_imported"
)

// Account is a ledger account. The Balance field is derived state: engines
// read and write it, but identity fields belong to the caller.
type Account struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	IsDeposit bool            `json:"is_deposit"`
	Deposit   *DepositState   `json:"deposit,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ============================================================
// Deposit accounts
// ============================================================

// RateChange is one entry in a deposit's rate history.
type RateChange struct {
	EffectiveDate string          `json:"effective_date"` // YYYY-MM-DD
	AnnualRate    decimal.Decimal `json:"annual_rate"`    // percent, e.g. 12 for 12%
	Note          string          `json:"note,omitempty"`
}

// DepositState holds the interest accrual state machine for a deposit account.
type DepositState struct {
	PrincipalBalance decimal.Decimal `json:"principal_balance"`
	// AccruedInterest is interest accrued but not yet posted. For
	// capitalizing deposits it empties into principal at each posting; for
	// non-capitalizing deposits it is part of the display balance.
	AccruedInterest decimal.Decimal `json:"accrued_interest"`
	Capitalization  bool            `json:"capitalization"`
	RateHistory     []RateChange    `json:"rate_history"`
	// InterestPostingDay is the day of month interest posts on (1-31,
	// clamped to the last day of short months).
	InterestPostingDay int `json:"interest_posting_day"`
	// LastInterestCalculationDate is the last day accrual ran through
	// (YYYY-MM-DD, empty if never).
	LastInterestCalculationDate string `json:"last_interest_calculation_date,omitempty"`
	// LastInterestPostingMonth marks the most recent posting as a
	// first-of-month date (YYYY-MM-01, empty if never posted).
	LastInterestPostingMonth string `json:"last_interest_posting_month,omitempty"`
}

// DisplayBalance is the balance shown for the deposit account:
// principal plus, for non-capitalizing deposits, the accrued interest.
func (d *DepositState) DisplayBalance() decimal.Decimal {
	if d.Capitalization {
		return d.PrincipalBalance
	}
	return d.PrincipalBalance.Add(d.AccruedInterest)
}

// RateOn returns the annual rate effective on the given day: the latest
// history entry whose effective date is on or before the day, falling back
// to the earliest entry when none qualifies yet.
func (d *DepositState) RateOn(day string) decimal.Decimal {
	if len(d.RateHistory) == 0 {
		return decimal.Zero
	}
	best := -1
	for i, rc := range d.RateHistory {
		if rc.EffectiveDate > day {
			continue
		}
		if best == -1 || rc.EffectiveDate >= d.RateHistory[best].EffectiveDate {
			best = i
		}
	}
	if best == -1 {
		earliest := 0
		for i := range d.RateHistory {
			if d.RateHistory[i].EffectiveDate < d.RateHistory[earliest].EffectiveDate {
				earliest = i
			}
		}
		return d.RateHistory[earliest].AnnualRate
	}
	return d.RateHistory[best].AnnualRate
}

// Clone returns a deep copy, so reconciliation can work on a scratch copy
// and only commit on success.
func (d *DepositState) Clone() *DepositState {
	cp := *d
	cp.RateHistory = make([]RateChange, len(d.RateHistory))
	copy(cp.RateHistory, d.RateHistory)
	return &cp
}
