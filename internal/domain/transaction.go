package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Transactions
// ============================================================

// TransactionType classifies a ledger transaction.
type TransactionType string

const (
	TransactionIncome            TransactionType = "income"
	TransactionExpense           TransactionType = "expense"
	TransactionInternalTransfer  TransactionType = "internal_transfer"
	TransactionDepositTopUp      TransactionType = "deposit_top_up"
	TransactionDepositWithdrawal TransactionType = "deposit_withdrawal"
	TransactionDepositInterest   TransactionType = "deposit_interest_accrual"
)

// DayFormat is the calendar-day layout used for all ledger dates.
// Ledger dates carry no time component; CreatedAt exists only for stable
// ordering of same-day transactions.
const DayFormat = "2006-01-02"

// Transaction is a single ledger entry. Immutable once created; edits are
// modeled as delete-then-reinsert.
type Transaction struct {
	ID     string          `json:"id"`
	Date   string          `json:"date"` // YYYY-MM-DD
	Type   TransactionType `json:"type"`
	Amount decimal.Decimal `json:"amount"`
	// Currency is the currency the amount was entered in.
	Currency string `json:"currency"`
	// ConvertedAmount, if set, is the amount in the source account's
	// currency, recorded at entry time so later rate changes cannot drift
	// the balance.
	ConvertedAmount *decimal.Decimal `json:"converted_amount,omitempty"`
	// TargetAmount/TargetCurrency carry the destination-side amount for
	// transfers between accounts with different currencies.
	TargetAmount    *decimal.Decimal `json:"target_amount,omitempty"`
	TargetCurrency  string           `json:"target_currency,omitempty"`
	AccountID       string           `json:"account_id"`
	TargetAccountID string           `json:"target_account_id,omitempty"`
	Category        string           `json:"category,omitempty"`
	Subcategory     string           `json:"subcategory,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// ParseDay parses a ledger calendar day.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DayFormat, s)
	if err != nil {
		return time.Time{}, &ErrInvalidDate{Field: "date", Value: s}
	}
	return t, nil
}

// Day formats a time as a ledger calendar day.
func Day(t time.Time) string {
	return t.Format(DayFormat)
}

// MonthStart returns the first-of-month marker for a day.
func MonthStart(t time.Time) string {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Format(DayFormat)
}

// Affects reports whether the transaction touches the given account, and on
// which side. A transaction may touch the same account on both sides only in
// degenerate data; the source side wins in that case.
func (t *Transaction) Affects(accountID string) (isSource, isTarget bool) {
	return t.AccountID == accountID, t.TargetAccountID == accountID && t.AccountID != accountID
}

// IsTransferLike reports whether the transaction moves money between two
// accounts (internal transfers and deposit movements).
func (t *Transaction) IsTransferLike() bool {
	switch t.Type {
	case TransactionInternalTransfer, TransactionDepositTopUp, TransactionDepositWithdrawal:
		return true
	}
	return false
}
