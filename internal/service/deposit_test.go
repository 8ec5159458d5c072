package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mkravets/ledgerd/internal/domain"
	"github.com/mkravets/ledgerd/internal/infra/observability"
)

func newTestDepositEngine(sink *collectSink, today string) *DepositInterestEngine {
	e := NewDepositInterestEngine(sink, observability.NewMetrics(), zap.NewNop())
	e.now = fixedNow(today)
	return e
}

func testDeposit(principal string, rate string, postingDay int, capitalize bool) *domain.Account {
	return &domain.Account{
		ID:        "dep",
		Currency:  "USD",
		IsDeposit: true,
		CreatedAt: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
		Deposit: &domain.DepositState{
			PrincipalBalance:   mustDecimal(principal),
			Capitalization:     capitalize,
			InterestPostingDay: postingDay,
			RateHistory: []domain.RateChange{
				{EffectiveDate: "2025-01-01", AnnualRate: mustDecimal(rate)},
			},
		},
	}
}

// dailyInterest mirrors the engine's accrual formula.
func dailyInterest(principal, rate string) decimal.Decimal {
	return mustDecimal(principal).Mul(mustDecimal(rate)).
		Div(decimal.NewFromInt(100)).Div(decimal.NewFromInt(365))
}

func TestReconcileAccruesAndPosts(t *testing.T) {
	sink := &collectSink{}
	e := newTestDepositEngine(sink, "2025-02-02")
	acc := testDeposit("100000", "12", 1, false)

	if err := e.Reconcile(context.Background(), acc, nil); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// 31 accrual days (Jan 2 through Feb 1), posting on Feb 1.
	daily := dailyInterest("100000", "12")
	wantPosted := daily.Mul(decimal.NewFromInt(31)).Round(2)

	if len(sink.txs) != 1 {
		t.Fatalf("emitted %d transactions, want 1", len(sink.txs))
	}
	posting := sink.txs[0]
	if posting.Type != domain.TransactionDepositInterest {
		t.Errorf("posting type = %s", posting.Type)
	}
	if posting.Date != "2025-02-01" {
		t.Errorf("posting date = %s, want 2025-02-01", posting.Date)
	}
	if !posting.Amount.Equal(wantPosted) {
		t.Errorf("posting amount = %s, want %s", posting.Amount, wantPosted)
	}

	state := acc.Deposit
	if state.LastInterestPostingMonth != "2025-02-01" {
		t.Errorf("last posting month = %q, want 2025-02-01", state.LastInterestPostingMonth)
	}
	if state.LastInterestCalculationDate != "2025-02-02" {
		t.Errorf("last calculation date = %q, want 2025-02-02", state.LastInterestCalculationDate)
	}

	// Posted interest leaves the accumulator; only the rounding residue stays.
	wantResidue := daily.Mul(decimal.NewFromInt(31)).Sub(wantPosted)
	if !state.AccruedInterest.Equal(wantResidue) {
		t.Errorf("accrued after posting = %s, want %s", state.AccruedInterest, wantResidue)
	}
	if !acc.Balance.Equal(state.DisplayBalance()) {
		t.Errorf("account balance %s != display balance %s", acc.Balance, state.DisplayBalance())
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	sink := &collectSink{}
	e := newTestDepositEngine(sink, "2025-02-02")
	acc := testDeposit("100000", "12", 1, false)

	if err := e.Reconcile(context.Background(), acc, nil); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	emitted := len(sink.txs)
	balance := acc.Balance

	if err := e.Reconcile(context.Background(), acc, sink.txs); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if len(sink.txs) != emitted {
		t.Errorf("second run emitted %d extra transactions", len(sink.txs)-emitted)
	}
	if !acc.Balance.Equal(balance) {
		t.Errorf("second run moved balance from %s to %s", balance, acc.Balance)
	}
}

func TestReconcileLedgerGuardPreventsDuplicatePosting(t *testing.T) {
	sink := &collectSink{}
	e := newTestDepositEngine(sink, "2025-02-02")
	acc := testDeposit("100000", "12", 1, false)

	// The engine's own posting-month marker was lost, but the ledger still
	// holds the posting for February.
	existing := []domain.Transaction{
		{
			ID:        "old-posting",
			Date:      "2025-02-01",
			Type:      domain.TransactionDepositInterest,
			Amount:    mustDecimal("1019.18"),
			Currency:  "USD",
			AccountID: "dep",
		},
	}

	if err := e.Reconcile(context.Background(), acc, existing); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(sink.txs) != 0 {
		t.Fatalf("emitted %d transactions despite existing ledger posting", len(sink.txs))
	}
	if acc.Deposit.LastInterestPostingMonth != "2025-02-01" {
		t.Errorf("posting month not recorded from ledger guard: %q", acc.Deposit.LastInterestPostingMonth)
	}
}

func TestReconcileCapitalization(t *testing.T) {
	sink := &collectSink{}
	e := newTestDepositEngine(sink, "2025-02-02")
	acc := testDeposit("100000", "12", 1, true)

	if err := e.Reconcile(context.Background(), acc, nil); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(sink.txs) != 1 {
		t.Fatalf("emitted %d transactions, want 1", len(sink.txs))
	}

	posted := sink.txs[0].Amount
	wantPrincipal := mustDecimal("100000").Add(posted)
	if !acc.Deposit.PrincipalBalance.Equal(wantPrincipal) {
		t.Errorf("principal = %s, want %s", acc.Deposit.PrincipalBalance, wantPrincipal)
	}
	// Capitalizing deposits display principal only.
	if !acc.Balance.Equal(wantPrincipal) {
		t.Errorf("balance = %s, want %s", acc.Balance, wantPrincipal)
	}
}

func TestReconcileRespectsRateChanges(t *testing.T) {
	sink := &collectSink{}
	e := newTestDepositEngine(sink, "2025-02-02")
	acc := testDeposit("100000", "12", 1, false)
	acc.Deposit.RateHistory = append(acc.Deposit.RateHistory, domain.RateChange{
		EffectiveDate: "2025-01-17",
		AnnualRate:    decimal.Zero,
	})

	if err := e.Reconcile(context.Background(), acc, nil); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// Accrual runs Jan 2 through Jan 16 only; the rate drops to zero after.
	daily := dailyInterest("100000", "12")
	wantPosted := daily.Mul(decimal.NewFromInt(15)).Round(2)

	if len(sink.txs) != 1 {
		t.Fatalf("emitted %d transactions, want 1", len(sink.txs))
	}
	if !sink.txs[0].Amount.Equal(wantPosted) {
		t.Errorf("posting amount = %s, want %s", sink.txs[0].Amount, wantPosted)
	}
}

func TestReconcilePostingDayClamped(t *testing.T) {
	sink := &collectSink{}
	e := newTestDepositEngine(sink, "2025-03-01")
	acc := testDeposit("100000", "12", 31, false)

	if err := e.Reconcile(context.Background(), acc, nil); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// February has no day 31; the posting lands on Feb 28.
	if len(sink.txs) != 2 {
		t.Fatalf("emitted %d transactions, want 2 (Jan 31 and Feb 28)", len(sink.txs))
	}
	if sink.txs[0].Date != "2025-01-31" {
		t.Errorf("first posting date = %s, want 2025-01-31", sink.txs[0].Date)
	}
	if sink.txs[1].Date != "2025-02-28" {
		t.Errorf("second posting date = %s, want 2025-02-28", sink.txs[1].Date)
	}
}

func TestReconcileAbortsOnMalformedCalculationDate(t *testing.T) {
	sink := &collectSink{}
	e := newTestDepositEngine(sink, "2025-02-02")
	acc := testDeposit("100000", "12", 1, false)
	acc.Deposit.LastInterestCalculationDate = "02/01/2025"
	before := *acc.Deposit

	err := e.Reconcile(context.Background(), acc, nil)
	var invalidDate *domain.ErrInvalidDate
	if !errors.As(err, &invalidDate) {
		t.Fatalf("err = %v, want ErrInvalidDate", err)
	}
	if len(sink.txs) != 0 {
		t.Errorf("emitted %d transactions after abort", len(sink.txs))
	}
	if acc.Deposit.LastInterestCalculationDate != before.LastInterestCalculationDate ||
		!acc.Deposit.AccruedInterest.Equal(before.AccruedInterest) {
		t.Error("aborted reconciliation mutated deposit state")
	}
}

func TestReconcileAbortsOnMalformedRateDate(t *testing.T) {
	sink := &collectSink{}
	e := newTestDepositEngine(sink, "2025-02-02")
	acc := testDeposit("100000", "12", 1, false)
	acc.Deposit.RateHistory = append(acc.Deposit.RateHistory, domain.RateChange{
		EffectiveDate: "January 15",
		AnnualRate:    mustDecimal("10"),
	})

	err := e.Reconcile(context.Background(), acc, nil)
	var invalidDate *domain.ErrInvalidDate
	if !errors.As(err, &invalidDate) {
		t.Fatalf("err = %v, want ErrInvalidDate", err)
	}
	if len(sink.txs) != 0 {
		t.Errorf("emitted %d transactions after abort", len(sink.txs))
	}
}

func TestReconcileRejectsNonDeposit(t *testing.T) {
	e := newTestDepositEngine(&collectSink{}, "2025-02-02")
	acc := &domain.Account{ID: "a1", Currency: "USD"}

	err := e.Reconcile(context.Background(), acc, nil)
	var validation *domain.ErrValidation
	if !errors.As(err, &validation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}
