package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mkravets/ledgerd/internal/domain"
	"github.com/mkravets/ledgerd/internal/infra/observability"
)

func newTestBalanceEngine(threshold int) *BalanceEngine {
	e := NewBalanceEngine(&stubConverter{}, threshold, observability.NewMetrics(), zap.NewNop())
	e.now = fixedNow("2025-06-15")
	return e
}

func TestCalculateBalanceManualAccount(t *testing.T) {
	e := newTestBalanceEngine(10)
	acc := &domain.Account{ID: "a1", Currency: "USD"}
	e.MarkAsManual(acc.ID)
	e.SetInitialBalance(acc.ID, mustDecimal("1000"))

	txs := []domain.Transaction{
		{ID: "t1", Date: "2025-06-10", Type: domain.TransactionIncome, Amount: mustDecimal("500"), Currency: "USD", AccountID: "a1"},
		{ID: "t2", Date: "2025-06-12", Type: domain.TransactionExpense, Amount: mustDecimal("200"), Currency: "USD", AccountID: "a1"},
		// Future-dated: must not contribute.
		{ID: "t3", Date: "2025-07-01", Type: domain.TransactionIncome, Amount: mustDecimal("9999"), Currency: "USD", AccountID: "a1"},
	}

	got := e.CalculateBalance(acc, txs)
	if want := mustDecimal("1300"); !got.Equal(want) {
		t.Fatalf("balance = %s, want %s", got, want)
	}
}

func TestCalculateBalanceSkipsUnparseableDates(t *testing.T) {
	e := newTestBalanceEngine(10)
	acc := &domain.Account{ID: "a1", Currency: "USD"}
	e.SetInitialBalance(acc.ID, mustDecimal("100"))

	txs := []domain.Transaction{
		{ID: "t1", Date: "not-a-date", Type: domain.TransactionIncome, Amount: mustDecimal("500"), Currency: "USD", AccountID: "a1"},
		{ID: "t2", Date: "2025-06-01", Type: domain.TransactionIncome, Amount: mustDecimal("50"), Currency: "USD", AccountID: "a1"},
	}

	got := e.CalculateBalance(acc, txs)
	if want := mustDecimal("150"); !got.Equal(want) {
		t.Errorf("balance = %s, want %s", got, want)
	}
}

func TestCalculateBalanceImportedPreservesStoredBalance(t *testing.T) {
	e := newTestBalanceEngine(10)
	acc := &domain.Account{ID: "imp", Currency: "USD", Balance: mustDecimal("2500")}
	e.MarkAsImported(acc.ID)

	txs := []domain.Transaction{
		{ID: "t1", Date: "2025-06-10", Type: domain.TransactionIncome, Amount: mustDecimal("500"), Currency: "USD", AccountID: "imp"},
	}

	if got := e.CalculateBalance(acc, txs); !got.Equal(mustDecimal("2500")) {
		t.Errorf("imported balance = %s, want 2500", got)
	}

	// Once an initial balance is recorded, the replay path takes over.
	e.SetInitialBalance(acc.ID, mustDecimal("2000"))
	if got := e.CalculateBalance(acc, txs); !got.Equal(mustDecimal("2500")) {
		t.Errorf("converted balance = %s, want 2500", got)
	}
}

func TestCalculateBalanceDepositUsesDisplayBalance(t *testing.T) {
	e := newTestBalanceEngine(10)
	acc := &domain.Account{
		ID:        "dep",
		Currency:  "USD",
		IsDeposit: true,
		Deposit: &domain.DepositState{
			PrincipalBalance: mustDecimal("100000"),
			AccruedInterest:  mustDecimal("123.45"),
		},
	}

	// Replay input is ignored for deposits.
	txs := []domain.Transaction{
		{ID: "t1", Date: "2025-06-10", Type: domain.TransactionIncome, Amount: mustDecimal("500"), Currency: "USD", AccountID: "dep"},
	}

	if got := e.CalculateBalance(acc, txs); !got.Equal(mustDecimal("100123.45")) {
		t.Errorf("deposit balance = %s, want 100123.45", got)
	}
}

func TestCalculateInitialBalance(t *testing.T) {
	e := newTestBalanceEngine(10)

	txs := []domain.Transaction{
		{ID: "t1", Date: "2025-06-01", Type: domain.TransactionIncome, Amount: mustDecimal("500"), Currency: "USD", AccountID: "imp"},
		{ID: "t2", Date: "2025-06-05", Type: domain.TransactionExpense, Amount: mustDecimal("200"), Currency: "USD", AccountID: "imp"},
	}

	got := e.CalculateInitialBalance(mustDecimal("1500"), txs, "USD")
	if want := mustDecimal("1200"); !got.Equal(want) {
		t.Fatalf("initial = %s, want %s", got, want)
	}
}

func TestTransferApplyRollbackSymmetry(t *testing.T) {
	e := newTestBalanceEngine(10)
	src := &domain.Account{ID: "src", Currency: "USD"}
	dst := &domain.Account{ID: "dst", Currency: "USD"}

	tx := &domain.Transaction{
		ID:              "tr",
		Date:            "2025-06-10",
		Type:            domain.TransactionInternalTransfer,
		Amount:          mustDecimal("300"),
		Currency:        "USD",
		AccountID:       "src",
		TargetAccountID: "dst",
	}

	srcBal := e.ApplyTransaction(tx, mustDecimal("1000"), src, true)
	dstBal := e.ApplyTransaction(tx, mustDecimal("500"), dst, false)
	if !srcBal.Equal(mustDecimal("700")) || !dstBal.Equal(mustDecimal("800")) {
		t.Fatalf("after apply: src=%s dst=%s", srcBal, dstBal)
	}

	// Rollback is subtracting the same delta.
	srcBal = srcBal.Sub(e.delta(tx, src, true))
	dstBal = dstBal.Sub(e.delta(tx, dst, false))
	if !srcBal.Equal(mustDecimal("1000")) || !dstBal.Equal(mustDecimal("500")) {
		t.Errorf("after rollback: src=%s dst=%s", srcBal, dstBal)
	}
}

func TestCrossCurrencyTransferUsesRecordedAmounts(t *testing.T) {
	e := newTestBalanceEngine(10)
	dst := &domain.Account{ID: "dst", Currency: "EUR"}

	target := mustDecimal("90")
	tx := &domain.Transaction{
		ID:              "tr",
		Date:            "2025-06-10",
		Type:            domain.TransactionInternalTransfer,
		Amount:          mustDecimal("100"),
		Currency:        "USD",
		AccountID:       "src",
		TargetAccountID: "dst",
		TargetAmount:    &target,
		TargetCurrency:  "EUR",
	}

	got := e.ApplyTransaction(tx, decimal.Zero, dst, false)
	if !got.Equal(mustDecimal("90")) {
		t.Errorf("target side = %s, want 90 (recorded target amount)", got)
	}
}

func TestIncrementalMatchesFullRecalculation(t *testing.T) {
	e := newTestBalanceEngine(10)
	a1 := &domain.Account{ID: "a1", Currency: "USD"}
	a2 := &domain.Account{ID: "a2", Currency: "USD"}
	e.SetInitialBalance("a1", mustDecimal("1000"))
	e.SetInitialBalance("a2", mustDecimal("500"))
	accounts := map[string]*domain.Account{"a1": a1, "a2": a2}

	txs := []domain.Transaction{
		{ID: "t1", Date: "2025-06-01", Type: domain.TransactionIncome, Amount: mustDecimal("100"), Currency: "USD", AccountID: "a1"},
	}
	if _, err := e.RecalculateAll(context.Background(), []*domain.Account{a1, a2}, txs); err != nil {
		t.Fatalf("RecalculateAll: %v", err)
	}

	newTx := domain.Transaction{
		ID: "t2", Date: "2025-06-10", Type: domain.TransactionInternalTransfer,
		Amount: mustDecimal("250"), Currency: "USD",
		AccountID: "a1", TargetAccountID: "a2",
	}
	txs = append(txs, newTx)

	updated, ok := e.ApplyAddedTransaction(&newTx, accounts, len(txs))
	if !ok {
		t.Fatal("incremental path declined a single added transaction")
	}

	full, err := e.RecalculateAll(context.Background(), []*domain.Account{a1, a2}, txs)
	if err != nil {
		t.Fatalf("RecalculateAll: %v", err)
	}
	for id, want := range full {
		if got, found := updated[id]; !found || !got.Equal(want) {
			t.Errorf("account %s: incremental=%v full=%s", id, updated[id], want)
		}
	}
}

func TestIncrementalDeclinesWithoutBaseline(t *testing.T) {
	e := newTestBalanceEngine(10)
	acc := &domain.Account{ID: "a1", Currency: "USD"}
	tx := domain.Transaction{ID: "t1", Date: "2025-06-10", Type: domain.TransactionIncome, Amount: mustDecimal("100"), Currency: "USD", AccountID: "a1"}

	if _, ok := e.ApplyAddedTransaction(&tx, map[string]*domain.Account{"a1": acc}, 1); ok {
		t.Fatal("incremental path accepted with no baseline")
	}
}

func TestIncrementalDeclinesLargeBatch(t *testing.T) {
	e := newTestBalanceEngine(2)
	acc := &domain.Account{ID: "a1", Currency: "USD"}
	e.SetInitialBalance("a1", decimal.Zero)
	accounts := map[string]*domain.Account{"a1": acc}

	if _, err := e.RecalculateAll(context.Background(), []*domain.Account{acc}, nil); err != nil {
		t.Fatalf("RecalculateAll: %v", err)
	}

	tx := domain.Transaction{ID: "t1", Date: "2025-06-10", Type: domain.TransactionIncome, Amount: mustDecimal("100"), Currency: "USD", AccountID: "a1"}

	// Count jumped by 5 against a threshold of 2: a bulk import happened
	// behind the engine's back.
	if _, ok := e.ApplyAddedTransaction(&tx, accounts, 5); ok {
		t.Fatal("incremental path accepted a count jump beyond the threshold")
	}
}

func TestIncrementalSkipsFutureAndUnparseable(t *testing.T) {
	e := newTestBalanceEngine(10)
	acc := &domain.Account{ID: "a1", Currency: "USD"}
	e.SetInitialBalance("a1", mustDecimal("100"))
	accounts := map[string]*domain.Account{"a1": acc}

	if _, err := e.RecalculateAll(context.Background(), []*domain.Account{acc}, nil); err != nil {
		t.Fatalf("RecalculateAll: %v", err)
	}

	future := domain.Transaction{ID: "t1", Date: "2025-07-01", Type: domain.TransactionIncome, Amount: mustDecimal("999"), Currency: "USD", AccountID: "a1"}
	updated, ok := e.ApplyAddedTransaction(&future, accounts, 1)
	if !ok || len(updated) != 0 {
		t.Errorf("future-dated: ok=%v updated=%v, want accepted no-op", ok, updated)
	}

	bad := domain.Transaction{ID: "t2", Date: "junk", Type: domain.TransactionIncome, Amount: mustDecimal("999"), Currency: "USD", AccountID: "a1"}
	updated, ok = e.ApplyAddedTransaction(&bad, accounts, 2)
	if !ok || len(updated) != 0 {
		t.Errorf("unparseable date: ok=%v updated=%v, want accepted no-op", ok, updated)
	}

	if got := e.CachedBalances()["a1"]; !got.Equal(mustDecimal("100")) {
		t.Errorf("cached balance drifted to %s", got)
	}
}

func TestIncrementalSkipsDepositAccounts(t *testing.T) {
	e := newTestBalanceEngine(10)
	src := &domain.Account{ID: "src", Currency: "USD"}
	dep := &domain.Account{
		ID: "dep", Currency: "USD", IsDeposit: true,
		Deposit: &domain.DepositState{PrincipalBalance: mustDecimal("1000")},
	}
	e.SetInitialBalance("src", mustDecimal("2000"))
	accounts := map[string]*domain.Account{"src": src, "dep": dep}

	if _, err := e.RecalculateAll(context.Background(), []*domain.Account{src, dep}, nil); err != nil {
		t.Fatalf("RecalculateAll: %v", err)
	}

	tx := domain.Transaction{ID: "t1", Date: "2025-06-10", Type: domain.TransactionDepositTopUp, Amount: mustDecimal("500"), Currency: "USD", AccountID: "src", TargetAccountID: "dep"}
	updated, ok := e.ApplyAddedTransaction(&tx, accounts, 1)
	if !ok {
		t.Fatal("incremental path declined")
	}
	if _, touched := updated["dep"]; touched {
		t.Error("deposit balance was updated by replay; it must derive from deposit state only")
	}
}
