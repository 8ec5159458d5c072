// Package service contains the ledger engines: balance calculation, deposit
// interest accrual, category aggregation, and the update coordination queue
// that serializes every balance-affecting mutation.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mkravets/ledgerd/internal/domain"
	"github.com/mkravets/ledgerd/internal/infra/observability"
	"github.com/mkravets/ledgerd/internal/port"
)

var balanceTracer = otel.Tracer("service/balance")

// recalcConcurrency bounds the fan-out of a full recalculation pass.
const recalcConcurrency = 4

// BalanceEngine is the single source of truth for deriving account balances
// from the transaction stream. It supports full recomputation and an
// O(changed-accounts) incremental path backed by a last-known-balance cache.
type BalanceEngine struct {
	converter      port.CurrencyConverter
	metrics        *observability.Metrics
	logger         *zap.Logger
	batchThreshold int
	now            func() time.Time

	mu              sync.Mutex
	modes           map[string]domain.AccountMode
	initialBalances map[string]decimal.Decimal

	// Incremental baseline: balances and transaction count recorded at the
	// last full recalculation.
	lastBalances map[string]decimal.Decimal
	lastTxCount  int
	baselineSet  bool
}

// NewBalanceEngine creates a balance engine. batchThreshold is the maximum
// net change in transaction count the incremental path will trust before
// forcing a full recalculation.
func NewBalanceEngine(converter port.CurrencyConverter, batchThreshold int, metrics *observability.Metrics, logger *zap.Logger) *BalanceEngine {
	if batchThreshold < 1 {
		batchThreshold = 1
	}
	return &BalanceEngine{
		converter:       converter,
		metrics:         metrics,
		logger:          logger,
		batchThreshold:  batchThreshold,
		now:             time.Now,
		modes:           make(map[string]domain.AccountMode),
		initialBalances: make(map[string]decimal.Decimal),
		lastBalances:    make(map[string]decimal.Decimal),
	}
}

// ============================================================
// Account mode registry (ledger metadata, survives recomputation)
// ============================================================

// MarkAsImported records that the account's stored balance already reflects
// its full history; only transactions added afterwards are applied.
func (e *BalanceEngine) MarkAsImported(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modes[accountID] = domain.ModePreserveImported
}

// MarkAsManual records that the account's balance derives from an initial
// balance plus full transaction replay.
func (e *BalanceEngine) MarkAsManual(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modes[accountID] = domain.ModeFromInitialBalance
}

// ModeOf returns the account's balance mode, defaulting to manual.
func (e *BalanceEngine) ModeOf(accountID string) domain.AccountMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.modes[accountID]; ok {
		return m
	}
	return domain.ModeFromInitialBalance
}

// SetInitialBalance records a computed initial balance for an account.
func (e *BalanceEngine) SetInitialBalance(accountID string, balance decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialBalances[accountID] = balance
}

// InitialBalance returns the recorded initial balance, if any.
func (e *BalanceEngine) InitialBalance(accountID string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.initialBalances[accountID]
	return b, ok
}

// ============================================================
// Currency amount selection
// ============================================================

// amountFor resolves the amount a transaction contributes on one side, in
// the account's currency. Recorded amounts win over live conversion so that
// later rate changes cannot drift balances; the raw amount is the last
// resort.
func (e *BalanceEngine) amountFor(tx *domain.Transaction, accountCurrency string, isSource bool) decimal.Decimal {
	if isSource {
		if tx.ConvertedAmount != nil {
			return *tx.ConvertedAmount
		}
	} else {
		if tx.TargetAmount != nil {
			return *tx.TargetAmount
		}
	}

	if tx.Currency == accountCurrency {
		return tx.Amount
	}
	if converted, ok := e.converter.ConvertSync(tx.Amount, tx.Currency, accountCurrency); ok {
		return converted
	}
	return tx.Amount
}

// ============================================================
// Single-transaction delta
// ============================================================

// delta returns the signed balance change the transaction causes on the
// given side of the account. ApplyTransaction and its rollback are both
// expressed through this one function, so apply/rollback stay exact
// inverses.
func (e *BalanceEngine) delta(tx *domain.Transaction, account *domain.Account, isSource bool) decimal.Decimal {
	switch tx.Type {
	case domain.TransactionIncome, domain.TransactionDepositInterest:
		if isSource {
			return e.amountFor(tx, account.Currency, true)
		}
	case domain.TransactionExpense:
		if isSource {
			return e.amountFor(tx, account.Currency, true).Neg()
		}
	case domain.TransactionInternalTransfer, domain.TransactionDepositTopUp, domain.TransactionDepositWithdrawal:
		if isSource {
			return e.amountFor(tx, account.Currency, true).Neg()
		}
		return e.amountFor(tx, account.Currency, false)
	}
	return decimal.Zero
}

// ApplyTransaction applies a single transaction to a balance. Rolling back
// is subtracting the same delta.
func (e *BalanceEngine) ApplyTransaction(tx *domain.Transaction, balance decimal.Decimal, account *domain.Account, isSource bool) decimal.Decimal {
	return balance.Add(e.delta(tx, account, isSource))
}

// ============================================================
// Balance derivation
// ============================================================

// CalculateInitialBalance solves for the initial balance of an imported
// account: initial = current − Σ(income) + Σ(expense) over income/expense
// transactions in the target currency. Transfers and deposit movements are
// excluded; the caller resolves those with source/target knowledge.
func (e *BalanceEngine) CalculateInitialBalance(currentBalance decimal.Decimal, transactions []domain.Transaction, currency string) decimal.Decimal {
	initial := currentBalance
	for i := range transactions {
		tx := &transactions[i]
		switch tx.Type {
		case domain.TransactionIncome:
			initial = initial.Sub(e.amountFor(tx, currency, true))
		case domain.TransactionExpense:
			initial = initial.Add(e.amountFor(tx, currency, true))
		}
	}
	return initial
}

// CalculateBalance derives the current balance of one account.
//
// Deposit accounts always derive from DepositState; transaction replay is
// ignored for them. Otherwise the account's mode decides: manual mode
// replays every non-future transaction on top of the initial balance;
// imported mode without a recorded initial balance returns the stored
// balance unchanged.
func (e *BalanceEngine) CalculateBalance(account *domain.Account, transactions []domain.Transaction) decimal.Decimal {
	if account.IsDeposit && account.Deposit != nil {
		return account.Deposit.DisplayBalance()
	}

	initial, hasInitial := e.InitialBalance(account.ID)
	if e.ModeOf(account.ID) == domain.ModePreserveImported && !hasInitial {
		return account.Balance
	}
	if !hasInitial {
		initial = decimal.Zero
	}

	today := domain.Day(e.now())
	balance := initial
	for i := range transactions {
		tx := &transactions[i]
		if _, err := domain.ParseDay(tx.Date); err != nil {
			e.logger.Warn("skipping transaction with unparseable date",
				zap.String("transaction_id", tx.ID),
				zap.String("date", tx.Date),
			)
			continue
		}
		// Future-dated transactions are excluded outright.
		if tx.Date > today {
			continue
		}

		isSource, isTarget := tx.Affects(account.ID)
		if isSource {
			balance = e.ApplyTransaction(tx, balance, account, true)
		} else if isTarget {
			balance = e.ApplyTransaction(tx, balance, account, false)
		}
	}
	return balance
}

// RecalculateAll is the authoritative full recomputation. It recomputes
// every account's balance and resets the incremental baseline.
func (e *BalanceEngine) RecalculateAll(ctx context.Context, accounts []*domain.Account, transactions []domain.Transaction) (map[string]decimal.Decimal, error) {
	ctx, span := balanceTracer.Start(ctx, "BalanceEngine.RecalculateAll")
	defer span.End()
	span.SetAttributes(
		attribute.Int("accounts", len(accounts)),
		attribute.Int("transactions", len(transactions)),
	)

	results := make([]decimal.Decimal, len(accounts))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(recalcConcurrency)
	for i := range accounts {
		g.Go(func() error {
			results[i] = e.CalculateBalance(accounts[i], transactions)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	balances := make(map[string]decimal.Decimal, len(accounts))
	for i, acc := range accounts {
		balances[acc.ID] = results[i]
	}

	e.mu.Lock()
	e.lastBalances = make(map[string]decimal.Decimal, len(balances))
	for id, b := range balances {
		e.lastBalances[id] = b
	}
	e.lastTxCount = len(transactions)
	e.baselineSet = true
	e.mu.Unlock()

	e.metrics.IncrRecalculation("full")
	return balances, nil
}

// RecalculateAccounts recomputes a subset of accounts and refreshes their
// baseline entries. Unlike RecalculateAll it leaves the transaction-count
// baseline alone, so a stale baseline elsewhere still forces a full pass.
func (e *BalanceEngine) RecalculateAccounts(ctx context.Context, accounts []*domain.Account, transactions []domain.Transaction) map[string]decimal.Decimal {
	_, span := balanceTracer.Start(ctx, "BalanceEngine.RecalculateAccounts")
	defer span.End()
	span.SetAttributes(attribute.Int("accounts", len(accounts)))

	balances := make(map[string]decimal.Decimal, len(accounts))
	for _, acc := range accounts {
		balances[acc.ID] = e.CalculateBalance(acc, transactions)
	}

	e.mu.Lock()
	for id, b := range balances {
		e.lastBalances[id] = b
	}
	e.mu.Unlock()

	e.metrics.IncrRecalculation("full")
	return balances
}

// ============================================================
// Incremental updates
// ============================================================

// incrementalSafe reports whether the baseline can absorb an incremental
// step given the ledger's current transaction count. Large unobserved batch
// mutations (e.g. a CSV import) make incremental deltas untrustworthy.
func (e *BalanceEngine) incrementalSafe(totalTxCount int) bool {
	if !e.baselineSet {
		return false
	}
	diff := totalTxCount - e.lastTxCount
	if diff < 0 {
		diff = -diff
	}
	return diff <= e.batchThreshold
}

// applyIncremental shares the add/remove implementation; sign is +1 for an
// added transaction and -1 for a removed one.
func (e *BalanceEngine) applyIncremental(tx *domain.Transaction, accounts map[string]*domain.Account, totalTxCount int, sign int64) (map[string]decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.incrementalSafe(totalTxCount) {
		return nil, false
	}

	updated := make(map[string]decimal.Decimal)

	if _, err := domain.ParseDay(tx.Date); err != nil {
		// Unparseable dates never contribute to balances; just track the
		// new baseline count.
		e.lastTxCount = totalTxCount
		return updated, true
	}
	if tx.Date > domain.Day(e.now()) {
		e.lastTxCount = totalTxCount
		return updated, true
	}

	mult := decimal.NewFromInt(sign)
	apply := func(accountID string, isSource bool) bool {
		account, ok := accounts[accountID]
		if !ok {
			return false
		}
		// Deposit balances derive from DepositState, not replay.
		if account.IsDeposit {
			return true
		}
		last, ok := e.lastBalances[accountID]
		if !ok {
			return false
		}
		e.lastBalances[accountID] = last.Add(e.delta(tx, account, isSource).Mul(mult))
		updated[accountID] = e.lastBalances[accountID]
		return true
	}

	if tx.AccountID != "" {
		if !apply(tx.AccountID, true) {
			return nil, false
		}
	}
	if tx.TargetAccountID != "" && tx.TargetAccountID != tx.AccountID {
		if !apply(tx.TargetAccountID, false) {
			return nil, false
		}
	}

	e.lastTxCount = totalTxCount
	e.metrics.IncrRecalculation("incremental")
	return updated, true
}

// ApplyAddedTransaction updates the affected accounts' cached balances for a
// newly added transaction. Returns false when the incremental path cannot be
// trusted and a full recalculation is required.
func (e *BalanceEngine) ApplyAddedTransaction(tx *domain.Transaction, accounts map[string]*domain.Account, totalTxCount int) (map[string]decimal.Decimal, bool) {
	return e.applyIncremental(tx, accounts, totalTxCount, 1)
}

// ApplyRemovedTransaction rolls a transaction's effect back out of the
// cached balances; the rollback is the exact negated delta of the apply.
func (e *BalanceEngine) ApplyRemovedTransaction(tx *domain.Transaction, accounts map[string]*domain.Account, totalTxCount int) (map[string]decimal.Decimal, bool) {
	return e.applyIncremental(tx, accounts, totalTxCount, -1)
}

// CachedBalances returns a snapshot of the last-known balances.
func (e *BalanceEngine) CachedBalances() map[string]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(e.lastBalances))
	for id, b := range e.lastBalances {
		out[id] = b
	}
	return out
}
