package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mkravets/ledgerd/internal/domain"
	"github.com/mkravets/ledgerd/internal/infra/observability"
)

var ledgerTracer = otel.Tracer("service/ledger")

// LedgerService owns the in-memory ledger (accounts and transactions) and
// orchestrates the engines. Every balance-affecting mutation is turned into
// a queue request; the queue's drain callback is the only code path that
// writes balances, so readers always observe the result of a completed drain.
type LedgerService struct {
	balance    *BalanceEngine
	deposits   *DepositInterestEngine
	aggregates *AggregationEngine
	aggCache   *AggregateCache
	queue      *UpdateQueue
	metrics    *observability.Metrics
	logger     *zap.Logger

	mu           sync.RWMutex
	accounts     map[string]*domain.Account
	order        []string
	transactions []domain.Transaction
	txIDs        map[string]struct{}
}

// NewLedgerService wires the engines together. The deposit engine and the
// update queue are constructed here because both need the service itself:
// the deposit engine emits postings into the ledger, and the queue drains
// into the service's batch processor.
func NewLedgerService(
	balance *BalanceEngine,
	aggregates *AggregationEngine,
	aggCache *AggregateCache,
	queueCfg QueueConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *LedgerService {
	s := &LedgerService{
		balance:    balance,
		aggregates: aggregates,
		aggCache:   aggCache,
		metrics:    metrics,
		logger:     logger,
		accounts:   make(map[string]*domain.Account),
		txIDs:      make(map[string]struct{}),
	}
	s.deposits = NewDepositInterestEngine(&interestSink{svc: s}, metrics, logger)
	s.queue = NewUpdateQueue(queueCfg, s.processBatch, metrics, logger)
	return s
}

// interestSink receives interest postings emitted during deposit
// reconciliation. Reconciliation only ever runs inside a drain, which holds
// the service lock, so the sink appends without locking.
type interestSink struct {
	svc *LedgerService
}

func (k *interestSink) CreateTransaction(_ context.Context, tx domain.Transaction) error {
	s := k.svc
	if _, exists := s.txIDs[tx.ID]; exists {
		return nil
	}
	s.transactions = append(s.transactions, tx)
	s.txIDs[tx.ID] = struct{}{}
	return nil
}

// ============================================================
// Accounts
// ============================================================

// AddAccount registers a manually created account. Its provided balance
// becomes the initial balance the full history replays on top of.
func (s *LedgerService) AddAccount(ctx context.Context, account domain.Account) (domain.Account, error) {
	_, span := ledgerTracer.Start(ctx, "LedgerService.AddAccount")
	defer span.End()

	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.Currency == "" {
		return domain.Account{}, &domain.ErrValidation{Field: "currency", Message: "currency is required"}
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	if account.IsDeposit && account.Deposit == nil {
		return domain.Account{}, &domain.ErrValidation{Field: "deposit", Message: "deposit account requires deposit state"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.ID]; exists {
		return domain.Account{}, &domain.ErrDuplicate{Key: "account:" + account.ID}
	}
	acc := account
	s.accounts[acc.ID] = &acc
	s.order = append(s.order, acc.ID)

	s.balance.MarkAsManual(acc.ID)
	if !acc.IsDeposit {
		s.balance.SetInitialBalance(acc.ID, acc.Balance)
	}
	return acc, nil
}

// ImportAccount registers an account whose stored balance already reflects
// its full history. The balance is preserved as observed; only transactions
// added afterwards move it.
func (s *LedgerService) ImportAccount(ctx context.Context, account domain.Account) (domain.Account, error) {
	_, span := ledgerTracer.Start(ctx, "LedgerService.ImportAccount")
	defer span.End()

	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.Currency == "" {
		return domain.Account{}, &domain.ErrValidation{Field: "currency", Message: "currency is required"}
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.ID]; exists {
		return domain.Account{}, &domain.ErrDuplicate{Key: "account:" + account.ID}
	}
	acc := account
	s.accounts[acc.ID] = &acc
	s.order = append(s.order, acc.ID)
	s.balance.MarkAsImported(acc.ID)
	return acc, nil
}

// ConvertImportedAccount solves for an imported account's initial balance
// from its current balance and history, making it fully computable from then
// on. One-way: once an initial balance is recorded the replay path applies.
func (s *LedgerService) ConvertImportedAccount(ctx context.Context, accountID string) error {
	_, span := ledgerTracer.Start(ctx, "LedgerService.ConvertImportedAccount")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID))

	s.mu.Lock()
	acc, ok := s.accounts[accountID]
	if !ok {
		s.mu.Unlock()
		return &domain.ErrNotFound{Resource: "account", ID: accountID}
	}
	history := s.accountTransactionsLocked(accountID)
	initial := s.balance.CalculateInitialBalance(acc.Balance, history, acc.Currency)
	s.balance.SetInitialBalance(accountID, initial)
	s.mu.Unlock()

	s.logger.Info("imported account converted to computable",
		zap.String("account_id", accountID),
		zap.String("initial_balance", initial.String()),
	)
	return nil
}

func (s *LedgerService) accountTransactionsLocked(accountID string) []domain.Transaction {
	var out []domain.Transaction
	for i := range s.transactions {
		if isSource, isTarget := s.transactions[i].Affects(accountID); isSource || isTarget {
			out = append(out, s.transactions[i])
		}
	}
	return out
}

// Account returns a copy of one account.
func (s *LedgerService) Account(ctx context.Context, id string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, &domain.ErrNotFound{Resource: "account", ID: id}
	}
	out := *acc
	if acc.Deposit != nil {
		out.Deposit = acc.Deposit.Clone()
	}
	return out, nil
}

// Accounts returns copies of all accounts in registration order.
func (s *LedgerService) Accounts(ctx context.Context) []domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Account, 0, len(s.order))
	for _, id := range s.order {
		acc := *s.accounts[id]
		if s.accounts[id].Deposit != nil {
			acc.Deposit = s.accounts[id].Deposit.Clone()
		}
		out = append(out, acc)
	}
	return out
}

// Balances returns the current balance of every account.
func (s *LedgerService) Balances(ctx context.Context) map[string]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(s.accounts))
	for id, acc := range s.accounts {
		out[id] = acc.Balance
	}
	return out
}

// ============================================================
// Transactions
// ============================================================

func (s *LedgerService) validateTransaction(tx *domain.Transaction) error {
	if _, err := domain.ParseDay(tx.Date); err != nil {
		return err
	}
	if !tx.Amount.IsPositive() {
		return &domain.ErrValidation{Field: "amount", Message: "amount must be positive"}
	}
	switch tx.Type {
	case domain.TransactionIncome, domain.TransactionExpense,
		domain.TransactionInternalTransfer, domain.TransactionDepositTopUp,
		domain.TransactionDepositWithdrawal, domain.TransactionDepositInterest:
	default:
		return &domain.ErrValidation{Field: "type", Message: "unknown transaction type"}
	}
	if tx.Currency == "" {
		return &domain.ErrValidation{Field: "currency", Message: "currency is required"}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[tx.AccountID]; !ok {
		return &domain.ErrNotFound{Resource: "account", ID: tx.AccountID}
	}
	if tx.IsTransferLike() {
		if tx.TargetAccountID == "" {
			return &domain.ErrValidation{Field: "target_account_id", Message: "transfer requires a target account"}
		}
		if _, ok := s.accounts[tx.TargetAccountID]; !ok {
			return &domain.ErrNotFound{Resource: "account", ID: tx.TargetAccountID}
		}
	}
	return nil
}

// AddTransaction inserts a transaction and enqueues the balance update.
func (s *LedgerService) AddTransaction(ctx context.Context, tx domain.Transaction, priority domain.Priority) (domain.Transaction, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.AddTransaction")
	defer span.End()

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	if err := s.validateTransaction(&tx); err != nil {
		return domain.Transaction{}, err
	}

	s.mu.Lock()
	if _, exists := s.txIDs[tx.ID]; exists {
		s.mu.Unlock()
		return domain.Transaction{}, &domain.ErrDuplicate{Key: "transaction:" + tx.ID}
	}
	s.transactions = append(s.transactions, tx)
	s.txIDs[tx.ID] = struct{}{}
	s.mu.Unlock()

	txCopy := tx
	err := s.queue.Submit(ctx, &domain.BalanceRequest{
		Op:          domain.OpAddTransaction,
		Transaction: &txCopy,
		AccountIDs:  affectedIDs(&tx),
		Priority:    priority,
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return tx, nil
}

// RemoveTransaction deletes a transaction and enqueues the rollback.
func (s *LedgerService) RemoveTransaction(ctx context.Context, id string, priority domain.Priority) error {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.RemoveTransaction")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id))

	s.mu.Lock()
	idx := -1
	for i := range s.transactions {
		if s.transactions[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return &domain.ErrNotFound{Resource: "transaction", ID: id}
	}
	removed := s.transactions[idx]
	s.transactions = append(s.transactions[:idx], s.transactions[idx+1:]...)
	delete(s.txIDs, id)
	s.mu.Unlock()

	return s.queue.Submit(ctx, &domain.BalanceRequest{
		Op:          domain.OpRemoveTransaction,
		Transaction: &removed,
		AccountIDs:  affectedIDs(&removed),
		Priority:    priority,
	})
}

// UpdateTransaction replaces a transaction. Modeled as remove-then-add so the
// rollback/apply pair flows through the same incremental machinery as any
// other mutation.
func (s *LedgerService) UpdateTransaction(ctx context.Context, id string, updated domain.Transaction, priority domain.Priority) (domain.Transaction, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.UpdateTransaction")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id))

	updated.ID = id
	if updated.CreatedAt.IsZero() {
		updated.CreatedAt = time.Now()
	}
	if err := s.validateTransaction(&updated); err != nil {
		return domain.Transaction{}, err
	}

	s.mu.Lock()
	idx := -1
	for i := range s.transactions {
		if s.transactions[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return domain.Transaction{}, &domain.ErrNotFound{Resource: "transaction", ID: id}
	}
	old := s.transactions[idx]
	s.transactions[idx] = updated
	s.mu.Unlock()

	oldCopy, newCopy := old, updated
	if err := s.queue.Submit(ctx, &domain.BalanceRequest{
		Op:          domain.OpRemoveTransaction,
		Transaction: &oldCopy,
		AccountIDs:  affectedIDs(&old),
		Priority:    priority,
	}); err != nil {
		return domain.Transaction{}, err
	}
	if err := s.queue.Submit(ctx, &domain.BalanceRequest{
		Op:          domain.OpAddTransaction,
		Transaction: &newCopy,
		AccountIDs:  affectedIDs(&updated),
		Priority:    priority,
	}); err != nil {
		return domain.Transaction{}, err
	}
	return updated, nil
}

// Transactions returns a copy of the full ledger, insertion-ordered.
func (s *LedgerService) Transactions(ctx context.Context) []domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Transaction, len(s.transactions))
	copy(out, s.transactions)
	return out
}

func affectedIDs(tx *domain.Transaction) []string {
	ids := []string{tx.AccountID}
	if tx.TargetAccountID != "" && tx.TargetAccountID != tx.AccountID {
		ids = append(ids, tx.TargetAccountID)
	}
	return ids
}

// ============================================================
// Recalculation and reconciliation
// ============================================================

// Recalculate enqueues a recalculation: targeted when account IDs are given,
// otherwise the full pass. Deposit accounts in scope are reconciled first.
func (s *LedgerService) Recalculate(ctx context.Context, accountIDs []string, priority domain.Priority) error {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.Recalculate")
	defer span.End()

	op := domain.OpRecalculateAll
	if len(accountIDs) > 0 {
		op = domain.OpRecalculateAccounts
	}
	return s.queue.Submit(ctx, &domain.BalanceRequest{
		Op:         op,
		AccountIDs: accountIDs,
		Priority:   priority,
	})
}

// ReconcileDeposit brings one deposit account's interest up to date. Runs as
// an immediate targeted recalculation so the caller observes the result.
func (s *LedgerService) ReconcileDeposit(ctx context.Context, accountID string) error {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.ReconcileDeposit")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID))

	s.mu.RLock()
	acc, ok := s.accounts[accountID]
	if !ok {
		s.mu.RUnlock()
		return &domain.ErrNotFound{Resource: "account", ID: accountID}
	}
	if !acc.IsDeposit {
		s.mu.RUnlock()
		return &domain.ErrValidation{Field: "account", Message: "not a deposit account"}
	}
	s.mu.RUnlock()

	return s.queue.Submit(ctx, &domain.BalanceRequest{
		Op:         domain.OpRecalculateAccounts,
		AccountIDs: []string{accountID},
		Priority:   domain.PriorityImmediate,
	})
}

// Rebuild recomputes everything from the raw ledger: deposit reconciliation,
// full balance recalculation and a from-scratch aggregate rebuild. The whole
// rebuild runs inside a drain, so pending mutations in the same batch are
// covered by the rebuild's ledger scan instead of being applied twice.
func (s *LedgerService) Rebuild(ctx context.Context) error {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.Rebuild")
	defer span.End()

	return s.queue.Submit(ctx, &domain.BalanceRequest{
		Op:       domain.OpRebuildAll,
		Priority: domain.PriorityImmediate,
	})
}

// RenameCategory retags every transaction in oldName and rebuilds the
// aggregates from the full ledger. The old category's persisted buckets are
// dropped so lazily loaded years cannot resurrect it. Balances are untouched.
func (s *LedgerService) RenameCategory(ctx context.Context, oldName, newName string) error {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.RenameCategory")
	defer span.End()
	span.SetAttributes(
		attribute.String("category.old", oldName),
		attribute.String("category.new", newName),
	)

	if oldName == "" || newName == "" {
		return &domain.ErrValidation{Field: "category", Message: "category names must not be empty"}
	}
	if oldName == newName {
		return &domain.ErrValidation{Field: "category", Message: "old and new names are identical"}
	}

	s.mu.Lock()
	changed := 0
	for i := range s.transactions {
		if s.transactions[i].Category == oldName {
			s.transactions[i].Category = newName
			changed++
		}
	}
	s.mu.Unlock()

	if changed == 0 {
		return &domain.ErrNotFound{Resource: "category", ID: oldName}
	}

	if err := s.aggCache.DropCategory(ctx, oldName); err != nil {
		return err
	}

	s.logger.Info("category renamed",
		zap.String("from", oldName),
		zap.String("to", newName),
		zap.Int("transactions", changed),
	)
	return s.queue.Submit(ctx, &domain.BalanceRequest{
		Op:       domain.OpRebuildAll,
		Priority: domain.PriorityImmediate,
	})
}

// ============================================================
// Queries
// ============================================================

// CategoryExpenses answers a per-category spending query for a time filter.
func (s *LedgerService) CategoryExpenses(ctx context.Context, filter domain.TimeFilter, currency string) (map[string]decimal.Decimal, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.CategoryExpenses")
	defer span.End()
	return s.aggregates.CategoryExpenses(ctx, filter, currency)
}

// Aggregates returns a snapshot of all resident aggregate buckets.
func (s *LedgerService) Aggregates(ctx context.Context) []domain.CategoryAggregate {
	return s.aggCache.Snapshot()
}

// QueueStats exposes queue health counters.
func (s *LedgerService) QueueStats() domain.QueueStats {
	return s.queue.Stats()
}

// Flush drains the queue and persists dirty aggregates. Used on shutdown.
func (s *LedgerService) Flush(ctx context.Context) error {
	s.queue.Flush(ctx)
	return s.aggCache.Flush(ctx)
}

// ============================================================
// Drain processing
// ============================================================

// batchState tracks which authoritative passes have already run while a
// drain batch is processed. Transactions land in the ledger at submit time,
// so a full pass anywhere in the batch has already seen every add/remove
// request of that batch; later requests must not be applied on top of it.
type batchState struct {
	fullDone    bool
	rebuiltAggs bool
}

// processBatch is the queue's drain callback: the single writer for balances
// and deposit state. It holds the service lock for the whole batch so readers
// only ever see the state between drains.
func (s *LedgerService) processBatch(ctx context.Context, requests []*domain.BalanceRequest) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.processBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("requests", len(requests)))

	s.mu.Lock()
	state := &batchState{}
	for _, req := range requests {
		switch req.Op {
		case domain.OpAddTransaction:
			s.applyDeltaLocked(ctx, req.Transaction, 1, state)
		case domain.OpRemoveTransaction:
			s.applyDeltaLocked(ctx, req.Transaction, -1, state)
		case domain.OpRecalculateAccounts:
			s.recalcAccountsLocked(ctx, req.AccountIDs)
		case domain.OpRecalculateAll:
			if !state.fullDone {
				s.recalcAllLocked(ctx)
				state.fullDone = true
			}
		case domain.OpRebuildAll:
			if !state.rebuiltAggs {
				s.aggregates.BuildAggregates(ctx, s.transactions)
				s.recalcAllLocked(ctx)
				state.rebuiltAggs = true
				state.fullDone = true
			}
		}
	}
	s.mu.Unlock()

	if err := s.aggCache.Flush(ctx); err != nil {
		s.logger.Error("aggregate flush failed", zap.Error(err))
	}
}

// applyDeltaLocked runs one transaction through the incremental paths of
// both engines, falling back to a full recalculation when the balance engine
// declines. Once an authoritative pass has run in this batch, the ledger
// scan behind it already included this transaction, so the corresponding
// incremental apply is skipped instead of double-counting it.
func (s *LedgerService) applyDeltaLocked(ctx context.Context, tx *domain.Transaction, sign int, state *batchState) {
	if tx == nil {
		return
	}

	if !state.rebuiltAggs {
		if sign > 0 {
			s.aggregates.ApplyAddition(tx)
		} else {
			s.aggregates.ApplyDeletion(tx)
		}
	}

	if state.fullDone {
		return
	}

	var (
		updated map[string]decimal.Decimal
		ok      bool
	)
	if sign > 0 {
		updated, ok = s.balance.ApplyAddedTransaction(tx, s.accounts, len(s.transactions))
	} else {
		updated, ok = s.balance.ApplyRemovedTransaction(tx, s.accounts, len(s.transactions))
	}
	if !ok {
		s.recalcAllLocked(ctx)
		state.fullDone = true
		return
	}
	for id, b := range updated {
		if acc, exists := s.accounts[id]; exists {
			acc.Balance = b
		}
	}
}

// recalcAllLocked reconciles every deposit and recomputes every balance.
func (s *LedgerService) recalcAllLocked(ctx context.Context) {
	for _, id := range s.order {
		acc := s.accounts[id]
		if !acc.IsDeposit || acc.Deposit == nil {
			continue
		}
		if err := s.deposits.Reconcile(ctx, acc, s.transactions); err != nil {
			s.logger.Error("deposit reconciliation failed",
				zap.String("account_id", id),
				zap.Error(err),
			)
		}
	}

	accounts := make([]*domain.Account, 0, len(s.order))
	for _, id := range s.order {
		accounts = append(accounts, s.accounts[id])
	}
	balances, err := s.balance.RecalculateAll(ctx, accounts, s.transactions)
	if err != nil {
		s.logger.Error("full recalculation failed", zap.Error(err))
		return
	}
	for id, b := range balances {
		s.accounts[id].Balance = b
	}
}

// recalcAccountsLocked reconciles and recomputes just the listed accounts.
func (s *LedgerService) recalcAccountsLocked(ctx context.Context, accountIDs []string) {
	accounts := make([]*domain.Account, 0, len(accountIDs))
	for _, id := range accountIDs {
		acc, ok := s.accounts[id]
		if !ok {
			continue
		}
		if acc.IsDeposit && acc.Deposit != nil {
			if err := s.deposits.Reconcile(ctx, acc, s.transactions); err != nil {
				s.logger.Error("deposit reconciliation failed",
					zap.String("account_id", id),
					zap.Error(err),
				)
			}
		}
		accounts = append(accounts, acc)
	}
	if len(accounts) == 0 {
		return
	}
	balances := s.balance.RecalculateAccounts(ctx, accounts, s.transactions)
	for id, b := range balances {
		s.accounts[id].Balance = b
	}
}
