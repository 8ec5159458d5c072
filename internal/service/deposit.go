package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mkravets/ledgerd/internal/domain"
	"github.com/mkravets/ledgerd/internal/infra/observability"
	"github.com/mkravets/ledgerd/internal/port"
)

var depositTracer = otel.Tracer("service/deposit")

var (
	daysPerYear = decimal.NewFromInt(365)
	oneHundred  = decimal.NewFromInt(100)
)

// DepositInterestEngine drives the day-by-day accrual and monthly posting
// state machine for deposit accounts. Reconcile is idempotent: it can run on
// every launch and recalculation without duplicating postings.
type DepositInterestEngine struct {
	sink    port.TransactionSink
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewDepositInterestEngine creates the engine. Emitted interest
// transactions go to sink; the caller owns ledger insertion.
func NewDepositInterestEngine(sink port.TransactionSink, metrics *observability.Metrics, logger *zap.Logger) *DepositInterestEngine {
	return &DepositInterestEngine{
		sink:    sink,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// postingID derives a deterministic transaction ID from the posting's
// identity, so replays of the same posting can never duplicate.
func postingID(depositID, postingMonth string, amount decimal.Decimal, currency string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", depositID, postingMonth, amount.String(), currency)))
	return hex.EncodeToString(sum[:])
}

// clampPostingDay clamps a 1-31 posting day to the length of the month.
func clampPostingDay(day int, month time.Time) int {
	lastDay := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC).
		AddDate(0, 1, -1).Day()
	if day > lastDay {
		return lastDay
	}
	if day < 1 {
		return 1
	}
	return day
}

// hasPostingFor reports whether the ledger already holds an interest
// posting for the account dated on or after the month start. This is the
// idempotency guard against replays that lost the engine's state.
func hasPostingFor(accountID, monthStart string, transactions []domain.Transaction) bool {
	for i := range transactions {
		tx := &transactions[i]
		if tx.Type == domain.TransactionDepositInterest &&
			tx.AccountID == accountID &&
			tx.Date >= monthStart {
			return true
		}
	}
	return false
}

// Reconcile brings one deposit account's interest state up to date,
// emitting zero or more posting transactions along the way.
//
// Every day strictly after LastInterestCalculationDate and strictly before
// today accrues daily interest at the rate effective that day; when the
// day is the account's (clamped) posting day and no posting exists for the
// month yet, the accumulated interest is posted. Malformed dates abort the
// whole reconciliation for the account, leaving its state untouched.
func (e *DepositInterestEngine) Reconcile(ctx context.Context, account *domain.Account, allTransactions []domain.Transaction) error {
	ctx, span := depositTracer.Start(ctx, "DepositInterestEngine.Reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", account.ID))

	if !account.IsDeposit || account.Deposit == nil {
		return &domain.ErrValidation{Field: "account", Message: "not a deposit account"}
	}

	today := e.now().UTC().Truncate(24 * time.Hour)
	todayStr := domain.Day(today)

	state := account.Deposit.Clone()

	var from time.Time
	if state.LastInterestCalculationDate != "" {
		parsed, err := domain.ParseDay(state.LastInterestCalculationDate)
		if err != nil {
			e.logger.Error("deposit reconciliation aborted: bad calculation date",
				zap.String("account_id", account.ID),
				zap.String("date", state.LastInterestCalculationDate),
			)
			return err
		}
		from = parsed
	} else {
		// Never calculated: start accruing from the account's creation day.
		from = time.Date(account.CreatedAt.Year(), account.CreatedAt.Month(), account.CreatedAt.Day(), 0, 0, 0, 0, time.UTC)
	}

	// Already up to date.
	if !from.Before(today) {
		return nil
	}

	// Validate rate history dates up front so a malformed entry cannot
	// abort mid-accrual.
	for _, rc := range state.RateHistory {
		if _, err := domain.ParseDay(rc.EffectiveDate); err != nil {
			e.logger.Error("deposit reconciliation aborted: bad rate date",
				zap.String("account_id", account.ID),
				zap.String("date", rc.EffectiveDate),
			)
			return err
		}
	}

	var emitted []domain.Transaction

	for day := from.AddDate(0, 0, 1); day.Before(today); day = day.AddDate(0, 0, 1) {
		dayStr := domain.Day(day)

		rate := state.RateOn(dayStr)
		if rate.IsPositive() && state.PrincipalBalance.IsPositive() {
			daily := state.PrincipalBalance.Mul(rate).Div(oneHundred).Div(daysPerYear)
			state.AccruedInterest = state.AccruedInterest.Add(daily)
		}

		monthStart := domain.MonthStart(day)
		if day.Day() != clampPostingDay(state.InterestPostingDay, day) {
			continue
		}
		if state.LastInterestPostingMonth == monthStart {
			continue
		}
		if state.AccruedInterest.IsZero() || state.AccruedInterest.IsNegative() {
			continue
		}
		if hasPostingFor(account.ID, monthStart, allTransactions) {
			// A posting for this month already exists in the ledger;
			// recording the month keeps later replays cheap.
			state.LastInterestPostingMonth = monthStart
			continue
		}

		amount := state.AccruedInterest.Round(2)
		posting := domain.Transaction{
			ID:        postingID(account.ID, monthStart, amount, account.Currency),
			Date:      dayStr,
			Type:      domain.TransactionDepositInterest,
			Amount:    amount,
			Currency:  account.Currency,
			AccountID: account.ID,
			Category:  "interest",
			CreatedAt: e.now(),
		}
		emitted = append(emitted, posting)

		if state.Capitalization {
			state.PrincipalBalance = state.PrincipalBalance.Add(amount)
		}
		// The posted share leaves the accumulator; only the sub-cent
		// rounding residue plus later days' accrual remains.
		state.AccruedInterest = state.AccruedInterest.Sub(amount)
		state.LastInterestPostingMonth = monthStart
	}

	for _, posting := range emitted {
		if err := e.sink.CreateTransaction(ctx, posting); err != nil {
			return fmt.Errorf("emit interest posting: %w", err)
		}
		e.metrics.IncrInterestPosting()
		e.logger.Info("interest posted",
			zap.String("account_id", account.ID),
			zap.String("date", posting.Date),
			zap.String("amount", posting.Amount.String()),
		)
	}

	state.LastInterestCalculationDate = todayStr

	// Commit the scratch state and refresh the derived balance.
	account.Deposit = state
	account.Balance = state.DisplayBalance()
	return nil
}
