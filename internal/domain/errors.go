package domain

import "fmt"

// Error types for consistent error handling across the ledger core.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrInvalidDate indicates an unparseable ledger date. Inside a deposit
// accrual loop this aborts the whole reconciliation for the account; in
// batch paths the offending transaction is skipped instead.
type ErrInvalidDate struct {
	Field string
	Value string
}

func (e *ErrInvalidDate) Error() string {
	return fmt.Sprintf("invalid date in '%s': %q", e.Field, e.Value)
}

// ErrQueueOverflow indicates the update queue rejected a request because the
// pending set is full. Producers are never blocked; the drop is surfaced.
type ErrQueueOverflow struct {
	Capacity int
}

func (e *ErrQueueOverflow) Error() string {
	return fmt.Sprintf("update queue full (capacity %d), request dropped", e.Capacity)
}

// ErrRateUnavailable indicates no cached conversion rate exists for a
// currency pair. Callers fall back through the amount-selection chain.
type ErrRateUnavailable struct {
	From string
	To   string
}

func (e *ErrRateUnavailable) Error() string {
	return fmt.Sprintf("no cached rate for %s->%s", e.From, e.To)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrDuplicate indicates a duplicate operation (idempotency check).
type ErrDuplicate struct {
	Key string
}

func (e *ErrDuplicate) Error() string {
	return fmt.Sprintf("duplicate operation: %s", e.Key)
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}
