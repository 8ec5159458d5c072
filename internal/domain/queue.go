package domain

import "time"

// ============================================================
// Balance update queue
// ============================================================

// Priority orders balance update requests; lower is more urgent.
type Priority int

const (
	PriorityImmediate Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "immediate"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// ParsePriority maps a request parameter to a priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "immediate":
		return PriorityImmediate
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// BalanceOpKind is the payload discriminator of a queue request.
type BalanceOpKind string

const (
	OpAddTransaction      BalanceOpKind = "add_transaction"
	OpRemoveTransaction   BalanceOpKind = "remove_transaction"
	OpRecalculateAccounts BalanceOpKind = "recalculate_accounts"
	OpRecalculateAll      BalanceOpKind = "recalculate_all"
	// OpRebuildAll recomputes aggregates from the raw ledger and then runs
	// the full balance pass, all inside one drain.
	OpRebuildAll BalanceOpKind = "rebuild_all"
)

// BalanceRequest is one balance-affecting event flowing through the update
// queue. Created on mutation, possibly merged during debounce, consumed
// exactly once by a drain, never persisted.
type BalanceRequest struct {
	ID         string
	AccountIDs []string
	Op         BalanceOpKind
	// Transaction carries the payload for add/remove operations.
	Transaction *Transaction
	Priority    Priority
	EnqueuedAt  time.Time
}

// QueueStats is a snapshot of queue health for observability.
type QueueStats struct {
	Pending        int    `json:"pending"`
	Dropped        uint64 `json:"dropped"`
	Drains         uint64 `json:"drains"`
	Processed      uint64 `json:"processed"`
	DebouncePasses uint64 `json:"debounce_passes"`
}
