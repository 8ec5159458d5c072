package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mkravets/ledgerd/internal/domain"
	"github.com/mkravets/ledgerd/internal/infra/observability"
)

// DrainFunc processes one ordered batch of requests under the queue's
// single-writer guarantee.
type DrainFunc func(ctx context.Context, requests []*domain.BalanceRequest)

// QueueConfig holds the update queue's tunables. The debounce windows and
// capacity are policy, not behavior: see config defaults.
type QueueConfig struct {
	Capacity       int
	DebounceHigh   time.Duration
	DebounceNormal time.Duration
}

// UpdateQueue funnels every balance-affecting event through one serialized,
// priority-aware, debounced pipeline.
//
// Requests below immediate priority are debounced: each enqueue re-arms a
// timer (short window for high priority, longer for normal/low) and the
// queue drains only after a quiet period. Immediate requests bypass the
// debounce and drain synchronously relative to the caller. At most one
// drain runs at a time; readers of balance/aggregate state only ever see
// the result of a completed drain.
type UpdateQueue struct {
	cfg     QueueConfig
	drainFn DrainFunc
	metrics *observability.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	pending []*domain.BalanceRequest
	timer   *time.Timer

	// drainMu enforces the single-writer guarantee across synchronous and
	// timer-triggered drains.
	drainMu sync.Mutex

	dropped   uint64
	drains    uint64
	processed uint64
	debounced uint64
}

// NewUpdateQueue creates the queue. drainFn is invoked with batches ordered
// by priority then enqueue time.
func NewUpdateQueue(cfg QueueConfig, drainFn DrainFunc, metrics *observability.Metrics, logger *zap.Logger) *UpdateQueue {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	return &UpdateQueue{
		cfg:     cfg,
		drainFn: drainFn,
		metrics: metrics,
		logger:  logger,
	}
}

// Submit enqueues a balance update request. Immediate-priority requests
// drain the whole queue before Submit returns. Returns ErrQueueOverflow
// when the pending set is full; the producer is never blocked.
func (q *UpdateQueue) Submit(ctx context.Context, req *domain.BalanceRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if len(q.pending) >= q.cfg.Capacity {
		q.dropped++
		q.mu.Unlock()
		q.metrics.IncrQueueDropped()
		q.logger.Warn("update queue overflow, request dropped",
			zap.String("op", string(req.Op)),
			zap.String("priority", req.Priority.String()),
		)
		return &domain.ErrQueueOverflow{Capacity: q.cfg.Capacity}
	}

	q.enqueueLocked(req)
	q.metrics.SetQueueDepth(len(q.pending))

	if req.Priority == domain.PriorityImmediate {
		q.stopTimerLocked()
		q.mu.Unlock()
		q.drain(ctx, "immediate")
		return nil
	}

	window := q.cfg.DebounceNormal
	if req.Priority == domain.PriorityHigh {
		window = q.cfg.DebounceHigh
	}
	q.armTimerLocked(window)
	q.mu.Unlock()
	return nil
}

// enqueueLocked inserts a request, coalescing recalculations: a pending
// full pass absorbs targeted ones, a pending rebuild absorbs both, and
// targeted recalculations for overlapping account sets merge into one
// request.
func (q *UpdateQueue) enqueueLocked(req *domain.BalanceRequest) {
	switch req.Op {
	case domain.OpRecalculateAll, domain.OpRebuildAll:
		kept := q.pending[:0]
		for _, p := range q.pending {
			switch p.Op {
			case domain.OpRecalculateAll, domain.OpRecalculateAccounts, domain.OpRebuildAll:
				if p.Op == domain.OpRebuildAll {
					// The merged request must keep the rebuild semantics.
					req.Op = domain.OpRebuildAll
				}
				if p.Priority < req.Priority {
					req.Priority = p.Priority
				}
				if p.EnqueuedAt.Before(req.EnqueuedAt) {
					req.EnqueuedAt = p.EnqueuedAt
				}
			default:
				kept = append(kept, p)
			}
		}
		q.pending = append(kept, req)
		return

	case domain.OpRecalculateAccounts:
		for _, p := range q.pending {
			if p.Op == domain.OpRecalculateAll || p.Op == domain.OpRebuildAll {
				// Already superseded by a pending full pass.
				if req.Priority < p.Priority {
					p.Priority = req.Priority
				}
				return
			}
			if p.Op == domain.OpRecalculateAccounts && overlaps(p.AccountIDs, req.AccountIDs) {
				p.AccountIDs = mergeIDs(p.AccountIDs, req.AccountIDs)
				if req.Priority < p.Priority {
					p.Priority = req.Priority
				}
				return
			}
		}
	}
	q.pending = append(q.pending, req)
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func mergeIDs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range append(a, b...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (q *UpdateQueue) armTimerLocked(window time.Duration) {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.debounced++
	q.timer = time.AfterFunc(window, func() {
		q.drain(context.Background(), "debounce")
	})
}

func (q *UpdateQueue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// drain takes the pending set and processes it in priority order, FIFO
// within a priority. Only one drain runs at a time.
func (q *UpdateQueue) drain(ctx context.Context, trigger string) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.stopTimerLocked()
	q.drains++
	q.mu.Unlock()

	q.metrics.SetQueueDepth(0)
	if len(batch) == 0 {
		return
	}

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority < batch[j].Priority
		}
		return batch[i].EnqueuedAt.Before(batch[j].EnqueuedAt)
	})

	start := time.Now()
	q.drainFn(ctx, batch)
	q.metrics.RecordDrainDuration(trigger, time.Since(start))

	q.mu.Lock()
	q.processed += uint64(len(batch))
	q.mu.Unlock()
}

// Flush cancels any pending debounce timer and drains immediately.
func (q *UpdateQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	q.stopTimerLocked()
	q.mu.Unlock()
	q.drain(ctx, "flush")
}

// CancelAll discards all pending requests without processing them.
// Used on bulk teardown.
func (q *UpdateQueue) CancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopTimerLocked()
	if n := len(q.pending); n > 0 {
		q.logger.Info("update queue cancelled", zap.Int("discarded", n))
	}
	q.pending = nil
	q.metrics.SetQueueDepth(0)
}

// Stats returns a snapshot of queue counters.
func (q *UpdateQueue) Stats() domain.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return domain.QueueStats{
		Pending:        len(q.pending),
		Dropped:        q.dropped,
		Drains:         q.drains,
		Processed:      q.processed,
		DebouncePasses: q.debounced,
	}
}
