// Package ledger tracks every in-flight local mutation: its optimistic
// payload, rollback and retry commands, and lifecycle status.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/logging"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/monitoring"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/types"
)

// Ledger owns all Operation records. Operations are mutated only through
// its lifecycle transitions; callers get copies, never shared pointers.
type Ledger struct {
	mu       sync.RWMutex
	ops      map[string]*types.Operation
	registry *Registry
	log      *logging.Logger
	metrics  *monitoring.Metrics
	now      func() time.Time
}

func New(registry *Registry, log *logging.Logger, metrics *monitoring.Metrics) *Ledger {
	return &Ledger{
		ops:      make(map[string]*types.Operation),
		registry: registry,
		log:      log,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Stats summarizes the ledger for UI badges and diagnostics.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Add registers a new operation. Status defaults to pending and CreatedAt
// to now when unset. Duplicate ids are rejected.
func (l *Ledger) Add(op types.Operation) error {
	if op.ID == "" {
		return fmt.Errorf("operation id cannot be empty")
	}
	if op.Kind == "" {
		return fmt.Errorf("operation kind cannot be empty")
	}
	if op.Status == "" {
		op.Status = types.StatusPending
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.ops[op.ID]; exists {
		return fmt.Errorf("operation %s already registered", op.ID)
	}
	l.ops[op.ID] = &op
	if l.metrics != nil {
		l.metrics.OperationsStarted.Inc()
		if op.Status == types.StatusPending {
			l.metrics.PendingOperations.Inc()
		}
	}
	return nil
}

// Get returns a copy of the operation, if present.
func (l *Ledger) Get(id string) (types.Operation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	op, ok := l.ops[id]
	if !ok {
		return types.Operation{}, false
	}
	return *op, true
}

// Complete marks a pending operation confirmed. Completed operations are
// terminal and are never rolled back.
func (l *Ledger) Complete(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.ops[id]
	if !ok {
		return fmt.Errorf("operation %s not found", id)
	}
	if op.Status == types.StatusCompleted {
		return nil
	}
	if op.Status == types.StatusPending && l.metrics != nil {
		l.metrics.PendingOperations.Dec()
	}
	op.Status = types.StatusCompleted
	op.CompletedAt = l.now()
	op.Err = ""
	if l.metrics != nil {
		l.metrics.OperationsCompleted.Inc()
	}
	return nil
}

// Fail marks an operation failed and, unless suppressed, runs its rollback
// command exactly once. Rollback errors and panics are logged and swallowed:
// this path runs inside UI event handlers and must never throw.
func (l *Ledger) Fail(ctx context.Context, id, errMsg string, executeRollback bool) error {
	l.mu.Lock()
	op, ok := l.ops[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("operation %s not found", id)
	}
	if op.Status == types.StatusCompleted {
		l.mu.Unlock()
		return fmt.Errorf("operation %s already completed, cannot fail", id)
	}
	if op.Status == types.StatusPending && l.metrics != nil {
		l.metrics.PendingOperations.Dec()
	}
	op.Status = types.StatusFailed
	op.Err = errMsg
	runRollback := executeRollback && !op.RolledBack
	if runRollback {
		op.RolledBack = true
	}
	rollback := op.Rollback
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.OperationsFailed.Inc()
	}
	if runRollback {
		l.runRollback(ctx, id, rollback)
	}
	return nil
}

func (l *Ledger) runRollback(ctx context.Context, id string, cmd types.Command) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithOperationID(id).Error("rollback panicked",
				zap.Any("panic", r), zap.String("command", cmd.Name))
		}
	}()
	if l.metrics != nil {
		l.metrics.RollbacksExecuted.Inc()
	}
	if err := l.registry.Dispatch(ctx, cmd); err != nil {
		l.log.WithOperationID(id).Error("rollback failed",
			zap.Error(err), zap.String("command", cmd.Name))
	}
}

// Retry resets a failed operation to pending, clears its error and re-runs
// the stored retry command. Success completes the operation; failure fails
// it again (without a second rollback).
func (l *Ledger) Retry(ctx context.Context, id string) error {
	l.mu.Lock()
	op, ok := l.ops[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("operation %s not found", id)
	}
	if op.Retry == nil {
		l.mu.Unlock()
		return fmt.Errorf("operation %s has no retry command", id)
	}
	if op.Status == types.StatusCompleted {
		l.mu.Unlock()
		return fmt.Errorf("operation %s already completed", id)
	}
	if op.Status != types.StatusPending && l.metrics != nil {
		l.metrics.PendingOperations.Inc()
	}
	op.Status = types.StatusPending
	op.Err = ""
	retry := *op.Retry
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.RetriesAttempted.Inc()
	}
	if err := l.registry.Dispatch(ctx, retry); err != nil {
		// Rollback already ran on the first failure.
		if ferr := l.Fail(ctx, id, err.Error(), false); ferr != nil {
			l.log.WithOperationID(id).Error("failed to record retry failure", zap.Error(ferr))
		}
		return err
	}
	return l.Complete(id)
}

// Remove deletes an operation regardless of status. Used for explicit
// dismissal from the UI.
func (l *Ledger) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if op, ok := l.ops[id]; ok {
		if op.Status == types.StatusPending && l.metrics != nil {
			l.metrics.PendingOperations.Dec()
		}
		delete(l.ops, id)
	}
}

// ByKind returns copies of all operations of one kind.
func (l *Ledger) ByKind(kind types.OperationKind) []types.Operation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.Operation
	for _, op := range l.ops {
		if op.Kind == kind {
			out = append(out, *op)
		}
	}
	return out
}

// ByStatus returns copies of all operations with one status.
func (l *Ledger) ByStatus(status types.OperationStatus) []types.Operation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.Operation
	for _, op := range l.ops {
		if op.Status == status {
			out = append(out, *op)
		}
	}
	return out
}

// ByEntity returns copies of all operations targeting one entity, with
// provisional and authoritative forms of the id treated as equal via the
// supplied resolver.
func (l *Ledger) ByEntity(entityID string, resolve func(string) string) []types.Operation {
	if resolve == nil {
		resolve = func(id string) string { return id }
	}
	want := resolve(entityID)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.Operation
	for _, op := range l.ops {
		if resolve(op.EntityID) == want {
			out = append(out, *op)
		}
	}
	return out
}

// Snapshot returns copies of every operation, for conflict detection and
// UI rendering.
func (l *Ledger) Snapshot() []types.Operation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Operation, 0, len(l.ops))
	for _, op := range l.ops {
		out = append(out, *op)
	}
	return out
}

// Cleanup removes terminal operations older than maxAge. Pending operations
// are kept regardless of age; forced expiry of stuck pending operations is
// a separate decision made by the caller via Fail.
func (l *Ledger) Cleanup(maxAge time.Duration) int {
	cutoff := l.now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, op := range l.ops {
		terminal := op.Status == types.StatusCompleted || op.Status == types.StatusFailed
		if terminal && op.CreatedAt.Before(cutoff) {
			delete(l.ops, id)
			removed++
		}
	}
	return removed
}

// CleanupAbandoned purges create_case operations whose entity never received
// genuine user content within the grace window. hasContent reports whether
// the entity accumulated any real conversation.
func (l *Ledger) CleanupAbandoned(grace time.Duration, hasContent func(entityID string) bool) int {
	cutoff := l.now().Add(-grace)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, op := range l.ops {
		if op.Kind != types.OpCreateCase {
			continue
		}
		if !op.CreatedAt.Before(cutoff) {
			continue
		}
		if hasContent != nil && hasContent(op.EntityID) {
			continue
		}
		if op.Status == types.StatusPending && l.metrics != nil {
			l.metrics.PendingOperations.Dec()
		}
		delete(l.ops, id)
		removed++
	}
	return removed
}

// Stats returns counts by status.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Stats{Total: len(l.ops)}
	for _, op := range l.ops {
		switch op.Status {
		case types.StatusPending:
			s.Pending++
		case types.StatusCompleted:
			s.Completed++
		case types.StatusFailed:
			s.Failed++
		}
	}
	return s
}
