package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/logging"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/monitoring"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/types"
)

func newTestLedger() (*Ledger, *Registry) {
	reg := NewRegistry()
	l := New(reg, logging.Nop(), monitoring.NewMetrics(prometheus.NewRegistry()))
	return l, reg
}

func pendingOp(id string) types.Operation {
	return types.Operation{
		ID:       id,
		Kind:     types.OpSubmitQuery,
		EntityID: "case-1",
		Rollback: types.Command{Name: "rollback_query", Args: map[string]any{"id": id}},
	}
}

func TestAddAndGet(t *testing.T) {
	l, _ := newTestLedger()
	if err := l.Add(pendingOp("op-1")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	op, ok := l.Get("op-1")
	if !ok {
		t.Fatal("operation not found after Add")
	}
	if op.Status != types.StatusPending {
		t.Errorf("expected pending, got %s", op.Status)
	}
	if op.CreatedAt.IsZero() {
		t.Error("CreatedAt not defaulted")
	}
	if err := l.Add(pendingOp("op-1")); err == nil {
		t.Error("expected error on duplicate id")
	}
	if err := l.Add(types.Operation{Kind: types.OpCreateCase}); err == nil {
		t.Error("expected error on empty id")
	}
}

func TestComplete(t *testing.T) {
	l, _ := newTestLedger()
	l.Add(pendingOp("op-1"))
	if err := l.Complete("op-1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	op, _ := l.Get("op-1")
	if op.Status != types.StatusCompleted {
		t.Errorf("expected completed, got %s", op.Status)
	}
	if op.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}
	if err := l.Complete("missing"); err == nil {
		t.Error("expected error for unknown id")
	}
}

func TestFailRunsRollbackExactlyOnce(t *testing.T) {
	l, reg := newTestLedger()
	rollbacks := 0
	reg.Register("rollback_query", func(ctx context.Context, args map[string]any) error {
		rollbacks++
		return nil
	})
	l.Add(pendingOp("op-1"))

	ctx := context.Background()
	if err := l.Fail(ctx, "op-1", "network error", true); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	// Second fail must not run the rollback again.
	if err := l.Fail(ctx, "op-1", "network error again", true); err != nil {
		t.Fatalf("second Fail failed: %v", err)
	}
	if rollbacks != 1 {
		t.Errorf("expected exactly one rollback, got %d", rollbacks)
	}
	op, _ := l.Get("op-1")
	if op.Status != types.StatusFailed || op.Err != "network error again" {
		t.Errorf("unexpected terminal state: %+v", op)
	}
}

func TestFailSuppressedRollback(t *testing.T) {
	l, reg := newTestLedger()
	rollbacks := 0
	reg.Register("rollback_query", func(ctx context.Context, args map[string]any) error {
		rollbacks++
		return nil
	})
	l.Add(pendingOp("op-1"))
	l.Fail(context.Background(), "op-1", "boom", false)
	if rollbacks != 0 {
		t.Errorf("rollback ran despite suppression")
	}
}

func TestCompletedOperationNeverRollsBack(t *testing.T) {
	l, reg := newTestLedger()
	rollbacks := 0
	reg.Register("rollback_query", func(ctx context.Context, args map[string]any) error {
		rollbacks++
		return nil
	})
	l.Add(pendingOp("op-1"))
	l.Complete("op-1")
	if err := l.Fail(context.Background(), "op-1", "late failure", true); err == nil {
		t.Error("expected error failing a completed operation")
	}
	if rollbacks != 0 {
		t.Error("completed operation was rolled back")
	}
}

func TestRollbackErrorsAreSwallowed(t *testing.T) {
	l, reg := newTestLedger()
	reg.Register("rollback_query", func(ctx context.Context, args map[string]any) error {
		return errors.New("rollback exploded")
	})
	l.Add(pendingOp("op-1"))
	if err := l.Fail(context.Background(), "op-1", "boom", true); err != nil {
		t.Errorf("rollback error propagated: %v", err)
	}
	// Unregistered command must also be swallowed.
	op := pendingOp("op-2")
	op.Rollback = types.Command{Name: "nobody_home"}
	l.Add(op)
	if err := l.Fail(context.Background(), "op-2", "boom", true); err != nil {
		t.Errorf("missing handler error propagated: %v", err)
	}
}

func TestRollbackPanicIsRecovered(t *testing.T) {
	l, reg := newTestLedger()
	reg.Register("rollback_query", func(ctx context.Context, args map[string]any) error {
		panic("rollback panic")
	})
	l.Add(pendingOp("op-1"))
	if err := l.Fail(context.Background(), "op-1", "boom", true); err != nil {
		t.Errorf("panic escaped Fail: %v", err)
	}
}

func TestRetrySuccess(t *testing.T) {
	l, reg := newTestLedger()
	attempts := 0
	reg.Register("rollback_query", func(ctx context.Context, args map[string]any) error { return nil })
	reg.Register("retry_query", func(ctx context.Context, args map[string]any) error {
		attempts++
		return nil
	})
	op := pendingOp("op-1")
	op.Retry = &types.Command{Name: "retry_query"}
	l.Add(op)
	l.Fail(context.Background(), "op-1", "first failure", true)

	if err := l.Retry(context.Background(), "op-1"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected one retry attempt, got %d", attempts)
	}
	got, _ := l.Get("op-1")
	if got.Status != types.StatusCompleted {
		t.Errorf("expected completed after retry, got %s", got.Status)
	}
	if got.Err != "" {
		t.Errorf("error not cleared: %q", got.Err)
	}
}

func TestRetryFailureNoSecondRollback(t *testing.T) {
	l, reg := newTestLedger()
	rollbacks := 0
	reg.Register("rollback_query", func(ctx context.Context, args map[string]any) error {
		rollbacks++
		return nil
	})
	reg.Register("retry_query", func(ctx context.Context, args map[string]any) error {
		return errors.New("still down")
	})
	op := pendingOp("op-1")
	op.Retry = &types.Command{Name: "retry_query"}
	l.Add(op)
	l.Fail(context.Background(), "op-1", "first failure", true)

	if err := l.Retry(context.Background(), "op-1"); err == nil {
		t.Fatal("expected retry to report failure")
	}
	got, _ := l.Get("op-1")
	if got.Status != types.StatusFailed || got.Err != "still down" {
		t.Errorf("unexpected state after failed retry: %+v", got)
	}
	if rollbacks != 1 {
		t.Errorf("rollback ran %d times, want 1", rollbacks)
	}
}

func TestRetryWithoutRetryCommand(t *testing.T) {
	l, reg := newTestLedger()
	reg.Register("rollback_query", func(ctx context.Context, args map[string]any) error { return nil })
	l.Add(pendingOp("op-1"))
	l.Fail(context.Background(), "op-1", "boom", true)
	if err := l.Retry(context.Background(), "op-1"); err == nil {
		t.Error("expected error retrying without a retry command")
	}
}

func TestCleanupRemovesOnlyOldTerminal(t *testing.T) {
	l, _ := newTestLedger()
	base := time.Now()
	l.now = func() time.Time { return base }

	old := pendingOp("op-old")
	old.CreatedAt = base.Add(-2 * time.Hour)
	l.Add(old)
	l.Complete("op-old")

	fresh := pendingOp("op-fresh")
	fresh.CreatedAt = base.Add(-time.Minute)
	l.Add(fresh)
	l.Complete("op-fresh")

	stuck := pendingOp("op-stuck")
	stuck.CreatedAt = base.Add(-2 * time.Hour)
	l.Add(stuck) // stays pending

	if removed := l.Cleanup(time.Hour); removed != 1 {
		t.Errorf("expected 1 removal, got %d", removed)
	}
	if _, ok := l.Get("op-old"); ok {
		t.Error("old terminal operation not removed")
	}
	if _, ok := l.Get("op-fresh"); !ok {
		t.Error("fresh operation removed")
	}
	if _, ok := l.Get("op-stuck"); !ok {
		t.Error("pending operation removed by age cleanup")
	}
}

func TestCleanupAbandoned(t *testing.T) {
	l, _ := newTestLedger()
	base := time.Now()
	l.now = func() time.Time { return base }

	abandoned := types.Operation{
		ID: "op-1", Kind: types.OpCreateCase, EntityID: "temp-case-1-1",
		CreatedAt: base.Add(-10 * time.Minute),
	}
	used := types.Operation{
		ID: "op-2", Kind: types.OpCreateCase, EntityID: "temp-case-2-2",
		CreatedAt: base.Add(-10 * time.Minute),
	}
	recent := types.Operation{
		ID: "op-3", Kind: types.OpCreateCase, EntityID: "temp-case-3-3",
		CreatedAt: base.Add(-time.Second),
	}
	l.Add(abandoned)
	l.Add(used)
	l.Add(recent)

	removed := l.CleanupAbandoned(5*time.Minute, func(entityID string) bool {
		return entityID == "temp-case-2-2"
	})
	if removed != 1 {
		t.Fatalf("expected 1 abandoned removal, got %d", removed)
	}
	if _, ok := l.Get("op-1"); ok {
		t.Error("abandoned case operation not purged")
	}
	if _, ok := l.Get("op-2"); !ok {
		t.Error("case with content purged")
	}
	if _, ok := l.Get("op-3"); !ok {
		t.Error("case inside grace window purged")
	}
}

func TestStatsAndFilters(t *testing.T) {
	l, reg := newTestLedger()
	reg.Register("rollback_query", func(ctx context.Context, args map[string]any) error { return nil })
	for i := 0; i < 3; i++ {
		l.Add(pendingOp(fmt.Sprintf("op-%d", i)))
	}
	titleOp := types.Operation{ID: "op-title", Kind: types.OpUpdateTitle, EntityID: "case-1"}
	l.Add(titleOp)
	l.Complete("op-0")
	l.Fail(context.Background(), "op-1", "boom", true)

	s := l.Stats()
	if s.Total != 4 || s.Pending != 2 || s.Completed != 1 || s.Failed != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if got := len(l.ByKind(types.OpSubmitQuery)); got != 3 {
		t.Errorf("ByKind(submit_query) = %d, want 3", got)
	}
	if got := len(l.ByStatus(types.StatusPending)); got != 2 {
		t.Errorf("ByStatus(pending) = %d, want 2", got)
	}
	if got := len(l.ByEntity("case-1", nil)); got != 4 {
		t.Errorf("ByEntity(case-1) = %d, want 4", got)
	}
	if got := len(l.Snapshot()); got != 4 {
		t.Errorf("Snapshot() = %d, want 4", got)
	}
}

func TestByEntityResolvesProvisionalIDs(t *testing.T) {
	l, _ := newTestLedger()
	op := pendingOp("op-1")
	op.EntityID = "temp-case-1-1"
	l.Add(op)

	resolve := func(id string) string {
		if id == "temp-case-1-1" {
			return "case-77"
		}
		return id
	}
	if got := len(l.ByEntity("case-77", resolve)); got != 1 {
		t.Errorf("expected provisional and authoritative ids to match, got %d ops", got)
	}
}
