package conflict

import (
	"fmt"
	"testing"
	"time"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/logging"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/types"
)

func newDetector() *Detector {
	return NewDetector(DefaultParams(), logging.Nop(), nil)
}

func pending(id, entityID string, kind types.OperationKind) types.Operation {
	return types.Operation{ID: id, Kind: kind, Status: types.StatusPending, EntityID: entityID}
}

func TestNoConflict(t *testing.T) {
	d := newDetector()
	now := time.Now()
	result := d.Detect(
		DataView{Length: 3, UpdatedAt: now},
		DataView{Length: 3, UpdatedAt: now},
		Context{EntityID: "case-1", Kind: types.OpSubmitQuery},
	)
	if result.HasConflict {
		t.Fatalf("unexpected conflict: %+v", result)
	}
	if result.Category != types.ConflictNone {
		t.Errorf("expected none, got %s", result.Category)
	}
}

func TestIDReconciliationConflict(t *testing.T) {
	d := newDetector()
	dctx := Context{
		EntityID: "temp-case-1-100",
		Kind:     types.OpSubmitQuery,
		Operations: []types.Operation{
			pending("op-1", "temp-case-1-100", types.OpSubmitQuery),
			pending("op-2", "temp-case-1-100", types.OpSubmitQuery),
		},
	}
	result := d.Detect(DataView{}, DataView{}, dctx)
	if result.Category != types.ConflictIDReconciliation {
		t.Fatalf("expected id_reconciliation, got %s", result.Category)
	}
	if !result.AutoResolvable {
		t.Error("id_reconciliation must always be auto-resolvable")
	}
	if result.Severity != types.SeverityMedium {
		t.Errorf("expected medium severity, got %s", result.Severity)
	}
	if len(result.ConflictingOperationIDs) != 2 {
		t.Errorf("expected both operations flagged: %v", result.ConflictingOperationIDs)
	}
}

func TestIDReconciliationSkippedWhenMappingSettled(t *testing.T) {
	d := newDetector()
	dctx := Context{
		EntityID: "temp-case-1-100",
		Operations: []types.Operation{
			pending("op-1", "temp-case-1-100", types.OpSubmitQuery),
			pending("op-2", "temp-case-1-100", types.OpSubmitQuery),
		},
		Resolve: func(id string) string {
			if id == "temp-case-1-100" {
				return "case-9"
			}
			return id
		},
	}
	result := d.Detect(DataView{}, DataView{}, dctx)
	if result.Category == types.ConflictIDReconciliation {
		t.Error("mapping already settled, should not flag id_reconciliation")
	}
}

func TestConcurrentOperationsConflict(t *testing.T) {
	d := newDetector()
	dctx := Context{
		EntityID: "case-1",
		Kind:     types.OpSubmitQuery,
		Operations: []types.Operation{
			pending("op-q", "case-1", types.OpSubmitQuery),
			pending("op-t", "case-1", types.OpUpdateTitle),
		},
	}
	result := d.Detect(DataView{}, DataView{}, dctx)
	if result.Category != types.ConflictConcurrentOps {
		t.Fatalf("expected concurrent_operations, got %s", result.Category)
	}
	if result.AutoResolvable {
		t.Error("concurrent_operations must not be auto-resolvable")
	}
	if result.Severity != types.SeverityMedium {
		t.Errorf("expected medium severity, got %s", result.Severity)
	}
}

func TestConcurrentSameKindIsNotInterfering(t *testing.T) {
	d := newDetector()
	dctx := Context{
		EntityID: "case-1",
		Operations: []types.Operation{
			pending("op-1", "case-1", types.OpSubmitQuery),
			pending("op-2", "case-1", types.OpSubmitQuery),
		},
	}
	result := d.Detect(DataView{}, DataView{}, dctx)
	if result.HasConflict {
		t.Errorf("same-kind pending operations misflagged: %+v", result)
	}
}

func TestDataSyncLengthDivergence(t *testing.T) {
	d := newDetector()
	result := d.Detect(
		DataView{Length: 10},
		DataView{Length: 2},
		Context{EntityID: "case-1"},
	)
	if result.Category != types.ConflictDataSync {
		t.Fatalf("expected data_sync, got %s", result.Category)
	}
	if result.Severity != types.SeverityHigh {
		t.Errorf("data_sync must be high severity, got %s", result.Severity)
	}
	if result.AutoResolvable {
		t.Error("data_sync must not be auto-resolvable")
	}
}

func TestDataSyncTimestampSkew(t *testing.T) {
	d := newDetector()
	now := time.Now()
	result := d.Detect(
		DataView{Length: 3, UpdatedAt: now.Add(-10 * time.Minute)},
		DataView{Length: 3, UpdatedAt: now},
		Context{EntityID: "case-1"},
	)
	if result.Category != types.ConflictDataSync {
		t.Fatalf("expected data_sync on timestamp skew, got %s", result.Category)
	}
}

func TestDataSyncWithinThresholds(t *testing.T) {
	d := newDetector()
	now := time.Now()
	result := d.Detect(
		DataView{Length: 4, UpdatedAt: now.Add(-time.Minute)},
		DataView{Length: 3, UpdatedAt: now},
		Context{EntityID: "case-1"},
	)
	if result.HasConflict {
		t.Errorf("divergence within thresholds misflagged: %+v", result)
	}
}

func TestConfigurableThresholds(t *testing.T) {
	d := NewDetector(Params{LengthDiffThreshold: 5, TimestampSkew: time.Hour}, logging.Nop(), nil)
	result := d.Detect(DataView{Length: 7}, DataView{Length: 3}, Context{EntityID: "case-1"})
	if result.HasConflict {
		t.Errorf("custom threshold not honored: %+v", result)
	}
}

func TestStrategyFor(t *testing.T) {
	cases := map[types.ConflictCategory]types.ResolutionStrategy{
		types.ConflictIDReconciliation: types.StrategyBackupAndRetry,
		types.ConflictConcurrentOps:    types.StrategyUserChoice,
		types.ConflictDataSync:         types.StrategyManualResolution,
		types.ConflictNone:             types.StrategyLatestWins,
		types.ConflictCrossTab:         types.StrategyLatestWins,
	}
	for category, want := range cases {
		got := StrategyFor(types.ConflictResult{Category: category})
		if got != want {
			t.Errorf("StrategyFor(%s) = %s, want %s", category, got, want)
		}
	}
}

func TestBackupRetention(t *testing.T) {
	b := NewBackups(nil)
	var last string
	for i := 0; i < 15; i++ {
		last = b.Create("conversation", fmt.Sprintf("case-%d", i),
			[]string{"local"}, []string{"remote"})
	}
	entries := b.List()
	if len(entries) != 10 {
		t.Fatalf("expected 10 retained backups, got %d", len(entries))
	}
	// Oldest five evicted, newest kept.
	if entries[0].EntityID != "case-5" {
		t.Errorf("wrong eviction order, oldest retained is %s", entries[0].EntityID)
	}
	if _, ok := b.Get(last); !ok {
		t.Error("most recent backup missing")
	}
}

func TestBackupDeepCopies(t *testing.T) {
	b := NewBackups(nil)
	local := map[string]any{"title": "before"}
	id := b.Create("title", "case-1", local, nil)
	local["title"] = "after"

	backup, ok := b.Get(id)
	if !ok {
		t.Fatal("backup not found")
	}
	snap, ok := backup.Local.(map[string]any)
	if !ok {
		t.Fatalf("unexpected snapshot shape: %T", backup.Local)
	}
	if snap["title"] != "before" {
		t.Errorf("backup shares memory with live data: %v", snap["title"])
	}
}
