// Package conflict classifies divergence between local optimistic state and
// remote authoritative state, and snapshots data before destructive
// resolution.
package conflict

import (
	"time"

	"go.uber.org/zap"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/ident"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/logging"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/monitoring"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/types"
)

// Params are the detection thresholds. The defaults mirror the deployed
// client but carry no principled derivation, so they stay configurable.
type Params struct {
	// LengthDiffThreshold is the collection length difference beyond which
	// local and remote are considered desynchronized.
	LengthDiffThreshold int
	// TimestampSkew is the local/remote timestamp divergence beyond which
	// storage corruption or another writer is assumed.
	TimestampSkew time.Duration
}

func DefaultParams() Params {
	return Params{
		LengthDiffThreshold: 2,
		TimestampSkew:       5 * time.Minute,
	}
}

// DataView is the shape the detector needs from either side of a comparison:
// how many items the collection holds and when it was last touched.
type DataView struct {
	Length    int
	UpdatedAt time.Time
}

// Context carries what Detect needs beyond the data pair: the entity under
// mutation, the operation being performed, the full ledger snapshot, and an
// id resolver so provisional and authoritative forms compare equal.
type Context struct {
	EntityID   string
	Kind       types.OperationKind
	Operations []types.Operation
	Resolve    func(string) string
}

func (c Context) resolve(id string) string {
	if c.Resolve == nil {
		return id
	}
	return c.Resolve(id)
}

type Detector struct {
	params  Params
	log     *logging.Logger
	metrics *monitoring.Metrics
}

func NewDetector(params Params, log *logging.Logger, metrics *monitoring.Metrics) *Detector {
	if params.LengthDiffThreshold <= 0 {
		params.LengthDiffThreshold = DefaultParams().LengthDiffThreshold
	}
	if params.TimestampSkew <= 0 {
		params.TimestampSkew = DefaultParams().TimestampSkew
	}
	return &Detector{params: params, log: log, metrics: metrics}
}

// Detect classifies the (local, remote) pair. Rules run in priority order;
// the first match wins. Detect never fails: ambiguity is expressed in the
// result, not as an error.
func (d *Detector) Detect(local, remote DataView, dctx Context) types.ConflictResult {
	result := d.detect(local, remote, dctx)
	if result.HasConflict {
		if d.metrics != nil {
			d.metrics.ConflictsDetected.Inc()
		}
		if d.log != nil {
			d.log.WithCaseID(dctx.EntityID).Debug("conflict detected",
				zap.String("category", string(result.Category)),
				zap.String("severity", string(result.Severity)))
		}
	}
	return result
}

func (d *Detector) detect(local, remote DataView, dctx Context) types.ConflictResult {
	if ids := d.unresolvedConcurrent(dctx); len(ids) > 1 {
		return types.ConflictResult{
			HasConflict:             true,
			Category:                types.ConflictIDReconciliation,
			ConflictingOperationIDs: ids,
			Severity:                types.SeverityMedium,
			AutoResolvable:          true,
		}
	}

	if ids := d.interferingPending(dctx); len(ids) > 0 {
		return types.ConflictResult{
			HasConflict:             true,
			Category:                types.ConflictConcurrentOps,
			ConflictingOperationIDs: ids,
			Severity:                types.SeverityMedium,
			AutoResolvable:          false,
		}
	}

	if d.dataOutOfSync(local, remote) {
		return types.ConflictResult{
			HasConflict:    true,
			Category:       types.ConflictDataSync,
			Severity:       types.SeverityHigh,
			AutoResolvable: false,
		}
	}

	return types.ConflictResult{Category: types.ConflictNone, Severity: types.SeverityLow}
}

// unresolvedConcurrent returns the pending operations that target the entity
// while its provisional->authoritative mapping is still unresolved.
func (d *Detector) unresolvedConcurrent(dctx Context) []string {
	if !ident.IsProvisional(dctx.EntityID) {
		return nil
	}
	if dctx.resolve(dctx.EntityID) != dctx.EntityID {
		// Mapping already settled.
		return nil
	}
	var ids []string
	for _, op := range dctx.Operations {
		if op.Status != types.StatusPending {
			continue
		}
		if dctx.resolve(op.EntityID) == dctx.EntityID {
			ids = append(ids, op.ID)
		}
	}
	return ids
}

// interfering reports operation kinds that cannot safely run concurrently
// against the same entity.
func interfering(a, b types.OperationKind) bool {
	if a == b {
		return false
	}
	return (a == types.OpSubmitQuery && b == types.OpUpdateTitle) ||
		(a == types.OpUpdateTitle && b == types.OpSubmitQuery)
}

func (d *Detector) interferingPending(dctx Context) []string {
	entity := dctx.resolve(dctx.EntityID)
	var pending []types.Operation
	for _, op := range dctx.Operations {
		if op.Status == types.StatusPending && dctx.resolve(op.EntityID) == entity {
			pending = append(pending, op)
		}
	}
	for i := range pending {
		for j := i + 1; j < len(pending); j++ {
			if interfering(pending[i].Kind, pending[j].Kind) {
				return []string{pending[i].ID, pending[j].ID}
			}
		}
	}
	return nil
}

func (d *Detector) dataOutOfSync(local, remote DataView) bool {
	diff := local.Length - remote.Length
	if diff < 0 {
		diff = -diff
	}
	if diff > d.params.LengthDiffThreshold {
		return true
	}
	if !local.UpdatedAt.IsZero() && !remote.UpdatedAt.IsZero() {
		skew := local.UpdatedAt.Sub(remote.UpdatedAt)
		if skew < 0 {
			skew = -skew
		}
		if skew > d.params.TimestampSkew {
			return true
		}
	}
	return false
}

// StrategyFor maps a conflict category to its resolution strategy.
func StrategyFor(result types.ConflictResult) types.ResolutionStrategy {
	switch result.Category {
	case types.ConflictIDReconciliation:
		return types.StrategyBackupAndRetry
	case types.ConflictConcurrentOps:
		return types.StrategyUserChoice
	case types.ConflictDataSync:
		return types.StrategyManualResolution
	default:
		return types.StrategyLatestWins
	}
}
