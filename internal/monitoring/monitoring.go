package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	OperationsStarted   prometheus.Counter
	OperationsCompleted prometheus.Counter
	OperationsFailed    prometheus.Counter
	RollbacksExecuted   prometheus.Counter
	RetriesAttempted    prometheus.Counter
	PendingOperations   prometheus.Gauge
	ConflictsDetected   prometheus.Counter
	BackupsCreated      prometheus.Counter
	MergesPerformed     prometheus.Counter
	RecoveryRuns        prometheus.Counter
	RecoveryDuration    prometheus.Histogram
	PersistedBatches    prometheus.Counter
	CoalescedWrites     prometheus.Counter
	BackendErrors       prometheus.Counter
}

// NewMetrics registers the engine metrics on reg. Passing nil uses the
// default registry; tests pass their own so repeated construction does not
// collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		OperationsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultmaven_operations_started_total",
			Help: "Total number of optimistic operations started",
		}),
		OperationsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultmaven_operations_completed_total",
			Help: "Total number of operations confirmed by the backend",
		}),
		OperationsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultmaven_operations_failed_total",
			Help: "Total number of operations that failed",
		}),
		RollbacksExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultmaven_rollbacks_executed_total",
			Help: "Total number of rollback commands executed",
		}),
		RetriesAttempted: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultmaven_retries_attempted_total",
			Help: "Total number of operation retries attempted",
		}),
		PendingOperations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "faultmaven_pending_operations",
			Help: "Number of operations currently pending",
		}),
		ConflictsDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultmaven_conflicts_detected_total",
			Help: "Total number of local/remote conflicts detected",
		}),
		BackupsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultmaven_backups_created_total",
			Help: "Total number of pre-resolution backups created",
		}),
		MergesPerformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultmaven_merges_performed_total",
			Help: "Total number of merge operations performed",
		}),
		RecoveryRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultmaven_recovery_runs_total",
			Help: "Total number of recovery passes executed",
		}),
		RecoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "faultmaven_recovery_duration_seconds",
			Help:    "Time taken for one recovery pass",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		PersistedBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultmaven_persisted_batches_total",
			Help: "Total number of durable write batches flushed",
		}),
		CoalescedWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultmaven_coalesced_writes_total",
			Help: "Total number of writes absorbed by the debounce window",
		}),
		BackendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultmaven_backend_errors_total",
			Help: "Total number of backend request errors",
		}),
	}
}
