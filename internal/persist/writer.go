package persist

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/logging"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/monitoring"
)

// DefaultDebounce is the write coalescing window.
const DefaultDebounce = 1000 * time.Millisecond

// BatchWriter coalesces rapid state mutations into infrequent durable
// writes. Repeated changes to the same key within the debounce window
// collapse into a single Set; keys whose value becomes empty are removed
// from storage rather than persisted as empty containers.
type BatchWriter struct {
	mu      sync.Mutex
	store   Store
	window  time.Duration
	log     *logging.Logger
	metrics *monitoring.Metrics

	pendingSet    map[string][]byte
	pendingRemove map[string]bool
	timer         *time.Timer
	closed        bool
}

func NewBatchWriter(store Store, window time.Duration, log *logging.Logger, metrics *monitoring.Metrics) *BatchWriter {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &BatchWriter{
		store:         store,
		window:        window,
		log:           log,
		metrics:       metrics,
		pendingSet:    make(map[string][]byte),
		pendingRemove: make(map[string]bool),
	}
}

// Queue schedules a durable write for key. An empty value is treated as a
// removal, keeping the durable footprint proportional to live state.
func (w *BatchWriter) Queue(key string, value []byte) {
	if len(value) == 0 {
		w.QueueRemove(key)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if _, dup := w.pendingSet[key]; dup && w.metrics != nil {
		w.metrics.CoalescedWrites.Inc()
	}
	delete(w.pendingRemove, key)
	w.pendingSet[key] = value
	w.arm()
}

// QueueRemove schedules a durable removal for key.
func (w *BatchWriter) QueueRemove(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	delete(w.pendingSet, key)
	w.pendingRemove[key] = true
	w.arm()
}

// arm starts the debounce timer if it is not already running. Caller holds
// the lock.
func (w *BatchWriter) arm() {
	if w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(w.window, func() {
		if err := w.Flush(context.Background()); err != nil && w.log != nil {
			w.log.Error("debounced flush failed", zap.Error(err))
		}
	})
}

// Flush writes all pending state synchronously. Safe to call with nothing
// pending. On failure the pending state is retained so a later flush can
// try again.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if len(w.pendingSet) == 0 && len(w.pendingRemove) == 0 {
		w.mu.Unlock()
		return nil
	}
	sets := w.pendingSet
	removes := make([]string, 0, len(w.pendingRemove))
	for key := range w.pendingRemove {
		removes = append(removes, key)
	}
	w.pendingSet = make(map[string][]byte)
	w.pendingRemove = make(map[string]bool)
	w.mu.Unlock()

	if len(sets) > 0 {
		if err := w.store.Set(ctx, sets); err != nil {
			w.requeue(sets, removes)
			return err
		}
	}
	if len(removes) > 0 {
		if err := w.store.Remove(ctx, removes); err != nil {
			w.requeue(nil, removes)
			return err
		}
	}
	if w.metrics != nil {
		w.metrics.PersistedBatches.Inc()
	}
	return nil
}

func (w *BatchWriter) requeue(sets map[string][]byte, removes []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	for key, value := range sets {
		if _, ok := w.pendingSet[key]; !ok && !w.pendingRemove[key] {
			w.pendingSet[key] = value
		}
	}
	for _, key := range removes {
		if _, ok := w.pendingSet[key]; !ok {
			w.pendingRemove[key] = true
		}
	}
	if len(w.pendingSet) > 0 || len(w.pendingRemove) > 0 {
		w.arm()
	}
}

// Close flushes any pending write synchronously and stops the writer. After
// Close, queued writes are dropped.
func (w *BatchWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.Flush(context.Background())
}
