package conflict

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/monitoring"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/types"
)

const maxBackups = 10

// Backups retains pre-resolution snapshots of conflicting data, most recent
// first, bounded to the last 10.
type Backups struct {
	mu      sync.Mutex
	entries []types.Backup
	metrics *monitoring.Metrics
	now     func() time.Time
}

func NewBackups(metrics *monitoring.Metrics) *Backups {
	return &Backups{metrics: metrics, now: time.Now}
}

// Create deep-copies both sides of the conflicting data and returns the
// backup id. The oldest entry is evicted past the retention bound.
func (b *Backups) Create(dataKind, entityID string, local, remote any) string {
	entry := types.Backup{
		ID:        uuid.NewString(),
		Timestamp: b.now(),
		DataKind:  dataKind,
		EntityID:  entityID,
		Local:     deepCopy(local),
		Remote:    deepCopy(remote),
	}

	b.mu.Lock()
	b.entries = append(b.entries, entry)
	if len(b.entries) > maxBackups {
		b.entries = b.entries[len(b.entries)-maxBackups:]
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.BackupsCreated.Inc()
	}
	return entry.ID
}

// Get returns the backup with the given id.
func (b *Backups) Get(id string) (types.Backup, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range b.entries {
		if entry.ID == id {
			return entry, true
		}
	}
	return types.Backup{}, false
}

// List returns all retained backups, oldest first.
func (b *Backups) List() []types.Backup {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Backup, len(b.entries))
	copy(out, b.entries)
	return out
}

// deepCopy detaches a value from its source via a JSON round-trip, so later
// mutation of the live data cannot corrupt the snapshot.
func deepCopy(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
