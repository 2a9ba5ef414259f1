// Package identmap maintains the bidirectional association between
// provisional identifiers and the authoritative ids the backend assigns.
package identmap

import (
	"fmt"
	"sync"
	"time"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/ident"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/types"
)

// Map records provisional->authoritative identifier mappings. Mappings are
// immutable once added and garbage-collected by age.
type Map struct {
	mu       sync.RWMutex
	mappings map[string]types.IdentifierMapping
	now      func() time.Time
}

func New() *Map {
	return &Map{
		mappings: make(map[string]types.IdentifierMapping),
		now:      time.Now,
	}
}

// Add records a mapping. When entityType is empty it is inferred from the
// provisional id's prefix; inference failure is an error. At most one
// authoritative id may exist per provisional id.
func (m *Map) Add(provisionalID, authoritativeID string, entityType types.EntityType) error {
	if provisionalID == "" || authoritativeID == "" {
		return fmt.Errorf("mapping ids cannot be empty")
	}
	if entityType == "" {
		switch {
		case ident.IsProvisionalCase(provisionalID):
			entityType = types.EntityCase
		case ident.IsProvisionalMessage(provisionalID):
			entityType = types.EntityMessage
		default:
			return fmt.Errorf("cannot infer entity type from id %q", provisionalID)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.mappings[provisionalID]; ok {
		if existing.AuthoritativeID == authoritativeID {
			return nil
		}
		return fmt.Errorf("provisional id %q already mapped to %q", provisionalID, existing.AuthoritativeID)
	}
	m.mappings[provisionalID] = types.IdentifierMapping{
		ProvisionalID:   provisionalID,
		AuthoritativeID: authoritativeID,
		EntityType:      entityType,
		CreatedAt:       m.now(),
	}
	return nil
}

// Authoritative returns the authoritative id for a provisional id.
func (m *Map) Authoritative(provisionalID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mapping, ok := m.mappings[provisionalID]
	if !ok {
		return "", false
	}
	return mapping.AuthoritativeID, true
}

// Provisional returns the provisional id for an authoritative id. Reverse
// lookups are rare, so this is a linear scan rather than a second index.
func (m *Map) Provisional(authoritativeID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mapping := range m.mappings {
		if mapping.AuthoritativeID == authoritativeID {
			return mapping.ProvisionalID, true
		}
	}
	return "", false
}

// Resolve returns the authoritative id when one exists for a provisional
// input, otherwise the input unchanged. Idempotent: resolving an already
// authoritative id is a no-op, so callers can pass either kind of id.
func (m *Map) Resolve(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mapping, ok := m.mappings[id]; ok {
		return mapping.AuthoritativeID
	}
	return id
}

// Cleanup removes mappings older than maxAge and returns how many.
func (m *Map) Cleanup(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, mapping := range m.mappings {
		if mapping.CreatedAt.Before(cutoff) {
			delete(m.mappings, id)
			removed++
		}
	}
	return removed
}

// State returns all mappings for a persistence round-trip.
func (m *Map) State() []types.IdentifierMapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.IdentifierMapping, 0, len(m.mappings))
	for _, mapping := range m.mappings {
		out = append(out, mapping)
	}
	return out
}

// SetState replaces the map's contents from persisted state.
func (m *Map) SetState(mappings []types.IdentifierMapping) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings = make(map[string]types.IdentifierMapping, len(mappings))
	for _, mapping := range mappings {
		if mapping.ProvisionalID == "" {
			continue
		}
		m.mappings[mapping.ProvisionalID] = mapping
	}
}

// Clear drops all mappings.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings = make(map[string]types.IdentifierMapping)
}

// Len returns the number of live mappings.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mappings)
}
