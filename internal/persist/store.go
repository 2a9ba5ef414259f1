// Package persist provides the durable key/value store boundary and the
// batched writer that keeps engine state durable without write
// amplification.
package persist

import (
	"context"
	"sync"
)

// Storage keys for the engine state that must survive a restart.
const (
	KeyTitles        = "faultmaven_case_titles"
	KeyProvenance    = "faultmaven_title_provenance"
	KeyConversations = "faultmaven_conversations"
	KeyPendingOps    = "faultmaven_pending_operations"
	KeyIDMappings    = "faultmaven_id_mappings"
	KeyReloadMarker  = "faultmaven_reload_marker"
	KeyClientVersion = "faultmaven_client_version"
	KeySessionID     = "faultmaven_session_id"
)

// Store is the durable key/value collaborator. It offers no transactional
// guarantees across keys; the BatchWriter exists to shrink the blast radius
// of that limitation. Multiple execution contexts (tabs) may share one
// store, which is why the engine treats it as write-after-read.
type Store interface {
	Get(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
	Remove(ctx context.Context, keys []string) error
}

// MemStore is an in-memory Store for tests and cross-tab simulations.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Get(_ context.Context, keys []string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[k] = cp
		}
	}
	return out, nil
}

func (s *MemStore) Set(_ context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		cp := make([]byte, len(v))
		copy(cp, v)
		s.data[k] = cp
	}
	return nil
}

func (s *MemStore) Remove(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

// Len returns the number of stored keys.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
