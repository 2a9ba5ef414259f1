package persist

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore implements Store with one file per key. It backs the diagnostic
// CLI and local development; the browser host injects its own Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) keyPath(key string) string {
	// Keys are fixed engine constants, but sanitize anyway so an odd key
	// cannot escape the base directory.
	safe := strings.ReplaceAll(key, string(os.PathSeparator), "_")
	return filepath.Join(s.baseDir, safe+".json")
}

func (s *FileStore) Get(_ context.Context, keys []string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		data, err := os.ReadFile(s.keyPath(key))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		out[key] = data
	}
	return out, nil
}

func (s *FileStore) Set(_ context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range values {
		if err := os.WriteFile(s.keyPath(key), value, 0644); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) Remove(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if err := os.Remove(s.keyPath(key)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
