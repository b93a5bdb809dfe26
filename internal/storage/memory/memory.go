// Package memory is an in-process ingest.BlobStore for tests and
// throwaway runs. References use the mem:// scheme.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mreis/archivum/internal/ingest"
)

const scheme = "mem://"

// Store holds blobs in a map.
type Store struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// New returns an empty store.
func New() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

// Put stores a copy of data at path.
func (s *Store) Put(_ context.Context, path string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty blob path")
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.blobs[path] = cp
	s.mu.Unlock()
	return scheme + path, nil
}

// Get returns a copy of the blob for ref.
func (s *Store) Get(_ context.Context, ref string) ([]byte, error) {
	path := strings.TrimPrefix(ref, scheme)

	s.mu.RLock()
	data, ok := s.blobs[path]
	s.mu.RUnlock()
	if !ok {
		return nil, ingest.ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Len reports how many blobs are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

var _ ingest.BlobStore = (*Store)(nil)
