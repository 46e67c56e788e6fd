// Package blobstore provides content-addressed blob storage behind the
// core.ContentStore interface.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/hupe1980/agentpool/core"
)

// InMemoryStore is an in-process core.ContentStore implementation useful for
// tests, examples and single-process deployments. Blobs are keyed by the hex
// SHA-256 of their content, so Put is idempotent and ids are deterministic.
// Data is copied on save and retrieval to avoid accidental external mutation
// of internal buffers.
//
// It does not enforce retention limits or eviction. For production, prefer a
// durable implementation that survives process restarts.
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ core.ContentStore = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty in-memory blob store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: make(map[string][]byte)}
}

// Put stores the bytes and returns their content id. Storing the same bytes
// twice returns the same id.
func (s *InMemoryStore) Put(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])

	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.blobs[id] = cp
	s.mu.Unlock()

	return id, nil
}

// Get returns a copy of the stored bytes or core.ErrNotFound.
func (s *InMemoryStore) Get(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("blob %s: %w", id, core.ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Len returns the number of stored blobs.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
