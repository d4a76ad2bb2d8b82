package objstore

import (
	"context"
	"sync"
)

// MemoryStore keeps blobs in process memory. It backs tests and single-node
// development where no MinIO endpoint is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]string)}
}

func (s *MemoryStore) Put(_ context.Context, content string) (string, error) {
	ref := Ref(content)
	s.mu.Lock()
	s.blobs[ref] = content
	s.mu.Unlock()
	return ref, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) (string, error) {
	s.mu.RLock()
	content, ok := s.blobs[ref]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return content, nil
}
