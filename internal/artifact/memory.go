package artifact

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory artifact Store for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory artifact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put writes an object and returns its reference.
func (s *MemoryStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	return "mem://" + key, nil
}

// Get reads an object by key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, exists := s.objects[key]
	if !exists {
		return nil, fmt.Errorf("object %q not found", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Exists reports whether the key holds an object.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.objects[key]
	return exists, nil
}

// PresignGet returns a stable pseudo-URL for tests.
func (s *MemoryStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, exists := s.objects[key]; !exists {
		return "", fmt.Errorf("object %q not found", key)
	}
	return "mem://" + key, nil
}

// Len returns the number of stored objects. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
