package storage

import (
	"context"
	"sync"
)

// MemoryKV is an in-memory KV implementation. It is safe for concurrent use
// by multiple requests.
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]any)}
}

// Put stores value under key.
func (s *MemoryKV) Put(_ context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Get returns the value stored under key.
func (s *MemoryKV) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok, nil
}

// Has reports whether key exists.
func (s *MemoryKV) Has(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok, nil
}

// Delete removes key if present.
func (s *MemoryKV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryKV) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Close is a no-op for the memory store.
func (s *MemoryKV) Close() error {
	return nil
}
