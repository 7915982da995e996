package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in process memory. A positive maxBytes
// bounds the total size of stored values.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	size     int
	maxBytes int
}

// NewMemoryStore creates a MemoryStore. maxBytes <= 0 means unbounded.
func NewMemoryStore(maxBytes int) *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte), maxBytes: maxBytes}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.size - len(s.data[key]) + len(value)
	if s.maxBytes > 0 && next > s.maxBytes {
		return ErrQuotaExceeded
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.data[key] = v
	s.size = next
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.size -= len(s.data[k])
		delete(s.data, k)
	}
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *MemoryStore) Close() error { return nil }
