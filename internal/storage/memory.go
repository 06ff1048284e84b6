package storage

import (
	"bytes"
	"sort"
	"sync"
)

func init() {
	Register("memory", func(Config) (Store, error) {
		return NewMemoryStore(), nil
	})
}

// MemoryStore is the in-memory Store used by tests and single-run tooling.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get returns the value for a key, or ErrNotFound.
func (s *MemoryStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	value, ok := s.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := make([]byte, len(value))
	copy(copied, value)
	return copied, nil
}

// Put stores a value under a key.
func (s *MemoryStore) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	copied := make([]byte, len(value))
	copy(copied, value)
	s.data[string(key)] = copied
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.data, string(key))
	return nil
}

// ForEachPrefix iterates all keys with the given prefix in key order.
func (s *MemoryStore) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}

	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		if bytes.HasPrefix([]byte(key), prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	// Snapshot values so fn can mutate the store.
	values := make([][]byte, len(keys))
	for i, key := range keys {
		values[i] = s.data[key]
	}
	s.mu.RUnlock()

	for i, key := range keys {
		if err := fn([]byte(key), values[i]); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
