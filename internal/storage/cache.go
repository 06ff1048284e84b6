package storage

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore wraps a Store with an LRU read cache. Writes go through to the
// underlying store and update the cache.
type CachedStore struct {
	store Store
	cache *lru.Cache[string, []byte]
}

// NewCachedStore wraps the given store with a read cache of the given size.
func NewCachedStore(store Store, size int) (*CachedStore, error) {
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create read cache: %w", err)
	}
	return &CachedStore{store: store, cache: cache}, nil
}

// Get returns the cached value if present, otherwise reads through.
func (s *CachedStore) Get(key []byte) ([]byte, error) {
	if value, ok := s.cache.Get(string(key)); ok {
		copied := make([]byte, len(value))
		copy(copied, value)
		return copied, nil
	}

	value, err := s.store.Get(key)
	if err != nil {
		return nil, err
	}
	s.cache.Add(string(key), value)
	return value, nil
}

// Put writes through and refreshes the cache entry.
func (s *CachedStore) Put(key, value []byte) error {
	if err := s.store.Put(key, value); err != nil {
		return err
	}
	copied := make([]byte, len(value))
	copy(copied, value)
	s.cache.Add(string(key), copied)
	return nil
}

// Delete removes the key from the store and the cache.
func (s *CachedStore) Delete(key []byte) error {
	if err := s.store.Delete(key); err != nil {
		return err
	}
	s.cache.Remove(string(key))
	return nil
}

// ForEachPrefix iterates the underlying store; the cache is bypassed.
func (s *CachedStore) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	return s.store.ForEachPrefix(prefix, fn)
}

// Close purges the cache and closes the underlying store.
func (s *CachedStore) Close() error {
	s.cache.Purge()
	return s.store.Close()
}
