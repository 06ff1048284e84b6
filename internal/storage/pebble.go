package storage

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
)

func init() {
	Register("pebble", NewPebbleStore)
}

// PebbleStore is the persistent Store backed by PebbleDB.
type PebbleStore struct {
	db     *pebble.DB
	closed atomic.Bool
}

// NewPebbleStore opens (or creates) a PebbleDB at config.Path.
func NewPebbleStore(config Config) (Store, error) {
	if err := os.MkdirAll(config.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", config.Path, err)
	}

	db, err := pebble.Open(config.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store at %s: %w", config.Path, err)
	}
	return &PebbleStore{db: db}, nil
}

// Get returns the value for a key, or ErrNotFound.
func (s *PebbleStore) Get(key []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	value, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pebble get failed: %w", err)
	}
	defer closer.Close()

	// Copy; the slice is only valid until closer.Close.
	copied := make([]byte, len(value))
	copy(copied, value)
	return copied, nil
}

// Put stores a value under a key.
func (s *PebbleStore) Put(key, value []byte) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set failed: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *PebbleStore) Delete(key []byte) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete failed: %w", err)
	}
	return nil
}

// ForEachPrefix iterates all keys with the given prefix.
func (s *PebbleStore) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("pebble iterator failed: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.db.Flush(); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("pebble flush failed: %w", err)
	}
	return s.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when the prefix is all 0xff bytes.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
