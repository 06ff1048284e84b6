// Package storage provides the key-value store behind the circuit directory
// and the journal state. Backends register themselves by name; the daemon
// selects one from configuration.
package storage

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotFound is returned by Get for an absent key.
	ErrNotFound = errors.New("key not found")
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("store closed")
	// ErrUnknownBackend is returned when no backend is registered under the
	// requested name.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// Store is a byte-oriented key-value store.
type Store interface {
	// Get returns the value for a key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Put stores a value under a key, replacing any previous value.
	Put(key, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// ForEachPrefix calls fn for every key with the given prefix. Iteration
	// stops at the first error, which is returned.
	ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error

	// Close releases the store's resources.
	Close() error
}

// Config carries backend construction parameters.
type Config struct {
	// Path is the on-disk location for persistent backends. Ignored by the
	// memory backend.
	Path string
}

// Factory constructs a Store from a Config.
type Factory func(config Config) (Store, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a backend available under the given name.
func Register(name string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = factory
}

// Open constructs the named backend.
func Open(name string, config Config) (Store, error) {
	factoryMu.RLock()
	factory, ok := factories[name]
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return factory(config)
}

// Backends returns the registered backend names.
func Backends() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}
