package storage

// PrefixStore exposes a keyspace slice of an underlying store. Every key is
// transparently prefixed, letting multiple components share one backend
// without colliding.
type PrefixStore struct {
	store  Store
	prefix []byte
}

// NewPrefixStore wraps a store under a key prefix. Closing the wrapper does
// not close the underlying store; the owner of the backend does that.
func NewPrefixStore(store Store, prefix string) *PrefixStore {
	return &PrefixStore{store: store, prefix: []byte(prefix)}
}

func (p *PrefixStore) key(k []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	out = append(out, p.prefix...)
	return append(out, k...)
}

// Get returns the value under the prefixed key.
func (p *PrefixStore) Get(key []byte) ([]byte, error) {
	return p.store.Get(p.key(key))
}

// Put stores the value under the prefixed key.
func (p *PrefixStore) Put(key, value []byte) error {
	return p.store.Put(p.key(key), value)
}

// Delete removes the prefixed key.
func (p *PrefixStore) Delete(key []byte) error {
	return p.store.Delete(p.key(key))
}

// ForEachPrefix visits keys under the combined prefix, handing the callback
// keys with this store's prefix stripped.
func (p *PrefixStore) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	return p.store.ForEachPrefix(p.key(prefix), func(key, value []byte) error {
		return fn(key[len(p.prefix):], value)
	})
}

// Close is a no-op; the underlying store outlives its slices.
func (p *PrefixStore) Close() error {
	return nil
}
