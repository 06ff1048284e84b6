package journal

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/trellisnet/trellisd/internal/protocol"
	"github.com/trellisnet/trellisd/internal/storage"
)

var (
	// ErrNoStagedChange is returned by Commit and Rollback when nothing is
	// staged.
	ErrNoStagedChange = errors.New("no staged change")
	// ErrChangeInProgress is returned by PrepareChange while a different
	// batch is already staged.
	ErrChangeInProgress = errors.New("another change is staged")
)

var (
	rootKey        = []byte("journal/root")
	heightKey      = []byte("journal/height")
	batchKeyPrefix = []byte("journal/batch/")
)

// State is the journal's replicated state: a hash chain over committed
// batches. PrepareChange stages a batch and returns the root the chain
// would advance to; Commit makes it durable, Rollback discards it. The
// prepared root doubles as the proposal id, so identical state on two nodes
// yields identical expected hashes.
type State struct {
	store storage.Store

	mu     sync.Mutex
	root   []byte
	height uint64
	staged *stagedChange
}

type stagedChange struct {
	batch   Batch
	newRoot []byte
}

// NewState constructs a State over the given store, loading any persisted
// chain position.
func NewState(store storage.Store) (*State, error) {
	s := &State{store: store}

	root, err := store.Get(rootKey)
	switch {
	case err == nil:
		s.root = root
	case errors.Is(err, storage.ErrNotFound):
		s.root = make([]byte, sha256.Size)
	default:
		return nil, fmt.Errorf("failed to load journal root: %w", err)
	}

	heightBytes, err := store.Get(heightKey)
	switch {
	case err == nil:
		s.height = binary.BigEndian.Uint64(heightBytes)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to load journal height: %w", err)
	}

	return s, nil
}

// PrepareChange stages a batch and returns the root the chain advances to
// if it commits. Staging the same batch again returns the same root;
// staging a different batch while one is staged is an error.
func (s *State) PrepareChange(batch Batch) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged != nil {
		if s.staged.batch.ID == batch.ID {
			return s.staged.newRoot, nil
		}
		return nil, fmt.Errorf("%w: batch %s", ErrChangeInProgress, s.staged.batch.ID)
	}

	newRoot := chainRoot(s.root, batch)
	s.staged = &stagedChange{batch: batch, newRoot: newRoot}
	return newRoot, nil
}

// Commit makes the staged change durable and advances the chain.
func (s *State) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged == nil {
		return ErrNoStagedChange
	}

	height := s.height + 1
	batchValue, err := protocol.Marshal(&s.staged.batch)
	if err != nil {
		return err
	}

	heightBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(heightBytes, height)

	if err := s.store.Put(append(batchKeyPrefix, heightBytes...), batchValue); err != nil {
		return fmt.Errorf("failed to persist batch: %w", err)
	}
	if err := s.store.Put(rootKey, s.staged.newRoot); err != nil {
		return fmt.Errorf("failed to persist journal root: %w", err)
	}
	if err := s.store.Put(heightKey, heightBytes); err != nil {
		return fmt.Errorf("failed to persist journal height: %w", err)
	}

	s.root = s.staged.newRoot
	s.height = height
	s.staged = nil
	return nil
}

// Rollback discards the staged change.
func (s *State) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged == nil {
		return ErrNoStagedChange
	}
	s.staged = nil
	return nil
}

// CurrentRoot returns the committed chain root.
func (s *State) CurrentRoot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	root := make([]byte, len(s.root))
	copy(root, s.root)
	return root
}

// Height returns the number of committed batches.
func (s *State) Height() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height
}

// chainRoot derives the next chain root from the current root and a batch.
func chainRoot(root []byte, batch Batch) []byte {
	h := sha256.New()
	h.Write(root)
	h.Write([]byte(batch.ID))
	for _, entry := range batch.Entries {
		h.Write(entry)
	}
	return h.Sum(nil)
}
