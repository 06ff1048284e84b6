package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisnet/trellisd/internal/storage"
)

func testBatch(id string) Batch {
	return Batch{ID: id, Entries: [][]byte{[]byte("entry for " + id)}}
}

func TestPrepareCommit(t *testing.T) {
	state, err := NewState(storage.NewMemoryStore())
	require.NoError(t, err)

	initialRoot := state.CurrentRoot()
	assert.Equal(t, uint64(0), state.Height())

	expected, err := state.PrepareChange(testBatch("batch-1"))
	require.NoError(t, err)
	assert.NotEqual(t, initialRoot, expected)

	// The committed root is unchanged until Commit.
	assert.Equal(t, initialRoot, state.CurrentRoot())

	require.NoError(t, state.Commit())
	assert.Equal(t, expected, state.CurrentRoot())
	assert.Equal(t, uint64(1), state.Height())
}

func TestPrepareIsIdempotentForSameBatch(t *testing.T) {
	state, err := NewState(storage.NewMemoryStore())
	require.NoError(t, err)

	first, err := state.PrepareChange(testBatch("batch-1"))
	require.NoError(t, err)
	second, err := state.PrepareChange(testBatch("batch-1"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = state.PrepareChange(testBatch("batch-2"))
	assert.ErrorIs(t, err, ErrChangeInProgress)
}

func TestRollback(t *testing.T) {
	state, err := NewState(storage.NewMemoryStore())
	require.NoError(t, err)

	assert.ErrorIs(t, state.Rollback(), ErrNoStagedChange)
	assert.ErrorIs(t, state.Commit(), ErrNoStagedChange)

	root := state.CurrentRoot()
	_, err = state.PrepareChange(testBatch("batch-1"))
	require.NoError(t, err)
	require.NoError(t, state.Rollback())

	assert.Equal(t, root, state.CurrentRoot())
	assert.Equal(t, uint64(0), state.Height())

	// After a rollback a different batch may be staged.
	_, err = state.PrepareChange(testBatch("batch-2"))
	assert.NoError(t, err)
}

// Identical batch sequences produce identical roots on independent states;
// the expected hash is the agreement point between nodes.
func TestDeterministicRoots(t *testing.T) {
	a, err := NewState(storage.NewMemoryStore())
	require.NoError(t, err)
	b, err := NewState(storage.NewMemoryStore())
	require.NoError(t, err)

	for _, id := range []string{"batch-1", "batch-2"} {
		rootA, err := a.PrepareChange(testBatch(id))
		require.NoError(t, err)
		require.NoError(t, a.Commit())

		rootB, err := b.PrepareChange(testBatch(id))
		require.NoError(t, err)
		require.NoError(t, b.Commit())

		assert.Equal(t, rootA, rootB)
	}
}

func TestStateReload(t *testing.T) {
	store := storage.NewMemoryStore()

	state, err := NewState(store)
	require.NoError(t, err)
	_, err = state.PrepareChange(testBatch("batch-1"))
	require.NoError(t, err)
	require.NoError(t, state.Commit())

	reloaded, err := NewState(store)
	require.NoError(t, err)
	assert.Equal(t, state.CurrentRoot(), reloaded.CurrentRoot())
	assert.Equal(t, uint64(1), reloaded.Height())
}
