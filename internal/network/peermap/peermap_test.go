package peermap

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerIDs(t *testing.T) {
	m := New()
	assert.Empty(t, m.PeerIDs())

	m.Insert("test_peer", "connection_id_1",
		[]string{"tcp://127.0.0.1:8000", "tcp://127.0.0.1:8001"}, "tcp://127.0.0.1:8001")
	m.Insert("next_peer", "connection_id_2",
		[]string{"tcp://10.0.0.1:8000"}, "tcp://10.0.0.1:8000")

	ids := m.PeerIDs()
	sort.Strings(ids)
	assert.Equal(t, []string{"next_peer", "test_peer"}, ids)

	require.NoError(t, m.UpdatePeerID("test_peer", "new_peer"))

	ids = m.PeerIDs()
	sort.Strings(ids)
	assert.Equal(t, []string{"new_peer", "next_peer"}, ids)
}

func TestGetPeerFromEndpoint(t *testing.T) {
	m := New()

	_, ok := m.GetPeerFromEndpoint("bad_endpoint")
	assert.False(t, ok)

	m.Insert("test_peer", "connection_id",
		[]string{"tcp://127.0.0.1:8000", "tcp://127.0.0.1:8001"}, "tcp://127.0.0.1:8001")

	for _, endpoint := range []string{"tcp://127.0.0.1:8000", "tcp://127.0.0.1:8001"} {
		metadata, ok := m.GetPeerFromEndpoint(endpoint)
		require.True(t, ok)
		assert.Equal(t, "test_peer", metadata.ID)
		assert.Equal(t, "connection_id", metadata.ConnectionID)
		assert.Equal(t, "tcp://127.0.0.1:8001", metadata.ActiveEndpoint)
		assert.True(t, metadata.Status.Connected)
	}
}

func TestRemovePeer(t *testing.T) {
	m := New()

	_, ok := m.Remove("test_peer")
	assert.False(t, ok)

	m.Insert("test_peer", "connection_id",
		[]string{"tcp://127.0.0.1:8000", "tcp://127.0.0.1:8001"}, "tcp://127.0.0.1:8001")

	endpoint, ok := m.Remove("test_peer")
	require.True(t, ok)
	assert.Equal(t, "tcp://127.0.0.1:8001", endpoint)
	assert.False(t, m.Contains("test_peer"))
}

// TestRemoveCleansAllIndices checks that after Remove, no endpoint entry
// resolves to the removed id and no redirect targets it.
func TestRemoveCleansAllIndices(t *testing.T) {
	m := New()
	m.Insert("old_peer", "conn_1",
		[]string{"tcp://127.0.0.1:8000", "tcp://127.0.0.1:8001"}, "tcp://127.0.0.1:8000")
	require.NoError(t, m.UpdatePeerID("old_peer", "live_peer"))

	_, ok := m.Remove("live_peer")
	require.True(t, ok)

	_, ok = m.GetPeerFromEndpoint("tcp://127.0.0.1:8000")
	assert.False(t, ok)
	_, ok = m.GetPeerFromEndpoint("tcp://127.0.0.1:8001")
	assert.False(t, ok)
	assert.False(t, m.Contains("old_peer"))
	assert.False(t, m.Contains("live_peer"))
}

func TestUpdatePeerID(t *testing.T) {
	m := New()

	err := m.UpdatePeerID("test_peer", "new_peer")
	assert.ErrorIs(t, err, ErrUnknownPeer)

	m.Insert("test_peer", "connection_id",
		[]string{"tcp://127.0.0.1:8000"}, "tcp://127.0.0.1:8000")

	require.NoError(t, m.UpdatePeerID("test_peer", "new_peer"))

	metadata, ok := m.GetPeer("new_peer")
	require.True(t, ok)
	assert.Equal(t, "new_peer", metadata.ID)

	// Stale references to the old id follow the redirect.
	metadata, ok = m.GetPeer("test_peer")
	require.True(t, ok)
	assert.Equal(t, "new_peer", metadata.ID)

	metadata, ok = m.GetPeerFromEndpoint("tcp://127.0.0.1:8000")
	require.True(t, ok)
	assert.Equal(t, "new_peer", metadata.ID)
}

// TestRedirectTransitivity renames A -> B -> C and checks that both stale
// ids resolve to C in a single hop.
func TestRedirectTransitivity(t *testing.T) {
	m := New()
	m.Insert("peer_a", "conn", []string{"tcp://127.0.0.1:8000"}, "tcp://127.0.0.1:8000")

	require.NoError(t, m.UpdatePeerID("peer_a", "peer_b"))
	require.NoError(t, m.UpdatePeerID("peer_b", "peer_c"))

	resolved, ok := m.Resolve("peer_a")
	require.True(t, ok)
	assert.Equal(t, "peer_c", resolved)

	resolved, ok = m.Resolve("peer_b")
	require.True(t, ok)
	assert.Equal(t, "peer_c", resolved)

	resolved, ok = m.Resolve("peer_c")
	require.True(t, ok)
	assert.Equal(t, "peer_c", resolved)
}

func TestUpdatePeer(t *testing.T) {
	m := New()

	err := m.UpdatePeer(PeerMetadata{
		ID:             "test_peer",
		ConnectionID:   "connection_id",
		Endpoints:      []string{"tcp://127.0.0.1:8000"},
		ActiveEndpoint: "tcp://127.0.0.1:8000",
		Status:         Connected(),
	})
	assert.ErrorIs(t, err, ErrUnknownPeer)

	m.Insert("test_peer", "connection_id",
		[]string{"tcp://127.0.0.1:8000", "tcp://127.0.0.1:8001"}, "tcp://127.0.0.1:8001")

	metadata, ok := m.GetPeerFromEndpoint("tcp://127.0.0.1:8001")
	require.True(t, ok)

	updated := *metadata
	updated.ActiveEndpoint = "tcp://127.0.0.1:8000"
	updated.Endpoints = append(updated.Endpoints, "tcp://127.0.0.1:9000")
	updated.Status = Disconnected(5)

	require.NoError(t, m.UpdatePeer(updated))

	metadata, ok = m.GetPeer("test_peer")
	require.True(t, ok)
	assert.Equal(t, "tcp://127.0.0.1:8000", metadata.ActiveEndpoint)
	assert.Equal(t, Disconnected(5), metadata.Status)
	assert.Len(t, metadata.Endpoints, 3)

	metadata, ok = m.GetPeerFromEndpoint("tcp://127.0.0.1:9000")
	require.True(t, ok)
	assert.Equal(t, "test_peer", metadata.ID)
}

// Shrinking a peer's endpoint list must purge the dropped endpoints from the
// index; otherwise they would keep resolving to the peer even after Remove.
func TestUpdatePeerPurgesDroppedEndpoints(t *testing.T) {
	m := New()
	m.Insert("test_peer", "connection_id",
		[]string{"tcp://127.0.0.1:8000", "tcp://127.0.0.1:8001"}, "tcp://127.0.0.1:8000")

	require.NoError(t, m.UpdatePeer(PeerMetadata{
		ID:             "test_peer",
		ConnectionID:   "connection_id",
		Endpoints:      []string{"tcp://127.0.0.1:8000"},
		ActiveEndpoint: "tcp://127.0.0.1:8000",
		Status:         Connected(),
	}))

	_, ok := m.GetPeerFromEndpoint("tcp://127.0.0.1:8001")
	assert.False(t, ok)
	metadata, ok := m.GetPeerFromEndpoint("tcp://127.0.0.1:8000")
	require.True(t, ok)
	assert.Equal(t, "test_peer", metadata.ID)

	_, ok = m.Remove("test_peer")
	require.True(t, ok)
	_, ok = m.GetPeerFromEndpoint("tcp://127.0.0.1:8000")
	assert.False(t, ok)
	_, ok = m.GetPeerFromEndpoint("tcp://127.0.0.1:8001")
	assert.False(t, ok)
}
