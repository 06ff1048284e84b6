// Package peermap tracks peer identity, endpoints, and connection state for
// the trellis network layer. It maintains a redirect table so that callers
// holding a superseded peer id still resolve to the live peer.
package peermap

import (
	"errors"
	"fmt"
)

// ErrUnknownPeer is returned when an update names a peer that is not present.
var ErrUnknownPeer = errors.New("unknown peer")

// Status describes a peer's connection state.
type Status struct {
	// Connected is true while the active endpoint has a live connection.
	Connected bool
	// RetryAttempts counts reconnect attempts since the peer disconnected.
	// Only meaningful while Connected is false.
	RetryAttempts uint64
}

// Connected returns a Status for a connected peer.
func Connected() Status {
	return Status{Connected: true}
}

// Disconnected returns a Status for a disconnected peer with the given
// number of retry attempts.
func Disconnected(retryAttempts uint64) Status {
	return Status{RetryAttempts: retryAttempts}
}

// PeerMetadata holds everything the network layer knows about a peer.
type PeerMetadata struct {
	// ID is the peer's identity as established by authorization.
	ID string
	// ConnectionID identifies the underlying transport connection.
	ConnectionID string
	// Endpoints lists every address the peer may be reached at.
	Endpoints []string
	// ActiveEndpoint is the endpoint of the current connection. It is
	// always a member of Endpoints.
	ActiveEndpoint string
	// Status is the peer's connection state.
	Status Status
}

// PeerMap maps peer ids to metadata. It also maintains an endpoint index and
// a redirect table for renamed peer ids. Redirect chains are collapsed
// eagerly so resolution never follows more than one hop.
//
// PeerMap is not safe for concurrent use; it is owned by the single dispatch
// loop that owns the transport receive loop.
type PeerMap struct {
	peers     map[string]*PeerMetadata
	redirects map[string]string
	// endpoint to peer id
	endpoints map[string]string
}

// New constructs an empty PeerMap.
func New() *PeerMap {
	return &PeerMap{
		peers:     make(map[string]*PeerMetadata),
		redirects: make(map[string]string),
		endpoints: make(map[string]string),
	}
}

// PeerIDs returns the current list of peer ids, excluding redirected ids.
func (m *PeerMap) PeerIDs() []string {
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// Insert adds a new peer with the given connection id and endpoints. The
// peer starts out connected. Every endpoint is indexed back to the peer.
func (m *PeerMap) Insert(peerID, connectionID string, endpoints []string, activeEndpoint string) {
	m.peers[peerID] = &PeerMetadata{
		ID:             peerID,
		ConnectionID:   connectionID,
		Endpoints:      endpoints,
		ActiveEndpoint: activeEndpoint,
		Status:         Connected(),
	}

	for _, endpoint := range endpoints {
		m.endpoints[endpoint] = peerID
	}
}

// Remove deletes a peer, its endpoint index entries, and every redirect that
// targets it. It returns the peer's active endpoint and whether the peer was
// present.
func (m *PeerMap) Remove(peerID string) (string, bool) {
	for old, target := range m.redirects {
		if target == peerID {
			delete(m.redirects, old)
		}
	}

	metadata, ok := m.peers[peerID]
	if !ok {
		return "", false
	}
	delete(m.peers, peerID)

	for _, endpoint := range metadata.Endpoints {
		delete(m.endpoints, endpoint)
	}

	return metadata.ActiveEndpoint, true
}

// UpdatePeerID renames a peer and records a redirect from the old id to the
// new one. Existing redirects that target the old id are rewritten to target
// the new id, keeping every redirect a single hop.
func (m *PeerMap) UpdatePeerID(oldPeerID, newPeerID string) error {
	metadata, ok := m.peers[oldPeerID]
	if !ok {
		return fmt.Errorf("%w: unable to update %s to %s", ErrUnknownPeer, oldPeerID, newPeerID)
	}
	delete(m.peers, oldPeerID)

	for _, endpoint := range metadata.Endpoints {
		m.endpoints[endpoint] = newPeerID
	}

	metadata.ID = newPeerID
	m.peers[newPeerID] = metadata

	// Collapse any chains: stale redirects to the old id now point at the
	// new id directly.
	for old, target := range m.redirects {
		if target == oldPeerID {
			m.redirects[old] = newPeerID
		}
	}
	m.redirects[oldPeerID] = newPeerID

	return nil
}

// UpdatePeer replaces an existing peer's metadata. Every field except the id
// may change. It cannot create a peer; updating an absent id is an error.
func (m *PeerMap) UpdatePeer(metadata PeerMetadata) error {
	previous, ok := m.peers[metadata.ID]
	if !ok {
		return fmt.Errorf("%w: unable to update peer %s", ErrUnknownPeer, metadata.ID)
	}

	// Endpoints dropped from the peer's list must leave the index too, or
	// they would keep resolving to this peer forever.
	kept := make(map[string]bool, len(metadata.Endpoints))
	for _, endpoint := range metadata.Endpoints {
		kept[endpoint] = true
	}
	for _, endpoint := range previous.Endpoints {
		if !kept[endpoint] {
			delete(m.endpoints, endpoint)
		}
	}
	for _, endpoint := range metadata.Endpoints {
		m.endpoints[endpoint] = metadata.ID
	}

	copied := metadata
	m.peers[metadata.ID] = &copied

	return nil
}

// GetPeer returns the metadata for a peer id, following at most one redirect.
func (m *PeerMap) GetPeer(peerID string) (*PeerMetadata, bool) {
	if metadata, ok := m.peers[peerID]; ok {
		return metadata, true
	}
	if target, ok := m.redirects[peerID]; ok {
		metadata, ok := m.peers[target]
		return metadata, ok
	}
	return nil, false
}

// GetPeerFromEndpoint returns the metadata for the peer that owns the given
// endpoint.
func (m *PeerMap) GetPeerFromEndpoint(endpoint string) (*PeerMetadata, bool) {
	peerID, ok := m.endpoints[endpoint]
	if !ok {
		return nil, false
	}
	metadata, ok := m.peers[peerID]
	return metadata, ok
}

// Resolve returns the live id for a peer id that may have been superseded.
// Lookup never requires more than one redirect hop.
func (m *PeerMap) Resolve(peerID string) (string, bool) {
	if _, ok := m.peers[peerID]; ok {
		return peerID, true
	}
	if target, ok := m.redirects[peerID]; ok {
		return target, true
	}
	return "", false
}

// Contains reports whether the peer id resolves to a live peer.
func (m *PeerMap) Contains(peerID string) bool {
	_, ok := m.Resolve(peerID)
	return ok
}
