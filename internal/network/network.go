// Package network ties transport connections to peer identities. A Network
// owns the peer map, a receive loop per connection, and a single incoming
// message channel consumed by the dispatch loop.
package network

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/trellisnet/trellisd/internal/network/peermap"
	"github.com/trellisnet/trellisd/internal/transport"
)

var (
	// ErrUnknownPeer is returned by SendTo when the peer id does not resolve.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrNetworkShutdown is returned by Recv after Shutdown.
	ErrNetworkShutdown = errors.New("network shut down")
)

// base62 alphabet used for transient connection identifiers.
const base62Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Message is one received payload tagged with the sending peer's current id.
type Message struct {
	// PeerID is the sender's id at the time of receipt. Before authorization
	// completes this is a transient "temp-" id.
	PeerID string
	// Payload is the raw serialized NetworkMessage.
	Payload []byte
}

// Network multiplexes framed connections into a single message stream and
// maps peer ids to connections. Peer ids start out transient and are rewritten
// once authorization establishes the remote identity.
type Network struct {
	logger *zap.Logger

	mu    sync.Mutex
	peers *peermap.PeerMap
	// connection id to live connection
	connections map[string]transport.Connection
	// connection id to the current peer id; kept in lockstep with the peer
	// map so receive loops can tag messages without a reverse scan
	connPeers map[string]string

	incoming chan Message

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewNetwork constructs a Network with an empty peer map.
func NewNetwork(logger *zap.Logger) *Network {
	return &Network{
		logger:      logger,
		peers:       peermap.New(),
		connections: make(map[string]transport.Connection),
		connPeers:   make(map[string]string),
		incoming:    make(chan Message, 256),
		closed:      make(chan struct{}),
	}
}

// AddConnection registers a connection under a fresh transient peer id and
// starts its receive loop. The returned id is valid until authorization
// rewrites it via UpdatePeerID.
func (n *Network) AddConnection(conn transport.Connection) (string, error) {
	connectionID, err := randomID(16)
	if err != nil {
		return "", fmt.Errorf("failed to generate connection id: %w", err)
	}
	peerID := "temp-" + connectionID

	n.mu.Lock()
	n.peers.Insert(peerID, connectionID,
		[]string{conn.RemoteEndpoint()}, conn.RemoteEndpoint())
	n.connections[connectionID] = conn
	n.connPeers[connectionID] = peerID
	n.mu.Unlock()

	n.logger.Debug("connection added",
		zap.String("peer_id", peerID),
		zap.String("remote", conn.RemoteEndpoint()))

	n.wg.Add(1)
	go n.recvLoop(connectionID, conn)

	return peerID, nil
}

// UpdatePeerID rewrites a peer's id, typically from its transient id to the
// identity established by authorization. Stale references to the old id keep
// resolving through the peer map's redirect table.
func (n *Network) UpdatePeerID(oldPeerID, newPeerID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.peers.UpdatePeerID(oldPeerID, newPeerID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownPeer, err)
	}
	metadata, ok := n.peers.GetPeer(newPeerID)
	if ok {
		n.connPeers[metadata.ConnectionID] = newPeerID
	}

	n.logger.Debug("peer id updated",
		zap.String("old_peer_id", oldPeerID),
		zap.String("new_peer_id", newPeerID))
	return nil
}

// SendTo sends one payload to the named peer. The id may be a superseded id;
// it is resolved through the redirect table first.
func (n *Network) SendTo(peerID string, payload []byte) error {
	n.mu.Lock()
	metadata, ok := n.peers.GetPeer(peerID)
	var conn transport.Connection
	if ok {
		conn = n.connections[metadata.ConnectionID]
	}
	n.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if err := conn.Send(payload); err != nil {
		return fmt.Errorf("failed to send to peer %s: %w", peerID, err)
	}
	return nil
}

// Recv blocks until a message arrives from any peer or the network shuts
// down.
func (n *Network) Recv() (Message, error) {
	select {
	case message := <-n.incoming:
		return message, nil
	case <-n.closed:
		// Drain anything delivered before shutdown.
		select {
		case message := <-n.incoming:
			return message, nil
		default:
			return Message{}, ErrNetworkShutdown
		}
	}
}

// RemoveConnection closes and forgets the connection behind the named peer.
func (n *Network) RemoveConnection(peerID string) error {
	n.mu.Lock()
	metadata, ok := n.peers.GetPeer(peerID)
	var conn transport.Connection
	if ok {
		conn = n.connections[metadata.ConnectionID]
		delete(n.connections, metadata.ConnectionID)
		delete(n.connPeers, metadata.ConnectionID)
		n.peers.Remove(metadata.ID)
	}
	n.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, transport.ErrConnectionClosed) {
			n.logger.Warn("failed to close connection",
				zap.String("peer_id", peerID), zap.Error(err))
		}
	}

	n.logger.Debug("connection removed", zap.String("peer_id", peerID))
	return nil
}

// PeerIDs returns the ids of every known peer.
func (n *Network) PeerIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers.PeerIDs()
}

// ResolvePeerID returns the live id for a possibly superseded peer id.
func (n *Network) ResolvePeerID(peerID string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers.Resolve(peerID)
}

// GetPeer returns a copy of the metadata for a peer id.
func (n *Network) GetPeer(peerID string) (peermap.PeerMetadata, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	metadata, ok := n.peers.GetPeer(peerID)
	if !ok {
		return peermap.PeerMetadata{}, false
	}
	return *metadata, true
}

// Shutdown closes every connection and stops all receive loops. It blocks
// until the loops have exited.
func (n *Network) Shutdown() {
	n.closeOnce.Do(func() {
		close(n.closed)

		n.mu.Lock()
		for _, conn := range n.connections {
			_ = conn.Close()
		}
		n.connections = make(map[string]transport.Connection)
		n.connPeers = make(map[string]string)
		n.mu.Unlock()
	})

	n.wg.Wait()
}

func (n *Network) recvLoop(connectionID string, conn transport.Connection) {
	defer n.wg.Done()

	for {
		payload, err := conn.Recv()
		if err != nil {
			n.mu.Lock()
			peerID := n.connPeers[connectionID]
			n.mu.Unlock()
			if peerID != "" && !isClosed(n.closed) {
				n.logger.Debug("connection lost",
					zap.String("peer_id", peerID), zap.Error(err))
			}
			return
		}

		n.mu.Lock()
		peerID := n.connPeers[connectionID]
		n.mu.Unlock()
		if peerID == "" {
			// Connection was removed while a read was in flight.
			return
		}

		select {
		case n.incoming <- Message{PeerID: peerID, Payload: payload}:
		case <-n.closed:
			return
		}
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func randomID(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = base62Alphabet[int(b)%len(base62Alphabet)]
	}
	return string(buf), nil
}
