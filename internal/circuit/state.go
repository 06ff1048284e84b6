package circuit

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/trellisnet/trellisd/internal/protocol"
	"github.com/trellisnet/trellisd/internal/storage"
)

var (
	// ErrUnknownCircuit is returned for operations naming an absent circuit.
	ErrUnknownCircuit = errors.New("unknown circuit")
	// ErrServiceAlreadyRegistered is returned when a service connection is
	// registered twice.
	ErrServiceAlreadyRegistered = errors.New("service already registered")
	// ErrServiceNotRegistered is returned when disconnecting a service that
	// has no registered connection.
	ErrServiceNotRegistered = errors.New("service not registered")
)

// storage key prefixes for persisted directory entries
var (
	circuitKeyPrefix = []byte("circuit/")
	nodeKeyPrefix    = []byte("node/")
)

type serviceKey struct {
	circuit   string
	serviceID string
}

// State is the directory the router resolves against: the circuit roster,
// the known member nodes, and the connections of locally attached services.
// Circuits and nodes are persisted through the storage layer; service
// connections are runtime-only.
type State struct {
	logger *zap.Logger
	store  storage.Store

	mu       sync.RWMutex
	circuits map[string]Circuit
	nodes    map[string]Node
	// (circuit, service) to the peer id of the locally connected service
	serviceConns map[serviceKey]string
}

// NewState constructs a State backed by the given store, loading any
// persisted circuits and nodes.
func NewState(logger *zap.Logger, store storage.Store) (*State, error) {
	s := &State{
		logger:       logger,
		store:        store,
		circuits:     make(map[string]Circuit),
		nodes:        make(map[string]Node),
		serviceConns: make(map[serviceKey]string),
	}

	err := store.ForEachPrefix(circuitKeyPrefix, func(_, value []byte) error {
		var circuit Circuit
		if err := protocol.Unmarshal(value, &circuit); err != nil {
			return err
		}
		s.circuits[circuit.ID] = circuit
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load circuit directory: %w", err)
	}

	err = store.ForEachPrefix(nodeKeyPrefix, func(_, value []byte) error {
		var node Node
		if err := protocol.Unmarshal(value, &node); err != nil {
			return err
		}
		s.nodes[node.ID] = node
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load node directory: %w", err)
	}

	return s, nil
}

// SetCircuit validates, persists, and indexes a circuit definition.
func (s *State) SetCircuit(circuit Circuit) error {
	if err := circuit.Validate(); err != nil {
		return err
	}

	value, err := protocol.Marshal(&circuit)
	if err != nil {
		return err
	}
	if err := s.store.Put(append(circuitKeyPrefix, circuit.ID...), value); err != nil {
		return fmt.Errorf("failed to persist circuit %s: %w", circuit.ID, err)
	}

	s.mu.Lock()
	s.circuits[circuit.ID] = circuit
	s.mu.Unlock()
	return nil
}

// RemoveCircuit removes a circuit definition and the service connections
// registered under it.
func (s *State) RemoveCircuit(circuitID string) error {
	if err := s.store.Delete(append(circuitKeyPrefix, circuitID...)); err != nil {
		return fmt.Errorf("failed to remove circuit %s: %w", circuitID, err)
	}

	s.mu.Lock()
	delete(s.circuits, circuitID)
	for key := range s.serviceConns {
		if key.circuit == circuitID {
			delete(s.serviceConns, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// Circuit returns the named circuit definition.
func (s *State) Circuit(circuitID string) (Circuit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	circuit, ok := s.circuits[circuitID]
	return circuit, ok
}

// CircuitIDs returns the ids of every known circuit.
func (s *State) CircuitIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.circuits))
	for id := range s.circuits {
		ids = append(ids, id)
	}
	return ids
}

// SetNode persists and indexes a member node.
func (s *State) SetNode(node Node) error {
	value, err := protocol.Marshal(&node)
	if err != nil {
		return err
	}
	if err := s.store.Put(append(nodeKeyPrefix, node.ID...), value); err != nil {
		return fmt.Errorf("failed to persist node %s: %w", node.ID, err)
	}

	s.mu.Lock()
	s.nodes[node.ID] = node
	s.mu.Unlock()
	return nil
}

// Node returns the named member node.
func (s *State) Node(nodeID string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[nodeID]
	return node, ok
}

// ConnectService registers the peer connection of a locally attached
// service.
func (s *State) ConnectService(circuitID, serviceID, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.circuits[circuitID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCircuit, circuitID)
	}
	key := serviceKey{circuit: circuitID, serviceID: serviceID}
	if _, ok := s.serviceConns[key]; ok {
		return fmt.Errorf("%w: %s on circuit %s", ErrServiceAlreadyRegistered, serviceID, circuitID)
	}
	s.serviceConns[key] = peerID

	s.logger.Info("service connected",
		zap.String("circuit", circuitID),
		zap.String("service_id", serviceID),
		zap.String("peer_id", peerID))
	return nil
}

// DisconnectService removes a locally attached service's registration.
func (s *State) DisconnectService(circuitID, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := serviceKey{circuit: circuitID, serviceID: serviceID}
	if _, ok := s.serviceConns[key]; !ok {
		return fmt.Errorf("%w: %s on circuit %s", ErrServiceNotRegistered, serviceID, circuitID)
	}
	delete(s.serviceConns, key)

	s.logger.Info("service disconnected",
		zap.String("circuit", circuitID),
		zap.String("service_id", serviceID))
	return nil
}

// ServiceConnection returns the peer id of a locally attached service.
func (s *State) ServiceConnection(circuitID, serviceID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peerID, ok := s.serviceConns[serviceKey{circuit: circuitID, serviceID: serviceID}]
	return peerID, ok
}
