// Package service defines how application services attach to a circuit's
// message plane: the Service interface they implement and the Registry that
// connects them and hands out network senders.
package service

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/trellisnet/trellisd/internal/circuit"
	"github.com/trellisnet/trellisd/internal/network/dispatch"
	"github.com/trellisnet/trellisd/internal/protocol"
)

var (
	// ErrNotConnected is returned when sending from a service that is not
	// connected to the registry.
	ErrNotConnected = errors.New("service not connected")
	// ErrUnknownRecipient is returned when a recipient service cannot be
	// resolved to any delivery target.
	ErrUnknownRecipient = errors.New("unknown recipient service")
)

// MessageContext carries the provenance of a delivered service message.
type MessageContext struct {
	// Circuit is the circuit the message traveled on.
	Circuit string
	// Sender is the originating service id.
	Sender string
	// CorrelationID links responses to requests.
	CorrelationID string
}

// NetworkSender sends application payloads to another service on the same
// circuit.
type NetworkSender interface {
	Send(recipient string, payload []byte) error
}

// Registry connects services to a circuit.
type Registry interface {
	// Connect attaches a service and returns the sender it should use.
	Connect(svc Service) (NetworkSender, error)

	// Disconnect detaches a service.
	Disconnect(svc Service) error
}

// Service is an addressable endpoint on a circuit.
type Service interface {
	// ServiceID returns the service's roster id.
	ServiceID() string

	// ServiceType names the service implementation.
	ServiceType() string

	// Start connects the service through the registry and begins operation.
	Start(registry Registry) error

	// Stop ends operation and disconnects from the registry.
	Stop(registry Registry) error

	// HandleMessage processes one payload addressed to this service.
	HandleMessage(payload []byte, ctx MessageContext) error
}

// CircuitRegistry attaches daemon-hosted services to one circuit. Messages
// between two services registered here are delivered in process; everything
// else goes out through the network sender and the remote node's router.
type CircuitRegistry struct {
	logger    *zap.Logger
	circuitID string
	state     *circuit.State
	network   dispatch.Sender

	mu    sync.RWMutex
	local map[string]Service
}

// NewCircuitRegistry constructs a registry for one circuit.
func NewCircuitRegistry(
	logger *zap.Logger,
	circuitID string,
	state *circuit.State,
	network dispatch.Sender,
) *CircuitRegistry {
	return &CircuitRegistry{
		logger:    logger,
		circuitID: circuitID,
		state:     state,
		network:   network,
		local:     make(map[string]Service),
	}
}

// Connect registers the service in the circuit directory and returns its
// sender.
func (r *CircuitRegistry) Connect(svc Service) (NetworkSender, error) {
	serviceID := svc.ServiceID()
	if err := r.state.ConnectService(r.circuitID, serviceID, serviceID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.local[serviceID] = svc
	r.mu.Unlock()

	return &registrySender{registry: r, from: serviceID}, nil
}

// Disconnect removes the service's registration.
func (r *CircuitRegistry) Disconnect(svc Service) error {
	serviceID := svc.ServiceID()

	r.mu.Lock()
	delete(r.local, serviceID)
	r.mu.Unlock()

	return r.state.DisconnectService(r.circuitID, serviceID)
}

// Hosts reports whether the service id is attached to this registry.
func (r *CircuitRegistry) Hosts(serviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.local[serviceID]
	return ok
}

// Deliver hands an inbound direct message to the locally attached recipient.
// The daemon calls this when the router resolves a recipient to a service
// hosted in process.
func (r *CircuitRegistry) Deliver(direct protocol.CircuitDirectMessage) error {
	r.mu.RLock()
	svc, ok := r.local[direct.Recipient]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, direct.Recipient)
	}
	return svc.HandleMessage(direct.Payload, MessageContext{
		Circuit:       direct.Circuit,
		Sender:        direct.Sender,
		CorrelationID: direct.CorrelationID,
	})
}

// registrySender routes one service's outbound messages: in-process to other
// local services, through the network toward the hosting node otherwise.
type registrySender struct {
	registry *CircuitRegistry
	from     string
}

func (s *registrySender) Send(recipient string, payload []byte) error {
	r := s.registry

	direct := protocol.CircuitDirectMessage{
		Circuit:   r.circuitID,
		Sender:    s.from,
		Recipient: recipient,
		Payload:   payload,
	}

	r.mu.RLock()
	local, ok := r.local[recipient]
	r.mu.RUnlock()
	if ok {
		return local.HandleMessage(payload, MessageContext{
			Circuit: r.circuitID,
			Sender:  s.from,
		})
	}

	c, ok := r.state.Circuit(r.circuitID)
	if !ok {
		return fmt.Errorf("%w: circuit %s not found", ErrUnknownRecipient, r.circuitID)
	}
	rosterService, ok := c.RosterService(recipient)
	if !ok || len(rosterService.AllowedNodes) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, recipient)
	}

	payloadBytes, err := protocol.Marshal(&direct)
	if err != nil {
		return err
	}
	wrapped, err := protocol.WrapCircuit(protocol.CircuitDirectMessageType, payloadBytes)
	if err != nil {
		return err
	}
	return r.network.SendTo(rosterService.AllowedNodes[0], wrapped)
}
