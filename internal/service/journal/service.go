// Package journal implements the consensus-backed replicated service: an
// ordered journal of batches that every instance on a circuit commits in
// the same order, agreed through the two-phase engine.
package journal

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trellisnet/trellisd/internal/consensus"
	"github.com/trellisnet/trellisd/internal/protocol"
	"github.com/trellisnet/trellisd/internal/service"
	"github.com/trellisnet/trellisd/internal/storage"
)

// ServiceType identifies journal services in circuit rosters.
const ServiceType = "journal"

// Service is one journal instance. It attaches to a circuit through the
// service registry and runs its own consensus manager.
type Service struct {
	logger    *zap.Logger
	serviceID string

	shared *Shared
	state  *State

	// coordinatorTimeout overrides the engine default when positive.
	coordinatorTimeout time.Duration

	consensus *ConsensusManager
}

// NewService constructs a journal service. peerServices are the journal
// service ids on the other circuit members; the set is fixed for the
// service's lifetime.
func NewService(
	logger *zap.Logger,
	serviceID string,
	peerServices []string,
	store storage.Store,
) (*Service, error) {
	state, err := NewState(store)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize journal state: %w", err)
	}
	return &Service{
		logger:    logger,
		serviceID: serviceID,
		shared:    NewShared(peerServices),
		state:     state,
	}, nil
}

// SetCoordinatorTimeout overrides how long this instance waits on a stalled
// coordinator. Must be called before Start.
func (s *Service) SetCoordinatorTimeout(timeout time.Duration) {
	s.coordinatorTimeout = timeout
}

// ServiceID returns the service's roster id.
func (s *Service) ServiceID() string { return s.serviceID }

// ServiceType returns "journal".
func (s *Service) ServiceType() string { return ServiceType }

// Start connects to the registry and starts the consensus manager.
func (s *Service) Start(registry service.Registry) error {
	sender, err := registry.Connect(s)
	if err != nil {
		return fmt.Errorf("failed to connect journal service %s: %w", s.serviceID, err)
	}
	s.shared.SetNetworkSender(sender)
	s.consensus = NewConsensusManager(s.logger, s.serviceID, s.shared, s.state, s.coordinatorTimeout)

	// Announce this instance to the peer services. Peers that are not
	// reachable yet learn of us when they announce themselves.
	s.broadcastNotification(ServiceConnectedType)

	s.logger.Info("journal service started", zap.String("service_id", s.serviceID))
	return nil
}

// Stop shuts the consensus manager down and disconnects from the registry.
func (s *Service) Stop(registry service.Registry) error {
	s.broadcastNotification(ServiceDisconnectedType)

	if s.consensus != nil {
		if err := s.consensus.Shutdown(); err != nil {
			s.logger.Error("consensus engine exited with error", zap.Error(err))
		}
		s.consensus = nil
	}
	s.shared.SetNetworkSender(nil)

	if err := registry.Disconnect(s); err != nil {
		return fmt.Errorf("failed to disconnect journal service %s: %w", s.serviceID, err)
	}
	s.logger.Info("journal service stopped", zap.String("service_id", s.serviceID))
	return nil
}

// HandleMessage decodes one journal envelope: consensus payloads go to the
// engine, proposed batches are recorded and reported as received proposals.
func (s *Service) HandleMessage(payload []byte, ctx service.MessageContext) error {
	var message Message
	if err := protocol.Unmarshal(payload, &message); err != nil {
		return err
	}

	switch message.MessageType {
	case ConsensusMessageType:
		return s.consensus.HandleMessage(message.Payload)

	case ProposedBatchType:
		var proposed ProposedBatch
		if err := protocol.Unmarshal(message.Payload, &proposed); err != nil {
			return err
		}
		s.shared.AddProposedBatch(proposed.Proposal.ID, proposed.Batch)
		s.consensus.SendUpdate(consensus.ProposalReceived(
			&proposed.Proposal, consensus.PeerID(ctx.Sender)))
		return nil

	case ServiceConnectedType, ServiceDisconnectedType:
		var notification ServiceNotification
		if err := protocol.Unmarshal(message.Payload, &notification); err != nil {
			return err
		}
		connected := message.MessageType == ServiceConnectedType
		s.shared.SetPeerConnected(notification.ServiceID, connected)
		s.logger.Debug("peer service announcement",
			zap.String("peer_service", notification.ServiceID),
			zap.Bool("connected", connected))
		return nil

	default:
		s.logger.Warn("unknown journal message type, dropping",
			zap.Int("message_type", int(message.MessageType)),
			zap.String("sender", ctx.Sender))
		return nil
	}
}

// broadcastNotification announces this instance's state to the peer
// services. Delivery is best effort; failures are logged and skipped.
func (s *Service) broadcastNotification(messageType MessageType) {
	sender, err := s.shared.NetworkSender()
	if err != nil {
		return
	}

	payload, err := protocol.Marshal(&ServiceNotification{ServiceID: s.serviceID})
	if err != nil {
		s.logger.Error("failed to encode service notification", zap.Error(err))
		return
	}
	envelope, err := protocol.Marshal(&Message{MessageType: messageType, Payload: payload})
	if err != nil {
		s.logger.Error("failed to encode service notification", zap.Error(err))
		return
	}

	for _, peer := range s.shared.PeerServices() {
		if err := sender.Send(peer, envelope); err != nil {
			s.logger.Debug("service notification not delivered",
				zap.String("peer_service", peer), zap.Error(err))
		}
	}
}

// SubmitBatch queues a batch for consensus.
func (s *Service) SubmitBatch(batch Batch) {
	s.shared.AddBatch(batch)
}

// Height returns the number of committed batches.
func (s *Service) Height() uint64 {
	return s.state.Height()
}

// CurrentRoot returns the committed journal root.
func (s *Service) CurrentRoot() []byte {
	return s.state.CurrentRoot()
}
