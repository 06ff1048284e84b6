package journal

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trellisnet/trellisd/internal/consensus"
	"github.com/trellisnet/trellisd/internal/consensus/twophase"
	"github.com/trellisnet/trellisd/internal/protocol"
)

// networkSender delivers engine messages to peer journal services, wrapped
// in the consensus and journal envelopes. Membership in the peer set is
// enforced before every send.
type networkSender struct {
	shared  *Shared
	localID string
}

func (n *networkSender) SendTo(peerID consensus.PeerID, message []byte) error {
	recipient := string(peerID)

	known := false
	for _, peer := range n.shared.PeerServices() {
		if peer == recipient {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: %s", consensus.ErrUnknownPeer, recipient)
	}

	return n.send(recipient, message)
}

func (n *networkSender) Broadcast(message []byte) error {
	// First failure is surfaced; peers already sent to are not retried.
	for _, peer := range n.shared.PeerServices() {
		if err := n.send(peer, message); err != nil {
			return err
		}
	}
	return nil
}

func (n *networkSender) send(recipient string, message []byte) error {
	sender, err := n.shared.NetworkSender()
	if err != nil {
		return err
	}

	payload, err := protocol.Marshal(&consensus.ConsensusMessage{
		Message:  message,
		OriginID: consensus.PeerID(n.localID),
	})
	if err != nil {
		return err
	}
	envelope, err := protocol.Marshal(&Message{
		MessageType: ConsensusMessageType,
		Payload:     payload,
	})
	if err != nil {
		return err
	}

	if err := sender.Send(recipient, envelope); err != nil {
		return fmt.Errorf("%w: %v", consensus.ErrSendFailed, err)
	}
	return nil
}

// proposalManager implements the engine's service-side contract over the
// journal's shared state and hash chain.
type proposalManager struct {
	logger  *zap.Logger
	updates chan<- consensus.ProposalUpdate
	shared  *Shared
	state   *State
}

// CreateProposal pops the oldest queued batch, stages it, and broadcasts the
// proposed batch to the peer services. An empty queue reports a nil
// creation.
func (m *proposalManager) CreateProposal(previousID consensus.ProposalID, _ []byte) error {
	batch, ok := m.shared.PopBatch()
	if !ok {
		m.updates <- consensus.ProposalCreated(nil)
		return nil
	}

	expected, err := m.state.PrepareChange(batch)
	if err != nil {
		// Keep the batch for the next attempt.
		m.shared.AddBatch(batch)
		return err
	}

	proposal := consensus.Proposal{
		ID:         expected,
		PreviousID: previousID,
		Height:     m.state.Height() + 1,
		Summary:    expected,
	}
	m.shared.AddProposedBatch(proposal.ID, batch)

	if err := m.broadcastProposedBatch(proposal, batch); err != nil {
		m.logger.Error("failed to broadcast proposed batch",
			zap.String("proposal_id", proposal.ID.String()), zap.Error(err))
	}

	m.updates <- consensus.ProposalCreated(&proposal)
	return nil
}

func (m *proposalManager) broadcastProposedBatch(proposal consensus.Proposal, batch Batch) error {
	payload, err := protocol.Marshal(&ProposedBatch{Proposal: proposal, Batch: batch})
	if err != nil {
		return err
	}
	envelope, err := protocol.Marshal(&Message{
		MessageType: ProposedBatchType,
		Payload:     payload,
	})
	if err != nil {
		return err
	}

	sender, err := m.shared.NetworkSender()
	if err != nil {
		return err
	}
	for _, peer := range m.shared.PeerServices() {
		if err := sender.Send(peer, envelope); err != nil {
			return fmt.Errorf("%w: %v", consensus.ErrSendFailed, err)
		}
	}
	return nil
}

// CheckProposal recomputes the expected hash for the proposal's batch and
// reports validity. The proposal id is the expected hash, so a mismatch
// means divergent state.
func (m *proposalManager) CheckProposal(id consensus.ProposalID) error {
	batch, err := m.shared.GetProposedBatch(id)
	if err != nil {
		return err
	}

	expected, err := m.state.PrepareChange(batch)
	if err != nil {
		return err
	}

	if bytes.Equal(expected, id) {
		m.updates <- consensus.ProposalValid(id)
	} else {
		if err := m.state.Rollback(); err != nil {
			m.logger.Error("failed to roll back mismatched change", zap.Error(err))
		}
		m.updates <- consensus.ProposalInvalid(id)
	}
	return nil
}

// AcceptProposal commits the staged change behind the proposal.
func (m *proposalManager) AcceptProposal(id consensus.ProposalID, _ []byte) error {
	if _, err := m.shared.RemoveProposedBatch(id); err != nil {
		return err
	}

	if err := m.state.Commit(); err != nil {
		m.updates <- consensus.ProposalAcceptFailed(id, err.Error())
		return nil
	}
	m.updates <- consensus.ProposalAccepted(id)
	return nil
}

// RejectProposal discards the proposal's batch and rolls back any staged
// change.
func (m *proposalManager) RejectProposal(id consensus.ProposalID) error {
	if _, err := m.shared.RemoveProposedBatch(id); err != nil {
		return err
	}

	// A participant may reject before it ever staged the change.
	if err := m.state.Rollback(); err != nil && err != ErrNoStagedChange {
		return err
	}
	return nil
}

// ConsensusManager owns one consensus instance: the engine goroutine and
// the channels that drive it.
type ConsensusManager struct {
	logger *zap.Logger

	messages  chan consensus.ConsensusMessage
	updatesIn chan consensus.ProposalUpdate
	done      chan error
	// engineDone is closed when the engine goroutine exits; sends racing a
	// shutdown select on it instead of blocking forever.
	engineDone chan struct{}

	shutdownOnce sync.Once
}

// NewConsensusManager starts the two-phase engine for a journal instance.
// The peer set is fixed for the manager's lifetime. A non-positive
// coordinatorTimeout selects the engine default.
func NewConsensusManager(
	logger *zap.Logger,
	localServiceID string,
	shared *Shared,
	state *State,
	coordinatorTimeout time.Duration,
) *ConsensusManager {
	cm := &ConsensusManager{
		logger:     logger,
		messages:   make(chan consensus.ConsensusMessage, 256),
		updatesIn:  make(chan consensus.ProposalUpdate),
		done:       make(chan error, 1),
		engineDone: make(chan struct{}),
	}

	peerServices := shared.PeerServices()
	peerIDs := make([]consensus.PeerID, len(peerServices))
	for i, peer := range peerServices {
		peerIDs[i] = consensus.PeerID(peer)
	}
	startup := consensus.StartupState{
		ID:      consensus.PeerID(localServiceID),
		PeerIDs: peerIDs,
	}

	manager := &proposalManager{
		logger:  logger,
		updates: cm.updatesIn,
		shared:  shared,
		state:   state,
	}
	sender := &networkSender{shared: shared, localID: localServiceID}

	if coordinatorTimeout <= 0 {
		coordinatorTimeout = twophase.DefaultCoordinatorTimeout
	}
	engine := twophase.NewWithTimeout(logger, coordinatorTimeout)

	engineUpdates := make(chan consensus.ProposalUpdate)
	go cm.pumpUpdates(engineUpdates)
	go func() {
		err := engine.Run(cm.messages, engineUpdates, sender, manager, startup)
		close(cm.engineDone)
		cm.done <- err
	}()

	return cm
}

// pumpUpdates forwards lifecycle updates to the engine without ever blocking
// the producer. The proposal manager reports results from the engine's own
// goroutine, so a bounded channel between the two could fill up and wedge
// the engine against itself; the pump accepts unconditionally and holds a
// backlog until the engine is ready for the next update.
func (cm *ConsensusManager) pumpUpdates(engineUpdates chan<- consensus.ProposalUpdate) {
	var backlog []consensus.ProposalUpdate
	for {
		var out chan<- consensus.ProposalUpdate
		var next consensus.ProposalUpdate
		if len(backlog) > 0 {
			out = engineUpdates
			next = backlog[0]
		}
		select {
		case update := <-cm.updatesIn:
			backlog = append(backlog, update)
		case out <- next:
			backlog = backlog[1:]
		case <-cm.engineDone:
			return
		}
	}
}

// HandleMessage feeds one received consensus payload to the engine.
func (cm *ConsensusManager) HandleMessage(payload []byte) error {
	var message consensus.ConsensusMessage
	if err := protocol.Unmarshal(payload, &message); err != nil {
		return err
	}
	select {
	case cm.messages <- message:
	case <-cm.engineDone:
	}
	return nil
}

// SendUpdate feeds one lifecycle update to the engine.
func (cm *ConsensusManager) SendUpdate(update consensus.ProposalUpdate) {
	select {
	case cm.updatesIn <- update:
	case <-cm.engineDone:
	}
}

// Shutdown stops the engine and joins its goroutine, returning the engine's
// exit error.
func (cm *ConsensusManager) Shutdown() error {
	var err error
	cm.shutdownOnce.Do(func() {
		cm.SendUpdate(consensus.Shutdown())
		err = <-cm.done
	})
	return err
}
