// Package twophase implements the two-phase commit consensus engine. The
// coordinator for a proposal is the verifier with the lowest peer id; it
// collects verification results from every required verifier and broadcasts
// a final apply-or-reject decision. Agreement is on validity, so a single
// dissent rejects.
package twophase

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/trellisnet/trellisd/internal/consensus"
)

var (
	// ErrChannelClosed is returned by Run when an inbound channel closes
	// before a Shutdown update arrives.
	ErrChannelClosed = errors.New("consensus channel closed")
)

const (
	// DefaultCoordinatorTimeout bounds how long a participant waits for the
	// coordinator's decision before rejecting a stalled proposal locally.
	DefaultCoordinatorTimeout = 30 * time.Second

	// pollInterval paces the housekeeping pass between channel receives.
	pollInterval = 100 * time.Millisecond
)

// engineState is the engine's position in the proposal lifecycle.
type engineState int

const (
	// stateIdle means no proposal is in flight.
	stateIdle engineState = iota
	// stateAwaitingProposal means a create request is outstanding.
	stateAwaitingProposal
	// stateEvaluating means a proposal is being verified.
	stateEvaluating
)

// tpcProposal tracks one proposal under evaluation.
type tpcProposal struct {
	proposalID  consensus.ProposalID
	coordinator consensus.PeerID
	verifiers   []consensus.PeerID
	// verified is keyed by PeerID.String()
	verified map[string]bool
	started  time.Time
}

func (p *tpcProposal) markVerified(peer consensus.PeerID) {
	p.verified[peer.String()] = true
}

func (p *tpcProposal) allVerified() bool {
	for _, verifier := range p.verifiers {
		if !p.verified[verifier.String()] {
			return false
		}
	}
	return true
}

// backloggedProposal is a proposal received while another was under
// evaluation.
type backloggedProposal struct {
	proposal *consensus.Proposal
	peerID   consensus.PeerID
}

// Engine is the two-phase consensus engine. All fields are owned by the
// goroutine running Run; the engine is driven exclusively through its
// channels.
type Engine struct {
	logger *zap.Logger
	// coordinatorTimeout bounds a participant's wait for the coordinator.
	coordinatorTimeout time.Duration

	id      consensus.PeerID
	startup consensus.StartupState
	sender  consensus.NetworkSender
	manager consensus.ProposalManager

	state   engineState
	current *tpcProposal

	proposalBacklog []backloggedProposal
	// verification requests received before their proposal arrived
	verificationBacklog []consensus.ProposalID
}

// New constructs a two-phase engine with the default coordinator timeout.
func New(logger *zap.Logger) *Engine {
	return &Engine{
		logger:             logger,
		coordinatorTimeout: DefaultCoordinatorTimeout,
	}
}

// NewWithTimeout constructs a two-phase engine with the given coordinator
// timeout.
func NewWithTimeout(logger *zap.Logger, coordinatorTimeout time.Duration) *Engine {
	return &Engine{
		logger:             logger,
		coordinatorTimeout: coordinatorTimeout,
	}
}

// Name returns the engine name.
func (e *Engine) Name() string { return "two-phase" }

// Version returns the engine version.
func (e *Engine) Version() string { return "v1" }

// Run drives the engine until a Shutdown update arrives. It owns the two
// inbound channels; a close on either is an error, non-fatal to the process.
func (e *Engine) Run(
	messages <-chan consensus.ConsensusMessage,
	updates <-chan consensus.ProposalUpdate,
	sender consensus.NetworkSender,
	manager consensus.ProposalManager,
	startup consensus.StartupState,
) error {
	e.id = startup.ID
	e.startup = startup
	e.sender = sender
	e.manager = manager
	e.state = stateIdle

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-messages:
			if !ok {
				return ErrChannelClosed
			}
			e.handleMessage(message)

		case update, ok := <-updates:
			if !ok {
				return ErrChannelClosed
			}
			if update.Type == consensus.UpdateShutdown {
				e.logger.Info("consensus engine shutting down")
				return nil
			}
			e.handleUpdate(update)

		case <-ticker.C:
		}

		e.abortStalledProposal()
		e.drainVerificationBacklog()
		e.nextProposal()
	}
}

// nextProposal starts the next round when idle: a backlogged proposal first,
// otherwise a create request if this node coordinates the default verifier
// set.
func (e *Engine) nextProposal() {
	if e.state != stateIdle {
		return
	}

	if len(e.proposalBacklog) > 0 {
		backlogged := e.proposalBacklog[0]
		e.proposalBacklog = e.proposalBacklog[1:]
		e.startParticipantEvaluation(backlogged.proposal, backlogged.peerID)
		return
	}

	defaultVerifiers := append([]consensus.PeerID{e.id}, e.startup.PeerIDs...)
	if !coordinatorFor(defaultVerifiers).Equal(e.id) {
		return
	}

	var previousID consensus.ProposalID
	if e.startup.LastProposal != nil {
		previousID = e.startup.LastProposal.ID
	}
	if err := e.manager.CreateProposal(previousID, nil); err != nil {
		e.logger.Error("failed to request proposal creation", zap.Error(err))
		return
	}
	e.state = stateAwaitingProposal
}

// abortStalledProposal rejects the current proposal when the coordinator's
// decision has not arrived within the timeout. Coordinators never stall on
// themselves.
func (e *Engine) abortStalledProposal() {
	if e.state != stateEvaluating || e.isCoordinator() {
		return
	}
	if time.Since(e.current.started) < e.coordinatorTimeout {
		return
	}

	e.logger.Warn("coordinator timed out, rejecting proposal",
		zap.String("proposal_id", e.current.proposalID.String()),
		zap.String("coordinator", e.current.coordinator.String()))
	e.rejectCurrent()
}

// drainVerificationBacklog replays verification requests that arrived before
// their proposal.
func (e *Engine) drainVerificationBacklog() {
	if e.state != stateEvaluating || e.isCoordinator() {
		return
	}

	remaining := e.verificationBacklog[:0]
	for _, proposalID := range e.verificationBacklog {
		if proposalID.Equal(e.current.proposalID) {
			e.checkCurrent()
		} else {
			remaining = append(remaining, proposalID)
		}
	}
	e.verificationBacklog = remaining
}

func (e *Engine) isCoordinator() bool {
	return e.current != nil && e.current.coordinator.Equal(e.id)
}

func (e *Engine) handleUpdate(update consensus.ProposalUpdate) {
	switch update.Type {
	case consensus.UpdateProposalReceived:
		e.handleProposalReceived(update.Proposal, update.PeerID)

	case consensus.UpdateProposalCreated:
		e.handleProposalCreated(update.Proposal)

	case consensus.UpdateProposalValid:
		e.handleProposalValid(update.ProposalID)

	case consensus.UpdateProposalInvalid:
		e.handleProposalInvalid(update.ProposalID)

	case consensus.UpdateProposalAccepted:
		e.logger.Info("proposal accepted",
			zap.String("proposal_id", update.ProposalID.String()))
		e.finishCurrent()

	case consensus.UpdateProposalAcceptFailed:
		e.logger.Error("proposal accept failed",
			zap.String("proposal_id", update.ProposalID.String()),
			zap.String("reason", update.Reason))
		e.finishCurrent()

	default:
		e.logger.Warn("unexpected proposal update",
			zap.String("update_type", update.Type.String()))
	}
}

func (e *Engine) handleProposalReceived(proposal *consensus.Proposal, peerID consensus.PeerID) {
	if proposal == nil {
		e.logger.Warn("received empty proposal", zap.String("peer_id", peerID.String()))
		return
	}
	if e.state == stateEvaluating {
		e.proposalBacklog = append(e.proposalBacklog,
			backloggedProposal{proposal: proposal, peerID: peerID})
		return
	}
	e.startParticipantEvaluation(proposal, peerID)
}

func (e *Engine) handleProposalCreated(proposal *consensus.Proposal) {
	if e.state != stateAwaitingProposal {
		e.logger.Warn("unexpected proposal creation result")
		return
	}
	if proposal == nil {
		// Nothing to propose.
		e.state = stateIdle
		return
	}

	verifiers, err := verifiersFor(proposal, e.startup)
	if err != nil {
		e.logger.Error("invalid verifier set in proposal",
			zap.String("proposal_id", proposal.ID.String()),
			zap.Error(err))
		e.state = stateIdle
		return
	}

	coordinator := coordinatorFor(verifiers)
	if !coordinator.Equal(e.id) {
		e.logger.Error("created a proposal this node does not coordinate",
			zap.String("proposal_id", proposal.ID.String()),
			zap.String("coordinator", coordinator.String()))
		e.state = stateIdle
		return
	}

	e.current = &tpcProposal{
		proposalID:  proposal.ID,
		coordinator: coordinator,
		verifiers:   verifiers,
		verified:    make(map[string]bool),
		started:     time.Now(),
	}
	e.state = stateEvaluating

	request, err := marshalMessage(Message{
		Type:       MessageVerificationRequest,
		ProposalID: proposal.ID,
	})
	if err != nil {
		e.logger.Error("failed to encode verification request", zap.Error(err))
		e.rejectCurrent()
		return
	}
	for _, verifier := range e.current.verifiers {
		if verifier.Equal(e.id) {
			continue
		}
		if err := e.sender.SendTo(verifier, request); err != nil {
			e.logger.Error("failed to send verification request",
				zap.String("peer_id", verifier.String()), zap.Error(err))
		}
	}

	// The coordinator verifies its own proposal too.
	e.checkCurrent()
}

func (e *Engine) startParticipantEvaluation(proposal *consensus.Proposal, peerID consensus.PeerID) {
	verifiers, err := verifiersFor(proposal, e.startup)
	if err != nil {
		e.logger.Error("invalid verifier set in proposal",
			zap.String("proposal_id", proposal.ID.String()),
			zap.Error(err))
		return
	}

	coordinator := coordinatorFor(verifiers)
	if coordinator.Equal(e.id) {
		e.logger.Warn("received a proposal this node coordinates, dropping",
			zap.String("proposal_id", proposal.ID.String()),
			zap.String("peer_id", peerID.String()))
		return
	}

	e.current = &tpcProposal{
		proposalID:  proposal.ID,
		coordinator: coordinator,
		verifiers:   verifiers,
		verified:    make(map[string]bool),
		started:     time.Now(),
	}
	e.state = stateEvaluating
}

func (e *Engine) handleProposalValid(proposalID consensus.ProposalID) {
	if !e.evaluating(proposalID) {
		e.logger.Warn("validity report for inactive proposal",
			zap.String("proposal_id", proposalID.String()))
		return
	}

	if e.isCoordinator() {
		e.current.markVerified(e.id)
		e.concludeIfVerified()
		return
	}

	response, err := marshalMessage(Message{
		Type:         MessageVerificationResponse,
		ProposalID:   proposalID,
		Verification: VerificationVerified,
	})
	if err != nil {
		e.logger.Error("failed to encode verification response", zap.Error(err))
		return
	}
	if err := e.sender.SendTo(e.current.coordinator, response); err != nil {
		e.logger.Error("failed to send verification response",
			zap.String("peer_id", e.current.coordinator.String()), zap.Error(err))
	}
}

func (e *Engine) handleProposalInvalid(proposalID consensus.ProposalID) {
	if !e.evaluating(proposalID) {
		e.logger.Warn("invalidity report for inactive proposal",
			zap.String("proposal_id", proposalID.String()))
		return
	}

	if e.isCoordinator() {
		e.broadcastResult(ResultReject)
		e.rejectCurrent()
		return
	}

	response, err := marshalMessage(Message{
		Type:         MessageVerificationResponse,
		ProposalID:   proposalID,
		Verification: VerificationFailed,
	})
	if err != nil {
		e.logger.Error("failed to encode verification response", zap.Error(err))
		return
	}
	if err := e.sender.SendTo(e.current.coordinator, response); err != nil {
		e.logger.Error("failed to send verification response",
			zap.String("peer_id", e.current.coordinator.String()), zap.Error(err))
	}
}

func (e *Engine) handleMessage(message consensus.ConsensusMessage) {
	decoded, err := unmarshalMessage(message.Message)
	if err != nil {
		e.logger.Warn("undecodable consensus message",
			zap.String("peer_id", message.OriginID.String()), zap.Error(err))
		return
	}
	proposalID := consensus.ProposalID(decoded.ProposalID)

	switch decoded.Type {
	case MessageVerificationRequest:
		if e.evaluating(proposalID) && !e.isCoordinator() {
			e.checkCurrent()
			return
		}
		// The proposal broadcast may still be in flight; hold the request.
		e.verificationBacklog = append(e.verificationBacklog, proposalID)

	case MessageVerificationResponse:
		e.handleVerificationResponse(proposalID, decoded.Verification, message.OriginID)

	case MessageProposalResult:
		e.handleProposalResult(proposalID, decoded.Result)

	default:
		e.logger.Warn("unknown consensus message type, dropping",
			zap.String("peer_id", message.OriginID.String()))
	}
}

func (e *Engine) handleVerificationResponse(
	proposalID consensus.ProposalID,
	verification Verification,
	origin consensus.PeerID,
) {
	if !e.evaluating(proposalID) || !e.isCoordinator() {
		e.logger.Warn("unexpected verification response",
			zap.String("proposal_id", proposalID.String()),
			zap.String("peer_id", origin.String()))
		return
	}

	switch verification {
	case VerificationVerified:
		e.current.markVerified(origin)
		e.concludeIfVerified()

	case VerificationFailed:
		// A single dissent rejects.
		e.logger.Info("proposal rejected by verifier",
			zap.String("proposal_id", proposalID.String()),
			zap.String("peer_id", origin.String()))
		e.broadcastResult(ResultReject)
		e.rejectCurrent()

	default:
		e.logger.Warn("unknown verification result",
			zap.String("peer_id", origin.String()))
	}
}

func (e *Engine) handleProposalResult(proposalID consensus.ProposalID, result Result) {
	if !e.evaluating(proposalID) || e.isCoordinator() {
		e.logger.Warn("unexpected proposal result",
			zap.String("proposal_id", proposalID.String()))
		return
	}

	switch result {
	case ResultApply:
		if err := e.manager.AcceptProposal(proposalID, nil); err != nil {
			e.logger.Error("failed to accept proposal",
				zap.String("proposal_id", proposalID.String()), zap.Error(err))
			e.finishCurrent()
		}
		// Completion arrives as a ProposalAccepted update.

	case ResultReject:
		e.rejectCurrent()

	default:
		e.logger.Warn("unknown proposal result",
			zap.String("proposal_id", proposalID.String()))
	}
}

// concludeIfVerified broadcasts the apply decision and applies locally once
// every required verifier has verified.
func (e *Engine) concludeIfVerified() {
	if !e.current.allVerified() {
		return
	}

	e.broadcastResult(ResultApply)
	if err := e.manager.AcceptProposal(e.current.proposalID, nil); err != nil {
		e.logger.Error("failed to accept proposal",
			zap.String("proposal_id", e.current.proposalID.String()), zap.Error(err))
		e.finishCurrent()
	}
}

func (e *Engine) broadcastResult(result Result) {
	message, err := marshalMessage(Message{
		Type:       MessageProposalResult,
		ProposalID: e.current.proposalID,
		Result:     result,
	})
	if err != nil {
		e.logger.Error("failed to encode proposal result", zap.Error(err))
		return
	}
	for _, verifier := range e.current.verifiers {
		if verifier.Equal(e.id) {
			continue
		}
		if err := e.sender.SendTo(verifier, message); err != nil {
			e.logger.Error("failed to send proposal result",
				zap.String("peer_id", verifier.String()), zap.Error(err))
		}
	}
}

// checkCurrent asks the manager to verify the current proposal. The result
// arrives as a ProposalValid or ProposalInvalid update.
func (e *Engine) checkCurrent() {
	if err := e.manager.CheckProposal(e.current.proposalID); err != nil {
		e.logger.Error("failed to check proposal",
			zap.String("proposal_id", e.current.proposalID.String()), zap.Error(err))
	}
}

// rejectCurrent discards the current proposal locally and returns to idle.
func (e *Engine) rejectCurrent() {
	if err := e.manager.RejectProposal(e.current.proposalID); err != nil {
		e.logger.Error("failed to reject proposal",
			zap.String("proposal_id", e.current.proposalID.String()), zap.Error(err))
	}
	e.finishCurrent()
}

func (e *Engine) finishCurrent() {
	e.current = nil
	e.state = stateIdle
}

func (e *Engine) evaluating(proposalID consensus.ProposalID) bool {
	return e.state == stateEvaluating && e.current != nil &&
		e.current.proposalID.Equal(proposalID)
}
