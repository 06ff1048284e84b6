// Package consensus defines the engine-agnostic consensus API: proposals,
// the message and lifecycle-update types that drive an engine, and the two
// collaborator contracts an engine is parameterized by.
package consensus

import (
	"bytes"
	"encoding/hex"
	"errors"
)

var (
	// ErrUnknownProposal is returned by proposal manager operations naming a
	// proposal id that is not known. Fatal to that proposal only.
	ErrUnknownProposal = errors.New("unknown proposal")
	// ErrUnknownPeer is returned by SendTo for a peer outside the consensus
	// instance's peer set.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrSendFailed wraps transport failures from the network sender.
	ErrSendFailed = errors.New("failed to send consensus message")
)

// PeerID is an opaque peer identifier.
type PeerID []byte

// String returns the hex form of the id.
func (id PeerID) String() string { return hex.EncodeToString(id) }

// Equal reports byte equality.
func (id PeerID) Equal(other PeerID) bool { return bytes.Equal(id, other) }

// ProposalID is an opaque proposal identifier.
type ProposalID []byte

// String returns the hex form of the id.
func (id ProposalID) String() string { return hex.EncodeToString(id) }

// Equal reports byte equality.
func (id ProposalID) Equal(other ProposalID) bool { return bytes.Equal(id, other) }

// Proposal is one proposed state change, linked to its predecessor.
type Proposal struct {
	ID         ProposalID `codec:"id"`
	PreviousID ProposalID `codec:"previous_id"`
	Height     uint64     `codec:"height"`
	// Summary is the service-specific digest peers verify against their own
	// state.
	Summary []byte `codec:"summary"`
	// ConsensusData is opaque engine input carried with the proposal.
	ConsensusData []byte `codec:"consensus_data"`
}

// ConsensusMessage is an engine protocol message together with its origin.
type ConsensusMessage struct {
	Message  []byte `codec:"message"`
	OriginID PeerID `codec:"origin_id"`
}

// ProposalUpdateType discriminates lifecycle updates.
type ProposalUpdateType int

const (
	// UpdateProposalReceived reports a proposal received from a peer.
	UpdateProposalReceived ProposalUpdateType = iota
	// UpdateProposalCreated reports the result of a create request; the
	// proposal is nil when there was nothing to propose.
	UpdateProposalCreated
	// UpdateProposalValid reports a locally verified proposal.
	UpdateProposalValid
	// UpdateProposalInvalid reports a proposal that failed verification.
	UpdateProposalInvalid
	// UpdateProposalAccepted reports a successfully applied proposal.
	UpdateProposalAccepted
	// UpdateProposalAcceptFailed reports a proposal that could not be
	// applied.
	UpdateProposalAcceptFailed
	// UpdateShutdown asks the engine to stop.
	UpdateShutdown
)

// String returns the string representation of the update type.
func (t ProposalUpdateType) String() string {
	switch t {
	case UpdateProposalReceived:
		return "ProposalReceived"
	case UpdateProposalCreated:
		return "ProposalCreated"
	case UpdateProposalValid:
		return "ProposalValid"
	case UpdateProposalInvalid:
		return "ProposalInvalid"
	case UpdateProposalAccepted:
		return "ProposalAccepted"
	case UpdateProposalAcceptFailed:
		return "ProposalAcceptFailed"
	case UpdateShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// ProposalUpdate is one lifecycle update delivered to an engine. Which
// fields are set depends on Type.
type ProposalUpdate struct {
	Type ProposalUpdateType
	// Proposal is set for ProposalReceived and ProposalCreated (nil for an
	// empty creation).
	Proposal *Proposal
	// PeerID is set for ProposalReceived.
	PeerID PeerID
	// ProposalID is set for the Valid/Invalid/Accepted/AcceptFailed types.
	ProposalID ProposalID
	// Reason is set for ProposalAcceptFailed.
	Reason string
}

// ProposalReceived builds the update for a proposal received from a peer.
func ProposalReceived(proposal *Proposal, peerID PeerID) ProposalUpdate {
	return ProposalUpdate{Type: UpdateProposalReceived, Proposal: proposal, PeerID: peerID}
}

// ProposalCreated builds the update for a completed create request.
func ProposalCreated(proposal *Proposal) ProposalUpdate {
	return ProposalUpdate{Type: UpdateProposalCreated, Proposal: proposal}
}

// ProposalValid builds the update for a locally verified proposal.
func ProposalValid(id ProposalID) ProposalUpdate {
	return ProposalUpdate{Type: UpdateProposalValid, ProposalID: id}
}

// ProposalInvalid builds the update for a proposal that failed verification.
func ProposalInvalid(id ProposalID) ProposalUpdate {
	return ProposalUpdate{Type: UpdateProposalInvalid, ProposalID: id}
}

// ProposalAccepted builds the update for an applied proposal.
func ProposalAccepted(id ProposalID) ProposalUpdate {
	return ProposalUpdate{Type: UpdateProposalAccepted, ProposalID: id}
}

// ProposalAcceptFailed builds the update for a proposal that could not be
// applied.
func ProposalAcceptFailed(id ProposalID, reason string) ProposalUpdate {
	return ProposalUpdate{Type: UpdateProposalAcceptFailed, ProposalID: id, Reason: reason}
}

// Shutdown builds the update that stops an engine.
func Shutdown() ProposalUpdate {
	return ProposalUpdate{Type: UpdateShutdown}
}

// StartupState is the fixed consensus membership supplied once at engine
// start. The peer set does not change for the instance's lifetime.
type StartupState struct {
	// ID is the local peer's id.
	ID PeerID
	// PeerIDs lists the other members; the local id is not included.
	PeerIDs []PeerID
	// LastProposal is the most recently accepted proposal, if any.
	LastProposal *Proposal
}

// ProposalManager is the service-side collaborator that creates, verifies,
// and applies proposals. Results are reported asynchronously as
// ProposalUpdates on the engine's update channel.
type ProposalManager interface {
	// CreateProposal asks the service to build the next proposal on top of
	// previousID. The service reports ProposalCreated, with a nil proposal
	// when it has nothing to propose.
	CreateProposal(previousID ProposalID, consensusData []byte) error

	// CheckProposal asks the service to verify a proposal against local
	// state. The service reports ProposalValid or ProposalInvalid.
	CheckProposal(id ProposalID) error

	// AcceptProposal applies a verified proposal. ErrUnknownProposal if the
	// id is not known.
	AcceptProposal(id ProposalID, consensusData []byte) error

	// RejectProposal discards a proposal. ErrUnknownProposal if the id is
	// not known.
	RejectProposal(id ProposalID) error
}

// NetworkSender delivers engine protocol messages to consensus peers.
type NetworkSender interface {
	// SendTo sends to one peer. ErrUnknownPeer if the peer is not in the
	// instance's peer set.
	SendTo(peerID PeerID, message []byte) error

	// Broadcast sends to every peer in the set. The first send failure is
	// surfaced; peers already sent to are not retried.
	Broadcast(message []byte) error
}

// Engine is a consensus algorithm. Run takes ownership of the two inbound
// channels and blocks until a Shutdown update arrives; a closed channel is
// an error, non-fatal to the process.
type Engine interface {
	Name() string
	Version() string
	Run(
		messages <-chan ConsensusMessage,
		updates <-chan ProposalUpdate,
		sender NetworkSender,
		manager ProposalManager,
		startup StartupState,
	) error
}
