package twophase

import (
	"bytes"

	"github.com/trellisnet/trellisd/internal/consensus"
	"github.com/trellisnet/trellisd/internal/protocol"
)

// MessageType discriminates two-phase protocol messages.
type MessageType int

const (
	// MessageVerificationRequest asks a verifier to check a proposal.
	MessageVerificationRequest MessageType = iota + 1
	// MessageVerificationResponse reports a verifier's check result to the
	// coordinator.
	MessageVerificationResponse
	// MessageProposalResult announces the coordinator's final decision.
	MessageProposalResult
)

// Verification is a verifier's check result.
type Verification int

const (
	// VerificationVerified means the proposal checked out.
	VerificationVerified Verification = iota + 1
	// VerificationFailed means the proposal did not match local state.
	VerificationFailed
)

// Result is the coordinator's final decision.
type Result int

const (
	// ResultApply commits the proposal.
	ResultApply Result = iota + 1
	// ResultReject discards the proposal.
	ResultReject
)

// Message is one two-phase protocol message. Verification is set for
// responses, Result for results.
type Message struct {
	Type         MessageType  `codec:"type"`
	ProposalID   []byte       `codec:"proposal_id"`
	Verification Verification `codec:"verification,omitempty"`
	Result       Result       `codec:"result,omitempty"`
}

func marshalMessage(m Message) ([]byte, error) {
	return protocol.Marshal(&m)
}

func unmarshalMessage(data []byte) (Message, error) {
	var m Message
	err := protocol.Unmarshal(data, &m)
	return m, err
}

// RequiredVerifiers is the optional per-proposal verifier set carried in a
// proposal's consensus data. When absent, the verifiers are the startup peer
// set plus the local peer.
type RequiredVerifiers struct {
	Verifiers [][]byte `codec:"verifiers"`
}

// verifiersFor returns the verifier set for a proposal.
func verifiersFor(proposal *consensus.Proposal, startup consensus.StartupState) ([]consensus.PeerID, error) {
	if len(proposal.ConsensusData) > 0 {
		var required RequiredVerifiers
		if err := protocol.Unmarshal(proposal.ConsensusData, &required); err != nil {
			return nil, err
		}
		verifiers := make([]consensus.PeerID, len(required.Verifiers))
		for i, v := range required.Verifiers {
			verifiers[i] = consensus.PeerID(v)
		}
		return verifiers, nil
	}

	verifiers := make([]consensus.PeerID, 0, len(startup.PeerIDs)+1)
	verifiers = append(verifiers, startup.ID)
	verifiers = append(verifiers, startup.PeerIDs...)
	return verifiers, nil
}

// coordinatorFor returns the lowest peer id among the verifiers.
func coordinatorFor(verifiers []consensus.PeerID) consensus.PeerID {
	var coordinator consensus.PeerID
	for _, verifier := range verifiers {
		if coordinator == nil || bytes.Compare(verifier, coordinator) < 0 {
			coordinator = verifier
		}
	}
	return coordinator
}
