package twophase

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trellisnet/trellisd/internal/consensus"
	"github.com/trellisnet/trellisd/internal/protocol"
)

// mockManager feeds lifecycle updates back to the engine the way a real
// service would: create pops a queued proposal, check reports the configured
// verdict, accept and reject record their ids.
type mockManager struct {
	updates chan<- consensus.ProposalUpdate

	mu        sync.Mutex
	proposals []*consensus.Proposal
	valid     bool
	accepted  []consensus.ProposalID
	rejected  []consensus.ProposalID
	checked   []consensus.ProposalID
}

func newMockManager(updates chan<- consensus.ProposalUpdate) *mockManager {
	return &mockManager{updates: updates, valid: true}
}

func (m *mockManager) queueProposal(p *consensus.Proposal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals = append(m.proposals, p)
}

func (m *mockManager) CreateProposal(consensus.ProposalID, []byte) error {
	m.mu.Lock()
	var proposal *consensus.Proposal
	if len(m.proposals) > 0 {
		proposal = m.proposals[0]
		m.proposals = m.proposals[1:]
	}
	m.mu.Unlock()

	m.updates <- consensus.ProposalCreated(proposal)
	return nil
}

func (m *mockManager) CheckProposal(id consensus.ProposalID) error {
	m.mu.Lock()
	m.checked = append(m.checked, id)
	valid := m.valid
	m.mu.Unlock()

	if valid {
		m.updates <- consensus.ProposalValid(id)
	} else {
		m.updates <- consensus.ProposalInvalid(id)
	}
	return nil
}

func (m *mockManager) AcceptProposal(id consensus.ProposalID, _ []byte) error {
	m.mu.Lock()
	m.accepted = append(m.accepted, id)
	m.mu.Unlock()

	m.updates <- consensus.ProposalAccepted(id)
	return nil
}

func (m *mockManager) RejectProposal(id consensus.ProposalID) error {
	m.mu.Lock()
	m.rejected = append(m.rejected, id)
	m.mu.Unlock()
	return nil
}

func (m *mockManager) acceptedIDs() []consensus.ProposalID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]consensus.ProposalID(nil), m.accepted...)
}

func (m *mockManager) rejectedIDs() []consensus.ProposalID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]consensus.ProposalID(nil), m.rejected...)
}

func (m *mockManager) checkedIDs() []consensus.ProposalID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]consensus.ProposalID(nil), m.checked...)
}

// mockSender records decoded protocol messages per recipient.
type mockSender struct {
	mu   sync.Mutex
	sent map[string][]Message
}

func newMockSender() *mockSender {
	return &mockSender{sent: make(map[string][]Message)}
}

func (s *mockSender) SendTo(peerID consensus.PeerID, message []byte) error {
	decoded, err := unmarshalMessage(message)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent[peerID.String()] = append(s.sent[peerID.String()], decoded)
	s.mu.Unlock()
	return nil
}

func (s *mockSender) Broadcast(message []byte) error {
	return s.SendTo(consensus.PeerID("*"), message)
}

func (s *mockSender) sentTo(peerID consensus.PeerID) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent[peerID.String()]...)
}

type engineHarness struct {
	engine   *Engine
	messages chan consensus.ConsensusMessage
	updates  chan consensus.ProposalUpdate
	sender   *mockSender
	manager  *mockManager
	done     chan error
}

func startEngine(t *testing.T, engine *Engine, startup consensus.StartupState) *engineHarness {
	t.Helper()

	h := &engineHarness{
		engine:   engine,
		messages: make(chan consensus.ConsensusMessage, 16),
		updates:  make(chan consensus.ProposalUpdate, 16),
		sender:   newMockSender(),
		done:     make(chan error, 1),
	}
	h.manager = newMockManager(h.updates)

	go func() {
		h.done <- engine.Run(h.messages, h.updates, h.sender, h.manager, startup)
		close(h.done)
	}()

	t.Cleanup(func() {
		select {
		case <-h.done:
		default:
			h.updates <- consensus.Shutdown()
			select {
			case <-h.done:
			case <-time.After(5 * time.Second):
				t.Error("engine did not shut down")
			}
		}
	})
	return h
}

func (h *engineHarness) deliver(t *testing.T, origin consensus.PeerID, message Message) {
	t.Helper()
	encoded, err := marshalMessage(message)
	require.NoError(t, err)
	h.messages <- consensus.ConsensusMessage{Message: encoded, OriginID: origin}
}

func testProposal(id string) *consensus.Proposal {
	return &consensus.Proposal{
		ID:      consensus.ProposalID(id),
		Height:  1,
		Summary: []byte("summary"),
	}
}

func eventually(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	require.Eventually(t, condition, 5*time.Second, 10*time.Millisecond, msg)
}

// The engine must exit cleanly, returning nil, when a Shutdown update
// arrives.
func TestShutdown(t *testing.T) {
	h := startEngine(t, New(zap.NewNop()), consensus.StartupState{
		ID:      consensus.PeerID("01"),
		PeerIDs: []consensus.PeerID{consensus.PeerID("02")},
	})

	h.updates <- consensus.Shutdown()

	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not exit on shutdown")
	}
}

// A closed channel is an error, distinct from a clean shutdown.
func TestClosedChannelIsError(t *testing.T) {
	h := startEngine(t, New(zap.NewNop()), consensus.StartupState{
		ID: consensus.PeerID("01"),
	})

	close(h.messages)

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not exit on closed channel")
	}
}

// Coordinator happy path: the lowest-id node creates a proposal, gathers a
// unanimous verdict, broadcasts Apply, and applies locally.
func TestCoordinatorAppliesUnanimousProposal(t *testing.T) {
	self := consensus.PeerID("01")
	peer := consensus.PeerID("02")

	h := startEngine(t, New(zap.NewNop()), consensus.StartupState{
		ID:      self,
		PeerIDs: []consensus.PeerID{peer},
	})
	h.manager.queueProposal(testProposal("proposal-1"))

	// The peer is asked to verify.
	eventually(t, func() bool {
		messages := h.sender.sentTo(peer)
		return len(messages) > 0 && messages[0].Type == MessageVerificationRequest
	}, "verification request not sent")

	h.deliver(t, peer, Message{
		Type:         MessageVerificationResponse,
		ProposalID:   []byte("proposal-1"),
		Verification: VerificationVerified,
	})

	eventually(t, func() bool {
		for _, message := range h.sender.sentTo(peer) {
			if message.Type == MessageProposalResult && message.Result == ResultApply {
				return true
			}
		}
		return false
	}, "apply result not broadcast")

	eventually(t, func() bool {
		accepted := h.manager.acceptedIDs()
		return len(accepted) == 1 && accepted[0].Equal(consensus.ProposalID("proposal-1"))
	}, "proposal not applied locally")

	// The coordinator verified its own proposal as well.
	assert.NotEmpty(t, h.manager.checkedIDs())
}

// A single dissent is sufficient to reject.
func TestCoordinatorRejectsOnSingleDissent(t *testing.T) {
	self := consensus.PeerID("01")
	peerB := consensus.PeerID("02")
	peerC := consensus.PeerID("03")

	h := startEngine(t, New(zap.NewNop()), consensus.StartupState{
		ID:      self,
		PeerIDs: []consensus.PeerID{peerB, peerC},
	})
	h.manager.queueProposal(testProposal("proposal-1"))

	eventually(t, func() bool {
		return len(h.sender.sentTo(peerB)) > 0 && len(h.sender.sentTo(peerC)) > 0
	}, "verification requests not sent")

	h.deliver(t, peerB, Message{
		Type:         MessageVerificationResponse,
		ProposalID:   []byte("proposal-1"),
		Verification: VerificationVerified,
	})
	h.deliver(t, peerC, Message{
		Type:         MessageVerificationResponse,
		ProposalID:   []byte("proposal-1"),
		Verification: VerificationFailed,
	})

	eventually(t, func() bool {
		rejected := h.manager.rejectedIDs()
		return len(rejected) == 1 && rejected[0].Equal(consensus.ProposalID("proposal-1"))
	}, "proposal not rejected locally")

	for _, peer := range []consensus.PeerID{peerB, peerC} {
		found := false
		for _, message := range h.sender.sentTo(peer) {
			if message.Type == MessageProposalResult && message.Result == ResultReject {
				found = true
			}
		}
		assert.True(t, found, "reject result not sent to %s", peer)
	}
	assert.Empty(t, h.manager.acceptedIDs())
}

// Participant happy path: verify on request, report to the coordinator,
// apply on the final result.
func TestParticipantVerifiesAndApplies(t *testing.T) {
	self := consensus.PeerID("02")
	coordinator := consensus.PeerID("01")

	h := startEngine(t, New(zap.NewNop()), consensus.StartupState{
		ID:      self,
		PeerIDs: []consensus.PeerID{coordinator},
	})

	h.updates <- consensus.ProposalReceived(testProposal("proposal-1"), coordinator)
	h.deliver(t, coordinator, Message{
		Type:       MessageVerificationRequest,
		ProposalID: []byte("proposal-1"),
	})

	eventually(t, func() bool {
		for _, message := range h.sender.sentTo(coordinator) {
			if message.Type == MessageVerificationResponse &&
				message.Verification == VerificationVerified {
				return true
			}
		}
		return false
	}, "verification response not sent")

	h.deliver(t, coordinator, Message{
		Type:       MessageProposalResult,
		ProposalID: []byte("proposal-1"),
		Result:     ResultApply,
	})

	eventually(t, func() bool {
		accepted := h.manager.acceptedIDs()
		return len(accepted) == 1 && accepted[0].Equal(consensus.ProposalID("proposal-1"))
	}, "proposal not applied locally")
}

// A verification request that beats its proposal is held until the proposal
// arrives.
func TestParticipantBacklogsEarlyVerificationRequest(t *testing.T) {
	self := consensus.PeerID("02")
	coordinator := consensus.PeerID("01")

	h := startEngine(t, New(zap.NewNop()), consensus.StartupState{
		ID:      self,
		PeerIDs: []consensus.PeerID{coordinator},
	})

	h.deliver(t, coordinator, Message{
		Type:       MessageVerificationRequest,
		ProposalID: []byte("proposal-1"),
	})
	h.updates <- consensus.ProposalReceived(testProposal("proposal-1"), coordinator)

	eventually(t, func() bool {
		for _, message := range h.sender.sentTo(coordinator) {
			if message.Type == MessageVerificationResponse {
				return true
			}
		}
		return false
	}, "backlogged verification request not replayed")
}

func TestParticipantReportsInvalidProposal(t *testing.T) {
	self := consensus.PeerID("02")
	coordinator := consensus.PeerID("01")

	h := startEngine(t, New(zap.NewNop()), consensus.StartupState{
		ID:      self,
		PeerIDs: []consensus.PeerID{coordinator},
	})
	h.manager.mu.Lock()
	h.manager.valid = false
	h.manager.mu.Unlock()

	h.updates <- consensus.ProposalReceived(testProposal("proposal-1"), coordinator)
	h.deliver(t, coordinator, Message{
		Type:       MessageVerificationRequest,
		ProposalID: []byte("proposal-1"),
	})

	eventually(t, func() bool {
		for _, message := range h.sender.sentTo(coordinator) {
			if message.Type == MessageVerificationResponse &&
				message.Verification == VerificationFailed {
				return true
			}
		}
		return false
	}, "failed verification response not sent")
}

// A participant whose coordinator goes quiet rejects the stalled proposal
// locally and returns to idle.
func TestParticipantRejectsOnCoordinatorTimeout(t *testing.T) {
	self := consensus.PeerID("02")
	coordinator := consensus.PeerID("01")

	h := startEngine(t, NewWithTimeout(zap.NewNop(), 50*time.Millisecond),
		consensus.StartupState{
			ID:      self,
			PeerIDs: []consensus.PeerID{coordinator},
		})

	h.updates <- consensus.ProposalReceived(testProposal("proposal-1"), coordinator)

	eventually(t, func() bool {
		rejected := h.manager.rejectedIDs()
		return len(rejected) == 1 && rejected[0].Equal(consensus.ProposalID("proposal-1"))
	}, "stalled proposal not rejected")
	assert.Empty(t, h.manager.acceptedIDs())
}

// Consensus data naming a verifier subset restricts who is asked to verify.
func TestDynamicVerifierSet(t *testing.T) {
	self := consensus.PeerID("01")
	peerB := consensus.PeerID("02")
	peerC := consensus.PeerID("03")

	consensusData, err := protocol.Marshal(&RequiredVerifiers{
		Verifiers: [][]byte{[]byte("01"), []byte("03")},
	})
	require.NoError(t, err)

	h := startEngine(t, New(zap.NewNop()), consensus.StartupState{
		ID:      self,
		PeerIDs: []consensus.PeerID{peerB, peerC},
	})
	proposal := testProposal("proposal-1")
	proposal.ConsensusData = consensusData
	h.manager.queueProposal(proposal)

	eventually(t, func() bool {
		messages := h.sender.sentTo(peerC)
		return len(messages) > 0 && messages[0].Type == MessageVerificationRequest
	}, "verification request not sent to required verifier")

	// peerB is not a required verifier and must not be asked.
	assert.Empty(t, h.sender.sentTo(peerB))

	// Only 01 and 03 need to verify.
	h.deliver(t, peerC, Message{
		Type:         MessageVerificationResponse,
		ProposalID:   []byte("proposal-1"),
		Verification: VerificationVerified,
	})

	eventually(t, func() bool {
		return len(h.manager.acceptedIDs()) == 1
	}, "proposal not applied with dynamic verifier set")
	assert.Empty(t, h.sender.sentTo(peerB))
}
