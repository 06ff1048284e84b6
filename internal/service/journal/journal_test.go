package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trellisnet/trellisd/internal/circuit"
	"github.com/trellisnet/trellisd/internal/consensus"
	"github.com/trellisnet/trellisd/internal/protocol"
	"github.com/trellisnet/trellisd/internal/service"
	"github.com/trellisnet/trellisd/internal/storage"
)

// fakeServiceSender records journal envelopes per recipient service.
type fakeServiceSender struct {
	sent map[string][][]byte
}

func newFakeServiceSender() *fakeServiceSender {
	return &fakeServiceSender{sent: make(map[string][][]byte)}
}

func (s *fakeServiceSender) Send(recipient string, payload []byte) error {
	s.sent[recipient] = append(s.sent[recipient], payload)
	return nil
}

// dropSender swallows envelopes addressed to services that are not attached
// to the registry yet.
type dropSender struct{}

func (dropSender) SendTo(string, []byte) error { return nil }

func newTestManager(t *testing.T) (*proposalManager, chan consensus.ProposalUpdate, *Shared, *fakeServiceSender) {
	t.Helper()

	updates := make(chan consensus.ProposalUpdate, 16)
	shared := NewShared([]string{"bbbb"})
	sender := newFakeServiceSender()
	shared.SetNetworkSender(sender)

	state, err := NewState(storage.NewMemoryStore())
	require.NoError(t, err)

	return &proposalManager{
		logger:  zap.NewNop(),
		updates: updates,
		shared:  shared,
		state:   state,
	}, updates, shared, sender
}

func receiveUpdate(t *testing.T, updates chan consensus.ProposalUpdate) consensus.ProposalUpdate {
	t.Helper()
	select {
	case update := <-updates:
		return update
	case <-time.After(5 * time.Second):
		t.Fatal("no update received")
		return consensus.ProposalUpdate{}
	}
}

func TestCreateProposalEmptyQueue(t *testing.T) {
	manager, updates, _, sender := newTestManager(t)

	require.NoError(t, manager.CreateProposal(nil, nil))

	update := receiveUpdate(t, updates)
	assert.Equal(t, consensus.UpdateProposalCreated, update.Type)
	assert.Nil(t, update.Proposal)
	assert.Empty(t, sender.sent)
}

func TestCreateProposalBroadcastsBatch(t *testing.T) {
	manager, updates, shared, sender := newTestManager(t)
	shared.AddBatch(testBatch("batch-1"))

	require.NoError(t, manager.CreateProposal(nil, nil))

	update := receiveUpdate(t, updates)
	require.Equal(t, consensus.UpdateProposalCreated, update.Type)
	require.NotNil(t, update.Proposal)
	assert.Equal(t, uint64(1), update.Proposal.Height)
	// The proposal id is the expected post-commit root.
	assert.Equal(t, []byte(update.Proposal.ID), update.Proposal.Summary)

	require.Len(t, sender.sent["bbbb"], 1)
	var envelope Message
	require.NoError(t, protocol.Unmarshal(sender.sent["bbbb"][0], &envelope))
	require.Equal(t, ProposedBatchType, envelope.MessageType)

	var proposed ProposedBatch
	require.NoError(t, protocol.Unmarshal(envelope.Payload, &proposed))
	assert.Equal(t, "batch-1", proposed.Batch.ID)
	assert.True(t, proposed.Proposal.ID.Equal(update.Proposal.ID))

	// The batch is tracked until accept or reject.
	_, err := shared.GetProposedBatch(update.Proposal.ID)
	assert.NoError(t, err)
}

func TestCheckProposalValid(t *testing.T) {
	manager, updates, shared, _ := newTestManager(t)
	shared.AddBatch(testBatch("batch-1"))

	require.NoError(t, manager.CreateProposal(nil, nil))
	update := receiveUpdate(t, updates)
	proposalID := update.Proposal.ID

	require.NoError(t, manager.CheckProposal(proposalID))
	update = receiveUpdate(t, updates)
	assert.Equal(t, consensus.UpdateProposalValid, update.Type)
	assert.True(t, update.ProposalID.Equal(proposalID))
}

func TestCheckProposalMismatch(t *testing.T) {
	manager, updates, shared, _ := newTestManager(t)

	// A proposal whose id does not match the recomputed hash is invalid.
	bogusID := consensus.ProposalID("not-the-expected-hash")
	shared.AddProposedBatch(bogusID, testBatch("batch-1"))

	require.NoError(t, manager.CheckProposal(bogusID))
	update := receiveUpdate(t, updates)
	assert.Equal(t, consensus.UpdateProposalInvalid, update.Type)
}

func TestCheckProposalUnknown(t *testing.T) {
	manager, _, _, _ := newTestManager(t)

	err := manager.CheckProposal(consensus.ProposalID("missing"))
	assert.ErrorIs(t, err, consensus.ErrUnknownProposal)
}

func TestAcceptProposalCommits(t *testing.T) {
	manager, updates, shared, _ := newTestManager(t)
	shared.AddBatch(testBatch("batch-1"))

	require.NoError(t, manager.CreateProposal(nil, nil))
	update := receiveUpdate(t, updates)
	proposalID := update.Proposal.ID

	require.NoError(t, manager.AcceptProposal(proposalID, nil))
	update = receiveUpdate(t, updates)
	assert.Equal(t, consensus.UpdateProposalAccepted, update.Type)

	assert.Equal(t, uint64(1), manager.state.Height())
	assert.Equal(t, []byte(proposalID), manager.state.CurrentRoot())

	_, err := shared.GetProposedBatch(proposalID)
	assert.ErrorIs(t, err, consensus.ErrUnknownProposal)
}

func TestAcceptUnknownProposal(t *testing.T) {
	manager, _, _, _ := newTestManager(t)

	err := manager.AcceptProposal(consensus.ProposalID("missing"), nil)
	assert.ErrorIs(t, err, consensus.ErrUnknownProposal)
}

func TestRejectProposalRollsBack(t *testing.T) {
	manager, updates, shared, _ := newTestManager(t)
	shared.AddBatch(testBatch("batch-1"))

	require.NoError(t, manager.CreateProposal(nil, nil))
	update := receiveUpdate(t, updates)
	proposalID := update.Proposal.ID

	require.NoError(t, manager.RejectProposal(proposalID))
	assert.Equal(t, uint64(0), manager.state.Height())

	err := manager.RejectProposal(proposalID)
	assert.ErrorIs(t, err, consensus.ErrUnknownProposal)
}

func TestNetworkSenderEnforcesPeerSet(t *testing.T) {
	shared := NewShared([]string{"bbbb"})
	shared.SetNetworkSender(newFakeServiceSender())
	sender := &networkSender{shared: shared, localID: "aaaa"}

	err := sender.SendTo(consensus.PeerID("zzzz"), []byte("message"))
	assert.ErrorIs(t, err, consensus.ErrUnknownPeer)

	assert.NoError(t, sender.SendTo(consensus.PeerID("bbbb"), []byte("message")))
}

func TestNetworkSenderEnvelopes(t *testing.T) {
	shared := NewShared([]string{"bbbb"})
	fake := newFakeServiceSender()
	shared.SetNetworkSender(fake)
	sender := &networkSender{shared: shared, localID: "aaaa"}

	require.NoError(t, sender.Broadcast([]byte("engine message")))

	require.Len(t, fake.sent["bbbb"], 1)
	var envelope Message
	require.NoError(t, protocol.Unmarshal(fake.sent["bbbb"][0], &envelope))
	require.Equal(t, ConsensusMessageType, envelope.MessageType)

	var message consensus.ConsensusMessage
	require.NoError(t, protocol.Unmarshal(envelope.Payload, &message))
	assert.Equal(t, []byte("engine message"), message.Message)
	assert.Equal(t, consensus.PeerID("aaaa"), message.OriginID)
}

// A flood of inbound lifecycle updates must never wedge the engine against
// its own update channel: the proposal manager reports results from the
// engine's goroutine, so those sends have to stay non-blocking no matter how
// many updates are queued ahead of them.
func TestConsensusManagerSurvivesUpdateFlood(t *testing.T) {
	shared := NewShared([]string{"bbbb"})
	shared.SetNetworkSender(newFakeServiceSender())
	state, err := NewState(storage.NewMemoryStore())
	require.NoError(t, err)

	// "aaaa" coordinates, so the engine keeps calling CreateProposal and
	// reporting results while the flood is in flight.
	cm := NewConsensusManager(zap.NewNop(), "aaaa", shared, state, time.Second)

	for i := 0; i < 4096; i++ {
		cm.SendUpdate(consensus.ProposalValid(consensus.ProposalID("not-active")))
	}

	done := make(chan error, 1)
	go func() { done <- cm.Shutdown() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("consensus manager did not shut down")
	}
}

func TestServiceNotificationsTrackPeers(t *testing.T) {
	svc, err := NewService(zap.NewNop(), "aaaa", []string{"bbbb"}, storage.NewMemoryStore())
	require.NoError(t, err)

	notification, err := protocol.Marshal(&ServiceNotification{ServiceID: "bbbb"})
	require.NoError(t, err)
	connected, err := protocol.Marshal(&Message{
		MessageType: ServiceConnectedType,
		Payload:     notification,
	})
	require.NoError(t, err)

	require.NoError(t, svc.HandleMessage(connected, service.MessageContext{Sender: "bbbb"}))
	assert.True(t, svc.shared.PeerConnected("bbbb"))

	disconnected, err := protocol.Marshal(&Message{
		MessageType: ServiceDisconnectedType,
		Payload:     notification,
	})
	require.NoError(t, err)

	require.NoError(t, svc.HandleMessage(disconnected, service.MessageContext{Sender: "bbbb"}))
	assert.False(t, svc.shared.PeerConnected("bbbb"))

	// Announcements from services outside the peer set are ignored.
	unknown, err := protocol.Marshal(&ServiceNotification{ServiceID: "zzzz"})
	require.NoError(t, err)
	envelope, err := protocol.Marshal(&Message{
		MessageType: ServiceConnectedType,
		Payload:     unknown,
	})
	require.NoError(t, err)
	require.NoError(t, svc.HandleMessage(envelope, service.MessageContext{Sender: "zzzz"}))
	assert.False(t, svc.shared.PeerConnected("zzzz"))
}

// Two journal instances on one registry run real consensus end to end: a
// batch submitted to the coordinator commits on both.
func TestTwoInstanceConsensus(t *testing.T) {
	state, err := circuit.NewState(zap.NewNop(), storage.NewMemoryStore())
	require.NoError(t, err)
	require.NoError(t, state.SetCircuit(circuit.Circuit{
		ID: "alpha-00000",
		Roster: []circuit.Service{
			{ServiceID: "aaaa", AllowedNodes: []string{"node_123"}},
			{ServiceID: "bbbb", AllowedNodes: []string{"node_123"}},
		},
		Members: []string{"node_123"},
	}))

	registry := service.NewCircuitRegistry(zap.NewNop(), "alpha-00000", state, dropSender{})

	// aaaa has the lowest id and coordinates.
	coordinator, err := NewService(zap.NewNop(), "aaaa", []string{"bbbb"}, storage.NewMemoryStore())
	require.NoError(t, err)
	participant, err := NewService(zap.NewNop(), "bbbb", []string{"aaaa"}, storage.NewMemoryStore())
	require.NoError(t, err)

	require.NoError(t, coordinator.Start(registry))
	require.NoError(t, participant.Start(registry))
	defer func() {
		require.NoError(t, coordinator.Stop(registry))
		require.NoError(t, participant.Stop(registry))
	}()

	// The participant started second, so its announcement reached the
	// coordinator through the registry.
	assert.True(t, coordinator.shared.PeerConnected("bbbb"))

	coordinator.SubmitBatch(testBatch("batch-1"))

	require.Eventually(t, func() bool {
		return coordinator.Height() == 1 && participant.Height() == 1
	}, 10*time.Second, 20*time.Millisecond, "batch did not commit on both instances")

	assert.Equal(t, coordinator.CurrentRoot(), participant.CurrentRoot())

	// A second batch extends the chain on both.
	coordinator.SubmitBatch(testBatch("batch-2"))
	require.Eventually(t, func() bool {
		return coordinator.Height() == 2 && participant.Height() == 2
	}, 10*time.Second, 20*time.Millisecond, "second batch did not commit")
	assert.Equal(t, coordinator.CurrentRoot(), participant.CurrentRoot())
}
