package journal

import (
	"fmt"
	"sync"

	"github.com/trellisnet/trellisd/internal/consensus"
	"github.com/trellisnet/trellisd/internal/service"
)

// Shared is the journal's mutable shared state, guarded by one mutex. Lock
// discipline is acquire, read or mutate, release; it is never held across a
// network send.
type Shared struct {
	mu sync.Mutex

	// batchQueue holds submitted batches awaiting proposal.
	batchQueue []Batch
	// proposedBatches maps proposal id strings to in-flight batches.
	proposedBatches map[string]Batch
	// peerServices are the journal services on the other circuit members.
	peerServices []string
	// connectedPeers tracks which peer services have announced themselves.
	connectedPeers map[string]bool
	// sender is set while the service is connected to the registry.
	sender service.NetworkSender
}

// NewShared constructs Shared for the given peer services.
func NewShared(peerServices []string) *Shared {
	return &Shared{
		proposedBatches: make(map[string]Batch),
		peerServices:    append([]string(nil), peerServices...),
		connectedPeers:  make(map[string]bool),
	}
}

// AddBatch queues a batch for a future proposal.
func (s *Shared) AddBatch(batch Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchQueue = append(s.batchQueue, batch)
}

// PopBatch removes and returns the oldest queued batch.
func (s *Shared) PopBatch() (Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.batchQueue) == 0 {
		return Batch{}, false
	}
	batch := s.batchQueue[0]
	s.batchQueue = s.batchQueue[1:]
	return batch, true
}

// PendingBatches returns the number of queued batches.
func (s *Shared) PendingBatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batchQueue)
}

// AddProposedBatch records an in-flight proposal's batch.
func (s *Shared) AddProposedBatch(proposalID consensus.ProposalID, batch Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposedBatches[proposalID.String()] = batch
}

// GetProposedBatch returns the batch behind an in-flight proposal.
func (s *Shared) GetProposedBatch(proposalID consensus.ProposalID) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.proposedBatches[proposalID.String()]
	if !ok {
		return Batch{}, fmt.Errorf("%w: %s", consensus.ErrUnknownProposal, proposalID)
	}
	return batch, nil
}

// RemoveProposedBatch removes and returns the batch behind an in-flight
// proposal.
func (s *Shared) RemoveProposedBatch(proposalID consensus.ProposalID) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.proposedBatches[proposalID.String()]
	if !ok {
		return Batch{}, fmt.Errorf("%w: %s", consensus.ErrUnknownProposal, proposalID)
	}
	delete(s.proposedBatches, proposalID.String())
	return batch, nil
}

// PeerServices returns the journal services on the other circuit members.
func (s *Shared) PeerServices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.peerServices...)
}

// SetPeerConnected records a peer service announcement. Unknown peers are
// ignored; the peer set is fixed for the service's lifetime.
func (s *Shared) SetPeerConnected(peer string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, known := range s.peerServices {
		if known == peer {
			s.connectedPeers[peer] = connected
			return
		}
	}
}

// PeerConnected reports whether the peer service has announced itself.
func (s *Shared) PeerConnected(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedPeers[peer]
}

// SetNetworkSender installs the sender obtained from the registry. A nil
// sender marks the service disconnected.
func (s *Shared) SetNetworkSender(sender service.NetworkSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

// NetworkSender returns the current sender, or an error while disconnected.
func (s *Shared) NetworkSender() (service.NetworkSender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sender == nil {
		return nil, service.ErrNotConnected
	}
	return s.sender, nil
}
