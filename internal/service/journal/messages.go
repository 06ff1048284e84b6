package journal

import (
	"github.com/trellisnet/trellisd/internal/consensus"
)

// MessageType discriminates journal application messages.
type MessageType int

const (
	// ConsensusMessageType carries an engine protocol message.
	ConsensusMessageType MessageType = iota + 1
	// ProposedBatchType carries a proposal and the batch behind it.
	ProposedBatchType
	// ServiceConnectedType announces that a peer journal instance came up.
	ServiceConnectedType
	// ServiceDisconnectedType announces that a peer journal instance went
	// down.
	ServiceDisconnectedType
)

// Message is the journal application envelope.
type Message struct {
	MessageType MessageType `codec:"message_type"`
	Payload     []byte      `codec:"payload"`
}

// Batch is one ordered unit of journal entries agreed on by consensus.
type Batch struct {
	// ID identifies the batch to its submitter.
	ID string `codec:"id"`
	// Entries are the opaque journal entries applied together.
	Entries [][]byte `codec:"entries"`
}

// ProposedBatch pairs a proposal with the batch it covers, broadcast by the
// coordinator so every verifier can check it against local state.
type ProposedBatch struct {
	Proposal consensus.Proposal `codec:"proposal"`
	Batch    Batch              `codec:"batch"`
}

// ServiceNotification names the service behind a connected or disconnected
// announcement.
type ServiceNotification struct {
	ServiceID string `codec:"service_id"`
}
