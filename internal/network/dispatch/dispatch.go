// Package dispatch routes received messages to handlers keyed by message
// type. One Dispatcher exists per envelope layer; a handler for an inner
// envelope typically unwraps it and feeds the payload to the next layer's
// dispatcher.
package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrHandleFailed wraps errors returned by handlers.
var ErrHandleFailed = errors.New("message handling failed")

// MessageContext carries a received payload and its provenance to a handler.
type MessageContext struct {
	// SourcePeerID is the current id of the peer the message arrived from.
	SourcePeerID string
	// Payload is the serialized inner message for this layer.
	Payload []byte
}

// Sender lets handlers send messages back into the network.
type Sender interface {
	// SendTo sends a serialized network envelope to the named peer.
	SendTo(peerID string, payload []byte) error
}

// Handler processes one message type.
type Handler[T comparable] interface {
	// MessageType returns the type this handler accepts.
	MessageType() T

	// Handle processes one message. Errors are logged by the dispatcher and
	// never tear down the dispatch loop.
	Handle(ctx MessageContext, sender Sender) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc[T comparable] struct {
	Type T
	Fn   func(ctx MessageContext, sender Sender) error
}

// MessageType returns the handled message type.
func (h HandlerFunc[T]) MessageType() T { return h.Type }

// Handle invokes the wrapped function.
func (h HandlerFunc[T]) Handle(ctx MessageContext, sender Sender) error {
	return h.Fn(ctx, sender)
}

// Dispatcher routes messages of one envelope layer to registered handlers.
// Messages of an unregistered type are logged at warn level and dropped;
// they never fail the dispatch loop.
type Dispatcher[T comparable] struct {
	logger *zap.Logger
	sender Sender

	mu       sync.RWMutex
	handlers map[T]Handler[T]
}

// New constructs a Dispatcher that hands the given sender to its handlers.
func New[T comparable](logger *zap.Logger, sender Sender) *Dispatcher[T] {
	return &Dispatcher[T]{
		logger:   logger,
		sender:   sender,
		handlers: make(map[T]Handler[T]),
	}
}

// SetHandler registers the handler for its message type, replacing any
// previous registration.
func (d *Dispatcher[T]) SetHandler(handler Handler[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[handler.MessageType()] = handler
}

// Dispatch routes one message to the handler registered for its type. An
// unknown type is not an error; the message is dropped with a warning.
func (d *Dispatcher[T]) Dispatch(messageType T, ctx MessageContext) error {
	d.mu.RLock()
	handler, ok := d.handlers[messageType]
	d.mu.RUnlock()

	if !ok {
		d.logger.Warn("no handler for message type, dropping message",
			zap.Any("message_type", messageType),
			zap.String("source_peer_id", ctx.SourcePeerID))
		return nil
	}

	if err := handler.Handle(ctx, d.sender); err != nil {
		return fmt.Errorf("%w: %v", ErrHandleFailed, err)
	}
	return nil
}
