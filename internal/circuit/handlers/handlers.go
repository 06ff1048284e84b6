// Package handlers implements the circuit-scoped message handlers. Every
// handler resolves its delivery target the same three-way: a locally
// connected service, a remote member node, or unknown, in which case the
// message is dropped with a warning rather than failing the dispatch loop.
package handlers

import (
	"go.uber.org/zap"

	"github.com/trellisnet/trellisd/internal/circuit"
	"github.com/trellisnet/trellisd/internal/network/dispatch"
	"github.com/trellisnet/trellisd/internal/protocol"
)

// Router resolves (circuit, service) pairs to delivery targets against the
// directory state.
type Router struct {
	logger *zap.Logger
	// nodeID is this node's identity, used to tell local hosting from
	// remote.
	nodeID string
	state  *circuit.State
}

// NewRouter constructs a Router for this node.
func NewRouter(logger *zap.Logger, nodeID string, state *circuit.State) *Router {
	return &Router{logger: logger, nodeID: nodeID, state: state}
}

// targetKind classifies a resolution result.
type targetKind int

const (
	// targetUnknown means no delivery target could be determined.
	targetUnknown targetKind = iota
	// targetLocal means the service is connected to this node.
	targetLocal
	// targetRemote means the service is hosted by another member node.
	targetRemote
)

// resolve finds the delivery target for a service on a circuit. A service
// hosted here but missing its connection resolves to unknown; the caller
// drops the message rather than crash the dispatch loop.
func (r *Router) resolve(circuitID, serviceID string) (targetKind, string) {
	if peerID, ok := r.state.ServiceConnection(circuitID, serviceID); ok {
		return targetLocal, peerID
	}

	c, ok := r.state.Circuit(circuitID)
	if !ok {
		return targetUnknown, ""
	}
	service, ok := c.RosterService(serviceID)
	if !ok {
		return targetUnknown, ""
	}

	for _, node := range service.AllowedNodes {
		if node != r.nodeID {
			return targetRemote, node
		}
	}
	// Hosted here but not connected.
	return targetUnknown, ""
}

// forward re-wraps circuit payload bytes and sends them to the resolved
// target. Unknown targets are dropped at warn level; dropping is not an
// error.
func (r *Router) forward(
	sender dispatch.Sender,
	msgType protocol.CircuitMessageType,
	circuitID, serviceID string,
	payload []byte,
) error {
	kind, peerID := r.resolve(circuitID, serviceID)
	if kind == targetUnknown {
		r.logger.Warn("no delivery target for service, dropping message",
			zap.String("message_type", msgType.String()),
			zap.String("circuit", circuitID),
			zap.String("service_id", serviceID))
		return nil
	}

	wrapped, err := protocol.WrapCircuit(msgType, payload)
	if err != nil {
		return err
	}
	return sender.SendTo(peerID, wrapped)
}

// RegisterHandlers installs every circuit-scoped handler on the circuit
// dispatcher.
func RegisterHandlers(
	d *dispatch.Dispatcher[protocol.CircuitMessageType],
	logger *zap.Logger,
	router *Router,
	state *circuit.State,
) {
	d.SetHandler(&circuitErrorHandler{router: router})
	d.SetHandler(&directMessageHandler{router: router, state: state})
	d.SetHandler(&serviceConnectHandler{logger: logger, nodeID: router.nodeID, state: state})
	d.SetHandler(&serviceDisconnectHandler{logger: logger, state: state})
}

// circuitErrorHandler routes an error report toward the service it names.
// The error bytes are forwarded unmodified; the next hop repeats this
// resolution.
type circuitErrorHandler struct {
	router *Router
}

func (h *circuitErrorHandler) MessageType() protocol.CircuitMessageType {
	return protocol.CircuitErrorMessageType
}

func (h *circuitErrorHandler) Handle(ctx dispatch.MessageContext, sender dispatch.Sender) error {
	var circuitError protocol.CircuitError
	if err := protocol.Unmarshal(ctx.Payload, &circuitError); err != nil {
		return err
	}

	return h.router.forward(sender, protocol.CircuitErrorMessageType,
		circuitError.CircuitName, circuitError.ServiceID, ctx.Payload)
}

// directMessageHandler routes an application payload between two services on
// a circuit. Membership violations are answered with a circuit error to the
// source; an unresolvable recipient that passed membership checks is also
// reported, since the return path is known.
type directMessageHandler struct {
	router *Router
	state  *circuit.State
}

func (h *directMessageHandler) MessageType() protocol.CircuitMessageType {
	return protocol.CircuitDirectMessageType
}

func (h *directMessageHandler) Handle(ctx dispatch.MessageContext, sender dispatch.Sender) error {
	var direct protocol.CircuitDirectMessage
	if err := protocol.Unmarshal(ctx.Payload, &direct); err != nil {
		return err
	}

	c, ok := h.state.Circuit(direct.Circuit)
	if !ok {
		return h.replyError(ctx, sender, direct, protocol.ErrorCircuitDoesNotExist,
			"circuit does not exist: "+direct.Circuit)
	}
	if !c.HasService(direct.Sender) {
		return h.replyError(ctx, sender, direct, protocol.ErrorSenderNotInCircuit,
			"sender is not in circuit: "+direct.Sender)
	}
	if !c.HasService(direct.Recipient) {
		return h.replyError(ctx, sender, direct, protocol.ErrorRecipientNotInCircuit,
			"recipient is not in circuit: "+direct.Recipient)
	}

	kind, peerID := h.router.resolve(direct.Circuit, direct.Recipient)
	if kind == targetUnknown {
		return h.replyError(ctx, sender, direct, protocol.ErrorRecipientNotInDirectory,
			"recipient is not in directory: "+direct.Recipient)
	}

	wrapped, err := protocol.WrapCircuit(protocol.CircuitDirectMessageType, ctx.Payload)
	if err != nil {
		return err
	}
	return sender.SendTo(peerID, wrapped)
}

func (h *directMessageHandler) replyError(
	ctx dispatch.MessageContext,
	sender dispatch.Sender,
	direct protocol.CircuitDirectMessage,
	code protocol.CircuitErrorCode,
	message string,
) error {
	payload, err := protocol.Marshal(&protocol.CircuitError{
		CircuitName:   direct.Circuit,
		ServiceID:     direct.Sender,
		CorrelationID: direct.CorrelationID,
		Error:         code,
		ErrorMessage:  message,
	})
	if err != nil {
		return err
	}
	wrapped, err := protocol.WrapCircuit(protocol.CircuitErrorMessageType, payload)
	if err != nil {
		return err
	}
	return sender.SendTo(ctx.SourcePeerID, wrapped)
}

// serviceConnectHandler registers a locally attached service and answers
// with a status response.
type serviceConnectHandler struct {
	logger *zap.Logger
	nodeID string
	state  *circuit.State
}

func (h *serviceConnectHandler) MessageType() protocol.CircuitMessageType {
	return protocol.ServiceConnectRequestType
}

func (h *serviceConnectHandler) Handle(ctx dispatch.MessageContext, sender dispatch.Sender) error {
	var request protocol.ServiceConnectRequest
	if err := protocol.Unmarshal(ctx.Payload, &request); err != nil {
		return err
	}

	status := protocol.ServiceConnectOK
	errorMessage := ""

	c, ok := h.state.Circuit(request.Circuit)
	switch {
	case !ok:
		status = protocol.ServiceConnectErrorNotInCircuit
		errorMessage = "circuit does not exist: " + request.Circuit
	case !c.HasService(request.ServiceID):
		status = protocol.ServiceConnectErrorNotInCircuit
		errorMessage = "service is not in circuit: " + request.ServiceID
	default:
		service, _ := c.RosterService(request.ServiceID)
		allowed := false
		for _, node := range service.AllowedNodes {
			if node == h.nodeID {
				allowed = true
				break
			}
		}
		if !allowed {
			status = protocol.ServiceConnectErrorNotRegistered
			errorMessage = "service is not allowed on this node: " + request.ServiceID
		} else if err := h.state.ConnectService(
			request.Circuit, request.ServiceID, ctx.SourcePeerID); err != nil {
			status = protocol.ServiceConnectErrorInternal
			errorMessage = err.Error()
		}
	}

	if status != protocol.ServiceConnectOK {
		h.logger.Warn("service connect rejected",
			zap.String("circuit", request.Circuit),
			zap.String("service_id", request.ServiceID),
			zap.String("peer_id", ctx.SourcePeerID),
			zap.String("reason", errorMessage))
	}

	payload, err := protocol.Marshal(&protocol.ServiceConnectResponse{
		Circuit:       request.Circuit,
		ServiceID:     request.ServiceID,
		CorrelationID: request.CorrelationID,
		Status:        status,
		ErrorMessage:  errorMessage,
	})
	if err != nil {
		return err
	}
	wrapped, err := protocol.WrapCircuit(protocol.ServiceConnectResponseType, payload)
	if err != nil {
		return err
	}
	return sender.SendTo(ctx.SourcePeerID, wrapped)
}

// serviceDisconnectHandler removes a locally attached service's
// registration.
type serviceDisconnectHandler struct {
	logger *zap.Logger
	state  *circuit.State
}

func (h *serviceDisconnectHandler) MessageType() protocol.CircuitMessageType {
	return protocol.ServiceDisconnectRequestType
}

func (h *serviceDisconnectHandler) Handle(ctx dispatch.MessageContext, _ dispatch.Sender) error {
	var request protocol.ServiceDisconnectRequest
	if err := protocol.Unmarshal(ctx.Payload, &request); err != nil {
		return err
	}

	if err := h.state.DisconnectService(request.Circuit, request.ServiceID); err != nil {
		// A disconnect for an unregistered service is logged, not fatal.
		h.logger.Warn("service disconnect ignored",
			zap.String("circuit", request.Circuit),
			zap.String("service_id", request.ServiceID),
			zap.Error(err))
	}
	return nil
}
