package auth

import (
	"go.uber.org/zap"

	"github.com/trellisnet/trellisd/internal/network/dispatch"
	"github.com/trellisnet/trellisd/internal/protocol"
)

// ConnectionRemover drops a peer's connection after a handshake failure. The
// Network satisfies this.
type ConnectionRemover interface {
	RemoveConnection(peerID string) error
}

// SendConnectRequest begins the handshake with a peer by presenting this
// node's reachable endpoint. Called for outbound connections once the
// transport is up.
func SendConnectRequest(sender dispatch.Sender, peerID, localEndpoint string) error {
	payload, err := protocol.WrapAuthorization(protocol.AuthConnectRequest,
		&protocol.ConnectRequest{Endpoint: localEndpoint})
	if err != nil {
		return err
	}
	return sender.SendTo(peerID, payload)
}

// RegisterHandlers installs the four handshake handlers on the authorization
// dispatcher. localEndpoint is presented when this node opens the reverse
// handshake on an inbound connection.
func RegisterHandlers(
	d *dispatch.Dispatcher[protocol.AuthorizationMessageType],
	logger *zap.Logger,
	manager *Manager,
	remover ConnectionRemover,
	localEndpoint string,
) {
	d.SetHandler(&connectRequestHandler{logger: logger, manager: manager})
	d.SetHandler(&connectResponseHandler{logger: logger, manager: manager})
	d.SetHandler(&trustRequestHandler{
		logger:        logger,
		manager:       manager,
		localEndpoint: localEndpoint,
	})
	d.SetHandler(&authorizationErrorHandler{logger: logger, manager: manager, remover: remover})
}

// connectRequestHandler answers a handshake opener with the authorization
// types this node accepts.
type connectRequestHandler struct {
	logger  *zap.Logger
	manager *Manager
}

func (h *connectRequestHandler) MessageType() protocol.AuthorizationMessageType {
	return protocol.AuthConnectRequest
}

func (h *connectRequestHandler) Handle(ctx dispatch.MessageContext, sender dispatch.Sender) error {
	var request protocol.ConnectRequest
	if err := protocol.Unmarshal(ctx.Payload, &request); err != nil {
		return err
	}

	if _, err := h.manager.NextState(ctx.SourcePeerID, Connecting()); err != nil {
		// A repeated connect request is tolerated; the response is resent.
		h.logger.Debug("connect request in unexpected state",
			zap.String("peer_id", ctx.SourcePeerID), zap.Error(err))
	}

	response, err := protocol.WrapAuthorization(protocol.AuthConnectResponse,
		&protocol.ConnectResponse{
			AcceptedAuthorizationTypes: []protocol.AuthorizationType{protocol.AuthTypeTrust},
		})
	if err != nil {
		return err
	}
	return sender.SendTo(ctx.SourcePeerID, response)
}

// connectResponseHandler presents this node's identity once the remote
// advertises trust authorization.
type connectResponseHandler struct {
	logger  *zap.Logger
	manager *Manager
}

func (h *connectResponseHandler) MessageType() protocol.AuthorizationMessageType {
	return protocol.AuthConnectResponse
}

func (h *connectResponseHandler) Handle(ctx dispatch.MessageContext, sender dispatch.Sender) error {
	var response protocol.ConnectResponse
	if err := protocol.Unmarshal(ctx.Payload, &response); err != nil {
		return err
	}

	for _, authType := range response.AcceptedAuthorizationTypes {
		if authType == protocol.AuthTypeTrust {
			trust, err := protocol.WrapAuthorization(protocol.AuthTrustRequest,
				&protocol.TrustRequest{Identity: h.manager.Identity()})
			if err != nil {
				return err
			}
			h.manager.MarkIdentified(ctx.SourcePeerID)
			return sender.SendTo(ctx.SourcePeerID, trust)
		}
	}

	h.logger.Warn("remote accepts no supported authorization type",
		zap.String("peer_id", ctx.SourcePeerID))
	authError, err := protocol.WrapAuthorization(protocol.AuthError,
		&protocol.AuthorizationError{
			ErrorType:    protocol.AuthorizationRejected,
			ErrorMessage: "no supported authorization type",
		})
	if err != nil {
		return err
	}
	return sender.SendTo(ctx.SourcePeerID, authError)
}

// trustRequestHandler authorizes a peer under its claimed identity. On
// success exactly one authorized notice is sent, addressed to the new
// identity.
type trustRequestHandler struct {
	logger        *zap.Logger
	manager       *Manager
	localEndpoint string
}

func (h *trustRequestHandler) MessageType() protocol.AuthorizationMessageType {
	return protocol.AuthTrustRequest
}

func (h *trustRequestHandler) Handle(ctx dispatch.MessageContext, sender dispatch.Sender) error {
	var request protocol.TrustRequest
	if err := protocol.Unmarshal(ctx.Payload, &request); err != nil {
		return err
	}

	// An out-of-order trust request is ignored rather than answered with an
	// error. The connection keeps its state so the peer can retry the
	// handshake from the right step.
	if _, err := h.manager.NextState(ctx.SourcePeerID, TrustIdentifying(request.Identity)); err != nil {
		h.logger.Warn("ignoring trust request",
			zap.String("peer_id", ctx.SourcePeerID),
			zap.String("claimed_identity", request.Identity),
			zap.Error(err))
		return nil
	}

	authorized, err := protocol.WrapAuthorization(protocol.AuthAuthorize,
		&protocol.AuthorizedMessage{})
	if err != nil {
		return err
	}
	if err := sender.SendTo(request.Identity, authorized); err != nil {
		return err
	}

	// The handshake authorizes one direction. If this node has not yet
	// presented its own identity on the connection, open the reverse
	// handshake so both sides can address each other.
	if !h.manager.HasIdentified(request.Identity) {
		if err := SendConnectRequest(sender, request.Identity, h.localEndpoint); err != nil {
			h.logger.Warn("failed to open reverse handshake",
				zap.String("peer_id", request.Identity), zap.Error(err))
		}
	}
	return nil
}

// authorizationErrorHandler unauthorizes the peer and drops its connection.
type authorizationErrorHandler struct {
	logger  *zap.Logger
	manager *Manager
	remover ConnectionRemover
}

func (h *authorizationErrorHandler) MessageType() protocol.AuthorizationMessageType {
	return protocol.AuthError
}

func (h *authorizationErrorHandler) Handle(ctx dispatch.MessageContext, _ dispatch.Sender) error {
	var authError protocol.AuthorizationError
	if err := protocol.Unmarshal(ctx.Payload, &authError); err != nil {
		return err
	}

	h.logger.Warn("authorization failed",
		zap.String("peer_id", ctx.SourcePeerID),
		zap.String("error_message", authError.ErrorMessage))

	if _, err := h.manager.NextState(ctx.SourcePeerID, Unauthorizing()); err != nil {
		h.logger.Debug("unauthorize in unexpected state",
			zap.String("peer_id", ctx.SourcePeerID), zap.Error(err))
	}
	return h.remover.RemoveConnection(ctx.SourcePeerID)
}
