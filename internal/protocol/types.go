// Package protocol defines the trellis wire protocol envelopes.
// Every message carries a message type discriminant at each of three nested
// layers: network (authorization vs circuit), circuit, and application. Each
// layer's payload is the serialized bytes of the next layer.
package protocol

// NetworkMessageType is the outermost message discriminant.
type NetworkMessageType uint16

const (
	NetworkUnset NetworkMessageType = iota
	// NetworkAuthorization carries an AuthorizationMessage payload.
	NetworkAuthorization
	// NetworkCircuit carries a CircuitMessage payload.
	NetworkCircuit
	// NetworkHeartbeat is an empty keepalive.
	NetworkHeartbeat
)

// String returns the string representation of the network message type.
func (t NetworkMessageType) String() string {
	switch t {
	case NetworkAuthorization:
		return "AUTHORIZATION"
	case NetworkCircuit:
		return "CIRCUIT"
	case NetworkHeartbeat:
		return "NETWORK_HEARTBEAT"
	default:
		return "UNSET"
	}
}

// NetworkMessage is the transport-level envelope.
type NetworkMessage struct {
	MessageType NetworkMessageType `codec:"message_type"`
	Payload     []byte             `codec:"payload"`
}

// AuthorizationMessageType discriminates authorization handshake messages.
type AuthorizationMessageType uint16

const (
	AuthUnset AuthorizationMessageType = iota
	AuthConnectRequest
	AuthConnectResponse
	AuthTrustRequest
	AuthAuthorize
	AuthError
)

// String returns the string representation of the authorization message type.
func (t AuthorizationMessageType) String() string {
	switch t {
	case AuthConnectRequest:
		return "CONNECT_REQUEST"
	case AuthConnectResponse:
		return "CONNECT_RESPONSE"
	case AuthTrustRequest:
		return "TRUST_REQUEST"
	case AuthAuthorize:
		return "AUTHORIZE"
	case AuthError:
		return "AUTHORIZATION_ERROR"
	default:
		return "UNSET"
	}
}

// AuthorizationMessage is the envelope for handshake payloads.
type AuthorizationMessage struct {
	MessageType AuthorizationMessageType `codec:"message_type"`
	Payload     []byte                   `codec:"payload"`
}

// AuthorizationType enumerates the handshake modes a node will accept.
type AuthorizationType uint8

const (
	// AuthTypeTrust authenticates a peer purely by its claimed identity.
	AuthTypeTrust AuthorizationType = 1
)

// ConnectRequest begins the authorization handshake for a new connection.
type ConnectRequest struct {
	Endpoint string `codec:"endpoint"`
}

// ConnectResponse advertises the authorization types the responder accepts.
type ConnectResponse struct {
	AcceptedAuthorizationTypes []AuthorizationType `codec:"accepted_authorization_types"`
}

// TrustRequest presents the sender's claimed identity.
type TrustRequest struct {
	Identity string `codec:"identity"`
}

// AuthorizedMessage notifies the remote peer that it is now trusted.
type AuthorizedMessage struct{}

// AuthorizationErrorType enumerates handshake failure classes.
type AuthorizationErrorType uint8

const (
	AuthorizationRejected AuthorizationErrorType = 1
)

// AuthorizationError reports a handshake failure to the remote peer.
type AuthorizationError struct {
	ErrorType    AuthorizationErrorType `codec:"error_type"`
	ErrorMessage string                 `codec:"error_message"`
}

// CircuitMessageType discriminates circuit-scoped messages.
type CircuitMessageType uint16

const (
	CircuitUnset CircuitMessageType = iota
	CircuitDirectMessageType
	CircuitErrorMessageType
	ServiceConnectRequestType
	ServiceConnectResponseType
	ServiceDisconnectRequestType
)

// String returns the string representation of the circuit message type.
func (t CircuitMessageType) String() string {
	switch t {
	case CircuitDirectMessageType:
		return "CIRCUIT_DIRECT_MESSAGE"
	case CircuitErrorMessageType:
		return "CIRCUIT_ERROR_MESSAGE"
	case ServiceConnectRequestType:
		return "SERVICE_CONNECT_REQUEST"
	case ServiceConnectResponseType:
		return "SERVICE_CONNECT_RESPONSE"
	case ServiceDisconnectRequestType:
		return "SERVICE_DISCONNECT_REQUEST"
	default:
		return "UNSET"
	}
}

// CircuitMessage is the envelope for circuit-scoped payloads.
type CircuitMessage struct {
	MessageType CircuitMessageType `codec:"message_type"`
	Payload     []byte             `codec:"payload"`
}

// CircuitErrorCode enumerates circuit-level delivery failures.
type CircuitErrorCode uint8

const (
	ErrorRecipientNotInDirectory CircuitErrorCode = iota + 1
	ErrorRecipientNotInCircuit
	ErrorSenderNotInDirectory
	ErrorSenderNotInCircuit
	ErrorCircuitDoesNotExist
)

// CircuitError reports a delivery failure back toward the original sender.
type CircuitError struct {
	CircuitName   string           `codec:"circuit_name"`
	ServiceID     string           `codec:"service_id"`
	CorrelationID string           `codec:"correlation_id"`
	Error         CircuitErrorCode `codec:"error"`
	ErrorMessage  string           `codec:"error_message"`
}

// CircuitDirectMessage carries an application payload between two services
// on the same circuit.
type CircuitDirectMessage struct {
	Circuit       string `codec:"circuit"`
	Sender        string `codec:"sender"`
	Recipient     string `codec:"recipient"`
	CorrelationID string `codec:"correlation_id"`
	Payload       []byte `codec:"payload"`
}

// ServiceConnectResponseStatus reports the result of a service connect.
type ServiceConnectResponseStatus uint8

const (
	ServiceConnectOK ServiceConnectResponseStatus = iota
	ServiceConnectErrorQueueFull
	ServiceConnectErrorNotInCircuit
	ServiceConnectErrorNotRegistered
	ServiceConnectErrorInternal
)

// ServiceConnectRequest registers a local service on a circuit.
type ServiceConnectRequest struct {
	Circuit       string `codec:"circuit"`
	ServiceID     string `codec:"service_id"`
	CorrelationID string `codec:"correlation_id"`
}

// ServiceConnectResponse reports the outcome of a ServiceConnectRequest.
type ServiceConnectResponse struct {
	Circuit       string                       `codec:"circuit"`
	ServiceID     string                       `codec:"service_id"`
	CorrelationID string                       `codec:"correlation_id"`
	Status        ServiceConnectResponseStatus `codec:"status"`
	ErrorMessage  string                       `codec:"error_message"`
}

// ServiceDisconnectRequest removes a local service from a circuit.
type ServiceDisconnectRequest struct {
	Circuit       string `codec:"circuit"`
	ServiceID     string `codec:"service_id"`
	CorrelationID string `codec:"correlation_id"`
}
