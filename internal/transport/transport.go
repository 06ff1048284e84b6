// Package transport abstracts the byte-stream connections the trellis
// network layer runs over. Implementations frame whole messages; the network
// layer never sees partial reads.
package transport

import "errors"

var (
	// ErrConnectionClosed is returned by Send/Recv after a connection is
	// closed locally or by the remote side.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrListenerClosed is returned by Accept after the listener is closed.
	ErrListenerClosed = errors.New("listener closed")
	// ErrConnectFailed is returned when a connection cannot be established.
	ErrConnectFailed = errors.New("connection failed")
)

// Connection is a framed, bidirectional message stream to a single remote.
type Connection interface {
	// Send writes one whole message to the remote.
	Send(message []byte) error

	// Recv blocks until one whole message is available.
	Recv() ([]byte, error)

	// RemoteEndpoint returns the remote address in endpoint form.
	RemoteEndpoint() string

	// LocalEndpoint returns the local address in endpoint form.
	LocalEndpoint() string

	// Close tears down the connection. Blocked Recv calls return
	// ErrConnectionClosed.
	Close() error
}

// Listener accepts inbound connections on a bound endpoint.
type Listener interface {
	// Accept blocks until an inbound connection arrives.
	Accept() (Connection, error)

	// Endpoint returns the bound address in endpoint form.
	Endpoint() string

	// Close stops accepting connections.
	Close() error
}

// Transport creates listeners and outbound connections.
type Transport interface {
	// Listen binds the given endpoint.
	Listen(bind string) (Listener, error)

	// Connect dials the given endpoint.
	Connect(endpoint string) (Connection, error)
}
