package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// transports under test; each case yields a fresh transport and a bind
// endpoint appropriate for it.
func testTransports() map[string]struct {
	transport Transport
	bind      string
} {
	return map[string]struct {
		transport Transport
		bind      string
	}{
		"tcp":    {&TCPTransport{ConnectTimeout: 5 * time.Second}, "tcp://127.0.0.1:0"},
		"inproc": {NewInprocTransport(), "local"},
	}
}

func TestSendRecvRoundTrip(t *testing.T) {
	for name, tc := range testTransports() {
		t.Run(name, func(t *testing.T) {
			listener, err := tc.transport.Listen(tc.bind)
			require.NoError(t, err)
			defer listener.Close()

			accepted := make(chan Connection, 1)
			go func() {
				conn, err := listener.Accept()
				if err == nil {
					accepted <- conn
				}
			}()

			client, err := tc.transport.Connect(listener.Endpoint())
			require.NoError(t, err)
			defer client.Close()

			var server Connection
			select {
			case server = <-accepted:
			case <-time.After(5 * time.Second):
				t.Fatal("accept timed out")
			}
			defer server.Close()

			payload := bytes.Repeat([]byte("trellis"), 100)
			require.NoError(t, client.Send(payload))

			got, err := server.Recv()
			require.NoError(t, err)
			assert.Equal(t, payload, got)

			// And the other direction.
			require.NoError(t, server.Send([]byte("ack")))
			got, err = client.Recv()
			require.NoError(t, err)
			assert.Equal(t, []byte("ack"), got)
		})
	}
}

func TestRecvAfterClose(t *testing.T) {
	for name, tc := range testTransports() {
		t.Run(name, func(t *testing.T) {
			listener, err := tc.transport.Listen(tc.bind)
			require.NoError(t, err)
			defer listener.Close()

			go func() {
				conn, err := listener.Accept()
				if err == nil {
					conn.Close()
				}
			}()

			client, err := tc.transport.Connect(listener.Endpoint())
			require.NoError(t, err)

			_, err = client.Recv()
			assert.ErrorIs(t, err, ErrConnectionClosed)
		})
	}
}

func TestConnectUnreachable(t *testing.T) {
	inproc := NewInprocTransport()
	_, err := inproc.Connect("nowhere")
	assert.ErrorIs(t, err, ErrConnectFailed)
}

func TestListenerClose(t *testing.T) {
	inproc := NewInprocTransport()
	listener, err := inproc.Listen("local")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := listener.Accept()
		done <- err
	}()

	require.NoError(t, listener.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrListenerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not unblock on close")
	}
}
