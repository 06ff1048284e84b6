package transport

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/trellisnet/trellisd/internal/protocol/frame"
)

const (
	// tcpPrefix is the scheme prefix accepted on tcp endpoints.
	tcpPrefix = "tcp://"

	// DefaultConnectTimeout bounds outbound connection attempts.
	DefaultConnectTimeout = 30 * time.Second
)

// TCPTransport implements Transport over TCP with length-prefixed frames.
type TCPTransport struct {
	// ConnectTimeout bounds Connect; zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// Listen binds a TCP listener on the given endpoint ("tcp://host:port" or
// "host:port").
func (t *TCPTransport) Listen(bind string) (Listener, error) {
	ln, err := net.Listen("tcp", stripPrefix(bind))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	return &tcpListener{ln: ln}, nil
}

// Connect dials the given endpoint.
func (t *TCPTransport) Connect(endpoint string) (Connection, error) {
	timeout := t.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}
	conn, err := net.DialTimeout("tcp", stripPrefix(endpoint), timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	return newTCPConnection(conn), nil
}

func stripPrefix(endpoint string) string {
	return strings.TrimPrefix(endpoint, tcpPrefix)
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept() (Connection, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, ErrListenerClosed
	}
	return newTCPConnection(conn), nil
}

func (l *tcpListener) Endpoint() string {
	return tcpPrefix + l.ln.Addr().String()
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

type tcpConnection struct {
	conn   net.Conn
	reader *bufio.Reader

	// sendMu serializes frame writes; frames must not interleave.
	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newTCPConnection(conn net.Conn) *tcpConnection {
	return &tcpConnection{
		conn:   conn,
		reader: bufio.NewReader(conn),
		closed: make(chan struct{}),
	}
}

func (c *tcpConnection) Send(message []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := frame.Write(c.conn, message); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

func (c *tcpConnection) Recv() ([]byte, error) {
	message, err := frame.Read(c.reader)
	if err != nil {
		select {
		case <-c.closed:
			return nil, ErrConnectionClosed
		default:
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return message, nil
}

func (c *tcpConnection) RemoteEndpoint() string {
	return tcpPrefix + c.conn.RemoteAddr().String()
}

func (c *tcpConnection) LocalEndpoint() string {
	return tcpPrefix + c.conn.LocalAddr().String()
}

func (c *tcpConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
