package transport

import (
	"fmt"
	"sync"
)

// InprocTransport implements Transport with in-process channels. It exists
// for tests and single-process wiring; endpoints are arbitrary names scoped
// to one InprocTransport instance.
type InprocTransport struct {
	mu        sync.Mutex
	listeners map[string]*inprocListener
}

// NewInprocTransport constructs an empty in-process transport.
func NewInprocTransport() *InprocTransport {
	return &InprocTransport{listeners: make(map[string]*inprocListener)}
}

// Listen registers a named in-process listener.
func (t *InprocTransport) Listen(bind string) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[bind]; ok {
		return nil, fmt.Errorf("%w: endpoint %q already bound", ErrConnectFailed, bind)
	}
	l := &inprocListener{
		endpoint: bind,
		incoming: make(chan Connection, 16),
		closed:   make(chan struct{}),
	}
	t.listeners[bind] = l
	return l, nil
}

// Connect pairs a new connection with the named listener.
func (t *InprocTransport) Connect(endpoint string) (Connection, error) {
	t.mu.Lock()
	l, ok := t.listeners[endpoint]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no listener for %q", ErrConnectFailed, endpoint)
	}

	local, remote := Pipe(endpoint)
	select {
	case l.incoming <- remote:
		return local, nil
	case <-l.closed:
		return nil, fmt.Errorf("%w: listener for %q closed", ErrConnectFailed, endpoint)
	}
}

// Pipe returns both ends of an in-process connection. Messages sent on one
// end are received on the other.
func Pipe(endpoint string) (Connection, Connection) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	closed := make(chan struct{})
	var once sync.Once
	closeFn := func() { once.Do(func() { close(closed) }) }

	a := &inprocConnection{endpoint: endpoint, send: ab, recv: ba, closed: closed, close: closeFn}
	b := &inprocConnection{endpoint: endpoint, send: ba, recv: ab, closed: closed, close: closeFn}
	return a, b
}

type inprocListener struct {
	endpoint string
	incoming chan Connection

	closeOnce sync.Once
	closed    chan struct{}
}

func (l *inprocListener) Accept() (Connection, error) {
	select {
	case conn := <-l.incoming:
		return conn, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	}
}

func (l *inprocListener) Endpoint() string {
	return l.endpoint
}

func (l *inprocListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

type inprocConnection struct {
	endpoint string
	send     chan []byte
	recv     chan []byte
	closed   chan struct{}
	close    func()
}

func (c *inprocConnection) Send(message []byte) error {
	// Copy so the sender may reuse its buffer.
	copied := make([]byte, len(message))
	copy(copied, message)

	select {
	case c.send <- copied:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	}
}

func (c *inprocConnection) Recv() ([]byte, error) {
	select {
	case message := <-c.recv:
		return message, nil
	case <-c.closed:
		// Drain anything delivered before close.
		select {
		case message := <-c.recv:
			return message, nil
		default:
			return nil, ErrConnectionClosed
		}
	}
}

func (c *inprocConnection) RemoteEndpoint() string {
	return "inproc://" + c.endpoint
}

func (c *inprocConnection) LocalEndpoint() string {
	return "inproc://" + c.endpoint
}

func (c *inprocConnection) Close() error {
	c.close()
	return nil
}
