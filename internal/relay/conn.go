package relay

import (
	"errors"
	"sync"

	"huddle/internal/auth"
)

// DefaultSendBuffer is the outbound queue length of one connection.
const DefaultSendBuffer = 64

// Conn is one client transport session. At most one room membership is
// tracked per Conn, in the relay's membership table.
type Conn struct {
	ID       string
	Identity auth.Identity

	mu     sync.Mutex
	send   chan []byte
	closed bool
	dead   chan struct{}
}

func newConn(id string, identity auth.Identity, buf int) *Conn {
	if buf <= 0 {
		buf = DefaultSendBuffer
	}
	return &Conn{
		ID:       id,
		Identity: identity,
		send:     make(chan []byte, buf),
		dead:     make(chan struct{}),
	}
}

// Outbound yields encoded frames for the transport to write. It is closed
// once the relay disconnects the connection.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Dead is closed when the connection overflowed its queue and must be hung
// up by the transport.
func (c *Conn) Dead() <-chan struct{} { return c.dead }

var (
	errConnClosed = errors.New("connection closed")
	errQueueFull  = errors.New("outbound queue full")
)

// enqueue never blocks. A full queue drops the frame and marks the
// connection dead.
func (c *Conn) enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.markDeadLocked()
		return errQueueFull
	}
}

func (c *Conn) markDeadLocked() {
	select {
	case <-c.dead:
	default:
		close(c.dead)
	}
}

// close stops delivery. It reports false if the connection was already
// closed.
func (c *Conn) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}
