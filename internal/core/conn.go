// Package core holds the authoritative server state: live connections, the
// nickname bijection, channels and their member sets, and the dispatcher
// that turns inbound commands into directory mutations plus outbound
// fan-out plans.
package core

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"jircd/internal/protocol"
	"jircd/internal/wire"
)

var (
	errConnClosed  = errors.New("connection closed")
	errSendStalled = errors.New("send queue full")
)

// SendTimeout bounds how long enqueueing to one connection may block before
// the connection is treated as stalled.
const SendTimeout = 50 * time.Millisecond

// DefaultSendBuffer is the outbound frame queue length per connection.
const DefaultSendBuffer = 256

// Conn is one live client session and its soft state. The transport that
// accepted the session owns the reader and writer goroutines; the Directory
// owns everything else once the connection is added.
type Conn struct {
	id     string
	remote string

	mu        sync.Mutex
	nick      string
	pingNonce string
	lastSeen  time.Time

	send      chan []byte
	closeOnce sync.Once
}

// NewConn wraps one accepted session. remote is a display address for logs
// and the admin API.
func NewConn(remote string, sendBuf int) *Conn {
	if sendBuf <= 0 {
		sendBuf = DefaultSendBuffer
	}
	return &Conn{
		id:       uuid.NewString(),
		remote:   remote,
		lastSeen: time.Now(),
		send:     make(chan []byte, sendBuf),
	}
}

// ID returns the connection's opaque identifier.
func (c *Conn) ID() string { return c.id }

// Remote returns the display address of the peer.
func (c *Conn) Remote() string { return c.remote }

// Nick returns the registered nickname, or "" before registration.
func (c *Conn) Nick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

// Registered reports whether the connection has completed nick registration.
func (c *Conn) Registered() bool { return c.Nick() != "" }

func (c *Conn) setNick(nick string) {
	c.mu.Lock()
	c.nick = nick
	c.mu.Unlock()
}

// Touch records inbound activity, resetting the keep-alive clock.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen returns the time of the last inbound byte.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// PingNonce returns the outstanding keep-alive nonce, or "" when the last
// ping was answered.
func (c *Conn) PingNonce() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingNonce
}

// SetPingNonce records a freshly sent keep-alive nonce.
func (c *Conn) SetPingNonce(nonce string) {
	c.mu.Lock()
	c.pingNonce = nonce
	c.mu.Unlock()
}

// ClearPingNonce marks the outstanding keep-alive as answered.
func (c *Conn) ClearPingNonce() {
	c.mu.Lock()
	c.pingNonce = ""
	c.mu.Unlock()
}

// Enqueue validates and frames msg, then queues it for the writer. It fails
// when the message is invalid (a programming error), when the queue stays
// full past SendTimeout, or when the connection is already closed.
func (c *Conn) Enqueue(msg protocol.Message) error {
	frame, err := wire.Frame(msg)
	if err != nil {
		return err
	}
	return c.enqueueFrame(frame)
}

func (c *Conn) enqueueFrame(frame []byte) (err error) {
	defer func() {
		if recover() != nil {
			err = errConnClosed
		}
	}()

	select {
	case c.send <- frame:
		return nil
	case <-time.After(SendTimeout):
		return errSendStalled
	}
}

// Outbound is drained by the transport writer goroutine. It yields complete
// frames and is closed when the connection is torn down; buffered frames
// are still delivered before the writer observes the close.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Close stops the outbound queue. The transport writer drains what is
// buffered and then closes the socket. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.send) })
}
