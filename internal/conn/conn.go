// Package conn implements the per-request connection state machine:
// connect, optional TLS handshake, queued sends with partial-write
// accounting and chunked receives, all advanced one non-blocking step per
// poll. Nothing in this package blocks or starts goroutines; the host
// drives progress by calling Update on every tick.
package conn

import (
	"errors"
	"fmt"

	"github.com/pollhttp/pollhttp/internal/transport"
)

// State is the lifecycle position of a connection. Transitions only move
// forward and StateClosed is terminal.
type State uint8

// Connection states.
const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateReady:
		return "READY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Error kinds recorded when a connection closes on failure. Callers
// classify with errors.Is.
var (
	ErrCreate       = errors.New("connection create error")
	ErrConnect      = errors.New("connect error")
	ErrTLSWrap      = errors.New("tls wrap error")
	ErrTLSHandshake = errors.New("tls handshake error")
	ErrSend         = errors.New("send error")
	ErrReceive      = errors.New("receive error")
)

// DefaultChunkSize is how many bytes one Ready-state poll attempts to
// receive.
const DefaultChunkSize = 8192

// closedReason is the reason recorded for an explicit, clean Close.
const closedReason = "closed"

// DialFunc produces the transport handle for a connection. The default
// uses transport.Dial; tests inject scripted handles here.
type DialFunc func(host string, port int) (transport.Handle, error)

// WrapFunc upgrades a connected handle for TLS. The default uses
// transport.WrapTLS.
type WrapFunc func(h transport.Handle, cfg transport.Config) (transport.Handle, error)

// Options configures a connection.
type Options struct {
	// ChunkSize bounds one receive attempt. Zero means DefaultChunkSize.
	ChunkSize int

	// TLS carries the negotiation parameters for https connections. An
	// empty ServerName defaults to the connection host.
	TLS transport.Config

	// Dial and Wrap are capability seams; nil selects the real transport.
	Dial DialFunc
	Wrap WrapFunc
}

// Conn is one transport connection. It owns its handle exclusively; the
// handle is replaced in place when the TLS wrap consumes the plain socket.
type Conn struct {
	host   string
	port   int
	useTLS bool

	h       transport.Handle
	wrap    WrapFunc
	wrapped bool
	tlsCfg  transport.Config

	state State
	sendq [][]byte
	recv  readBuffer

	bytesSent     uint64
	bytesReceived uint64

	chunk    []byte
	reason   string
	closeErr error // nil when closed cleanly
}

// New creates the transport and issues the initial connect attempt. An
// in-progress connect is not an error; any other failure produces no
// connection and an ErrCreate-classified error.
func New(host string, port int, useTLS bool, opts Options) (*Conn, error) {
	dial := opts.Dial
	if dial == nil {
		dial = func(h string, p int) (transport.Handle, error) {
			return transport.Dial(h, p)
		}
	}
	wrap := opts.Wrap
	if wrap == nil {
		wrap = func(h transport.Handle, cfg transport.Config) (transport.Handle, error) {
			return transport.WrapTLS(h, cfg)
		}
	}

	h, err := dial(host, port)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreate, err)
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	tlsCfg := opts.TLS
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = host
	}

	return &Conn{
		host:   host,
		port:   port,
		useTLS: useTLS,
		h:      h,
		wrap:   wrap,
		tlsCfg: tlsCfg,
		state:  StateConnecting,
		chunk:  make([]byte, chunkSize),
	}, nil
}

// Update advances the connection by one poll step. It is a no-op once the
// connection is closed.
func (c *Conn) Update() {
	switch c.state {
	case StateConnecting:
		c.updateConnecting()
	case StateHandshaking:
		c.updateHandshaking()
	case StateReady:
		c.flush()
		if c.state == StateReady {
			c.receive()
		}
	case StateClosed:
	}
}

func (c *Conn) updateConnecting() {
	err := c.h.Connect()
	switch {
	case err == nil:
		if c.useTLS {
			c.state = StateHandshaking
		} else {
			c.state = StateReady
		}
	case transport.IsRetryable(err):
	default:
		c.closeWith(ErrConnect, err)
	}
}

func (c *Conn) updateHandshaking() {
	if !c.wrapped {
		wrapped, err := c.wrap(c.h, c.tlsCfg)
		if err != nil {
			c.closeWith(ErrTLSWrap, err)
			return
		}
		c.h = wrapped
		c.wrapped = true
	}

	hs, ok := c.h.(transport.Handshaker)
	if !ok {
		c.state = StateReady
		return
	}

	err := hs.Handshake()
	switch {
	case err == nil:
		c.state = StateReady
	case transport.IsRetryable(err):
	default:
		c.closeWith(ErrTLSHandshake, err)
	}
}

// flush drains the send queue in order. Partial bytes are always credited
// before any accompanying error is classified; a retryable signal stops
// this tick, a hard error closes the connection.
func (c *Conn) flush() {
	for len(c.sendq) > 0 {
		buf := c.sendq[0]
		n, err := c.h.Send(buf)
		if n > 0 {
			c.bytesSent += uint64(n)
			if n == len(buf) {
				c.sendq[0] = nil
				c.sendq = c.sendq[1:]
			} else {
				c.sendq[0] = buf[n:]
			}
		}
		if err != nil {
			if transport.IsRetryable(err) {
				return
			}
			c.closeWith(ErrSend, err)
			return
		}
		if n < len(buf) {
			return
		}
	}
}

// receive attempts one chunk-sized read and appends whatever arrived.
func (c *Conn) receive() {
	n, err := c.h.Receive(c.chunk)
	if n > 0 {
		c.recv.Append(c.chunk[:n])
		c.bytesReceived += uint64(n)
	}
	switch {
	case err == nil, transport.IsRetryable(err):
	case errors.Is(err, transport.ErrPeerClosed):
		c.closeWith(transport.ErrPeerClosed, nil)
	default:
		c.closeWith(ErrReceive, err)
	}
}

// Send enqueues data for transmission. Closed connections and empty
// payloads are silent no-ops, not errors.
func (c *Conn) Send(data []byte) {
	if c.state == StateClosed || len(data) == 0 {
		return
	}
	c.sendq = append(c.sendq, append([]byte(nil), data...))
}

// Data returns the unread received bytes. The caller consumes what it has
// processed via Consume; the slice is valid until the next Update.
func (c *Conn) Data() []byte {
	return c.recv.Bytes()
}

// Consume discards n bytes from the front of the receive buffer. Callers
// must consume only what they have logically processed.
func (c *Conn) Consume(n int) {
	c.recv.Consume(n)
}

// Close shuts the connection down cleanly. Idempotent; the close reason
// becomes "closed" and no error is recorded.
func (c *Conn) Close() {
	if c.state == StateClosed {
		return
	}
	c.reason = closedReason
	c.h.Close()
	c.state = StateClosed
}

// CloseWithError shuts the connection down recording err as the failure.
// A nil err is equivalent to Close.
func (c *Conn) CloseWithError(err error) {
	if err == nil {
		c.Close()
		return
	}
	c.closeWith(err, nil)
}

// closeWith closes the connection recording a failure. The first close
// wins.
func (c *Conn) closeWith(kind, cause error) {
	if c.state == StateClosed {
		return
	}
	if cause != nil {
		c.closeErr = fmt.Errorf("%w: %v", kind, cause)
	} else {
		c.closeErr = kind
	}
	c.reason = c.closeErr.Error()
	c.h.Close()
	c.state = StateClosed
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return c.state }

// Closed reports whether the connection has terminated.
func (c *Conn) Closed() bool { return c.state == StateClosed }

// Err returns the failure that closed the connection, or nil when the
// connection is open or was closed cleanly.
func (c *Conn) Err() error { return c.closeErr }

// CloseReason returns the recorded close reason, empty while open.
func (c *Conn) CloseReason() string { return c.reason }

// Host returns the connection's target host.
func (c *Conn) Host() string { return c.host }

// Port returns the connection's target port.
func (c *Conn) Port() int { return c.port }

// TLS reports whether this connection negotiates TLS.
func (c *Conn) TLS() bool { return c.useTLS }

// BytesSent returns the total bytes handed to the transport so far.
func (c *Conn) BytesSent() uint64 { return c.bytesSent }

// BytesReceived returns the total bytes accepted from the transport so
// far.
func (c *Conn) BytesReceived() uint64 { return c.bytesReceived }

// QueuedSends returns how many buffers are still waiting to be flushed.
func (c *Conn) QueuedSends() int { return len(c.sendq) }
