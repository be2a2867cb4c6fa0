package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// pumpChunk is how much ciphertext one poll moves per read from the raw
// socket; pumpBudget caps the total per poll so one fast peer cannot
// monopolize a tick.
const (
	pumpChunk  = 16 * 1024
	pumpBudget = 64 * 1024
)

// Config fixes the TLS negotiation parameters for wrapped connections:
// client mode, default protocol negotiation, legacy protocol versions
// disabled. Peer certificate verification is controlled by an explicit
// field rather than hidden inside the wrap.
type Config struct {
	// ServerName is the virtual-hosting (SNI) hint sent to the peer.
	ServerName string

	// InsecureSkipVerify disables peer certificate verification.
	InsecureSkipVerify bool

	// MinVersion is the lowest acceptable protocol version. Zero means
	// TLS 1.2.
	MinVersion uint16
}

// TLS upgrades a connected plain handle to a TLS session while keeping the
// poll contract: Handshake, Send and Receive never block. crypto/tls is a
// blocking record layer, so the handle confines it to internal goroutines
// that read from an in-memory link conn; each poll pumps ciphertext
// between the raw non-blocking handle and that link. The poll thread
// itself never waits.
type TLS struct {
	raw  Handle
	link *link
	conn *tls.Conn

	hsCh      chan error
	hsStarted bool
	hsDone    bool
	hsErr     error

	rmu  sync.Mutex
	rbuf []byte
	rerr error

	scratch []byte
	closed  bool
}

// WrapTLS consumes a connected plain handle into a TLS-capable one. The
// raw handle must not be used directly afterwards.
func WrapTLS(raw Handle, cfg Config) (*TLS, error) {
	if raw == nil {
		return nil, errors.New("wrap tls: nil handle")
	}

	minVersion := cfg.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}

	l := newLink()
	t := &TLS{
		raw:  raw,
		link: l,
		conn: tls.Client(l, &tls.Config{
			ServerName:         cfg.ServerName,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         minVersion,
		}),
		hsCh:    make(chan error, 1),
		scratch: make([]byte, pumpChunk),
	}
	return t, nil
}

// Connect reports the underlying transport as connected; wrapping only
// happens after the plain connect has completed.
func (t *TLS) Connect() error {
	if t.closed {
		return net.ErrClosed
	}
	return nil
}

// Handshake drives one step of the TLS negotiation. It returns
// ErrWouldBlock while the exchange is still in flight, nil once the
// session is established, and a hard error when negotiation fails.
func (t *TLS) Handshake() error {
	if t.closed {
		return net.ErrClosed
	}
	if t.hsDone {
		return t.hsErr
	}

	if !t.hsStarted {
		t.hsStarted = true
		go func() {
			t.hsCh <- t.conn.Handshake()
		}()
	}

	if err := t.pump(); err != nil {
		// Feed the failure into the link so the handshake goroutine
		// unblocks and reports it.
		t.link.closeIn(err)
	}

	select {
	case err := <-t.hsCh:
		t.hsDone = true
		if err != nil {
			t.hsErr = fmt.Errorf("tls handshake: %w", err)
			return t.hsErr
		}
		t.startReader()
		return nil
	default:
		return ErrWouldBlock
	}
}

// Send encrypts p and queues the ciphertext toward the peer. The record
// layer writes into the in-memory link, which never blocks; the ciphertext
// is flushed to the raw handle by the same call.
func (t *TLS) Send(p []byte) (int, error) {
	if t.closed {
		return 0, net.ErrClosed
	}
	if !t.hsDone || t.hsErr != nil {
		return 0, errors.New("tls send before handshake completed")
	}

	n, err := t.conn.Write(p)
	if err != nil {
		return n, fmt.Errorf("tls send: %w", err)
	}
	if perr := t.pump(); perr != nil {
		return n, perr
	}
	return n, nil
}

// Receive pumps ciphertext and drains any plaintext the record layer has
// produced. ErrWouldBlock means no application data is available yet.
func (t *TLS) Receive(buf []byte) (int, error) {
	if t.closed {
		return 0, net.ErrClosed
	}
	if !t.hsDone || t.hsErr != nil {
		return 0, errors.New("tls receive before handshake completed")
	}

	if err := t.pump(); err != nil {
		t.link.closeIn(err)
	}

	t.rmu.Lock()
	if len(t.rbuf) > 0 {
		n := copy(buf, t.rbuf)
		t.rbuf = t.rbuf[n:]
		t.rmu.Unlock()
		return n, nil
	}
	err := t.rerr
	t.rmu.Unlock()

	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, ErrPeerClosed
		}
		return 0, fmt.Errorf("tls receive: %w", err)
	}
	return 0, ErrWouldBlock
}

// Close tears down the raw handle and unblocks the internal goroutines.
// Safe to call more than once.
func (t *TLS) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.link.closeIn(net.ErrClosed)
	return t.raw.Close()
}

// pump moves ciphertext in both directions between the raw handle and the
// link. It returns only hard transport errors; retryable signals and
// orderly peer shutdown are absorbed (shutdown surfaces as EOF through the
// record layer).
func (t *TLS) pump() error {
	// Flush ciphertext the record layer has queued.
	for {
		out := t.link.takeOut()
		if len(out) == 0 {
			break
		}
		n, err := t.raw.Send(out)
		if n < len(out) {
			t.link.ungetOut(out[n:])
		}
		if err != nil {
			if IsRetryable(err) {
				break
			}
			return err
		}
		if n < len(out) {
			break
		}
	}

	// Pull ciphertext from the peer, bounded per poll.
	for moved := 0; moved < pumpBudget; {
		n, err := t.raw.Receive(t.scratch)
		if n > 0 {
			t.link.feedIn(t.scratch[:n])
			moved += n
		}
		if err != nil {
			if IsRetryable(err) {
				return nil
			}
			if errors.Is(err, ErrPeerClosed) {
				t.link.closeIn(io.EOF)
				return nil
			}
			return err
		}
	}
	return nil
}

// startReader launches the goroutine that owns tls.Conn.Read. It blocks
// inside the link when starved, never on the poll thread.
func (t *TLS) startReader() {
	go func() {
		buf := make([]byte, pumpChunk)
		for {
			n, err := t.conn.Read(buf)
			if n > 0 {
				t.rmu.Lock()
				t.rbuf = append(t.rbuf, buf[:n]...)
				t.rmu.Unlock()
			}
			if err != nil {
				t.rmu.Lock()
				t.rerr = err
				t.rmu.Unlock()
				return
			}
		}
	}()
}

// link is the in-memory net.Conn handed to crypto/tls. Reads block until
// the pump feeds ciphertext in; writes buffer ciphertext for the next
// flush and never block.
type link struct {
	mu    sync.Mutex
	cond  *sync.Cond
	in    []byte
	inErr error
	out   []byte
}

func newLink() *link {
	l := &link{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *link) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.in) == 0 && l.inErr == nil {
		l.cond.Wait()
	}
	if len(l.in) == 0 {
		return 0, l.inErr
	}
	n := copy(p, l.in)
	l.in = l.in[n:]
	return n, nil
}

func (l *link) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inErr != nil && errors.Is(l.inErr, net.ErrClosed) {
		return 0, net.ErrClosed
	}
	l.out = append(l.out, p...)
	return len(p), nil
}

func (l *link) feedIn(p []byte) {
	l.mu.Lock()
	l.in = append(l.in, p...)
	l.mu.Unlock()
	l.cond.Broadcast()
}

// closeIn records the terminal read result for the link. The first error
// wins; io.EOF marks orderly shutdown.
func (l *link) closeIn(err error) {
	l.mu.Lock()
	if l.inErr == nil {
		l.inErr = err
	}
	l.mu.Unlock()
	l.cond.Broadcast()
}

func (l *link) takeOut() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.out
	l.out = nil
	return out
}

// ungetOut returns an unflushed ciphertext tail to the front of the
// outbound queue, ahead of anything written meanwhile.
func (l *link) ungetOut(p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rest := make([]byte, 0, len(p)+len(l.out))
	rest = append(rest, p...)
	rest = append(rest, l.out...)
	l.out = rest
}

func (l *link) Close() error {
	l.closeIn(net.ErrClosed)
	return nil
}

func (l *link) LocalAddr() net.Addr                { return linkAddr{} }
func (l *link) RemoteAddr() net.Addr               { return linkAddr{} }
func (l *link) SetDeadline(t time.Time) error      { return nil }
func (l *link) SetReadDeadline(t time.Time) error  { return nil }
func (l *link) SetWriteDeadline(t time.Time) error { return nil }

type linkAddr struct{}

func (linkAddr) Network() string { return "link" }
func (linkAddr) String() string  { return "link" }
