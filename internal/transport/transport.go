// Package transport implements the non-blocking socket capability the
// client core polls against. A Handle never suspends the caller: an
// operation that cannot complete yet returns ErrWouldBlock and is retried
// on a later poll. Two variants exist, the plain TCP Socket and the
// TLS-wrapping handle returned by WrapTLS.
package transport

import "errors"

// Sentinel results shared by all handle variants.
var (
	// ErrWouldBlock means the operation cannot complete yet and should be
	// retried on the next poll. It is not a failure.
	ErrWouldBlock = errors.New("operation would block")

	// ErrPeerClosed means the remote end shut down the connection in an
	// orderly fashion. It is distinct from abnormal receive errors.
	ErrPeerClosed = errors.New("peer closed connection")
)

// IsRetryable reports whether err is a retryable signal rather than a
// hard failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}

// Handle is one transport endpoint. Implementations must be non-blocking:
// every method returns immediately, using ErrWouldBlock to signal
// "call again".
type Handle interface {
	// Connect advances a pending connection attempt. It returns nil once
	// the transport is connected and ErrWouldBlock while the attempt is
	// still in progress.
	Connect() error

	// Send writes as much of p as the transport accepts right now and
	// returns the number of bytes taken. A partial write is not an error.
	Send(p []byte) (int, error)

	// Receive reads up to len(buf) bytes. It returns ErrWouldBlock when
	// nothing is available and ErrPeerClosed on orderly remote shutdown.
	Receive(buf []byte) (int, error)

	// Close releases the transport. It is idempotent.
	Close() error
}

// Handshaker is implemented by handles that carry a negotiation phase
// between connect and ready, i.e. the TLS variant. Handshake is polled
// like every other operation: ErrWouldBlock means try again.
type Handshaker interface {
	Handshake() error
}
