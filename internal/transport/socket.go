package transport

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Socket is the plain TCP variant of the transport capability. The file
// descriptor is created with SOCK_NONBLOCK, so connect, send and receive
// all return immediately and report ErrWouldBlock instead of suspending.
type Socket struct {
	fd     int
	sa     unix.Sockaddr
	closed bool
}

// Dial resolves host, creates a non-blocking TCP socket and issues the
// initial connect attempt. A connect that is still in progress is not an
// error; the caller polls Connect until it settles. Name resolution
// happens here, once, before the socket enters the poll loop.
func Dial(host string, port int) (*Socket, error) {
	ip, err := resolve(host)
	if err != nil {
		return nil, err
	}

	sa, family, err := sockaddr(ip, port)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("create socket: %w", err)
	}

	s := &Socket{fd: fd, sa: sa}
	if err := s.Connect(); err != nil && !IsRetryable(err) {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

// Connect re-issues the pending connect. nil means the socket is
// connected; ErrWouldBlock means the attempt has not settled yet.
func (s *Socket) Connect() error {
	if s.closed {
		return net.ErrClosed
	}

	err := unix.Connect(s.fd, s.sa)
	switch {
	case err == nil, errors.Is(err, unix.EISCONN):
		return nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EALREADY), errors.Is(err, unix.EINTR):
		return ErrWouldBlock
	case errors.Is(err, unix.EINVAL):
		// Some kernels report EINVAL when retrying a failed asynchronous
		// connect; SO_ERROR holds the real cause.
		if soerr, gerr := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR); gerr == nil && soerr != 0 {
			return fmt.Errorf("connect: %w", unix.Errno(soerr))
		}
		return fmt.Errorf("connect: %w", err)
	default:
		return fmt.Errorf("connect: %w", err)
	}
}

// Send writes p to the socket. Partial writes return the partial count
// with a nil error; a full send buffer returns (0, ErrWouldBlock).
func (s *Socket) Send(p []byte) (int, error) {
	if s.closed {
		return 0, net.ErrClosed
	}

	n, err := unix.Write(s.fd, p)
	if n < 0 {
		n = 0
	}
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return n, ErrWouldBlock
	default:
		return n, fmt.Errorf("send: %w", err)
	}
}

// Receive reads up to len(buf) bytes. A zero-length read is the orderly
// shutdown signal and maps to ErrPeerClosed.
func (s *Socket) Receive(buf []byte) (int, error) {
	if s.closed {
		return 0, net.ErrClosed
	}

	n, err := unix.Read(s.fd, buf)
	if n < 0 {
		n = 0
	}
	switch {
	case err == nil && n == 0:
		return 0, ErrPeerClosed
	case err == nil:
		return n, nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, ErrWouldBlock
	default:
		return 0, fmt.Errorf("receive: %w", err)
	}
}

// Close releases the file descriptor. Safe to call more than once.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

// resolve picks an address for host, preferring IPv4 to match the
// common server-side listener setup.
func resolve(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip, nil
		}
	}
	if len(ips) > 0 {
		return ips[0], nil
	}
	return nil, fmt.Errorf("resolve %s: no addresses", host)
}

func sockaddr(ip net.IP, port int) (unix.Sockaddr, int, error) {
	if port <= 0 || port > 65535 {
		return nil, 0, fmt.Errorf("invalid port %d", port)
	}

	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}

	ip6 := ip.To16()
	if ip6 == nil {
		return nil, 0, fmt.Errorf("invalid address %s", ip)
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip6)
	return sa, unix.AF_INET6, nil
}
