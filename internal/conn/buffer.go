package conn

// compactThreshold is how far the read cursor may run ahead before the
// consumed prefix is dropped from the backing array.
const compactThreshold = 4096

// readBuffer accumulates received bytes and hands out the unread tail.
// Consumption advances a cursor instead of reslicing the whole buffer on
// every call, keeping many small consumes linear instead of quadratic.
type readBuffer struct {
	buf []byte
	off int
}

// Append adds p to the end of the buffer.
func (b *readBuffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

// Bytes returns the unread tail. The slice is only valid until the next
// Append or Consume.
func (b *readBuffer) Bytes() []byte {
	return b.buf[b.off:]
}

// Len returns the number of unread bytes.
func (b *readBuffer) Len() int {
	return len(b.buf) - b.off
}

// Consume discards n bytes from the front of the unread tail, clamped to
// what is available, and returns how many were discarded.
func (b *readBuffer) Consume(n int) int {
	if n <= 0 {
		return 0
	}
	if avail := b.Len(); n > avail {
		n = avail
	}
	b.off += n

	if b.off >= compactThreshold && b.off >= len(b.buf)-b.off {
		b.buf = append(b.buf[:0], b.buf[b.off:]...)
		b.off = 0
	}
	return n
}
