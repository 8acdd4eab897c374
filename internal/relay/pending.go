package relay

// pendingBuffer holds client bytes until the downstream handshake completes.
// Once released it stays empty and refuses further data.
type pendingBuffer struct {
	buf      []byte
	released bool
}

func (b *pendingBuffer) append(p []byte) {
	if b.released {
		panic("relay: append to released pending buffer")
	}
	b.buf = append(b.buf, p...)
}

// take removes and returns the first n bytes, or fewer if fewer are held.
func (b *pendingBuffer) take(n int) []byte {
	n = min(n, len(b.buf))
	head := b.buf[:n:n]
	b.buf = b.buf[n:]
	return head
}

// release hands over whatever is left and gives up ownership. ok is false if
// the buffer was already released.
func (b *pendingBuffer) release() (rest []byte, ok bool) {
	if b.released {
		return nil, false
	}
	rest, b.buf, b.released = b.buf, nil, true
	return rest, true
}

func (b *pendingBuffer) len() int {
	return len(b.buf)
}
