package sandbox

import (
	"sync"
)

const defaultCaptureSize = 64 * 1024

// CircularBuffer is a fixed-size buffer that keeps the most recent bytes
// written to it, so commands like `yes` cannot exhaust memory.
type CircularBuffer struct {
	mu    sync.Mutex
	buf   []byte
	head  int // next write position
	full  bool
	total int64
}

// NewCircularBuffer creates a buffer of the given size (64KB if size <= 0).
func NewCircularBuffer(size int) *CircularBuffer {
	if size <= 0 {
		size = defaultCaptureSize
	}
	return &CircularBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. It never fails; the oldest bytes are
// overwritten once the buffer is full.
func (cb *CircularBuffer) Write(p []byte) (int, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := len(p)
	size := len(cb.buf)
	cb.total += int64(n)
	if n >= size {
		copy(cb.buf, p[n-size:])
		cb.head = 0
		cb.full = true
		return n, nil
	}

	copied := copy(cb.buf[cb.head:], p)
	if copied < n {
		copy(cb.buf, p[copied:])
		cb.full = true
	}
	next := cb.head + n
	if next >= size {
		cb.full = true
	}
	cb.head = next % size
	return n, nil
}

// String returns the buffered bytes in write order.
func (cb *CircularBuffer) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.full {
		return string(cb.buf[:cb.head])
	}
	return string(cb.buf[cb.head:]) + string(cb.buf[:cb.head])
}

// Len returns the number of buffered bytes.
func (cb *CircularBuffer) Len() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.full {
		return len(cb.buf)
	}
	return cb.head
}

// Truncated reports whether older output was dropped.
func (cb *CircularBuffer) Truncated() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.total > int64(len(cb.buf))
}
