package logging

import (
	"os"
	"sync"
)

// RingBuffer is a thread-safe circular byte buffer used to retain the most
// recent log output for crash dumps. It implements io.Writer and silently
// overwrites the oldest data when full.
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	pos  int
	full bool
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1024 * 1024
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. Data wraps around when the buffer is full.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	size := len(rb.buf)
	if n >= size {
		// Larger than the whole buffer: keep only the tail
		copy(rb.buf, p[n-size:])
		rb.pos = 0
		rb.full = true
		return n, nil
	}

	space := size - rb.pos
	if n <= space {
		copy(rb.buf[rb.pos:], p)
		rb.pos += n
		if rb.pos == size {
			rb.pos = 0
			rb.full = true
		}
		return n, nil
	}

	// Fill to the end, then wrap
	copy(rb.buf[rb.pos:], p[:space])
	copy(rb.buf, p[space:])
	rb.pos = n - space
	rb.full = true
	return n, nil
}

// Bytes returns the retained contents in chronological order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full {
		out := make([]byte, rb.pos)
		copy(out, rb.buf[:rb.pos])
		return out
	}

	out := make([]byte, len(rb.buf))
	copy(out, rb.buf[rb.pos:])
	copy(out[len(rb.buf)-rb.pos:], rb.buf[:rb.pos])
	return out
}

// Len reports how many bytes are currently retained.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.full {
		return len(rb.buf)
	}
	return rb.pos
}

// DumpToFile writes the retained contents to a file in chronological order.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o644)
}
