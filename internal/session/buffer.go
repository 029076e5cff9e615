package session

import (
	"strings"
	"sync"

	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

// RollingBuffer accumulates captured pane output for one session, bounded
// by bytes. When an append would exceed the bound, whole oldest chunks are
// dropped first, then the newest chunk itself is trimmed from the front.
type RollingBuffer struct {
	mu       sync.Mutex
	chunks   []string
	size     int
	maxBytes int
}

// NewRollingBuffer creates a buffer bounded at maxBytes. A non-positive
// bound defaults to 64KiB.
func NewRollingBuffer(maxBytes int) *RollingBuffer {
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	return &RollingBuffer{maxBytes: maxBytes}
}

// Append adds a chunk of captured output. Empty chunks are ignored.
func (b *RollingBuffer) Append(chunk string) {
	if chunk == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(chunk) > b.maxBytes {
		chunk = chunk[len(chunk)-b.maxBytes:]
		b.chunks = b.chunks[:0]
		b.size = 0
	}
	for b.size+len(chunk) > b.maxBytes && len(b.chunks) > 0 {
		b.size -= len(b.chunks[0])
		b.chunks = b.chunks[1:]
	}
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
}

// String returns the buffered content oldest-first.
func (b *RollingBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.chunks, "")
}

// Len returns the buffered byte count.
func (b *RollingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Reset discards all buffered content.
func (b *RollingBuffer) Reset() {
	b.mu.Lock()
	b.chunks = b.chunks[:0]
	b.size = 0
	b.mu.Unlock()
}

// CleanedTail returns up to maxLines of the most recent buffered content
// with ANSI codes stripped, trailing whitespace removed, and runs of blank
// lines collapsed to one. This is the view sent in notifications.
func (b *RollingBuffer) CleanedTail(maxLines int) string {
	content := tmux.StripANSI(b.String())
	lines := strings.Split(content, "\n")

	cleaned := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		cleaned = append(cleaned, line)
	}
	// drop leading/trailing blanks
	for len(cleaned) > 0 && cleaned[0] == "" {
		cleaned = cleaned[1:]
	}
	for len(cleaned) > 0 && cleaned[len(cleaned)-1] == "" {
		cleaned = cleaned[:len(cleaned)-1]
	}
	if maxLines > 0 && len(cleaned) > maxLines {
		cleaned = cleaned[len(cleaned)-maxLines:]
	}
	return strings.Join(cleaned, "\n")
}
