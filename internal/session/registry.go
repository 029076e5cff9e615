package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var regLog = logging.ForComponent(logging.CompMonitor)

// ErrNotFound is returned when no registered session matches a query.
var ErrNotFound = errors.New("no matching session")

// Entry is one tracked tmux session.
type Entry struct {
	Name      string
	Buffer    *RollingBuffer
	AddedAt   time.Time
	LastState string

	mu          sync.Mutex
	lastCapture string
}

// SetLastCapture records the most recent raw pane capture and returns the
// suffix that is new relative to the previous capture. When the new capture
// does not extend the old one (screen cleared, scrolled past), the whole
// capture is considered new.
func (e *Entry) SetLastCapture(capture string) (newContent string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.lastCapture
	e.lastCapture = capture

	if prev == "" {
		return capture
	}
	if capture == prev {
		return ""
	}
	if strings.HasPrefix(capture, prev) {
		return capture[len(prev):]
	}
	// Find the longest suffix of prev that prefixes capture, so partial
	// scrolling still diffs instead of re-reporting the whole screen.
	if idx := overlap(prev, capture); idx > 0 {
		return capture[idx:]
	}
	return capture
}

// LastCapture returns the most recent raw capture.
func (e *Entry) LastCapture() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCapture
}

// overlap returns the length of the longest suffix of prev that is a prefix
// of next.
func overlap(prev, next string) int {
	max := len(prev)
	if len(next) < max {
		max = len(next)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(prev, next[:n]) {
			return n
		}
	}
	return 0
}

// Registry tracks known sessions and which one is active. All methods are
// safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	active   string
	bufBytes int
}

// NewRegistry creates a Registry whose per-session buffers are bounded at
// bufBytes.
func NewRegistry(bufBytes int) *Registry {
	return &Registry{
		entries:  make(map[string]*Entry),
		bufBytes: bufBytes,
	}
}

// Add registers a session if it is not already known and returns its entry.
// The first session added becomes active.
func (r *Registry) Add(name string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e
	}
	e := &Entry{
		Name:    name,
		Buffer:  NewRollingBuffer(r.bufBytes),
		AddedAt: time.Now(),
	}
	r.entries[name] = e
	if r.active == "" {
		r.active = name
	}
	regLog.Info("session_registered", slog.String("session", name))
	return e
}

// Remove forgets a session. If it was active, another session (if any)
// becomes active.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return
	}
	delete(r.entries, name)
	if r.active == name {
		r.active = ""
		names := make([]string, 0, len(r.entries))
		for n := range r.entries {
			names = append(names, n)
		}
		sort.Strings(names)
		if len(names) > 0 {
			r.active = names[0]
		}
	}
	regLog.Info("session_removed", slog.String("session", name))
}

// Get returns the entry for name, or nil.
func (r *Registry) Get(name string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Active returns the active session's entry, or nil when none is registered.
func (r *Registry) Active() *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return nil
	}
	return r.entries[r.active]
}

// Names returns all registered session names sorted, active first.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		if n != r.active {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	if r.active != "" {
		names = append([]string{r.active}, names...)
	}
	return names
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Switch resolves query against registered session names and makes the best
// match active. Resolution order: exact name, unique prefix, then fuzzy
// match with typo tolerance. Returns the resolved name.
func (r *Registry) Switch(query string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, err := r.resolveLocked(query)
	if err != nil {
		return "", err
	}
	r.active = name
	regLog.Info("session_switched",
		slog.String("query", query),
		slog.String("session", name))
	return name, nil
}

// Resolve maps query to a registered session name without changing the
// active session.
func (r *Registry) Resolve(query string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(query)
}

func (r *Registry) resolveLocked(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("%w: empty query", ErrNotFound)
	}
	if _, ok := r.entries[query]; ok {
		return query, nil
	}

	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)

	var prefixHits []string
	for _, n := range names {
		if strings.HasPrefix(n, query) {
			prefixHits = append(prefixHits, n)
		}
	}
	if len(prefixHits) == 1 {
		return prefixHits[0], nil
	}

	matches := fuzzy.Find(query, names)
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %q", ErrNotFound, query)
	}
	return matches[0].Str, nil
}
