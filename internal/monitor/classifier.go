package monitor

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

// maxContentLen bounds the snippet carried in a classification result.
const maxContentLen = 300

// Result is one classification outcome. Produced fresh per pass and never
// mutated afterwards.
type Result struct {
	Type      StateType
	Content   string
	Timestamp time.Time
}

// Classifier turns new pane content into state transitions and drives the
// adaptive poll interval. Detect works on the suffix that changed since the
// prior sample, not the whole history, so repeated screens do not re-report.
type Classifier struct {
	pats    *Patterns
	minPoll time.Duration
	maxPoll time.Duration

	mu          sync.Mutex
	current     StateType
	lastContent string
	quietTicks  int
	busy        bool

	now func() time.Time
}

// NewClassifier builds a Classifier with the default pattern set and poll
// bounds from cfg.
func NewClassifier(cfg config.MonitorSettings) *Classifier {
	return &Classifier{
		pats:    DefaultPatterns(),
		minPoll: time.Duration(cfg.MinPollMs) * time.Millisecond,
		maxPoll: time.Duration(cfg.MaxPollMs) * time.Millisecond,
		current: StateNone,
		now:     time.Now,
	}
}

// Detect classifies newly appeared content. It returns nil when nothing new
// and classifiable is present; the caller must not notify for nil. Detect
// never panics: malformed or binary input degrades to nil with a log line.
func (c *Classifier) Detect(chunk string) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			monLog.Error("classify_panic_recovered", slog.Any("panic", r))
			res = nil
		}
	}()

	if chunk == "" {
		c.mu.Lock()
		c.quietTicks++
		c.mu.Unlock()
		return nil
	}
	if !utf8.ValidString(chunk) {
		monLog.Warn("classify_invalid_utf8", slog.Int("bytes", len(chunk)))
		return nil
	}

	clean := tmux.StripANSI(chunk)
	busy := c.pats.IsBusy(clean)
	state, line := c.pats.Classify(clean)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = busy

	if state == StateNone {
		c.quietTicks++
		return nil
	}

	content := line
	if len(content) > maxContentLen {
		cut := maxContentLen
		for cut > 0 && content[cut]&0xC0 == 0x80 {
			cut--
		}
		content = content[:cut]
	}
	content = strings.TrimSpace(content)

	// Suppress repeats: the same state with the same trigger line was
	// already reported on a previous pass.
	if state == c.current && content == c.lastContent {
		c.quietTicks++
		return nil
	}

	c.current = state
	c.lastContent = content
	c.quietTicks = 0

	monLog.Debug("state_detected",
		slog.String("state", string(state)),
		slog.String("content", content))

	return &Result{Type: state, Content: content, Timestamp: c.now()}
}

// CurrentState returns the last reported state, StateNone before the first
// detection.
func (c *Classifier) CurrentState() StateType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// PollInterval returns the delay before the next sample. Active states poll
// at the floor; quiet stretches back off geometrically toward the ceiling.
func (c *Classifier) PollInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy {
		return c.minPoll
	}
	switch c.current {
	case StateError, StateInputPrompt, StatePlanMode, StateTesting, StateGitOperation:
		return c.minPoll
	}

	interval := c.minPoll
	for i := 0; i < c.quietTicks; i++ {
		interval += interval / 2
		if interval >= c.maxPoll {
			return c.maxPoll
		}
	}
	if interval > c.maxPoll {
		interval = c.maxPoll
	}
	return interval
}

// SetPollBounds updates the poll interval bounds, used on config reload.
// Values take effect on the next PollInterval call.
func (c *Classifier) SetPollBounds(cfg config.MonitorSettings) {
	c.mu.Lock()
	c.minPoll = time.Duration(cfg.MinPollMs) * time.Millisecond
	c.maxPoll = time.Duration(cfg.MaxPollMs) * time.Millisecond
	c.mu.Unlock()
}

// Reset clears detection memory, used when the watched session changes so
// the new session's state is reported even if it matches the old one.
func (c *Classifier) Reset() {
	c.mu.Lock()
	c.current = StateNone
	c.lastContent = ""
	c.quietTicks = 0
	c.busy = false
	c.mu.Unlock()
}
