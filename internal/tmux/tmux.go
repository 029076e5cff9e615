package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/proc"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// ErrCaptureTimeout is returned when a capture-pane subprocess exceeds its
// timeout. Callers should preserve their previous state rather than
// transitioning to an error state.
var ErrCaptureTimeout = errors.New("capture-pane timed out")

// ErrNoSession is returned when a command targets a session that does not exist.
var ErrNoSession = errors.New("tmux session does not exist")

// sendChunkSize bounds a single send-keys payload. tmux and the tty layer
// both have buffer limits; large pastes get split.
const sendChunkSize = 4096

// Executor runs tmux commands through a supervised process manager.
// Pane captures are deduplicated with singleflight and cached briefly,
// so concurrent pollers cost at most one subprocess per window.
type Executor struct {
	mgr            *proc.Manager
	captureTimeout time.Duration
	commandTimeout time.Duration

	captureSf singleflight.Group

	cacheMu      sync.RWMutex
	cacheContent map[string]string
	cacheTime    map[string]time.Time
	cacheTTL     time.Duration
}

// NewExecutor wires an Executor to mgr. captureTimeout bounds capture-pane
// calls; commandTimeout bounds everything else.
func NewExecutor(mgr *proc.Manager, captureTimeout, commandTimeout time.Duration) *Executor {
	if captureTimeout <= 0 {
		captureTimeout = 5 * time.Second
	}
	if commandTimeout <= 0 {
		commandTimeout = 30 * time.Second
	}
	return &Executor{
		mgr:            mgr,
		captureTimeout: captureTimeout,
		commandTimeout: commandTimeout,
		cacheContent:   make(map[string]string),
		cacheTime:      make(map[string]time.Time),
		cacheTTL:       500 * time.Millisecond,
	}
}

func (e *Executor) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	res := e.mgr.Run(ctx, timeout, "tmux", args...)
	if res.SpawnErr != nil {
		return "", fmt.Errorf("tmux %s: %w", args[0], res.SpawnErr)
	}
	if res.TimedOut {
		return res.Output, fmt.Errorf("tmux %s: deadline exceeded", args[0])
	}
	if res.ExitCode != 0 {
		out := strings.TrimSpace(res.Output)
		if strings.Contains(out, "can't find session") || strings.Contains(out, "no server running") {
			return res.Output, ErrNoSession
		}
		return res.Output, fmt.Errorf("tmux %s: exit %d: %s", args[0], res.ExitCode, out)
	}
	return res.Output, nil
}

// CapturePane returns the visible pane content of session, joined-wrapped
// (-J) so line hashes survive resizes. lines > 0 extends the capture that
// far back into scrollback.
func (e *Executor) CapturePane(ctx context.Context, session string, lines int) (string, error) {
	key := fmt.Sprintf("%s:%d", session, lines)

	// Fast path: fresh cached content
	e.cacheMu.RLock()
	if content, ok := e.cacheContent[key]; ok && time.Since(e.cacheTime[key]) < e.cacheTTL {
		e.cacheMu.RUnlock()
		return content, nil
	}
	e.cacheMu.RUnlock()

	v, err, _ := e.captureSf.Do(key, func() (interface{}, error) {
		// Double-check inside singleflight
		e.cacheMu.RLock()
		if content, ok := e.cacheContent[key]; ok && time.Since(e.cacheTime[key]) < e.cacheTTL {
			e.cacheMu.RUnlock()
			return content, nil
		}
		e.cacheMu.RUnlock()

		args := []string{"capture-pane", "-t", session, "-p", "-J"}
		if lines > 0 {
			args = append(args, "-S", fmt.Sprintf("-%d", lines))
		}
		res := e.mgr.Run(ctx, e.captureTimeout, "tmux", args...)
		if res.SpawnErr != nil {
			return "", fmt.Errorf("capture pane: %w", res.SpawnErr)
		}
		if res.TimedOut {
			tmuxLog.Debug("capture_timeout", slog.String("session", session))
			return "", ErrCaptureTimeout
		}
		if res.ExitCode != 0 {
			return "", fmt.Errorf("capture pane: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Output))
		}

		e.cacheMu.Lock()
		e.cacheContent[key] = res.Output
		e.cacheTime[key] = time.Now()
		e.cacheMu.Unlock()
		return res.Output, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// InvalidateCapture drops cached pane content for session so the next
// capture hits tmux. Called after sending keys.
func (e *Executor) InvalidateCapture(session string) {
	e.cacheMu.Lock()
	for key := range e.cacheContent {
		if strings.HasPrefix(key, session+":") {
			delete(e.cacheContent, key)
			delete(e.cacheTime, key)
		}
	}
	e.cacheMu.Unlock()
}

// SendText sends text literally (-l) so tmux does not interpret key names,
// splitting oversized payloads into chunks.
func (e *Executor) SendText(ctx context.Context, session, text string) error {
	for len(text) > 0 {
		chunk := text
		if len(chunk) > sendChunkSize {
			cut := sendChunkSize
			// don't split a multi-byte rune
			for cut > 0 && text[cut]&0xC0 == 0x80 {
				cut--
			}
			chunk = text[:cut]
		}
		if _, err := e.run(ctx, e.commandTimeout, "send-keys", "-l", "-t", session, "--", chunk); err != nil {
			return err
		}
		text = text[len(chunk):]
	}
	e.InvalidateCapture(session)
	return nil
}

// SendKey sends a named key (Enter, Escape, C-c, Up) without the literal flag.
func (e *Executor) SendKey(ctx context.Context, session, key string) error {
	if _, err := e.run(ctx, e.commandTimeout, "send-keys", "-t", session, key); err != nil {
		return err
	}
	e.InvalidateCapture(session)
	return nil
}

// SendLine sends literal text followed by Enter as two separate calls.
// tmux 3.2+ wraps send-keys -l in bracketed paste sequences, so Enter in
// the same call would be pasted rather than executed.
func (e *Executor) SendLine(ctx context.Context, session, text string) error {
	if err := e.SendText(ctx, session, text); err != nil {
		return err
	}
	return e.SendKey(ctx, session, "Enter")
}

// ListSessions returns all tmux session names, or an empty slice when no
// server is running.
func (e *Executor) ListSessions(ctx context.Context) ([]string, error) {
	out, err := e.run(ctx, e.commandTimeout, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// HasSession reports whether session exists.
func (e *Executor) HasSession(ctx context.Context, session string) bool {
	res := e.mgr.Run(ctx, e.commandTimeout, "tmux", "has-session", "-t", session)
	return res.SpawnErr == nil && !res.TimedOut && res.ExitCode == 0
}

// NewSession creates a detached session in workDir.
func (e *Executor) NewSession(ctx context.Context, session, workDir string) error {
	args := []string{"new-session", "-d", "-s", session}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	_, err := e.run(ctx, e.commandTimeout, args...)
	return err
}

// KillSession terminates session. Killing a session that is already gone
// is not an error.
func (e *Executor) KillSession(ctx context.Context, session string) error {
	_, err := e.run(ctx, e.commandTimeout, "kill-session", "-t", session)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	e.InvalidateCapture(session)
	return err
}
