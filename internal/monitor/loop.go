package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

var loopLog = logging.ForComponent(logging.CompMonitor)

// Phase is the monitoring loop's lifecycle state.
type Phase int32

const (
	PhaseStopped Phase = iota
	PhaseScheduled
	PhaseSampling
	PhaseEvaluating
)

func (p Phase) String() string {
	switch p {
	case PhaseScheduled:
		return "scheduled"
	case PhaseSampling:
		return "sampling"
	case PhaseEvaluating:
		return "evaluating"
	default:
		return "stopped"
	}
}

// Capturer samples a session's visible pane content.
type Capturer interface {
	CapturePane(ctx context.Context, sessionName string, lines int) (string, error)
}

// StateSink consumes classification results. Implementations own their own
// deduplication and delivery; Notify must not block the caller's tick.
type StateSink interface {
	Notify(ctx context.Context, sessionName string, res Result)
}

// Context is a read-only snapshot of the loop's state, consumed by the
// message router for status display.
type Context struct {
	Session      string
	CurrentState StateType
	PollInterval time.Duration
	Phase        Phase
	Paused       bool
}

// Loop drives the sample/classify/notify cycle for the active session.
// Every tick reschedules the next one regardless of sampling or
// classification failures, so the loop never silently stalls. Polling
// pauses entirely while the outbound channel is disconnected and resumes
// on an explicit Resume call.
type Loop struct {
	reg          *session.Registry
	cls          *Classifier
	capt         Capturer
	sink         StateSink
	connected    func() bool
	captureLines int

	mu          sync.Mutex
	phase       Phase
	timer       *time.Timer
	started     bool
	lastSession string

	inFlight atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoop assembles a Loop. connected reports outbound channel liveness and
// is polled at every tick.
func NewLoop(reg *session.Registry, cls *Classifier, capt Capturer, sink StateSink, connected func() bool, captureLines int) *Loop {
	if captureLines <= 0 {
		captureLines = 200
	}
	return &Loop{
		reg:          reg,
		cls:          cls,
		capt:         capt,
		sink:         sink,
		connected:    connected,
		captureLines: captureLines,
	}
}

// Start begins polling. The first tick fires immediately when the channel
// is connected; otherwise the loop starts paused and waits for Resume.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	if l.connected() {
		l.schedule(0)
		return
	}
	loopLog.Info("monitor_start_paused")
}

// Stop cancels the pending tick, waits for any in-flight sample and
// notification dispatch to finish, and leaves the loop Stopped.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.phase = PhaseStopped
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	loopLog.Info("monitor_stopped")
}

// Resume restarts scheduling after a disconnect pause. A no-op while the
// loop is already scheduled or not started.
func (l *Loop) Resume() {
	l.mu.Lock()
	resume := l.started && l.phase == PhaseStopped
	l.mu.Unlock()
	if resume {
		loopLog.Info("monitor_resumed")
		l.schedule(0)
	}
}

// Snapshot returns the loop's current observable state.
func (l *Loop) Snapshot() Context {
	l.mu.Lock()
	phase := l.phase
	started := l.started
	sess := l.lastSession
	l.mu.Unlock()
	return Context{
		Session:      sess,
		CurrentState: l.cls.CurrentState(),
		PollInterval: l.cls.PollInterval(),
		Phase:        phase,
		Paused:       started && phase == PhaseStopped,
	}
}

// InFlight returns the number of sampling processes currently running.
// It never exceeds one.
func (l *Loop) InFlight() int {
	return int(l.inFlight.Load())
}

func (l *Loop) schedule(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return
	}
	l.phase = PhaseScheduled
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(d, l.tick)
	loopLog.Debug("tick_scheduled", slog.Duration("delay", d))
}

func (l *Loop) tick() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.wg.Add(1)
	ctx := l.ctx
	l.mu.Unlock()
	defer l.wg.Done()

	if ctx.Err() != nil {
		return
	}

	// Disconnected: pause outright rather than accumulating a backlog.
	// Resume re-arms scheduling on reconnect.
	if !l.connected() {
		l.mu.Lock()
		l.phase = PhaseStopped
		// A reconnect landing between the check above and this transition
		// finds the phase still Scheduled and its Resume no-ops, so re-test
		// liveness now that the pause is visible and self-resume.
		if l.connected() {
			l.mu.Unlock()
			l.schedule(0)
			return
		}
		l.mu.Unlock()
		loopLog.Info("monitor_paused_disconnected")
		return
	}

	entry := l.reg.Active()
	if entry == nil {
		l.schedule(l.cls.PollInterval())
		return
	}

	l.mu.Lock()
	if l.lastSession != entry.Name {
		l.lastSession = entry.Name
		l.mu.Unlock()
		l.cls.Reset()
	} else {
		l.mu.Unlock()
	}

	l.sample(ctx, entry)
	l.schedule(l.cls.PollInterval())
}

// sample runs one capture/classify pass. The in-flight counter enforces the
// one-sample-at-a-time invariant even if scheduling were to misfire.
func (l *Loop) sample(ctx context.Context, entry *session.Entry) {
	if l.inFlight.Add(1) > 1 {
		l.inFlight.Add(-1)
		loopLog.Warn("sample_skipped_in_flight", slog.String("session", entry.Name))
		return
	}
	defer l.inFlight.Add(-1)

	l.setPhase(PhaseSampling)
	content, err := l.capt.CapturePane(ctx, entry.Name, l.captureLines)
	if err != nil {
		// Transient sampling failures are log-only; the next tick retries.
		if errors.Is(err, tmux.ErrCaptureTimeout) {
			loopLog.Warn("sample_timeout", slog.String("session", entry.Name))
		} else {
			loopLog.Warn("sample_failed",
				slog.String("session", entry.Name),
				slog.String("error", err.Error()))
		}
		return
	}

	// The active session may have changed while the capture was running.
	if active := l.reg.Active(); active == nil || active.Name != entry.Name {
		loopLog.Debug("sample_discarded_session_changed", slog.String("session", entry.Name))
		return
	}

	l.setPhase(PhaseEvaluating)
	newChunk := entry.SetLastCapture(content)
	entry.Buffer.Append(newChunk)

	res := l.cls.Detect(newChunk)
	if res == nil {
		return
	}
	entry.LastState = string(res.Type)

	// Dispatch asynchronously so a slow outbound send cannot delay the
	// next tick.
	l.wg.Add(1)
	go func(r Result) {
		defer l.wg.Done()
		l.sink.Notify(ctx, entry.Name, r)
	}(*res)
}

func (l *Loop) setPhase(p Phase) {
	l.mu.Lock()
	l.phase = p
	l.mu.Unlock()
}
