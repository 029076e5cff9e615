package proc

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var procLog = logging.ForComponent(logging.CompProc)

// ErrManagerStopped is returned by Run after Stop has been called.
var ErrManagerStopped = errors.New("process manager is stopped")

// Result is the outcome of one supervised subprocess run. Exactly one of
// three shapes occurs:
//   - spawn failure:  SpawnErr != nil (executable missing, permission denied)
//   - timeout:        TimedOut == true, the process was forcibly killed
//   - completion:     neither of the above; ExitCode holds the process's
//     exit status. A non-zero exit is a normal outcome, not an error.
//
// Output holds whatever combined stdout/stderr was produced in all cases.
type Result struct {
	Output   string
	ExitCode int
	TimedOut bool
	SpawnErr error
}

// Ok reports a clean zero exit.
func (r Result) Ok() bool {
	return r.SpawnErr == nil && !r.TimedOut && r.ExitCode == 0
}

type tracked struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Manager spawns and tracks short-lived subprocesses. Every spawned process
// is registered before it can complete, so Stop can enumerate and forcibly
// terminate stragglers. Stop resolves only after every tracked process has
// actually exited.
type Manager struct {
	mu      sync.Mutex
	procs   map[uint64]*tracked
	nextID  uint64
	stopped bool

	wg sync.WaitGroup

	// grace is how long a SIGTERM gets before escalating to SIGKILL
	grace time.Duration
}

// NewManager creates a Manager with the given SIGTERM grace period.
// A zero grace defaults to 2 seconds.
func NewManager(grace time.Duration) *Manager {
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &Manager{
		procs: make(map[uint64]*tracked),
		grace: grace,
	}
}

// Active returns the number of currently tracked processes.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// Run spawns name with args and blocks until it exits, times out, or the
// context is cancelled. The process runs in its own process group so kill
// escalation reaps its children too.
func (m *Manager) Run(ctx context.Context, timeout time.Duration, name string, args ...string) Result {
	var out bytes.Buffer
	cmd := exec.Command(name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return Result{SpawnErr: ErrManagerStopped}
	}
	if err := cmd.Start(); err != nil {
		m.mu.Unlock()
		return Result{SpawnErr: err, Output: out.String()}
	}
	id := m.nextID
	m.nextID++
	tr := &tracked{cmd: cmd, done: make(chan struct{})}
	m.procs[id] = tr
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.procs, id)
		m.mu.Unlock()
		m.wg.Done()
	}()

	// Reap in a separate goroutine so we can race it against the deadline
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(tr.done)
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-waitErr:
		return Result{Output: out.String(), ExitCode: exitCode(cmd, err)}

	case <-timeoutCh:
		procLog.Debug("process_deadline_exceeded",
			slog.String("command", name),
			slog.Int("pid", cmd.Process.Pid))
		m.killGroup(cmd, tr.done)
		<-waitErr
		return Result{Output: out.String(), TimedOut: true, ExitCode: -1}

	case <-ctx.Done():
		m.killGroup(cmd, tr.done)
		<-waitErr
		return Result{Output: out.String(), TimedOut: true, ExitCode: -1}
	}
}

// Stop forcibly terminates every tracked process and waits for them all to
// exit. Idempotent; subsequent Run calls fail with ErrManagerStopped.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.stopped = true
	stragglers := make([]*tracked, 0, len(m.procs))
	for _, tr := range m.procs {
		stragglers = append(stragglers, tr)
	}
	m.mu.Unlock()

	if len(stragglers) > 0 {
		procLog.Info("stopping_tracked_processes", slog.Int("count", len(stragglers)))
	}
	for _, tr := range stragglers {
		m.killGroup(tr.cmd, tr.done)
	}
	m.wg.Wait()
}

// killGroup escalates SIGTERM -> SIGKILL against the process group.
// The negative pid targets the whole group created by Setpgid.
func (m *Manager) killGroup(cmd *exec.Cmd, done <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(m.grace):
	}

	procLog.Debug("escalating_to_sigkill", slog.Int("pid", pid))
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// exitCode extracts the process exit status from cmd.Wait's error.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}
