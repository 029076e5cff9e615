package proc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CleanExit(t *testing.T) {
	m := NewManager(time.Second)
	defer m.Stop()

	res := m.Run(context.Background(), 5*time.Second, "echo", "hello")
	require.NoError(t, res.SpawnErr)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Ok())
	assert.Equal(t, "hello\n", res.Output)
}

func TestRun_NonZeroExitIsNotError(t *testing.T) {
	m := NewManager(time.Second)
	defer m.Stop()

	res := m.Run(context.Background(), 5*time.Second, "sh", "-c", "echo oops >&2; exit 3")
	require.NoError(t, res.SpawnErr)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Ok())
	assert.Contains(t, res.Output, "oops")
}

func TestRun_SpawnError(t *testing.T) {
	m := NewManager(time.Second)
	defer m.Stop()

	res := m.Run(context.Background(), 5*time.Second, "definitely-not-a-real-binary-xyz")
	require.Error(t, res.SpawnErr)
	assert.False(t, res.TimedOut)
}

func TestRun_Timeout(t *testing.T) {
	m := NewManager(100 * time.Millisecond)
	defer m.Stop()

	start := time.Now()
	res := m.Run(context.Background(), 200*time.Millisecond, "sleep", "30")
	elapsed := time.Since(start)

	require.NoError(t, res.SpawnErr)
	assert.True(t, res.TimedOut)
	assert.Less(t, elapsed, 5*time.Second, "timed-out process should be reaped promptly")
}

func TestRun_TimeoutDistinctFromFailure(t *testing.T) {
	m := NewManager(100 * time.Millisecond)
	defer m.Stop()

	failed := m.Run(context.Background(), 5*time.Second, "false")
	timedOut := m.Run(context.Background(), 100*time.Millisecond, "sleep", "30")

	assert.False(t, failed.TimedOut)
	assert.True(t, timedOut.TimedOut)
}

func TestRun_ContextCancel(t *testing.T) {
	m := NewManager(100 * time.Millisecond)
	defer m.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := m.Run(ctx, 0, "sleep", "30")
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStop_KillsStragglersAndWaits(t *testing.T) {
	m := NewManager(100 * time.Millisecond)

	go m.Run(context.Background(), 0, "sleep", "30")

	// let the spawn register
	deadline := time.Now().Add(2 * time.Second)
	for m.Active() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, m.Active())

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after killing tracked processes")
	}
	assert.Equal(t, 0, m.Active())
}

func TestStop_Idempotent(t *testing.T) {
	m := NewManager(time.Second)
	m.Stop()
	m.Stop()

	res := m.Run(context.Background(), time.Second, "echo", "hi")
	assert.ErrorIs(t, res.SpawnErr, ErrManagerStopped)
}
