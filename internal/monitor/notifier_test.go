package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/dedup"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) SendText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newNotifyCache(t *testing.T) *dedup.Cache {
	t.Helper()
	c, err := dedup.New("notify", dedup.Options{
		TTL:        time.Minute,
		MaxEntries: 100,
	})
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	return c
}

func TestNotify_SendsOnceForIdenticalResult(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, newNotifyCache(t), 20, nil, nil)
	res := Result{Type: StateInputPrompt, Content: "Proceed? (y/N)", Timestamp: time.Now()}

	n.Notify(context.Background(), "relay_a", res)
	n.Notify(context.Background(), "relay_a", res)

	assert.Equal(t, 1, sender.count())
}

func TestNotify_DifferentSessionsAreDistinct(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, newNotifyCache(t), 20, nil, nil)
	res := Result{Type: StateCompleted, Content: "Done (2 tool uses)", Timestamp: time.Now()}

	n.Notify(context.Background(), "relay_a", res)
	n.Notify(context.Background(), "relay_b", res)

	assert.Equal(t, 2, sender.count())
}

func TestNotify_FailedSendRetriesOnNextStateChange(t *testing.T) {
	sender := &fakeSender{err: errors.New("gateway down")}
	n := NewNotifier(sender, newNotifyCache(t), 20, nil, nil)
	res := Result{Type: StateError, Content: "Error: boom", Timestamp: time.Now()}

	n.Notify(context.Background(), "relay_a", res)
	assert.Zero(t, sender.count())

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()

	// fingerprint was not marked, so the same result can be delivered
	n.Notify(context.Background(), "relay_a", res)
	assert.Equal(t, 1, sender.count())
}

func TestNotify_RateLimitDropsExcess(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, newNotifyCache(t), 2, nil, nil)

	for i := 0; i < 10; i++ {
		res := Result{Type: StateWarning, Content: string(rune('a' + i)), Timestamp: time.Now()}
		n.Notify(context.Background(), "relay_a", res)
	}
	assert.LessOrEqual(t, sender.count(), 2, "burst bounded by rate limit")
}

func TestNotify_FormatsStateAndContent(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, newNotifyCache(t), 20, nil, nil)

	n.Notify(context.Background(), "relay_a", Result{Type: StateError, Content: "Error: boom", Timestamp: time.Now()})
	require.Equal(t, 1, sender.count())
	assert.Contains(t, sender.sent[0], "relay_a")
	assert.Contains(t, sender.sent[0], "error")
	assert.Contains(t, sender.sent[0], "Error: boom")
}
