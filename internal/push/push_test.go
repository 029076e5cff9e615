package push

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/config"
)

type fakeSender struct {
	mu       sync.Mutex
	payloads []string
	statuses map[string]int // endpoint -> status
}

func (f *fakeSender) Send(payload []byte, sub Subscription) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, string(payload))
	if st, ok := f.statuses[sub.Endpoint]; ok {
		return st, nil
	}
	return http.StatusCreated, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "push_subscriptions.json"))
}

func validSub(endpoint string) Subscription {
	return Subscription{
		Endpoint: endpoint,
		Keys:     SubscriptionKeys{P256DH: "p256dh-key", Auth: "auth-secret"},
	}
}

func TestStore_UpsertAndList(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Upsert(validSub("https://push.example/a")))
	require.NoError(t, store.Upsert(validSub("https://push.example/b")))
	require.NoError(t, store.Upsert(validSub("https://push.example/a")), "re-upsert replaces")

	subs, err := store.List()
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestStore_RejectsIncompleteSubscription(t *testing.T) {
	store := newTestStore(t)
	err := store.Upsert(Subscription{Endpoint: "https://push.example/a"})
	assert.Error(t, err)
}

func TestStore_Remove(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Upsert(validSub("https://push.example/a")))
	require.NoError(t, store.Remove("https://push.example/a"))

	n, err := store.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.json")
	store := NewStore(path)
	require.NoError(t, store.Upsert(validSub("https://push.example/a")))

	reopened := NewStore(path)
	subs, err := reopened.List()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/a", subs[0].Endpoint)
}

func TestBroadcast_SendsToAllSubscribers(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Upsert(validSub("https://push.example/a")))
	require.NoError(t, store.Upsert(validSub("https://push.example/b")))

	sender := &fakeSender{}
	svc := &Service{store: store, sender: sender}

	require.NoError(t, svc.Broadcast(context.Background(), "relay_a: error", "Error: boom"))
	assert.Len(t, sender.payloads, 2)
	assert.Contains(t, sender.payloads[0], "Error: boom")
}

func TestBroadcast_DropsGoneEndpoints(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Upsert(validSub("https://push.example/dead")))
	require.NoError(t, store.Upsert(validSub("https://push.example/live")))

	sender := &fakeSender{statuses: map[string]int{
		"https://push.example/dead": http.StatusGone,
	}}
	svc := &Service{store: store, sender: sender}

	require.NoError(t, svc.Broadcast(context.Background(), "t", "b"))

	subs, err := store.List()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/live", subs[0].Endpoint)
}

func TestNewService_NilWhenUnconfigured(t *testing.T) {
	assert.Nil(t, NewService(config.PushSettings{}, newTestStore(t)))
}
