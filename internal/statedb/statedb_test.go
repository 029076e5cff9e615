package statedb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *StateDB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.Migrate())
}

func TestRecordAndRecentEvents(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond)

	require.NoError(t, db.RecordEvent(ctx, "relay_a", "error", "Error: boom", base))
	require.NoError(t, db.RecordEvent(ctx, "relay_b", "completed", "Done (3 tool uses)", base.Add(time.Second)))

	events, err := db.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// newest first
	assert.Equal(t, "relay_b", events[0].Session)
	assert.Equal(t, "completed", events[0].StateType)
	assert.Equal(t, "relay_a", events[1].Session)
	assert.Equal(t, base.UnixMilli(), events[1].SentAt.UnixMilli())
}

func TestRecentEvents_Limit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, db.RecordEvent(ctx, "relay_a", "warning", "w", time.Now().Add(time.Duration(i)*time.Second)))
	}
	events, err := db.RecentEvents(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestPruneBefore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.RecordEvent(ctx, "relay_a", "error", "old", now.Add(-48*time.Hour)))
	require.NoError(t, db.RecordEvent(ctx, "relay_a", "error", "new", now))

	n, err := db.PruneBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err := db.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].Content)
}
