package dedup

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var dedupLog = logging.ForComponent(logging.CompDedup)

// Options configures a Cache instance.
type Options struct {
	// TTL is how long a marked key suppresses duplicates, measured from
	// first insertion. Repeated marks never extend it.
	TTL time.Duration

	// MaxEntries caps the cache; the oldest entry is evicted when a new
	// distinct key arrives at capacity.
	MaxEntries int

	// CleanupInterval is the period of the background expiry sweep.
	CleanupInterval time.Duration

	// SnapshotPath is where the entry set is persisted. Empty disables
	// persistence.
	SnapshotPath string

	// FlushDebounce delays snapshot writes so bursts of marks coalesce
	// into one write (default: 2s).
	FlushDebounce time.Duration
}

// Stats reports cache counters for the dedupstats command.
type Stats struct {
	Name        string
	Size        int
	MaxEntries  int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

// Cache is a TTL + size bounded idempotency key store with snapshot
// persistence. Two instances run in the relay: one for inbound chat message
// IDs, one for outbound notification fingerprints.
type Cache struct {
	name string
	opts Options

	mu        sync.Mutex
	entries   map[string]time.Time // key -> firstSeen
	dirty     bool
	destroyed bool

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	flushTimer *time.Timer
	stopCh     chan struct{}
	stopOnce   sync.Once
	done       chan struct{}

	// now is replaceable in tests
	now func() time.Time
}

type snapshotFile struct {
	SavedAt time.Time        `json:"saved_at"`
	Entries map[string]int64 `json:"entries"` // key -> firstSeen unix ms
}

// New creates a cache, loads any existing snapshot (pruning expired keys),
// and starts the background cleanup sweep. name appears in logs and stats.
func New(name string, opts Options) (*Cache, error) {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	if opts.FlushDebounce <= 0 {
		opts.FlushDebounce = 2 * time.Second
	}

	c := &Cache{
		name:    name,
		opts:    opts,
		entries: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}

	if err := c.loadSnapshot(); err != nil {
		// A corrupt snapshot starts the cache empty rather than failing startup
		dedupLog.Warn("snapshot_load_failed",
			slog.String("cache", name),
			slog.String("error", err.Error()))
	}

	go c.janitor()
	return c, nil
}

// IsProcessed reports whether key was marked within the TTL window.
func (c *Cache) IsProcessed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	firstSeen, ok := c.entries[key]
	if !ok {
		c.misses++
		return false
	}
	if c.now().Sub(firstSeen) > c.opts.TTL {
		// Expired but not yet swept: treat as unseen
		delete(c.entries, key)
		c.expirations++
		c.dirty = true
		c.misses++
		return false
	}
	c.hits++
	return true
}

// MarkProcessed records key. Marking an already-present key is a no-op:
// the TTL always runs from the first insertion so replayed duplicates
// cannot keep a key alive forever.
func (c *Cache) MarkProcessed(key string) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return
	}
	if len(c.entries) >= c.opts.MaxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = c.now()
	c.dirty = true
	c.scheduleFlushLocked()
	c.mu.Unlock()
}

// evictOldestLocked removes the entry with the smallest firstSeen.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, at := range c.entries {
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = k, at
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

// Stats returns a point-in-time snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Name:        c.name,
		Size:        len(c.entries),
		MaxEntries:  c.opts.MaxEntries,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// Sweep removes expired entries now. The janitor calls this on a timer;
// it is exported so tests and the dedupstats command can force a pass.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return 0
	}
	now := c.now()
	removed := 0
	for k, firstSeen := range c.entries {
		if now.Sub(firstSeen) > c.opts.TTL {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		c.expirations += uint64(removed)
		c.dirty = true
		c.scheduleFlushLocked()
	}
	return removed
}

// Destroy stops the background sweep and writes a final snapshot. After it
// returns no mark or sweep can dirty the cache or rewrite the snapshot.
// Safe to call more than once.
func (c *Cache) Destroy() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.done

		c.mu.Lock()
		c.destroyed = true
		if c.flushTimer != nil {
			c.flushTimer.Stop()
			c.flushTimer = nil
		}
		err := c.flushLocked()
		c.mu.Unlock()

		if err != nil {
			dedupLog.Warn("final_flush_failed",
				slog.String("cache", c.name),
				slog.String("error", err.Error()))
		}
	})
}

func (c *Cache) janitor() {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				dedupLog.Debug("expired_entries_swept",
					slog.String("cache", c.name),
					slog.Int("removed", n))
			}
		}
	}
}

// scheduleFlushLocked arms the debounced snapshot write. Must be called
// with c.mu held.
func (c *Cache) scheduleFlushLocked() {
	if c.opts.SnapshotPath == "" || c.destroyed {
		return
	}
	if c.flushTimer != nil {
		return // already armed, the pending flush will pick up this change
	}
	c.flushTimer = time.AfterFunc(c.opts.FlushDebounce, func() {
		c.mu.Lock()
		c.flushTimer = nil
		c.mu.Unlock()
		if err := c.Flush(); err != nil {
			dedupLog.Warn("snapshot_flush_failed",
				slog.String("cache", c.name),
				slog.String("error", err.Error()))
		}
	})
}

// Flush writes the current entry set to the snapshot path via atomic rename.
// After Destroy it is a no-op.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil
	}
	return c.flushLocked()
}

// flushLocked performs the snapshot write with c.mu held. dirty is cleared
// only after the rename lands so a failed write is retried by the next flush.
func (c *Cache) flushLocked() error {
	if c.opts.SnapshotPath == "" || !c.dirty {
		return nil
	}
	snap := snapshotFile{
		SavedAt: c.now(),
		Entries: make(map[string]int64, len(c.entries)),
	}
	for k, at := range c.entries {
		snap.Entries[k] = at.UnixMilli()
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("dedup: marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.opts.SnapshotPath), 0o700); err != nil {
		return fmt.Errorf("dedup: snapshot dir: %w", err)
	}
	tmp := c.opts.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("dedup: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, c.opts.SnapshotPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("dedup: rename snapshot: %w", err)
	}
	c.dirty = false
	return nil
}

// loadSnapshot restores persisted entries, dropping any that expired while
// the process was down.
func (c *Cache) loadSnapshot() error {
	if c.opts.SnapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.opts.SnapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	now := c.now()
	loaded, pruned := 0, 0
	c.mu.Lock()
	for k, ms := range snap.Entries {
		firstSeen := time.UnixMilli(ms)
		if now.Sub(firstSeen) > c.opts.TTL {
			pruned++
			continue
		}
		c.entries[k] = firstSeen
		loaded++
	}
	c.mu.Unlock()

	dedupLog.Info("snapshot_loaded",
		slog.String("cache", c.name),
		slog.Int("loaded", loaded),
		slog.Int("pruned_expired", pruned))
	return nil
}
