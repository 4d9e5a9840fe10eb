package enforcer

import (
	"log/slog"
	"sync"
	"time"
)

// LimitTable owns the lifecycle of per-user limit state. Reads (the hot
// path during payload shaping) take the read lock; writes (enable,
// detach, cleanup, limit-share ingest) take the write lock (§5).
type LimitTable struct {
	mu      sync.RWMutex
	entries map[string]*PerUserLimit
	logger  *slog.Logger
	clock   Clock

	gcInterval    time.Duration
	quiescenceFor time.Duration
	nextGCUnix    int64
}

// LimitTableOption configures a LimitTable.
type LimitTableOption func(*LimitTable)

// WithGCInterval overrides the default 30s cleanup cadence (§4.1
// "Cleanup GC").
func WithGCInterval(d time.Duration) LimitTableOption {
	return func(t *LimitTable) { t.gcInterval = d }
}

// WithQuiescenceWindow overrides the default 5s last-end quiescence
// window required before an entry is eligible for GC.
func WithQuiescenceWindow(d time.Duration) LimitTableOption {
	return func(t *LimitTable) { t.quiescenceFor = d }
}

// WithClock overrides the clock, for deterministic tests.
func WithClock(c Clock) LimitTableOption {
	return func(t *LimitTable) { t.clock = c }
}

// NewLimitTable returns an empty LimitTable.
func NewLimitTable(logger *slog.Logger, opts ...LimitTableOption) *LimitTable {
	if logger == nil {
		logger = slog.Default()
	}
	t := &LimitTable{
		entries:       make(map[string]*PerUserLimit),
		logger:        logger,
		clock:         realClock{},
		gcInterval:    30 * time.Second,
		quiescenceFor: 5 * time.Second,
	}
	return t
}

// GetOrCreate returns the PerUserLimit for userKey, creating it under the
// write lock if absent (§3 Lifecycle: "created on first enabling of the
// filter for that key").
func (t *LimitTable) GetOrCreate(userKey string) *PerUserLimit {
	t.mu.RLock()
	e, ok := t.entries[userKey]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[userKey]; ok {
		return e
	}
	e = newPerUserLimit(userKey)
	t.entries[userKey] = e
	return e
}

// Get returns the PerUserLimit for userKey if it exists, without creating
// one (used by limit-share/violation ingestion, which should not
// resurrect state for users with no local activity).
func (t *LimitTable) Get(userKey string) (*PerUserLimit, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[userKey]
	return e, ok
}

// MaybeGC runs the cleanup sweep if the configured interval has elapsed
// since the last run. Call on every filter-enable per §4.1.
func (t *LimitTable) MaybeGC() {
	now := t.clock.Now().Unix()
	t.mu.RLock()
	due := now >= t.nextGCUnix
	t.mu.RUnlock()
	if !due {
		return
	}
	t.gc(now)
}

func (t *LimitTable) gc(now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now < t.nextGCUnix {
		return // lost the race to another goroutine's sweep
	}
	t.nextGCUnix = now + int64(t.gcInterval.Seconds())

	quiesceBefore := now - int64(t.quiescenceFor.Seconds())
	removed := 0
	for key, e := range t.entries {
		if e.Quiescent() && e.LastRequestEndUnix <= quiesceBefore && e.LastRequestEndUnix != 0 {
			delete(t.entries, key)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("limit table GC", "removed", removed, "remaining", len(t.entries))
	}
}

// Len reports the current entry count, for metrics/tests.
func (t *LimitTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// ForEach iterates every entry under the read lock. fn must not block or
// mutate the table.
func (t *LimitTable) ForEach(fn func(*PerUserLimit)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		fn(e)
	}
}
