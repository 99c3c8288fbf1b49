// Package localtable implements the Local Counter Table (component B,
// spec.md §4.2): the hot path's only write, and the sole input the Global
// Update Loop drains once per interval.
package localtable

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Entry accumulates per-key increments observed during the current
// interval, plus the set of limits the caller has asked about and when
// each was first seen during the interval.
type Entry struct {
	Pending float64
	Limits  map[float64]time.Time
}

// Table is the per-node pending-increments map. Bump never allocates on
// the already-seen-key path and never performs I/O: it is the hot path's
// only write (spec.md §4.2, §5).
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry
	clock   clock.Clock
}

// New creates an empty table.
func New(c clock.Clock) *Table {
	if c == nil {
		c = clock.New()
	}
	return &Table{entries: make(map[string]*Entry), clock: c}
}

// Bump fetches or creates key's entry, adds delta to its pending count, and
// records limit as active as of now if the entry has not seen it yet; an
// already-recorded limit keeps its earlier timestamp.
func (t *Table) Bump(key string, limit float64, delta float64) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		e = &Entry{Limits: make(map[float64]time.Time)}
		t.entries[key] = e
	}
	e.Pending += delta
	if _, seen := e.Limits[limit]; !seen {
		e.Limits[limit] = now
	}
}

// DrainAndReset atomically replaces the table with a fresh empty one and
// returns the previous contents. Called exactly once per interval by the
// global update loop (component D).
func (t *Table) DrainAndReset() map[string]*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	drained := t.entries
	t.entries = make(map[string]*Entry)
	return drained
}
