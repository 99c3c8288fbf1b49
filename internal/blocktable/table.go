// Package blocktable implements the Block Table (component C, spec.md
// §4.3): the sole source of truth consulted by the hot-path check.
package blocktable

import (
	"sync/atomic"
	"time"
)

// ActiveWindow is how long a limit stays "active" for a key after it was
// last queried via check, per spec.md's glossary and §3 invariants.
const ActiveWindow = 600 * time.Second

// Entry is a per-key cached global rate plus the limits currently active
// for that key.
type Entry struct {
	GlobalRate float64
	Limits     map[float64]time.Time
}

// Table holds the current block set. Reads and installs use a single
// atomic pointer swap, so a check either sees the old map or the new one
// in full — never a partial view (spec.md §5).
type Table struct {
	ptr atomic.Pointer[map[string]*Entry]
}

// New creates an empty block table.
func New() *Table {
	t := &Table{}
	empty := make(map[string]*Entry)
	t.ptr.Store(&empty)
	return t
}

// Get returns key's block entry, if the key is currently blocked.
func (t *Table) Get(key string) (*Entry, bool) {
	m := *t.ptr.Load()
	e, ok := m[key]
	return e, ok
}

// Snapshot returns the current block set, for telemetry (the "blocks"
// event, spec.md §6.1) or for the update loop to compute retained keys.
func (t *Table) Snapshot() map[string]*Entry {
	return *t.ptr.Load()
}

// Install atomically replaces the block set, as a single pointer swap.
func (t *Table) Install(next map[string]*Entry) {
	t.ptr.Store(&next)
}
