// Package decay implements the exponentially decaying counter that backs
// the distributed rate limiter's storage layer (SPEC_FULL.md §3.1,
// spec.md §4.1): a non-negative value that halves every half-life and is
// additively merged across replicas by taking the decayed maximum.
package decay

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Counter is the wire/storage representation of a StoredCounter: a raw
// value and the instant it was last touched. The physical units are
// "events per half-life"; RateFromCounter converts to events/second.
type Counter struct {
	Value       float64
	LastTouched time.Time
}

// decayedValue returns c's value decayed from LastTouched to now, per the
// half-life law v(t) = v * 2^(-(t-t0)/halfLife).
func (c Counter) decayedValue(now time.Time, halfLife time.Duration) float64 {
	if c.LastTouched.IsZero() || halfLife <= 0 {
		return c.Value
	}
	elapsed := now.Sub(c.LastTouched)
	if elapsed <= 0 {
		return c.Value
	}
	exponent := -elapsed.Seconds() / halfLife.Seconds()
	return c.Value * math.Pow(2, exponent)
}

// RateFromCounter normalizes a raw decaying-counter value into an
// events-per-second rate estimate (spec.md §4.1). The 2.2 divisor, not
// 2.0, is a deliberate safety margin that biases the system toward
// false-positive blocking rather than letting abusers through.
func RateFromCounter(value float64, halfLife time.Duration) float64 {
	halfLifeMs := float64(halfLife.Milliseconds())
	if halfLifeMs <= 0 {
		return 0
	}
	return value / 2.2 / halfLifeMs * 1000
}

// Store is the per-node key→counter map (component A). It is safe for
// concurrent use and owns no network I/O; replication is the caller's
// concern (internal/dht.Node wraps a Store and replicates after every
// local Put).
type Store struct {
	mu       sync.Mutex
	counters map[string]Counter
	halfLife time.Duration
	minValue float64
	clock    clock.Clock
}

// NewStore creates a counter store with the given half-life (equal to the
// rate limiter's interval, per spec.md §4.1) and eviction floor.
func NewStore(halfLife time.Duration, minValue float64, c clock.Clock) *Store {
	if c == nil {
		c = clock.New()
	}
	return &Store{
		counters: make(map[string]Counter),
		halfLife: halfLife,
		minValue: minValue,
		clock:    c,
	}
}

// Put decays the stored value for key to now, adds delta, stores the
// result, and returns it. delta must be >= 0.
func (s *Store) Put(key string, delta float64) float64 {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.counters[key]
	var decayed float64
	if ok {
		decayed = cur.decayedValue(now, s.halfLife)
	}
	next := decayed + delta
	if next < s.minValue {
		delete(s.counters, key)
		return next
	}
	s.counters[key] = Counter{Value: next, LastTouched: now}
	return next
}

// Get returns key's current decayed value, or 0 if absent or decayed below
// minValue (EXPIRE, spec.md §4.1).
func (s *Store) Get(key string) float64 {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.counters[key]
	if !ok {
		return 0
	}
	v := cur.decayedValue(now, s.halfLife)
	if v < s.minValue {
		delete(s.counters, key)
		return 0
	}
	return v
}

// Merge folds a replica's reported (value, lastTouched) into the local
// view of key by decayed-max: both sides are decayed to now and the larger
// wins. This is what makes the DHT's quorum read commutative (spec.md
// §4.1, "Why decay, not windows").
func (s *Store) Merge(key string, remote Counter) float64 {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	remoteDecayed := remote.decayedValue(now, s.halfLife)
	cur, ok := s.counters[key]
	localDecayed := 0.0
	if ok {
		localDecayed = cur.decayedValue(now, s.halfLife)
	}
	if remoteDecayed > localDecayed {
		if remoteDecayed < s.minValue {
			delete(s.counters, key)
			return remoteDecayed
		}
		s.counters[key] = Counter{Value: remoteDecayed, LastTouched: now}
		return remoteDecayed
	}
	return localDecayed
}

// Snapshot returns the raw (un-decayed) counter for key, for replication —
// the caller decays it further only at the point of use.
func (s *Store) Snapshot(key string) (Counter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	return c, ok
}
