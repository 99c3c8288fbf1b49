package ratelimiter

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wikimedia/limitation/internal/blocktable"
	"github.com/wikimedia/limitation/internal/decay"
	"github.com/wikimedia/limitation/internal/dht"
	"github.com/wikimedia/limitation/internal/localtable"
)

// fanoutConcurrency bounds the number of concurrent DHT PUT/GET calls the
// interval tick issues (spec.md §4.4 step 4 and step 7). Any bounded value
// is acceptable per spec.md §9; 50 is the historical choice kept here.
const fanoutConcurrency = 50

// activeWindow is how long a limit stays eligible for re-blocking after it
// was last seen (spec.md §3, glossary "Active limit").
const activeWindow = blocktable.ActiveWindow

func (rl *RateLimiter) run(ctx context.Context, rng *rand.Rand, firstDelay time.Duration) {
	timer := time.NewTimer(firstDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			rl.tick(ctx)
			timer.Reset(jitter(rng, rl.opts.Interval))
		}
	}
}

// tick implements one pass of the Global Update Loop (component D,
// spec.md §4.4).
func (rl *RateLimiter) tick(ctx context.Context) {
	drained := rl.local.DrainAndReset()
	node := rl.currentNode()
	if node == nil {
		return
	}
	now := time.Now()

	newBlocks := rl.putAndBuildBlocks(ctx, node, drained, now)
	oldBlocks := rl.blocks.Snapshot()
	merged, reCheck := mergeRetainedBlocks(oldBlocks, newBlocks, now)

	rl.blocks.Install(merged)
	rl.emitBlocks(now, merged)

	rl.asyncRecheck(ctx, node, oldBlocks, reCheck)
	node.RepublishOrigins()
}

// putAndBuildBlocks is step 4 of spec.md §4.4: fold every drained local
// counter into the DHT, normalize, and record a fresh block entry for any
// key whose rate now exceeds its minimum active limit.
func (rl *RateLimiter) putAndBuildBlocks(ctx context.Context, node *dht.Node, drained map[string]*localtable.Entry, now time.Time) map[string]*blocktable.Entry {
	newBlocks := make(map[string]*blocktable.Entry)
	if len(drained) == 0 {
		return newBlocks
	}

	type result struct {
		key   string
		entry *blocktable.Entry
	}
	resultsCh := make(chan result, len(drained))
	sem := semaphore.NewWeighted(fanoutConcurrency)

	for key, counter := range drained {
		key, counter := key, counter
		if err := sem.Acquire(ctx, 1); err != nil {
			resultsCh <- result{}
			continue
		}
		go func() {
			defer sem.Release(1)
			resultsCh <- rl.putOne(node, key, counter, now)
		}()
	}

	for i := 0; i < len(drained); i++ {
		r := <-resultsCh
		if r.entry != nil {
			newBlocks[r.key] = r.entry
		}
	}
	return newBlocks
}

func (rl *RateLimiter) putOne(node *dht.Node, key string, counter *localtable.Entry, now time.Time) (out struct {
	key   string
	entry *blocktable.Entry
}) {
	out.key = key
	raw := node.Put(key, counter.Pending)
	rate := decay.RateFromCounter(raw, rl.opts.Interval)

	minLimit, ok := minLimitOf(counter.Limits)
	if !ok {
		return out
	}
	if rate > minLimit {
		out.entry = &blocktable.Entry{GlobalRate: rate, Limits: cloneLimits(counter.Limits)}
		rl.log.Debug("key now blocked", zap.String("key", key), zap.Float64("rate", rate), zap.Float64("limit", minLimit))
	}
	return out
}

// mergeRetainedBlocks is step 5 of spec.md §4.4: for keys still present in
// the old block table, carry forward any limit activations the new pass
// didn't refresh, and collect keys dropped from newBlocks for async
// re-checking.
func mergeRetainedBlocks(old, newBlocks map[string]*blocktable.Entry, now time.Time) (merged map[string]*blocktable.Entry, reCheck []string) {
	merged = make(map[string]*blocktable.Entry, len(newBlocks))
	for k, v := range newBlocks {
		merged[k] = v
	}

	cutoff := now.Add(-activeWindow)
	for key, oldEntry := range old {
		if newEntry, ok := merged[key]; ok {
			for limit, ts := range oldEntry.Limits {
				if ts.After(cutoff) {
					if _, have := newEntry.Limits[limit]; !have {
						newEntry.Limits[limit] = ts
					}
				}
			}
			continue
		}
		reCheck = append(reCheck, key)
	}
	return merged, reCheck
}

// asyncRecheck is step 7 of spec.md §4.4: for keys that stopped receiving
// local traffic but may still be globally over their limit, GET the
// current global rate and decide whether they should keep blocking. oldBlocks
// is the pre-install snapshot taken in tick, since by the time this runs
// rl.blocks has already been replaced by merged (which never contains these
// keys — that's why they're in reCheck in the first place).
func (rl *RateLimiter) asyncRecheck(ctx context.Context, node *dht.Node, oldBlocks map[string]*blocktable.Entry, keys []string) {
	if len(keys) == 0 {
		return
	}
	now := time.Now()
	cutoff := now.Add(-activeWindow)
	sem := semaphore.NewWeighted(fanoutConcurrency)

	for _, key := range keys {
		key := key
		oldEntry, ok := oldBlocks[key]
		if !ok {
			continue
		}
		activeLimits := make(map[float64]time.Time)
		for limit, ts := range oldEntry.Limits {
			if ts.After(cutoff) {
				activeLimits[limit] = ts
			}
		}
		if len(activeLimits) == 0 {
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			continue
		}
		go func() {
			defer sem.Release(1)
			rl.recheckOne(node, key, activeLimits, now)
		}()
	}
}

func (rl *RateLimiter) recheckOne(node *dht.Node, key string, activeLimits map[float64]time.Time, now time.Time) {
	raw := node.Get(key)
	rate := decay.RateFromCounter(raw, rl.opts.Interval)

	refreshed := make(map[float64]time.Time, len(activeLimits))
	stillExceeded := false
	for limit, ts := range activeLimits {
		if limit > rate {
			refreshed[limit] = ts
		} else {
			refreshed[limit] = now
			stillExceeded = true
		}
	}
	if !stillExceeded {
		// Every active limit now exceeds the decayed global rate. Kept,
		// the key would be re-checked on every tick until its limits
		// aged out of activeWindow; per spec.md §4.4's state machine we
		// drop it immediately once the rate falls below every active
		// limit.
		allClear := true
		for limit := range activeLimits {
			if rate >= limit {
				allClear = false
				break
			}
		}
		if allClear {
			return
		}
	}

	entry := &blocktable.Entry{GlobalRate: rate, Limits: refreshed}
	rl.installRecheck(key, entry)
}

// installRecheck folds a single re-checked key back into the live block
// table without disturbing keys the tick already decided on. It performs
// its own atomic read-modify-write pass over the table, since re-checks
// run concurrently with each other (not with a fresh tick; spec.md's
// single-threaded model is approximated here by always reading the
// latest snapshot before writing).
func (rl *RateLimiter) installRecheck(key string, entry *blocktable.Entry) {
	current := rl.blocks.Snapshot()
	next := make(map[string]*blocktable.Entry, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[key] = entry
	rl.blocks.Install(next)
}

func minLimitOf(limits map[float64]time.Time) (float64, bool) {
	first := true
	var min float64
	for l := range limits {
		if first || l < min {
			min = l
			first = false
		}
	}
	return min, !first
}

func cloneLimits(in map[float64]time.Time) map[float64]time.Time {
	out := make(map[float64]time.Time, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
