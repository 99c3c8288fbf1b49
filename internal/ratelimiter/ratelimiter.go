package ratelimiter

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wikimedia/limitation/internal/blocktable"
	"github.com/wikimedia/limitation/internal/bootstrap"
	"github.com/wikimedia/limitation/internal/decay"
	"github.com/wikimedia/limitation/internal/dht"
	"github.com/wikimedia/limitation/internal/localtable"
)

// blocksEventBuffer bounds the "blocks" telemetry channel (spec.md §9:
// "prefer ... a bounded channel so backpressure is visible"). A full
// channel means nobody's draining events; RateLimiter drops the newest one
// and logs it rather than blocking the interval loop.
const blocksEventBuffer = 4

// BlocksEvent is emitted once per interval tick with the full block table,
// for operator telemetry only (spec.md §6.1 on('blocks', blocks)).
type BlocksEvent struct {
	At     time.Time
	Blocks map[string]*blocktable.Entry
}

// RateLimiter is the public API of spec.md §6.1.
type RateLimiter struct {
	opts Options
	log  *zap.Logger

	local  *localtable.Table
	blocks *blocktable.Table

	// nodePtr holds the live DHT node. It is an atomic pointer rather than a
	// plain field because the bootstrapper can promote a fallback node to
	// the master port from its own reconnect goroutine (bootstrap.go's
	// OnPromote callback) concurrently with the update loop reading it.
	nodePtr atomic.Pointer[dht.Node]
	boot    *bootstrap.Bootstrapper

	events chan BlocksEvent

	errCount int64
}

// New constructs a RateLimiter. It does not bind any ports or start the
// update loop; call Setup for that.
func New(opts Options) *RateLimiter {
	opts = opts.withDefaults()
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{
		opts:   opts,
		log:    log,
		local:  localtable.New(nil),
		blocks: blocktable.New(),
		events: make(chan BlocksEvent, blocksEventBuffer),
	}
}

// Setup begins transport bootstrap and schedules the first global update
// after interval*(0.5±5%), per spec.md §6.1. It returns once a DHT is live
// on some port; it does not wait for master-port acquisition.
func (rl *RateLimiter) Setup(ctx context.Context) (*RateLimiter, error) {
	store := decay.NewStore(rl.opts.Interval, rl.opts.MinValue, nil)

	seeds := make([]bootstrap.Seed, 0, len(rl.opts.Seeds))
	for _, s := range rl.opts.Seeds {
		seeds = append(seeds, bootstrap.Seed{Address: s.Address, Port: s.Port})
	}

	rl.boot = &bootstrap.Bootstrapper{
		ListenAddress: rl.opts.Listen.Address,
		ListenPort:    rl.opts.Listen.Port,
		Seeds:         seeds,
		Interval:      rl.opts.Interval,
		Store:         store,
		Log:           rl.log,
		OnPromote:     rl.setNode,
	}

	res, err := rl.boot.Setup()
	if err != nil {
		return nil, fmt.Errorf("ratelimiter: transport setup failed: %w", err)
	}
	rl.setNode(res.Node)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	firstDelay := jitter(rng, time.Duration(float64(rl.opts.Interval)*0.5))
	go rl.run(ctx, rng, firstDelay)

	return rl, nil
}

// Check is the hot path (spec.md §4.3): true iff key is currently allowed
// under limit. It never performs I/O and never blocks: it bumps the local
// counter table and consults only the cached block table.
func (rl *RateLimiter) Check(key string, limit float64, increment ...float64) bool {
	delta := 1.0
	if len(increment) > 0 {
		delta = increment[0]
	}
	rl.local.Bump(key, limit, delta)

	entry, blocked := rl.blocks.Get(key)
	if !blocked {
		return true
	}
	return entry.GlobalRate < limit
}

// Events returns the channel BlocksEvent telemetry is delivered on.
func (rl *RateLimiter) Events() <-chan BlocksEvent {
	return rl.events
}

// emitBlocks publishes the current block table without blocking the
// interval loop; a full channel means the event is dropped and logged.
func (rl *RateLimiter) emitBlocks(at time.Time, blocks map[string]*blocktable.Entry) {
	select {
	case rl.events <- BlocksEvent{At: at, Blocks: blocks}:
	default:
		rl.log.Warn("blocks event dropped: consumer not keeping up")
	}
}

// currentNode returns the live DHT node, or nil before Setup completes.
func (rl *RateLimiter) currentNode() *dht.Node {
	return rl.nodePtr.Load()
}

func (rl *RateLimiter) setNode(n *dht.Node) {
	rl.nodePtr.Store(n)
}

func jitter(rng *rand.Rand, d time.Duration) time.Duration {
	factor := 1 + 0.1*(rng.Float64()-0.5)
	return time.Duration(float64(d) * factor)
}
