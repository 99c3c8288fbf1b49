// Package bootstrap implements the Transport Bootstrapper (component E,
// spec.md §4.5): binding the conventional master port, falling back to a
// random port on conflict, and connecting to seeds.
package bootstrap

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wikimedia/limitation/internal/decay"
	"github.com/wikimedia/limitation/internal/dht"
)

// Seed identifies a peer to connect to at startup. Port defaults to
// DefaultPort when zero, per spec.md §4.5.
type Seed struct {
	Address string
	Port    int
}

// DefaultPort is the conventional master port: the one port every seed
// list advertises, so seed lists can be written once (spec.md §4.5).
const DefaultPort = 3050

const (
	maxBindRetries = 5
	minRandomPort  = 1024
	maxRandomPort  = 64023
)

// Result is what Setup produces: the live DHT node and whether this node
// won the master port.
type Result struct {
	Node     *dht.Node
	IsMaster bool
}

// Bootstrapper binds a node to the configured listen address, electing the
// master port or falling back to a random one, then dials every seed.
type Bootstrapper struct {
	ListenAddress string
	ListenPort    int
	Seeds         []Seed
	Interval      time.Duration // used to scale the reconnect backoff

	Store *decay.Store
	Log   *zap.Logger

	// OnPromote, if set, is called whenever a previously-fallback node is
	// replaced by a newly master-bound one (spec.md §4.5 reconnect). The
	// caller uses this to repoint whatever it reads Node from — without it,
	// the caller would keep sending traffic to the now-closed fallback
	// transport forever.
	OnPromote func(*dht.Node)

	rng *rand.Rand

	mu      sync.Mutex
	current *dht.Node // the node this bootstrapper currently considers live
}

// Setup attempts to bind ListenPort. On success the node becomes
// master-on-port. On a bind conflict it retries up to 5 times on a random
// high port; the resulting node is not master and schedules a reconnect
// attempt roughly 60 intervals later, in case the master port frees up.
func (b *Bootstrapper) Setup() (*Result, error) {
	if b.Log == nil {
		b.Log = zap.NewNop()
	}
	if b.rng == nil {
		b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	id := dht.NewRandomKademliaID()
	addr := net.JoinHostPort(b.ListenAddress, fmt.Sprintf("%d", b.ListenPort))
	me := dht.NewContact(id, addr)

	node, err := dht.NewNode(me, b.ListenAddress, b.ListenPort, b.Store, b.Log)
	if err == nil {
		b.Log.Info("bound master port", zap.Int("port", b.ListenPort))
		b.connectSeeds(node, true)
		b.setCurrent(node)
		return &Result{Node: node, IsMaster: true}, nil
	}
	b.Log.Warn("master port busy, falling back to a random port", zap.Int("port", b.ListenPort), zap.Error(err))

	var lastErr error
	for attempt := 0; attempt < maxBindRetries; attempt++ {
		port := minRandomPort + b.rng.Intn(maxRandomPort-minRandomPort+1)
		randID := dht.NewRandomKademliaID()
		randAddr := net.JoinHostPort(b.ListenAddress, fmt.Sprintf("%d", port))
		randMe := dht.NewContact(randID, randAddr)

		node, err = dht.NewNode(randMe, b.ListenAddress, port, b.Store, b.Log)
		if err != nil {
			lastErr = err
			continue
		}
		b.Log.Info("bound fallback port", zap.Int("port", port), zap.Int("attempt", attempt+1))
		b.connectSeeds(node, false)
		b.setCurrent(node)
		b.scheduleReconnect()
		return &Result{Node: node, IsMaster: false}, nil
	}

	return nil, fmt.Errorf("bootstrap: failed to bind master or fallback port after %d attempts: %w", maxBindRetries, lastErr)
}

// setCurrent records node as the live one this bootstrapper is serving.
func (b *Bootstrapper) setCurrent(node *dht.Node) {
	b.mu.Lock()
	b.current = node
	b.mu.Unlock()
}

// connectSeeds dials every configured seed whose (address, port) is not
// this node's own contact (spec.md §4.5 "Seed skipping").
func (b *Bootstrapper) connectSeeds(node *dht.Node, isMaster bool) {
	me := node.Me()
	for _, s := range b.Seeds {
		port := s.Port
		if port == 0 {
			port = DefaultPort
		}
		addr := net.JoinHostPort(s.Address, fmt.Sprintf("%d", port))
		if addr == me.Address {
			continue
		}
		boot := dht.NewContact(dht.NewRandomKademliaID(), addr)
		if err := node.Join(&boot); err != nil {
			b.Log.Warn("seed join failed", zap.String("seed", addr), zap.Error(err))
		}
	}
}

// scheduleReconnect fires ~60 intervals from now, with the same ±5%
// jitter used by the interval loop, in case the master port later frees
// (spec.md §4.5). It only re-attempts the master port itself: if that bind
// still fails, the existing fallback node is left running untouched and a
// new reconnect is scheduled. If it succeeds, the newly bound master-port
// transport is promoted to current and the earlier fallback transport is
// closed, never replacing a live node with a second fallback attempt.
func (b *Bootstrapper) scheduleReconnect() {
	if b.Interval <= 0 {
		return
	}
	delay := jitter(b.rng, 60*b.Interval)
	b.Log.Info("scheduling master-port reconnect", zap.Duration("in", delay))
	time.AfterFunc(delay, b.reconnectOnce)
}

func (b *Bootstrapper) reconnectOnce() {
	b.Log.Info("attempting master-port reconnect")
	id := dht.NewRandomKademliaID()
	addr := net.JoinHostPort(b.ListenAddress, fmt.Sprintf("%d", b.ListenPort))
	me := dht.NewContact(id, addr)

	node, err := dht.NewNode(me, b.ListenAddress, b.ListenPort, b.Store, b.Log)
	if err != nil {
		b.Log.Info("master port still busy", zap.Error(err))
		b.scheduleReconnect()
		return
	}

	b.mu.Lock()
	old := b.current
	b.current = node
	b.mu.Unlock()

	b.Log.Info("master port freed, promoting to master", zap.Int("port", b.ListenPort))
	b.connectSeeds(node, true)
	if b.OnPromote != nil {
		b.OnPromote(node)
	}
	if old != nil {
		_ = old.Close()
	}
}

// jitter returns d scaled by 1 + 0.1*(rand-0.5), i.e. ±5%.
func jitter(rng *rand.Rand, d time.Duration) time.Duration {
	factor := 1 + 0.1*(rng.Float64()-0.5)
	return time.Duration(float64(d) * factor)
}
