package dht

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wikimedia/limitation/internal/decay"
)

// alpha is the number of parallel queries an iterative lookup issues per
// round, per the Kademlia paper.
const alpha = 3

// Node is a single DHT participant: routing table, UDP transport, and the
// local decaying-counter store it serves and replicates. It satisfies the
// PUT/GET contract of SPEC_FULL.md §3.2 / spec.md §6.3.
type Node struct {
	me           Contact
	routingTable *RoutingTable
	network      *Network
	store        *decay.Store
	log          *zap.Logger

	timeoutRPC time.Duration

	originMu   sync.RWMutex
	originKeys map[string]struct{}
}

// NewNode binds a node to ip:port, backed by store for local counter
// state.
func NewNode(me Contact, ip string, port int, store *decay.Store, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	netw, err := NewNetwork(ip, port, log)
	if err != nil {
		return nil, err
	}
	node := &Node{
		me:           me,
		routingTable: NewRoutingTable(me),
		network:      netw,
		store:        store,
		log:          log,
		timeoutRPC:   defaultRPCTimeout,
		originKeys:   make(map[string]struct{}),
	}
	netw.attach(node)
	node.routingTable.SetPingFunc(func(c Contact) bool {
		return node.network.Ping(&c, node.timeoutRPC)
	})
	return node, nil
}

// Addr returns the node's bound UDP address.
func (n *Node) Addr() string { return n.network.Addr().String() }

// Me returns this node's own contact.
func (n *Node) Me() Contact { return n.me }

func (n *Node) Close() error { return n.network.Close() }

// Join contacts bootstrap and performs the canonical Kademlia join:
// PING it, then iteratively look up our own ID to populate the routing
// table.
func (n *Node) Join(bootstrap *Contact) error {
	if bootstrap == nil || bootstrap.ID == nil || bootstrap.Address == "" {
		return fmt.Errorf("dht: invalid bootstrap contact")
	}
	n.network.Ping(bootstrap, n.timeoutRPC)
	self := Contact{ID: n.me.ID}
	n.LookupContact(&self)
	return nil
}

// LookupContact runs an alpha-parallel iterative node lookup for
// target.ID, populating the routing table as it goes.
func (n *Node) LookupContact(target *Contact) {
	if target == nil || target.ID == nil {
		return
	}
	visited := make(map[string]struct{})

	nextBatch := func() []Contact {
		candidates := n.routingTable.FindClosestContacts(target.ID, 1024)
		batch := make([]Contact, 0, alpha)
		for _, c := range candidates {
			if len(batch) >= alpha {
				break
			}
			if c.Address == "" {
				continue
			}
			if _, seen := visited[c.Address]; seen {
				continue
			}
			visited[c.Address] = struct{}{}
			batch = append(batch, c)
		}
		return batch
	}

	var lastBest *KademliaID
	for {
		batch := nextBatch()
		if len(batch) == 0 {
			break
		}
		var wg sync.WaitGroup
		for i := range batch {
			peer := batch[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = n.network.FindNode(&peer, target)
			}()
		}
		wg.Wait()

		closest := n.routingTable.FindClosestContacts(target.ID, 1)
		if len(closest) == 0 {
			break
		}
		best := closest[0].ID
		if lastBest != nil && !best.CalcDistance(target.ID).Less(lastBest.CalcDistance(target.ID)) {
			break
		}
		lastBest = best
	}
}

// ClosestContacts exposes the routing table's closest-N view, mainly for
// diagnostics and tests.
func (n *Node) ClosestContacts(target *KademliaID, count int) []Contact {
	return n.routingTable.FindClosestContacts(target, count)
}

// Put performs the §4.1 PUT operation: decay-then-add locally, then
// replicate the resulting (value, lastTouched) pair to the K nearest
// contacts for key. Returns the post-merge local value.
func (n *Node) Put(key string, delta float64) float64 {
	value := n.store.Put(key, delta)

	n.originMu.Lock()
	n.originKeys[key] = struct{}{}
	n.originMu.Unlock()

	n.replicateToClosest(key)
	return value
}

// Get performs the §6.3 GET operation: local read plus an iterative
// FIND_VALUE, merging every replica response by decayed-max.
func (n *Node) Get(key string) float64 {
	best := n.store.Get(key)

	keyID := HashKey([]byte(key))
	visited := make(map[string]struct{})
	var lastBest *KademliaID

	for {
		candidates := n.routingTable.FindClosestContacts(keyID, 1024)
		batch := make([]Contact, 0, alpha)
		for _, c := range candidates {
			if len(batch) >= alpha {
				break
			}
			if c.Address == "" {
				continue
			}
			if _, seen := visited[c.Address]; seen {
				continue
			}
			visited[c.Address] = struct{}{}
			batch = append(batch, c)
		}
		if len(batch) == 0 {
			break
		}

		type result struct {
			res FindValueResult
			err error
		}
		results := make(chan result, len(batch))
		for i := range batch {
			peer := batch[i]
			go func() {
				r, err := n.network.FindValue(&peer, key, n.timeoutRPC)
				results <- result{res: r, err: err}
			}()
		}
		for i := 0; i < len(batch); i++ {
			r := <-results
			if r.err != nil || r.res.Counter == nil {
				continue
			}
			if merged := n.store.Merge(key, *r.res.Counter); merged > best {
				best = merged
			}
		}

		closest := n.routingTable.FindClosestContacts(keyID, 1)
		if len(closest) == 0 {
			break
		}
		closestBest := closest[0].ID
		if lastBest != nil && !closestBest.CalcDistance(keyID).Less(lastBest.CalcDistance(keyID)) {
			break
		}
		lastBest = closestBest
	}

	return best
}

// replicateToClosest finds the current K closest nodes to key and STOREs
// the local counter value there. Shared between Put's initial placement
// and the origin-key republish that rides the rate limiter's interval
// tick (SPEC_FULL.md §6).
func (n *Node) replicateToClosest(key string) {
	snap, ok := n.store.Snapshot(key)
	if !ok {
		return
	}
	keyID := HashKey([]byte(key))
	target := Contact{ID: keyID}
	n.LookupContact(&target)

	contacts := n.routingTable.FindClosestContacts(keyID, bucketSize)
	sort.SliceStable(contacts, func(i, j int) bool {
		return contacts[i].ID.CalcDistance(keyID).Less(contacts[j].ID.CalcDistance(keyID))
	})
	for _, c := range contacts {
		if c.Address == n.me.Address {
			continue
		}
		if err := n.network.StoreAt(&c, key, snap, n.timeoutRPC); err != nil {
			n.log.Debug("replication failed, ignoring", zap.String("key", key), zap.String("to", c.Address), zap.Error(err))
		}
	}
}

// RepublishOrigins re-replicates every key this node has Put at least once,
// so peers that joined closer to the key since the last round pick it up
// (spec.md §4.4 "Why two passes" generalizes naturally to this).
func (n *Node) RepublishOrigins() {
	n.originMu.RLock()
	keys := make([]string, 0, len(n.originKeys))
	for k := range n.originKeys {
		keys = append(keys, k)
	}
	n.originMu.RUnlock()

	for _, key := range keys {
		n.replicateToClosest(key)
	}
}
