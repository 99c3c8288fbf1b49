package dht

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wikimedia/limitation/internal/decay"
)

// defaultRPCTimeout bounds every request/response RPC below. The spec
// treats DHT timeouts as the DHT's own concern (spec.md §5); this is that
// concern's one knob.
const defaultRPCTimeout = 800 * time.Millisecond

// Network is the UDP transport: request/response bookkeeping plus the
// handlers for incoming PING/FIND_NODE/STORE/FIND_VALUE requests.
type Network struct {
	conn        *net.UDPConn
	node        *Node
	log         *zap.Logger
	mu          sync.Mutex
	inflight    map[string]chan envelope
	readStopped chan struct{}
}

// NewNetwork binds ip:port and starts the read loop. The Node is wired in
// after construction by NewNode, which needs the bound address first.
func NewNetwork(ip string, port int, log *zap.Logger) (*Network, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	n := &Network{
		conn:        conn,
		log:         log,
		inflight:    make(map[string]chan envelope),
		readStopped: make(chan struct{}),
	}
	go n.readLoop()
	return n, nil
}

// Addr returns the bound local address.
func (n *Network) Addr() *net.UDPAddr {
	return n.conn.LocalAddr().(*net.UDPAddr)
}

func (n *Network) attach(node *Node) { n.node = node }

func (n *Network) Close() error {
	err := n.conn.Close()
	select {
	case <-n.readStopped:
	case <-time.After(200 * time.Millisecond):
	}
	return err
}

func (n *Network) nextMsgID() string { return uuid.NewString() }

func (n *Network) send(to *net.UDPAddr, env envelope) error {
	b, err := env.marshal()
	if err != nil {
		return err
	}
	_, err = n.conn.WriteToUDP(b, to)
	return err
}

func (n *Network) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		size, src, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			close(n.readStopped)
			return
		}
		var env envelope
		if err := env.unmarshal(buf[:size]); err != nil {
			continue
		}

		if env.Type == msgPong || env.Type == msgFindNodeOK ||
			env.Type == msgFindValueOK || env.Type == msgStoreOK {
			n.mu.Lock()
			ch := n.inflight[env.MsgID]
			n.mu.Unlock()
			if ch != nil {
				select {
				case ch <- env:
				default:
				}
				continue
			}
		}

		switch env.Type {
		case msgPing:
			n.handlePing(env, src)
		case msgFindNode:
			n.handleFindNode(env, src)
		case msgStore:
			n.handleStore(env, src)
		case msgFindValue:
			n.handleFindValue(env, src)
		}
	}
}

func (n *Network) handlePing(env envelope, src *net.UDPAddr) {
	if c, err := env.From.toContact(); err == nil {
		n.node.routingTable.AddContact(c)
	}
	_ = n.send(src, envelope{Type: msgPong, From: fromContact(n.node.me), MsgID: env.MsgID})
}

func (n *Network) handleFindNode(env envelope, src *net.UDPAddr) {
	idBytes, err := hex.DecodeString(env.TargetID)
	if err != nil || len(idBytes) != IDLength {
		return
	}
	var target KademliaID
	copy(target[:], idBytes)

	contacts := n.node.routingTable.FindClosestContacts(&target, bucketSize)
	reply := envelope{Type: msgFindNodeOK, From: fromContact(n.node.me), MsgID: env.MsgID}
	for _, c := range contacts {
		reply.Contacts = append(reply.Contacts, fromContact(c))
	}
	_ = n.send(src, reply)
}

func (n *Network) handleStore(env envelope, src *net.UDPAddr) {
	if c, err := env.From.toContact(); err == nil {
		n.node.routingTable.AddContact(c)
	}
	if env.Key != "" && env.Counter != nil {
		n.node.store.Merge(env.Key, env.Counter.toCounter())
		n.log.Debug("store received", zap.String("key", env.Key), zap.String("from", env.From.Address))
	}
	_ = n.send(src, envelope{Type: msgStoreOK, From: fromContact(n.node.me), MsgID: env.MsgID})
}

func (n *Network) handleFindValue(env envelope, src *net.UDPAddr) {
	if c, err := env.From.toContact(); err == nil {
		n.node.routingTable.AddContact(c)
	}
	if snap, ok := n.node.store.Snapshot(env.Key); ok {
		wc := fromCounter(snap)
		_ = n.send(src, envelope{
			Type: msgFindValueOK, From: fromContact(n.node.me), MsgID: env.MsgID,
			Key: env.Key, Counter: &wc,
		})
		return
	}

	target := HashKey([]byte(env.Key))
	contacts := n.node.routingTable.FindClosestContacts(target, bucketSize)
	reply := envelope{Type: msgFindValueOK, From: fromContact(n.node.me), MsgID: env.MsgID, Key: env.Key}
	for _, c := range contacts {
		reply.Contacts = append(reply.Contacts, fromContact(c))
	}
	_ = n.send(src, reply)
}

// request performs a generic send-and-wait-for-reply RPC.
func (n *Network) request(dst *net.UDPAddr, env envelope, timeout time.Duration) (envelope, error) {
	ch := make(chan envelope, 1)
	n.mu.Lock()
	n.inflight[env.MsgID] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.inflight, env.MsgID)
		n.mu.Unlock()
	}()

	if err := n.send(dst, env); err != nil {
		return envelope{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		return envelope{}, context.DeadlineExceeded
	}
}

// Ping sends a PING and reports whether a PONG arrived before timeout.
func (n *Network) Ping(contact *Contact, timeout time.Duration) bool {
	dst, err := net.ResolveUDPAddr("udp", contact.Address)
	if err != nil {
		return false
	}
	env := envelope{Type: msgPing, From: fromContact(n.node.me), MsgID: n.nextMsgID()}
	_, err = n.request(dst, env, timeout)
	if err != nil {
		return false
	}
	n.node.routingTable.AddContact(*contact)
	return true
}

// FindNode asks peer for the contacts it knows closest to target.ID.
func (n *Network) FindNode(peer *Contact, target *Contact) ([]Contact, error) {
	dst, err := net.ResolveUDPAddr("udp", peer.Address)
	if err != nil {
		return nil, err
	}
	env := envelope{
		Type: msgFindNode, From: fromContact(n.node.me), MsgID: n.nextMsgID(),
		TargetID: target.ID.String(),
	}
	resp, err := n.request(dst, env, defaultRPCTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Type != msgFindNodeOK {
		return nil, fmt.Errorf("dht: unexpected response type %s", resp.Type)
	}
	return n.learnContacts(resp), nil
}

func (n *Network) learnContacts(resp envelope) []Contact {
	contacts := make([]Contact, 0, len(resp.Contacts))
	for _, wc := range resp.Contacts {
		if c, err := wc.toContact(); err == nil {
			contacts = append(contacts, c)
			n.node.routingTable.AddContact(c)
		}
	}
	if c, err := resp.From.toContact(); err == nil {
		n.node.routingTable.AddContact(c)
	}
	return contacts
}

// StoreAt sends a counter value to peer and waits for STORE_OK.
func (n *Network) StoreAt(peer *Contact, key string, c decay.Counter, timeout time.Duration) error {
	dst, err := net.ResolveUDPAddr("udp", peer.Address)
	if err != nil {
		return err
	}
	wc := fromCounter(c)
	env := envelope{
		Type: msgStore, From: fromContact(n.node.me), MsgID: n.nextMsgID(),
		Key: key, Counter: &wc,
	}
	_, err = n.request(dst, env, timeout)
	return err
}

// FindValueResult is the outcome of an iterative FIND_VALUE round: either a
// counter value was found, or a set of closer contacts to continue with.
type FindValueResult struct {
	Counter  *decay.Counter
	Contacts []Contact
}

// FindValue asks peer for key, returning either the stored counter or its
// closest-contacts view of key's ID.
func (n *Network) FindValue(peer *Contact, key string, timeout time.Duration) (FindValueResult, error) {
	dst, err := net.ResolveUDPAddr("udp", peer.Address)
	if err != nil {
		return FindValueResult{}, err
	}
	env := envelope{Type: msgFindValue, From: fromContact(n.node.me), MsgID: n.nextMsgID(), Key: key}
	resp, err := n.request(dst, env, timeout)
	if err != nil {
		return FindValueResult{}, err
	}
	contacts := n.learnContacts(resp)
	if resp.Counter != nil {
		c := resp.Counter.toCounter()
		return FindValueResult{Counter: &c}, nil
	}
	return FindValueResult{Contacts: contacts}, nil
}
