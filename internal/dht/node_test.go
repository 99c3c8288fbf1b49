package dht

import (
	"net"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wikimedia/limitation/internal/decay"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer l.Close()
	return l.LocalAddr().(*net.UDPAddr).Port
}

func newTestNode(t *testing.T) (*Node, Contact) {
	t.Helper()
	port := freeUDPPort(t)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	me := NewContact(NewRandomKademliaID(), addr)
	store := decay.NewStore(time.Second, 0.1, nil)
	n, err := NewNode(me, "127.0.0.1", port, store, zap.NewNop())
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n, me
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestJoinPopulatesRoutingTable(t *testing.T) {
	a, _ := newTestNode(t)
	b, bMe := newTestNode(t)

	if err := a.Join(&bMe); err != nil {
		t.Fatalf("Join: %v", err)
	}

	ok := waitUntil(t, time.Second, func() bool {
		return len(a.ClosestContacts(bMe.ID, 1)) == 1
	})
	if !ok {
		t.Fatal("node a never learned about node b")
	}
	_ = b
}

func TestPutReplicatesAndGetMerges(t *testing.T) {
	a, aMe := newTestNode(t)
	b, _ := newTestNode(t)

	if err := b.Join(&aMe); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return len(b.ClosestContacts(aMe.ID, 1)) == 1 })

	v := b.Put("rate:client-1", 5)
	if v != 5 {
		t.Fatalf("Put returned %v, want 5", v)
	}

	ok := waitUntil(t, 2*time.Second, func() bool {
		return a.Get("rate:client-1") > 0
	})
	if !ok {
		t.Fatal("replication never reached node a")
	}
}

func TestGetOnAbsentKeyReturnsZero(t *testing.T) {
	a, _ := newTestNode(t)
	if got := a.Get("no-such-key"); got != 0 {
		t.Fatalf("Get on absent key = %v, want 0", got)
	}
}
