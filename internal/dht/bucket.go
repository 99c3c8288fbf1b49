package dht

import "container/list"

// bucket is a k-bucket: an LRU list of at most bucketSize contacts, plus a
// small replacement cache of contacts seen while the bucket was full.
type bucket struct {
	list    *list.List
	repl    []Contact
	replCap int
}

func newBucket() *bucket {
	return &bucket{list: list.New(), replCap: 32}
}

// AddContact moves contact to the front if present, or pushes it to the
// front if there is room. Eviction of a full bucket is handled by
// RoutingTable.AddContact, which needs to ping the LRU entry first.
func (b *bucket) AddContact(contact Contact) {
	var element *list.Element
	for e := b.list.Front(); e != nil; e = e.Next() {
		if contact.ID.Equals(e.Value.(Contact).ID) {
			element = e
			break
		}
	}
	if element == nil {
		if b.Len() < bucketSize {
			b.list.PushFront(contact)
		}
		return
	}
	b.list.MoveToFront(element)
}

// GetContactAndCalcDistance returns every contact in the bucket with its
// distance to target pre-computed.
func (b *bucket) GetContactAndCalcDistance(target *KademliaID) []Contact {
	var contacts []Contact
	for e := b.list.Front(); e != nil; e = e.Next() {
		c := e.Value.(Contact)
		c.CalcDistance(target)
		contacts = append(contacts, c)
	}
	return contacts
}

func (b *bucket) Len() int { return b.list.Len() }

// addReplacement records a contact seen while the bucket was full and its
// LRU entry answered the liveness probe. De-duplicates by ID and drops the
// oldest entry when the cache is full. Entries are only recorded; nothing
// moves them back into the bucket.
func (b *bucket) addReplacement(c Contact) {
	for i := range b.repl {
		if b.repl[i].ID.Equals(c.ID) {
			return
		}
	}
	if len(b.repl) >= b.replCap {
		copy(b.repl, b.repl[1:])
		b.repl = b.repl[:b.replCap-1]
	}
	b.repl = append(b.repl, c)
}
