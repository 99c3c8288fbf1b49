package dht

import "sort"

// Contact identifies a peer: its Kademlia ID and its UDP address. distance
// is populated transiently by CalcDistance when a contact is scored against
// a lookup target; it is never serialized (see wireContact in wire.go).
type Contact struct {
	ID       *KademliaID
	Address  string
	distance *KademliaID
}

// NewContact builds a Contact for id at address.
func NewContact(id *KademliaID, address string) Contact {
	return Contact{ID: id, Address: address}
}

// CalcDistance computes and caches the XOR distance from this contact's ID
// to target, so ContactCandidates can sort without recomputing it.
func (c *Contact) CalcDistance(target *KademliaID) {
	c.distance = c.ID.CalcDistance(target)
}

// ContactCandidates is a collection of contacts ordered by cached distance,
// used by RoutingTable.FindClosestContacts to assemble and sort a
// closest-N result across several buckets.
type ContactCandidates struct {
	contacts []Contact
}

// Append adds a batch of contacts (already distance-scored) to the set.
func (cc *ContactCandidates) Append(contacts []Contact) {
	cc.contacts = append(cc.contacts, contacts...)
}

// GetContacts returns the first count contacts (call Sort first).
func (cc *ContactCandidates) GetContacts(count int) []Contact {
	if count > len(cc.contacts) {
		count = len(cc.contacts)
	}
	return cc.contacts[:count]
}

// Sort orders contacts by ascending cached distance.
func (cc *ContactCandidates) Sort() {
	sort.Sort(cc)
}

func (cc *ContactCandidates) Len() int { return len(cc.contacts) }

func (cc *ContactCandidates) Swap(i, j int) {
	cc.contacts[i], cc.contacts[j] = cc.contacts[j], cc.contacts[i]
}

func (cc *ContactCandidates) Less(i, j int) bool {
	return cc.contacts[i].distance.Less(cc.contacts[j].distance)
}
