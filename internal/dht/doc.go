// Package dht implements the Kademlia distributed hash table that the
// rate-limit controller treats as an external capability: PUT(key, delta)
// and GET(key), per the contract in SPEC_FULL.md §3.2.
//
// Routing (XOR-distance buckets, iterative FIND_NODE), the UDP wire
// protocol, and K-closest replication are all implemented here so the rest
// of the tree can depend on a real DHT rather than a stub. Stored values
// are decay.Counter (value + last-touched timestamp), not opaque bytes:
// this package owns no rate-limiting logic of its own, only storage,
// replication and the decayed-max merge on read.
package dht
