// Package peerid defines the small-integer peer handle every other
// package in this module uses to refer to a peer without holding a Go
// pointer back into the PeerManager's table — the non-owning-reference
// scheme spec.md §9 calls for in place of the teacher's raw *connInfo
// pointers threaded through choker/pieces/selector.
package peerid

// ID is an opaque per-peer handle minted by the PeerManager when a peer is
// added and retired when it is removed. It is never reused while the peer
// it names is still registered.
type ID uint64
