// Package peerkey defines the identity BitTorrent peers are addressed by
// before a handshake completes: their (ip, port) pair. PeerManager,
// Blacklist, and Piece's contributor set all key off it rather than a
// *Peer pointer, so a banned or dropped peer can be recognized again by
// address alone (spec.md §4.7, §8 "a peer banned by blacklist is never
// re-added").
package peerkey

import "fmt"

// Key identifies a peer by network address.
type Key struct {
	IP   string
	Port int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.IP, k.Port)
}
