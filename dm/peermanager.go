package dm

import (
	"github.com/mira-labs/torrentdm/peerconn"
	"github.com/mira-labs/torrentdm/peerid"
	"github.com/mira-labs/torrentdm/peerkey"
)

// peerEntry is spec.md §3's Peer: peer_id, address, the opaque net_handle,
// and the PC it owns exclusively.
type peerEntry struct {
	id        peerid.ID
	peerID    [20]byte
	addr      peerkey.Key
	netHandle uint64
	hasHandle bool
	pc        *peerconn.PC
}

// peerManager is the set of peers indexed by net-handle and by (ip, port),
// spec.md §2's PeerManager row.
type peerManager struct {
	nextID   peerid.ID
	byID     map[peerid.ID]*peerEntry
	byAddr   map[peerkey.Key]peerid.ID
	byHandle map[uint64]peerid.ID
}

func newPeerManager() *peerManager {
	return &peerManager{
		byID:     make(map[peerid.ID]*peerEntry),
		byAddr:   make(map[peerkey.Key]peerid.ID),
		byHandle: make(map[uint64]peerid.ID),
	}
}

// add registers a new peer entry, refusing a duplicate (ip, port), per
// spec.md §4.1's add_peer description.
func (pm *peerManager) add(addr peerkey.Key) (*peerEntry, bool) {
	if _, exists := pm.byAddr[addr]; exists {
		return nil, false
	}
	pm.nextID++
	e := &peerEntry{id: pm.nextID, addr: addr}
	pm.byID[e.id] = e
	pm.byAddr[addr] = e.id
	return e, true
}

func (pm *peerManager) bindHandle(e *peerEntry, h uint64) {
	e.netHandle = h
	e.hasHandle = true
	pm.byHandle[h] = e.id
}

func (pm *peerManager) remove(id peerid.ID) {
	e, ok := pm.byID[id]
	if !ok {
		return
	}
	delete(pm.byID, id)
	delete(pm.byAddr, e.addr)
	if e.hasHandle {
		delete(pm.byHandle, e.netHandle)
	}
}

func (pm *peerManager) byNetHandle(h uint64) (*peerEntry, bool) {
	id, ok := pm.byHandle[h]
	if !ok {
		return nil, false
	}
	return pm.byID[id], true
}

func (pm *peerManager) get(id peerid.ID) (*peerEntry, bool) {
	e, ok := pm.byID[id]
	return e, ok
}

func (pm *peerManager) len() int {
	return len(pm.byID)
}

func (pm *peerManager) all() []*peerEntry {
	out := make([]*peerEntry, 0, len(pm.byID))
	for _, e := range pm.byID {
		out = append(out, e)
	}
	return out
}
