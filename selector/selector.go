// Package selector implements the pluggable piece-picking strategy
// spec.md §4.5 specifies: Random, RarestFirst, and Sequential, all
// satisfying the same Selector interface so the DM can swap strategies
// without touching mediator code.
//
// The teacher's torrent/piece_selector.go already names this exact
// seam (a PieceSelector interface with a Less comparator switched from
// random to rarity after the first piece completes) and torrent/piece.go's
// randomStrategy/rarestStrategy are the concrete algorithms; this package
// keeps both shapes but exposes each as its own standalone strategy per
// spec.md's "pluggable strategies" requirement, rather than the teacher's
// single selector that mutates its own comparator over time.
//
// Eligible-piece computation ("peer has it AND we lack it AND not fully
// requested") is expressed with github.com/RoaringBitmap/roaring, which
// the teacher's go.mod already depends on but never wires in — a
// compressed bitmap is the natural fit for the AND/ANDNOT set algebra
// every strategy performs on every poll.
package selector

import (
	"math/rand"

	"github.com/RoaringBitmap/roaring"
	"github.com/mira-labs/torrentdm/peerid"
	"github.com/mira-labs/torrentdm/sparsecounter"
)

// Selector is the capability interface spec.md §4.5 specifies. New is a
// plain constructor per strategy (Random/RarestFirst/Sequential below),
// not part of the interface, matching the teacher's
// NewDefaultPieceSelector/newPieces split between construction and
// interface.
type Selector interface {
	AddPeer(p peerid.ID)
	RemovePeer(p peerid.ID)
	// HavePiece records that we now have idx — selectors must never
	// offer it again (spec.md §8's idempotence property).
	HavePiece(idx int)
	// PeerHavePiece records that peer p has idx available.
	PeerHavePiece(p peerid.ID, idx int)
	// PeerGivebackPiece undoes a full-request mark on idx for peer p so it
	// becomes eligible again (used when a piece turns out invalid or a
	// peer chokes us with pending requests on it).
	PeerGivebackPiece(p peerid.ID, idx int)
	// PollPiece returns the next piece index to request from p, or
	// ok=false if none is eligible.
	PollPiece(p peerid.ID) (idx int, ok bool)
	// MarkFullyRequested excludes idx from future polls for every peer
	// until it is given back, mirroring the teacher's
	// piece.allBlocksUnrequested gate in pieces.dispatch.
	MarkFullyRequested(idx int)
}

// base holds the bookkeeping every strategy shares: which pieces we have,
// which pieces are fully requested already, and which pieces each peer is
// known to have.
type base struct {
	size            int
	weHave          *roaring.Bitmap
	fullyRequested  *roaring.Bitmap
	peerHas         map[peerid.ID]*roaring.Bitmap
	availability    *sparsecounter.Counter
}

func newBase(size int) base {
	return base{
		size:           size,
		weHave:         roaring.New(),
		fullyRequested: roaring.New(),
		peerHas:        make(map[peerid.ID]*roaring.Bitmap),
		availability:   sparsecounter.New(),
	}
}

func (b *base) addPeer(p peerid.ID) {
	if _, ok := b.peerHas[p]; !ok {
		b.peerHas[p] = roaring.New()
	}
}

func (b *base) removePeer(p peerid.ID) {
	if bm, ok := b.peerHas[p]; ok {
		it := bm.Iterator()
		for it.HasNext() {
			b.availability.Remove(int(it.Next()))
		}
		delete(b.peerHas, p)
	}
}

func (b *base) havePiece(idx int) {
	b.weHave.Add(uint32(idx))
}

func (b *base) peerHavePiece(p peerid.ID, idx int) {
	bm, ok := b.peerHas[p]
	if !ok {
		bm = roaring.New()
		b.peerHas[p] = bm
	}
	if !bm.Contains(uint32(idx)) {
		bm.Add(uint32(idx))
		b.availability.Add(idx)
	}
}

func (b *base) peerGivebackPiece(idx int) {
	b.fullyRequested.Remove(uint32(idx))
}

func (b *base) markFullyRequested(idx int) {
	b.fullyRequested.Add(uint32(idx))
}

// eligible returns the sorted piece indices peer p has, that we lack, and
// that aren't fully requested yet — the common filter spec.md §4.5's
// Random strategy spells out and the other two build on.
func (b *base) eligible(p peerid.ID) []int {
	bm, ok := b.peerHas[p]
	if !ok {
		return nil
	}
	elig := bm.Clone()
	elig.AndNot(b.weHave)
	elig.AndNot(b.fullyRequested)
	out := make([]int, 0, elig.GetCardinality())
	it := elig.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}

// Random picks uniformly among eligible pieces.
type Random struct {
	base
}

// NewRandom returns a Selector using the Random strategy over `size`
// pieces.
func NewRandom(size int) *Random {
	return &Random{base: newBase(size)}
}

func (r *Random) AddPeer(p peerid.ID)    { r.addPeer(p) }
func (r *Random) RemovePeer(p peerid.ID) { r.removePeer(p) }
func (r *Random) HavePiece(idx int)      { r.havePiece(idx) }
func (r *Random) PeerHavePiece(p peerid.ID, idx int) {
	r.peerHavePiece(p, idx)
}
func (r *Random) PeerGivebackPiece(p peerid.ID, idx int) { r.peerGivebackPiece(idx) }
func (r *Random) MarkFullyRequested(idx int)             { r.markFullyRequested(idx) }

func (r *Random) PollPiece(p peerid.ID) (idx int, ok bool) {
	elig := r.eligible(p)
	if len(elig) == 0 {
		return 0, false
	}
	return elig[rand.Intn(len(elig))], true
}

// RarestFirst picks, among eligible pieces, the one with the lowest global
// availability count, ties broken by lowest index (spec.md §4.5).
type RarestFirst struct {
	base
}

// NewRarestFirst returns a Selector using the RarestFirst strategy over
// `size` pieces.
func NewRarestFirst(size int) *RarestFirst {
	return &RarestFirst{base: newBase(size)}
}

func (r *RarestFirst) AddPeer(p peerid.ID)    { r.addPeer(p) }
func (r *RarestFirst) RemovePeer(p peerid.ID) { r.removePeer(p) }
func (r *RarestFirst) HavePiece(idx int)      { r.havePiece(idx) }
func (r *RarestFirst) PeerHavePiece(p peerid.ID, idx int) {
	r.peerHavePiece(p, idx)
}
func (r *RarestFirst) PeerGivebackPiece(p peerid.ID, idx int) { r.peerGivebackPiece(idx) }
func (r *RarestFirst) MarkFullyRequested(idx int)             { r.markFullyRequested(idx) }

func (r *RarestFirst) PollPiece(p peerid.ID) (idx int, ok bool) {
	elig := r.eligible(p)
	return r.availability.Min(elig)
}

// Sequential always picks the lowest eligible index.
type Sequential struct {
	base
}

// NewSequential returns a Selector using the Sequential strategy over
// `size` pieces.
func NewSequential(size int) *Sequential {
	return &Sequential{base: newBase(size)}
}

func (s *Sequential) AddPeer(p peerid.ID)    { s.addPeer(p) }
func (s *Sequential) RemovePeer(p peerid.ID) { s.removePeer(p) }
func (s *Sequential) HavePiece(idx int)      { s.havePiece(idx) }
func (s *Sequential) PeerHavePiece(p peerid.ID, idx int) {
	s.peerHavePiece(p, idx)
}
func (s *Sequential) PeerGivebackPiece(p peerid.ID, idx int) { s.peerGivebackPiece(idx) }
func (s *Sequential) MarkFullyRequested(idx int)              { s.markFullyRequested(idx) }

func (s *Sequential) PollPiece(p peerid.ID) (idx int, ok bool) {
	elig := s.eligible(p)
	if len(elig) == 0 {
		return 0, false
	}
	best := elig[0]
	for _, i := range elig[1:] {
		if i < best {
			best = i
		}
	}
	return best, true
}

// New constructs a Selector for the named strategy ("random",
// "rarest-first", "sequential"), matching the config key DM reads at
// construction (spec.md §6 doesn't name a strategy key explicitly; this is
// the host-facing constructor spec.md §4.1's
// `set_piece_selector(iface, state|null)` uses when state is nil).
func New(strategy string, size int) Selector {
	switch strategy {
	case "rarest-first":
		return NewRarestFirst(size)
	case "sequential":
		return NewSequential(size)
	default:
		return NewRandom(size)
	}
}
