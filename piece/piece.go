package piece

import (
	"crypto/sha1"

	"github.com/mira-labs/torrentdm/peerkey"
)

// BlockState is the state of a single block within a piece. Every block is
// in exactly one of these at any time.
type BlockState int

const (
	Missing BlockState = iota
	Requested
	Received
)

// WriteOutcome is the integer result code spec.md §4.4 defines for
// Piece.write_block.
type WriteOutcome int

const (
	// WriteError is a storage I/O failure; the block stays MISSING.
	WriteError WriteOutcome = 0
	// Accepted means the block was written and the piece is still
	// incomplete.
	Accepted WriteOutcome = 1
	// Complete means the piece now has every block RECEIVED and its SHA-1
	// matched.
	Complete WriteOutcome = 2
	// Invalid means the piece has every block RECEIVED but the SHA-1 did
	// not match; block state has been reset to MISSING.
	Invalid WriteOutcome = -1
)

// Store is the minimal random-access byte capability a Piece writes
// through. piecedb.DB implements this; Piece never holds piece bytes
// itself — only per-block state and the contributor set, matching
// spec.md §3's separation of Piece from the PieceDB component.
type Store interface {
	WriteBlock(pieceIdx, off int, b []byte) (int, error)
	ReadBlock(pieceIdx, off, length int) ([]byte, error)
}

// Piece tracks block state, the expected SHA-1, and which peers
// contributed bytes, for one piece index.
type Piece struct {
	Idx    int
	Length int
	SHA1   [20]byte

	store Store

	blocks       int
	lastBlockLen int
	state        []BlockState
	contributors map[peerkey.Key]struct{}
}

// New constructs a Piece of length bytes (the caller is responsible for
// passing the shortened length for the final piece of a torrent, per
// spec.md §3's invariant) backed by store for actual byte I/O.
func New(idx, length int, sha1sum [20]byte, store Store) *Piece {
	if length <= 0 {
		panic("piece: length must be positive")
	}
	lastBlockLen := length % MaxBlockLen
	extra := 0
	if lastBlockLen == 0 {
		lastBlockLen = MaxBlockLen
	} else {
		extra = 1
	}
	blocks := length/MaxBlockLen + extra
	return &Piece{
		Idx:          idx,
		Length:       length,
		SHA1:         sha1sum,
		store:        store,
		blocks:       blocks,
		lastBlockLen: lastBlockLen,
		state:        make([]BlockState, blocks),
		contributors: make(map[peerkey.Key]struct{}),
	}
}

// NumBlocks returns how many blocks this piece is split into.
func (p *Piece) NumBlocks() int {
	return p.blocks
}

// blockIndex maps a byte offset to its block index, or -1 if off isn't a
// valid block start.
func (p *Piece) blockIndex(off int) int {
	if off < 0 || off%MaxBlockLen != 0 {
		return -1
	}
	i := off / MaxBlockLen
	if i >= p.blocks {
		return -1
	}
	return i
}

// BlockLen returns the length of the block starting at off.
func (p *Piece) BlockLen(off int) int {
	i := p.blockIndex(off)
	if i < 0 {
		return 0
	}
	if i == p.blocks-1 {
		return p.lastBlockLen
	}
	return MaxBlockLen
}

// PollBlockRequest returns the next MISSING block (marking it REQUESTED)
// sized min(16KiB, piece.length - offset), per spec.md §4.4. ok is false
// once every block has left the MISSING state.
func (p *Piece) PollBlockRequest() (bl Block, ok bool) {
	for i, st := range p.state {
		if st == Missing {
			p.state[i] = Requested
			off := i * MaxBlockLen
			return Block{PieceIdx: p.Idx, Offset: off, Len: p.BlockLen(off)}, true
		}
	}
	return Block{}, false
}

// GivebackBlock flips a REQUESTED block back to MISSING — used when a peer
// chokes us or disconnects with outstanding requests (spec.md §4.2's CHOKE
// handling).
func (p *Piece) GivebackBlock(off int) {
	i := p.blockIndex(off)
	if i < 0 {
		return
	}
	if p.state[i] == Requested {
		p.state[i] = Missing
	}
}

// HasUnrequestedBlocks reports whether any block is still MISSING.
func (p *Piece) HasUnrequestedBlocks() bool {
	for _, st := range p.state {
		if st == Missing {
			return true
		}
	}
	return false
}

// AllBlocksUnrequested reports whether every block is still MISSING.
func (p *Piece) AllBlocksUnrequested() bool {
	for _, st := range p.state {
		if st != Missing {
			return false
		}
	}
	return true
}

func (p *Piece) allReceived() bool {
	for _, st := range p.state {
		if st != Received {
			return false
		}
	}
	return true
}

// ValidBlock reports whether off is a valid block start for this piece and
// dataLen matches the block's expected length, per spec.md §4.4's
// write_block preconditions. A caller feeding peer-controlled wire values
// must check this before calling WriteBlock and treat a false result as a
// ProtocolError (disconnect), not a StateError.
func (p *Piece) ValidBlock(off, dataLen int) bool {
	i := p.blockIndex(off)
	return i >= 0 && dataLen == p.BlockLen(off)
}

// WriteBlock writes data for the block at off, contributed by peer, into
// the backing Store. Returns the outcome code spec.md §4.4 defines.
// off/data are assumed already validated via ValidBlock; an invalid block
// is reported as WriteError rather than panicking.
func (p *Piece) WriteBlock(off int, data []byte, peer peerkey.Key) WriteOutcome {
	i := p.blockIndex(off)
	if i < 0 || len(data) != p.BlockLen(off) {
		return WriteError
	}
	if _, err := p.store.WriteBlock(p.Idx, off, data); err != nil {
		return WriteError
	}
	p.state[i] = Received
	p.contributors[peer] = struct{}{}
	if !p.allReceived() {
		return Accepted
	}
	if p.verify() {
		return Complete
	}
	p.reset()
	return Invalid
}

// verify reads the whole piece back from the Store and checks its SHA-1.
func (p *Piece) verify() bool {
	data, err := p.store.ReadBlock(p.Idx, 0, p.Length)
	if err != nil {
		return false
	}
	sum := sha1.Sum(data)
	return sum == p.SHA1
}

// reset puts every block back to MISSING — called after a failed
// verification, per spec.md §4.4's Invalid outcome.
func (p *Piece) reset() {
	for i := range p.state {
		p.state[i] = Missing
	}
}

// Contributors returns the set of peers that wrote at least one block of
// this piece since its last reset.
func (p *Piece) Contributors() []peerkey.Key {
	peers := make([]peerkey.Key, 0, len(p.contributors))
	for k := range p.contributors {
		peers = append(peers, k)
	}
	return peers
}

// ClearContributors drops the contributor set — called once a piece is
// verified complete and its provenance no longer matters, or after a
// blacklist decision has consumed it.
func (p *Piece) ClearContributors() {
	p.contributors = make(map[peerkey.Key]struct{})
}
