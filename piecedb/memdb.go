package piecedb

import (
	"errors"

	"github.com/mira-labs/torrentdm/bitfield"
	"github.com/mira-labs/torrentdm/piece"
)

// ErrOutOfRange is returned by ReadBlock/WriteBlock for an unregistered
// piece index or a byte range that does not fit inside the piece.
var ErrOutOfRange = errors.New("piecedb: piece index out of range")

// DB is an in-memory PieceDB, grounded on the teacher's
// storage.FileStorage (torrent/storage/filestorage.go) but keeping piece
// bytes in one in-memory slice per piece instead of on disk — the on-disk case is exactly the
// "out of scope" collaborator spec.md §1 names; a host wires in its own
// implementation of the PieceDB interface for that.
type DB struct {
	pieceLength int
	totFileSize int
	pieces      []*piece.Piece
	data        [][]byte
}

// New returns an empty DB.
func New() *DB {
	return &DB{}
}

// SetPieceLength configures the nominal piece size.
func (db *DB) SetPieceLength(n int) {
	db.pieceLength = n
}

// SetTotFileSize configures the total torrent content length.
func (db *DB) SetTotFileSize(n int) {
	db.totFileSize = n
}

// lengthFor computes the size of the piece at idx: pieceLength, except the
// final piece which is truncated to whatever remains of totFileSize, per
// spec.md §3's "the last piece may be shorter than piece_length".
func (db *DB) lengthFor(idx int) int {
	if db.pieceLength <= 0 {
		return 0
	}
	remaining := db.totFileSize - idx*db.pieceLength
	if remaining <= 0 || remaining > db.pieceLength {
		return db.pieceLength
	}
	return remaining
}

// Add registers a new piece, sized per lengthFor, and returns its index.
func (db *DB) Add(sha1 [20]byte) int {
	idx := len(db.pieces)
	length := db.lengthFor(idx)
	p := piece.New(idx, length, sha1, db)
	db.pieces = append(db.pieces, p)
	db.data = append(db.data, make([]byte, length))
	return idx
}

// Get returns the Piece at idx, or nil if out of range.
func (db *DB) Get(idx int) *piece.Piece {
	if idx < 0 || idx >= len(db.pieces) {
		return nil
	}
	return db.pieces[idx]
}

// GetLength returns the number of registered pieces.
func (db *DB) GetLength() int {
	return len(db.pieces)
}

// WriteBlock implements piece.Store.
func (db *DB) WriteBlock(pieceIdx, off int, b []byte) (int, error) {
	if pieceIdx < 0 || pieceIdx >= len(db.data) {
		return 0, ErrOutOfRange
	}
	buf := db.data[pieceIdx]
	if off < 0 || off+len(b) > len(buf) {
		return 0, ErrOutOfRange
	}
	copy(buf[off:], b)
	return len(b), nil
}

// ReadBlock implements piece.Store.
func (db *DB) ReadBlock(pieceIdx, off, length int) ([]byte, error) {
	if pieceIdx < 0 || pieceIdx >= len(db.data) {
		return nil, ErrOutOfRange
	}
	buf := db.data[pieceIdx]
	if off < 0 || off+length > len(buf) {
		return nil, ErrOutOfRange
	}
	out := make([]byte, length)
	copy(out, buf[off:off+length])
	return out, nil
}

// PollBestFromBitfield returns the lowest piece index that bf marks as
// available and that isn't yet complete, or ok=false if none qualifies.
// This is the simple helper the piecedb scenarios in spec.md §8 exercise
// directly; the pluggable Selector strategies (package selector) are what
// the DM actually uses during a download.
func (db *DB) PollBestFromBitfield(bf bitfield.Bitfield) (idx int, ok bool) {
	for i, p := range db.pieces {
		if bf.Has(i) && !p.Complete() {
			return i, true
		}
	}
	return 0, false
}
