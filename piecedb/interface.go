// Package piecedb specifies the piece-database capability set the
// download manager depends on (spec.md §3/§4.4), and provides a
// reference in-memory implementation of it.
//
// Persisting blocks to disk is explicitly out of scope for this core
// (spec.md §1's "Out of scope" list): production hosts are expected to
// supply their own PieceDB — typically file-backed, the way the teacher's
// storage.FileStorage is (torrent/storage/filestorage.go) — implementing
// the same interface. DB here exists so the DM, the selector, and the
// choker can be exercised and tested without a host.
package piecedb

import "github.com/mira-labs/torrentdm/piece"

// PieceDB is the capability set spec.md §3 names: "Stores and retrieves
// pieces by index; random-access block read/write."
type PieceDB interface {
	// Get returns the Piece at idx, or nil if idx hasn't been added.
	Get(idx int) *piece.Piece
	// GetLength returns how many pieces have been registered.
	GetLength() int
	// Add registers a new piece with the given expected SHA-1, sized from
	// the configured piece length / total file size, and returns its
	// index.
	Add(sha1 [20]byte) int
	// SetPieceLength configures the nominal piece size used to size
	// pieces added by Add.
	SetPieceLength(n int)
	// SetTotFileSize configures the total torrent content length used to
	// size the final, possibly-shorter, piece.
	SetTotFileSize(n int)
	// ReadBlock and WriteBlock are the random-access byte operations a
	// Piece writes through (piece.Store).
	piece.Store
}
