package dm

import "errors"

// Config holds the DM's configuration keys, spec.md §6.
type Config struct {
	InfoHash             [20]byte
	MyPeerID             [20]byte
	MyIP                 string
	PWPListenPort        int
	MaxPeerConnections   int
	MaxActivePeers       int
	MaxPendingRequests   int
	NumPieces            int
	PieceLength          int
	DownloadPath         string
	MaxCacheMemBytes     int64
	ShutdownWhenComplete bool
	SelectorStrategy     string
}

// DefaultConfig returns the defaults spec.md §6 lists.
func DefaultConfig() Config {
	return Config{
		MyIP:               "127.0.0.1",
		PWPListenPort:      6881,
		MaxPeerConnections: 32,
		MaxActivePeers:     32,
		MaxPendingRequests: 10,
		DownloadPath:       ".",
		MaxCacheMemBytes:   1_000_000,
		SelectorStrategy:   "random",
	}
}

// ErrMissingPeerID is a ConfigError per spec.md §7: my_peerid is required.
var ErrMissingPeerID = errors.New("dm: my_peerid is required")

// ErrZeroPieceLength is a ConfigError: piece_length must be nonzero when
// npieces is nonzero.
var ErrZeroPieceLength = errors.New("dm: piece_length must be nonzero when npieces is nonzero")

// Validate checks the ConfigError conditions spec.md §7 names.
func (c Config) Validate() error {
	if c.MyPeerID == [20]byte{} {
		return ErrMissingPeerID
	}
	if c.NumPieces > 0 && c.PieceLength == 0 {
		return ErrZeroPieceLength
	}
	return nil
}
