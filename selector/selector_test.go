package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mira-labs/torrentdm/peerid"
)

func TestRandomPollsOnlyEligiblePieces(t *testing.T) {
	s := NewRandom(10)
	p := peerid.ID(1)
	s.AddPeer(p)
	s.PeerHavePiece(p, 3)
	s.PeerHavePiece(p, 7)

	idx, ok := s.PollPiece(p)
	require.True(t, ok)
	assert.Contains(t, []int{3, 7}, idx)
}

func TestHavePieceExcludesFromFuturePolls(t *testing.T) {
	s := NewRandom(10)
	p := peerid.ID(1)
	s.AddPeer(p)
	s.PeerHavePiece(p, 3)
	s.HavePiece(3)

	_, ok := s.PollPiece(p)
	assert.False(t, ok)
}

func TestMarkFullyRequestedExcludesUntilGivenBack(t *testing.T) {
	s := NewRandom(10)
	p := peerid.ID(1)
	s.AddPeer(p)
	s.PeerHavePiece(p, 3)
	s.MarkFullyRequested(3)

	_, ok := s.PollPiece(p)
	assert.False(t, ok)

	s.PeerGivebackPiece(p, 3)
	idx, ok := s.PollPiece(p)
	assert.True(t, ok)
	assert.Equal(t, 3, idx)
}

func TestRemovePeerClearsAvailability(t *testing.T) {
	s := NewRarestFirst(10)
	a := peerid.ID(1)
	b := peerid.ID(2)
	s.AddPeer(a)
	s.AddPeer(b)
	s.PeerHavePiece(a, 5)
	s.PeerHavePiece(b, 5)
	assert.Equal(t, 2, s.availability.Get(5))

	s.RemovePeer(a)
	assert.Equal(t, 1, s.availability.Get(5))

	_, ok := s.PollPiece(a)
	assert.False(t, ok)
}

func TestRarestFirstPrefersLowerAvailability(t *testing.T) {
	s := NewRarestFirst(10)
	a := peerid.ID(1)
	b := peerid.ID(2)
	s.AddPeer(a)
	s.AddPeer(b)

	// piece 1 is known to both peers (common), piece 2 only to a (rare).
	s.PeerHavePiece(a, 1)
	s.PeerHavePiece(b, 1)
	s.PeerHavePiece(a, 2)

	idx, ok := s.PollPiece(a)
	require.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestSequentialPicksLowestIndex(t *testing.T) {
	s := NewSequential(10)
	p := peerid.ID(1)
	s.AddPeer(p)
	s.PeerHavePiece(p, 8)
	s.PeerHavePiece(p, 2)
	s.PeerHavePiece(p, 5)

	idx, ok := s.PollPiece(p)
	require.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestNewConstructsRequestedStrategy(t *testing.T) {
	assert.IsType(t, &Random{}, New("random", 1))
	assert.IsType(t, &RarestFirst{}, New("rarest-first", 1))
	assert.IsType(t, &Sequential{}, New("sequential", 1))
	assert.IsType(t, &Random{}, New("unknown", 1))
}

func TestPollPieceUnknownPeerIsNotEligible(t *testing.T) {
	s := NewRandom(10)
	_, ok := s.PollPiece(peerid.ID(99))
	assert.False(t, ok)
}
