package peerconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mira-labs/torrentdm/bitfield"
	"github.com/mira-labs/torrentdm/peerid"
	"github.com/mira-labs/torrentdm/piece"
	"github.com/mira-labs/torrentdm/wire"
)

// harness wraps a PC with a Callbacks table that records what was called,
// standing in for the DM.
type harness struct {
	sent       [][]byte
	polled     []peerid.ID
	pushed     []piece.Block
	gaveback   []piece.Block
	disconnect string
	pc         *PC
}

func newHarness(t *testing.T, numPieces int) *harness {
	t.Helper()
	h := &harness{}
	var infoHash, myID [20]byte
	cb := Callbacks{
		Send: func(b []byte) error {
			h.sent = append(h.sent, b)
			return nil
		},
		PollBlock: func(p peerid.ID) { h.polled = append(h.polled, p) },
		ReadBlock: func(idx, off, length int) ([]byte, error) {
			return make([]byte, length), nil
		},
		PushBlock: func(p peerid.ID, bl piece.Block, data []byte) {
			h.pushed = append(h.pushed, bl)
		},
		Giveback: func(p peerid.ID, blocks []piece.Block) {
			h.gaveback = append(h.gaveback, blocks...)
		},
		Disconnect: func(p peerid.ID, reason string) { h.disconnect = reason },
	}
	h.pc = New(peerid.ID(1), Config{NumPieces: numPieces, InfoHash: infoHash, MyPeerID: myID}, cb)
	return h
}

func remoteHandshake(infoHash [20]byte) []byte {
	var peerID [20]byte
	copy(peerID[:], "remote-peer-id-20byt")
	return wire.Handshake{InfoHash: infoHash, PeerID: peerID}.Encode()
}

func TestFeedCompletesHandshakeAndSendsBitfield(t *testing.T) {
	h := newHarness(t, 10)
	ourBitfield := bitfield.New(10)

	err := h.pc.Feed(remoteHandshake([20]byte{}), ourBitfield)
	require.NoError(t, err)
	assert.True(t, h.pc.has(Connected))
	require.Len(t, h.sent, 1)
}

func TestFeedRejectsMismatchedInfoHash(t *testing.T) {
	var want [20]byte
	copy(want[:], "aaaaaaaaaaaaaaaaaaaa")
	h := newHarness(t, 10)
	h.pc.wantInfoHash = want
	h.pc.hs = wire.NewHandshaker(want)

	var other [20]byte
	copy(other[:], "bbbbbbbbbbbbbbbbbbbb")
	err := h.pc.Feed(remoteHandshake(other), bitfield.New(10))
	assert.Error(t, err)
}

func TestUnchokeTriggersPollBlock(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.pc.Feed(remoteHandshake([20]byte{}), bitfield.New(4)))

	buf := wire.Encode(nil, wire.Msg{Kind: wire.Unchoke})
	require.NoError(t, h.pc.Feed(buf, nil))
	assert.False(t, h.pc.has(PeerChoking))
	assert.Equal(t, []peerid.ID{h.pc.ID()}, h.polled)
}

func TestChokeGivesBackPendingRequests(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.pc.Feed(remoteHandshake([20]byte{}), bitfield.New(4)))
	// peer must unchoke us before we can queue requests.
	require.NoError(t, h.pc.Feed(wire.Encode(nil, wire.Msg{Kind: wire.Unchoke}), nil))

	bl := piece.Block{PieceIdx: 0, Offset: 0, Len: 100}
	require.True(t, h.pc.QueueRequest(bl))
	assert.Equal(t, 1, h.pc.PendingCount())

	require.NoError(t, h.pc.Feed(wire.Encode(nil, wire.Msg{Kind: wire.Choke}), nil))
	assert.True(t, h.pc.has(PeerChoking))
	assert.Equal(t, 0, h.pc.PendingCount())
	assert.Equal(t, []piece.Block{bl}, h.gaveback)
}

func TestQueueRequestRespectsMaxPendingRequests(t *testing.T) {
	h := newHarness(t, 4)
	h.pc.maxPendingRequests = 2
	require.NoError(t, h.pc.Feed(remoteHandshake([20]byte{}), bitfield.New(4)))
	require.NoError(t, h.pc.Feed(wire.Encode(nil, wire.Msg{Kind: wire.Unchoke}), nil))

	assert.True(t, h.pc.QueueRequest(piece.Block{PieceIdx: 0, Offset: 0, Len: 1}))
	assert.True(t, h.pc.QueueRequest(piece.Block{PieceIdx: 0, Offset: 1, Len: 1}))
	assert.False(t, h.pc.QueueRequest(piece.Block{PieceIdx: 0, Offset: 2, Len: 1}))
}

func TestPieceMessageRemovesPendingAndPushesBlock(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.pc.Feed(remoteHandshake([20]byte{}), bitfield.New(4)))
	require.NoError(t, h.pc.Feed(wire.Encode(nil, wire.Msg{Kind: wire.Unchoke}), nil))

	bl := piece.Block{PieceIdx: 0, Offset: 0, Len: 4}
	require.True(t, h.pc.QueueRequest(bl))

	msg := wire.Encode(nil, wire.Msg{Kind: wire.Piece, Index: 0, Begin: 0, Block: []byte("data")})
	require.NoError(t, h.pc.Feed(msg, nil))

	assert.Equal(t, 0, h.pc.PendingCount())
	require.Len(t, h.pushed, 1)
	assert.Equal(t, bl, h.pushed[0])
}

func TestHaveMessageSetsAmInterested(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.pc.Feed(remoteHandshake([20]byte{}), bitfield.New(4)))

	msg := wire.Encode(nil, wire.Msg{Kind: wire.Have, Index: 2})
	require.NoError(t, h.pc.Feed(msg, nil))
	assert.True(t, h.pc.has(AmInterested))
}

func TestRequestMessageWhileChokingPeerIsIgnored(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.pc.Feed(remoteHandshake([20]byte{}), bitfield.New(4)))
	// AmChoking is true by default, so a REQUEST must not be served.

	msg := wire.Encode(nil, wire.Msg{Kind: wire.Request, Index: 0, Begin: 0, Len: 4})
	require.NoError(t, h.pc.Feed(msg, nil))
	assert.Empty(t, h.sent[1:]) // only the handshake-time BITFIELD was sent
}

func TestRequestMessageAfterUnchokeIsServed(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.pc.Feed(remoteHandshake([20]byte{}), bitfield.New(4)))
	h.pc.Unchoke()

	msg := wire.Encode(nil, wire.Msg{Kind: wire.Request, Index: 0, Begin: 0, Len: 4})
	require.NoError(t, h.pc.Feed(msg, nil))

	// BITFIELD + UNCHOKE + PIECE reply.
	assert.Len(t, h.sent, 3)
}

func TestPeriodicDisconnectsOnIdleTimeout(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.pc.Feed(remoteHandshake([20]byte{}), bitfield.New(4)))

	past := time.Now().Add(-IdleTimeout - time.Second)
	h.pc.lastRxTime = past
	require.NoError(t, h.pc.Periodic(time.Now()))
	assert.Equal(t, "timeout", h.disconnect)
}

func TestSendHaveMarksOurBitfield(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.pc.Feed(remoteHandshake([20]byte{}), bitfield.New(4)))
	h.pc.SendHave(1)
	assert.True(t, h.pc.myBitfield.Has(1))
}

func TestMarkFailedIsSticky(t *testing.T) {
	h := newHarness(t, 4)
	h.pc.MarkFailed()
	assert.True(t, h.pc.IsFailed())
	assert.NoError(t, h.pc.Periodic(time.Now()))
}

func TestNumWantTracksUnhadPiecesAndInterestFlipsBackOff(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.pc.Feed(remoteHandshake([20]byte{}), bitfield.New(4)))

	require.NoError(t, h.pc.Feed(wire.Encode(nil, wire.Msg{Kind: wire.Have, Index: 1}), nil))
	assert.True(t, h.pc.has(AmInterested))
	assert.Equal(t, 1, h.pc.NumWant())

	// we finish piece 1 ourselves; this peer also has it, so it no longer
	// has anything we want and interest should flip back off.
	h.pc.SendHave(1)
	assert.Equal(t, 0, h.pc.NumWant())
	assert.False(t, h.pc.has(AmInterested))
}

func TestSnubbedIsFalseBeforeAnyPieceIsDue(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.pc.Feed(remoteHandshake([20]byte{}), bitfield.New(4)))
	require.NoError(t, h.pc.Feed(wire.Encode(nil, wire.Msg{Kind: wire.Have, Index: 1}), nil))
	assert.False(t, h.pc.Snubbed(), "no PIECE deadline has passed yet")
}

func TestHaveWithOutOfRangeIndexIsAnErrorNotPanic(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.pc.Feed(remoteHandshake([20]byte{}), bitfield.New(4)))

	msg := wire.Encode(nil, wire.Msg{Kind: wire.Have, Index: 99})
	var err error
	assert.NotPanics(t, func() {
		err = h.pc.Feed(msg, nil)
	})
	assert.Error(t, err)
}

func TestBitfieldWithWrongLengthIsAnErrorNotPanic(t *testing.T) {
	h := newHarness(t, 20)
	require.NoError(t, h.pc.Feed(remoteHandshake([20]byte{}), bitfield.New(20)))

	msg := wire.Encode(nil, wire.Msg{Kind: wire.Bitfield, Bitfield: []byte{0xff}})
	var err error
	assert.NotPanics(t, func() {
		err = h.pc.Feed(msg, nil)
	})
	assert.Error(t, err)
}

func TestFeedSeedsMyBitfieldFromOurBitfieldSoInterestIsExact(t *testing.T) {
	h := newHarness(t, 4)
	ourBitfield := bitfield.New(4)
	ourBitfield.Set(1)

	require.NoError(t, h.pc.Feed(remoteHandshake([20]byte{}), ourBitfield))
	require.NoError(t, h.pc.Feed(wire.Encode(nil, wire.Msg{Kind: wire.Have, Index: 1}), nil))

	// we already have piece 1, so learning the peer has it too must not
	// register it as wanted.
	assert.False(t, h.pc.has(AmInterested))
	assert.Equal(t, 0, h.pc.NumWant())
}

func TestSnubbedAfterTimeoutWithNoPiece(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.pc.Feed(remoteHandshake([20]byte{}), bitfield.New(4)))
	require.NoError(t, h.pc.Feed(wire.Encode(nil, wire.Msg{Kind: wire.Have, Index: 1}), nil))

	msg := wire.Encode(nil, wire.Msg{Kind: wire.Piece, Index: 1, Begin: 0, Block: []byte("d")})
	require.NoError(t, h.pc.Feed(msg, nil))
	assert.False(t, h.pc.Snubbed())

	h.pc.lastPieceRxTime = time.Now().Add(-SnubTimeout - time.Second)
	assert.True(t, h.pc.Snubbed())
}
