// Package peerconn implements the PeerConnection (PC) state machine,
// spec.md §4.2: the per-peer handshake/choke/interest state and the
// request pipeline, driven entirely by the DM — a PC never owns a socket
// or a goroutine of its own.
//
// This is the single biggest departure from the teacher. torrent/peerconn.go
// runs each connection as its own goroutine with a channel-fed mainLoop
// reading directly off a net.Conn; spec.md §5 requires the opposite: all
// core work is non-blocking and single-threaded at the DM, with socket I/O
// reduced to two callbacks (peer_connect, peer_send) the host supplies.
// What survives from the teacher is the state shape (its peerInfo /
// connState bit pairs, becoming the Flags bitset below), the request
// pipeline (requestQueuer, generalized into PendingRequests), and the
// keep-alive/idle bookkeeping (conn_stats.go's lastReceivedPieceMsg
// pattern, becoming LastRxTime checked from Periodic instead of a
// goroutine's time.After).
package peerconn

import (
	"errors"
	"time"

	"github.com/mira-labs/torrentdm/bitfield"
	"github.com/mira-labs/torrentdm/peerid"
	"github.com/mira-labs/torrentdm/piece"
	"github.com/mira-labs/torrentdm/ratecounter"
	"github.com/mira-labs/torrentdm/wire"
)

// Flags mirror the teacher's peerInfo/connState booleans, packed into one
// word per spec.md §4.2's "cross-product of handshake-phase state and two
// independent choke/interest bits per side" framing.
type Flags uint32

const (
	HandshakeSent     Flags = 1 << iota
	HandshakeReceived       // peer's handshake parsed and verified
	Connected               // set with HandshakeReceived; gates HAVE broadcasts
	AmChoking               // we are choking them (default true)
	PeerChoking             // they are choking us (default true)
	AmInterested            // we are interested in them
	PeerInterested          // they are interested in us
	FailedConnection        // terminal
)

// MaxPendingRequests bounds the REQUEST pipeline, spec.md §4.2's
// max_pending_requests.
const MaxPendingRequests = 10

// KeepAliveInterval is how long a PC waits with no outbound traffic
// before sending a KEEP_ALIVE, lifted from the teacher's
// keepAliveSendFreq derivation.
const KeepAliveInterval = 110 * time.Second

// IdleTimeout is spec.md §5's 120s inbound-silence timeout.
const IdleTimeout = 120 * time.Second

// SnubTimeout is how long we wait for a PIECE from a peer we're
// interested in before considering it snubbing us, lifted from the
// teacher's connStats.isSnubbed threshold.
const SnubTimeout = 60 * time.Second

// Callbacks is the table a PC calls back into the DM with — it never
// touches the piece DB, selector, or other peers directly, per spec.md
// §4.1's "A PC never directly sees the piece DB, selector, or other
// peers; it reaches them only via DM callbacks."
type Callbacks struct {
	// Send transmits encoded wire bytes to the peer (wraps the host's
	// peer_send).
	Send func(b []byte) error
	// PollBlock asks the DM to top up this peer's pending-request pipeline
	// from the selector; the DM may defer this into a Job rather than
	// running it inline, per spec.md §5.
	PollBlock func(p peerid.ID)
	// ReadBlock reads length bytes at off of piece idx to satisfy an
	// upload.
	ReadBlock func(idx, off, length int) ([]byte, error)
	// PushBlock delivers a received block to the DM for writing into the
	// PieceDB via Piece.WriteBlock.
	PushBlock func(p peerid.ID, bl piece.Block, data []byte)
	// Giveback notifies the DM that these blocks are no longer pending on
	// this peer (it choked us) so the DM can release them back to the
	// piece they belong to and tell the selector, per spec.md §4.2's
	// CHOKE handling.
	Giveback func(p peerid.ID, blocks []piece.Block)
	// Disconnect tells the DM to remove this peer with the given reason.
	Disconnect func(p peerid.ID, reason string)
}

// PC is one peer connection's state machine.
type PC struct {
	peerID peerid.ID
	cb     Callbacks
	flags  Flags

	myBitfield   bitfield.Bitfield
	peerBitfield bitfield.Bitfield
	numPieces    int

	pendingRequests    []piece.Block
	maxPendingRequests int

	lastTxTime       time.Time
	lastRxTime       time.Time
	lastPieceRxTime  time.Time

	// numWant counts how many pieces this peer is known to offer that we
	// still lack, per spec.md §12's interest-bookkeeping supplement; it
	// drives AmInterested flipping back off once exhausted, not just on.
	numWant int

	drate *ratecounter.Counter
	urate *ratecounter.Counter

	wantInfoHash [20]byte
	myPeerID     [20]byte

	hs *wire.Handshaker
	mh *wire.MsgHandler

	// selectorHook is installed by the DM so HAVE/BITFIELD processing can
	// notify the selector without this package importing it, per spec.md
	// §4.1's "A PC never directly sees ... the selector".
	selectorHook func(peerid.ID, int)
}

// Config bundles the construction-time parameters the DM hands a new PC,
// per spec.md §4.1's add_peer description ("sets npieces and
// piece_length from config").
type Config struct {
	NumPieces          int
	InfoHash           [20]byte
	MyPeerID           [20]byte
	MaxPendingRequests int
}

// New constructs a PC for peer id, wired to cb, not yet handshaked.
func New(id peerid.ID, cfg Config, cb Callbacks) *PC {
	maxPending := cfg.MaxPendingRequests
	if maxPending <= 0 {
		maxPending = MaxPendingRequests
	}
	return &PC{
		peerID:             id,
		cb:                 cb,
		flags:              AmChoking | PeerChoking,
		myBitfield:         bitfield.New(cfg.NumPieces),
		numPieces:          cfg.NumPieces,
		wantInfoHash:       cfg.InfoHash,
		myPeerID:           cfg.MyPeerID,
		maxPendingRequests: maxPending,
		drate:              ratecounter.New(),
		urate:              ratecounter.New(),
		hs:                 wire.NewHandshaker(cfg.InfoHash),
	}
}

func (pc *PC) has(f Flags) bool { return pc.flags&f != 0 }
func (pc *PC) set(f Flags)      { pc.flags |= f }
func (pc *PC) clear(f Flags)    { pc.flags &^= f }

// ID, DownloadRate, UploadRate, IsInterested and IsChoking implement
// choker.Peer.
func (pc *PC) ID() peerid.ID         { return pc.peerID }
func (pc *PC) DownloadRate() float64 { return pc.drate.Rate() }
func (pc *PC) UploadRate() float64   { return pc.urate.Rate() }
func (pc *PC) IsInterested() bool    { return pc.has(PeerInterested) }
func (pc *PC) IsChoking() bool       { return pc.has(AmChoking) }

// Choke implements choker.Peer: sends CHOKE if not already choking.
func (pc *PC) Choke() {
	if pc.has(AmChoking) {
		return
	}
	pc.set(AmChoking)
	pc.send(wire.Msg{Kind: wire.Choke})
}

// Unchoke implements choker.Peer: sends UNCHOKE if currently choking.
func (pc *PC) Unchoke() {
	if !pc.has(AmChoking) {
		return
	}
	pc.clear(AmChoking)
	pc.send(wire.Msg{Kind: wire.Unchoke})
}

// StartOutbound marks the handshake as sent; the DM calls this once
// peer_connect reports success.
func (pc *PC) StartOutbound() error {
	pc.set(HandshakeSent)
	pc.lastTxTime = time.Now()
	return pc.cb.Send(wire.Handshake{InfoHash: pc.wantInfoHash, PeerID: pc.myPeerID}.Encode())
}

// Feed offers inbound bytes to whichever parser is active (Handshaker
// before HANDSHAKE_RECEIVED, MsgHandler after), per spec.md §4.1's
// dispatch_from_buffer description. ourBitfield is sent immediately once
// the handshake completes.
func (pc *PC) Feed(b []byte, ourBitfield bitfield.Bitfield) error {
	pc.lastRxTime = time.Now()
	if !pc.has(HandshakeReceived) {
		result, _, consumed := pc.hs.Feed(b)
		switch result {
		case 0:
			return nil
		case -1:
			return errors.New("peerconn: bad handshake")
		}
		pc.set(HandshakeReceived | Connected)
		pc.mh = wire.NewMsgHandler()
		if ourBitfield != nil {
			pc.myBitfield = ourBitfield.Copy()
		}
		if err := pc.send(wire.Msg{Kind: wire.Bitfield, Bitfield: ourBitfield}); err != nil {
			return err
		}
		b = b[consumed:]
		if len(b) == 0 {
			return nil
		}
	}
	msgs, err := pc.mh.Feed(b)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := pc.handle(m); err != nil {
			return err
		}
	}
	return nil
}

// handle applies one decoded message per the event table in spec.md §4.2.
func (pc *PC) handle(m wire.Msg) error {
	switch m.Kind {
	case wire.KeepAlive:
	case wire.Choke:
		pc.set(PeerChoking)
		if blocks := pc.givebackAll(); len(blocks) > 0 && pc.cb.Giveback != nil {
			pc.cb.Giveback(pc.peerID, blocks)
		}
	case wire.Unchoke:
		pc.clear(PeerChoking)
		pc.cb.PollBlock(pc.peerID)
	case wire.Interested:
		pc.set(PeerInterested)
	case wire.NotInterested:
		pc.clear(PeerInterested)
	case wire.Have:
		idx := int(m.Index)
		if idx < 0 || idx >= pc.numPieces {
			return errors.New("peerconn: HAVE index out of range")
		}
		if pc.peerBitfield == nil {
			pc.peerBitfield = bitfield.New(pc.numPieces)
		}
		pc.peerBitfield.Set(idx)
		pc.onPeerHavePiece(idx)
	case wire.Bitfield:
		bf := bitfield.Bitfield(m.Bitfield)
		if !bf.Valid(pc.numPieces) {
			return errors.New("peerconn: BITFIELD length mismatch")
		}
		pc.peerBitfield = bf
		for _, idx := range pc.peerBitfield.SetIndices(pc.numPieces) {
			pc.onPeerHavePiece(idx)
		}
	case wire.Request:
		if pc.has(AmChoking) {
			return nil
		}
		data, err := pc.cb.ReadBlock(int(m.Index), int(m.Begin), int(m.Len))
		if err != nil {
			return nil
		}
		pc.urate.Add(len(data))
		return pc.send(wire.Msg{Kind: wire.Piece, Index: m.Index, Begin: m.Begin, Block: data})
	case wire.Piece:
		pc.removePending(piece.Block{PieceIdx: int(m.Index), Offset: int(m.Begin), Len: len(m.Block)})
		pc.drate.Add(len(m.Block))
		pc.lastPieceRxTime = pc.lastRxTime
		pc.cb.PushBlock(pc.peerID, piece.Block{PieceIdx: int(m.Index), Offset: int(m.Begin), Len: len(m.Block)}, m.Block)
		pc.cb.PollBlock(pc.peerID)
	case wire.Cancel:
		pc.removePending(piece.Block{PieceIdx: int(m.Index), Offset: int(m.Begin), Len: int(m.Len)})
	case wire.Port:
	default:
		return errors.New("peerconn: unknown message kind")
	}
	return nil
}

func (pc *PC) onPeerHavePiece(idx int) {
	if pc.selectorHook != nil {
		pc.selectorHook(pc.peerID, idx)
	}
	if !pc.myBitfield.Has(idx) {
		pc.numWant++
		if !pc.has(AmInterested) {
			pc.set(AmInterested)
			pc.send(wire.Msg{Kind: wire.Interested})
		}
	}
}

// NumWant reports how many pieces this peer is known to offer that we
// still lack.
func (pc *PC) NumWant() int { return pc.numWant }

// Snubbed reports whether we're interested in this peer but it hasn't
// sent a PIECE in over SnubTimeout, per spec.md §12's snubbing supplement
// to the choker's ranking input. A peer that has never sent a PIECE is not
// reported as snubbed.
func (pc *PC) Snubbed() bool {
	if !pc.has(AmInterested) || pc.lastPieceRxTime.IsZero() {
		return false
	}
	return time.Since(pc.lastPieceRxTime) > SnubTimeout
}

// SetSelectorHook installs the callback invoked on every peer_have_piece
// notification.
func (pc *PC) SetSelectorHook(fn func(peerid.ID, int)) {
	pc.selectorHook = fn
}

func (pc *PC) send(m wire.Msg) error {
	pc.lastTxTime = time.Now()
	return pc.cb.Send(wire.Encode(nil, m))
}

// QueueRequest adds bl to the pending-request set and transmits REQUEST,
// per spec.md §4.2's pipelining rule: never exceed maxPendingRequests.
func (pc *PC) QueueRequest(bl piece.Block) bool {
	if len(pc.pendingRequests) >= pc.maxPendingRequests {
		return false
	}
	pc.pendingRequests = append(pc.pendingRequests, bl)
	pc.send(wire.Msg{Kind: wire.Request, Index: uint32(bl.PieceIdx), Begin: uint32(bl.Offset), Len: uint32(bl.Len)})
	return true
}

// PendingCount reports how many REQUESTs are outstanding.
func (pc *PC) PendingCount() int { return len(pc.pendingRequests) }

func (pc *PC) removePending(bl piece.Block) {
	for i, r := range pc.pendingRequests {
		if r == bl {
			pc.pendingRequests = append(pc.pendingRequests[:i], pc.pendingRequests[i+1:]...)
			return
		}
	}
}

// givebackAll clears the pending-request set, per spec.md §4.2's CHOKE
// handling ("give back all pending requests to their pieces and notify
// selector"). The caller (DM) is responsible for the piece/selector
// giveback using the returned blocks.
func (pc *PC) givebackAll() []piece.Block {
	out := pc.pendingRequests
	pc.pendingRequests = nil
	return out
}

// GivebackAll clears and returns this PC's pending-request set — used by
// the DM when removing a peer, per spec.md §4.1's "in-flight block
// requests must be given back."
func (pc *PC) GivebackAll() []piece.Block {
	return pc.givebackAll()
}

// SendHave transmits a HAVE(idx) message, per spec.md §4.4's completion
// broadcast, to any peer whose handshake has completed.
func (pc *PC) SendHave(idx int) {
	if !pc.has(Connected) {
		return
	}
	pc.myBitfield.Set(idx)
	if pc.peerBitfield != nil && pc.peerBitfield.Has(idx) && pc.numWant > 0 {
		pc.numWant--
		if pc.numWant == 0 && pc.has(AmInterested) {
			pc.clear(AmInterested)
			pc.send(wire.Msg{Kind: wire.NotInterested})
		}
	}
	pc.send(wire.Msg{Kind: wire.Have, Index: uint32(idx)})
}

// Periodic runs the per-tick housekeeping spec.md §4.2 names: rate-counter
// ticks, the idle timeout, sending our handshake if it has not been sent
// yet, keep-alive, and topping up the request pipeline.
func (pc *PC) Periodic(now time.Time) error {
	if pc.has(FailedConnection) {
		return nil
	}
	pc.drate.Tick(now)
	pc.urate.Tick(now)
	if now.Sub(pc.lastRxTime) > IdleTimeout && !pc.lastRxTime.IsZero() {
		pc.cb.Disconnect(pc.peerID, "timeout")
		return nil
	}
	if !pc.has(HandshakeSent) {
		if err := pc.StartOutbound(); err != nil {
			return err
		}
	}
	if now.Sub(pc.lastTxTime) > KeepAliveInterval {
		if err := pc.send(wire.Msg{Kind: wire.KeepAlive}); err != nil {
			return err
		}
	}
	if !pc.has(PeerChoking) && pc.PendingCount() < pc.maxPendingRequests {
		pc.cb.PollBlock(pc.peerID)
	}
	return nil
}

// MarkFailed transitions the PC to FAILED_CONNECTION, its terminal state.
func (pc *PC) MarkFailed() { pc.set(FailedConnection) }

// IsFailed reports whether the PC has reached FAILED_CONNECTION.
func (pc *PC) IsFailed() bool { return pc.has(FailedConnection) }
