package wire

import (
	"bytes"
	"fmt"
)

const pstrLen = 19

var pstr = []byte("BitTorrent protocol")

// HandshakeLen is the fixed handshake size spec.md §4.3 gives:
// 1 + 19 + 8 + 20 + 20.
const HandshakeLen = 1 + 19 + 8 + 20 + 20

// Handshake is a decoded peer handshake.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// Encode returns the wire bytes for h.
func (h Handshake) Encode() []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, pstrLen)
	buf = append(buf, pstr...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// Handshaker incrementally decodes a peer's handshake across possibly
// many Feed calls, grounded on the teacher's peer_wire/handshake.go field
// layout and BEP 3 constants but rewritten as a buffer-fed state machine
// instead of a blocking io.ReadFull, per spec.md §4.3's "Handshaker
// consumes bytes until it has 68 bytes" and the non-blocking dispatch
// model in spec.md §5.
type Handshaker struct {
	wantInfoHash [20]byte
	buf          []byte
}

// NewHandshaker returns a Handshaker that will reject any peer whose
// infohash doesn't equal wantInfoHash.
func NewHandshaker(wantInfoHash [20]byte) *Handshaker {
	return &Handshaker{wantInfoHash: wantInfoHash}
}

// Feed appends b and attempts to complete the handshake. Result is 1
// (done, Handshake is valid), 0 (need more bytes), or -1 (invalid; the
// connection must be closed), per spec.md §4.3.
func (h *Handshaker) Feed(b []byte) (result int, hs Handshake, consumed int) {
	h.buf = append(h.buf, b...)
	if len(h.buf) < HandshakeLen {
		return 0, Handshake{}, len(b)
	}
	frame := h.buf[:HandshakeLen]
	extra := len(h.buf) - HandshakeLen
	consumed = len(b) - extra

	if frame[0] != pstrLen || !bytes.Equal(frame[1:1+pstrLen], pstr) {
		return -1, Handshake{}, consumed
	}
	copy(hs.Reserved[:], frame[1+pstrLen:1+pstrLen+8])
	copy(hs.InfoHash[:], frame[1+pstrLen+8:1+pstrLen+8+20])
	copy(hs.PeerID[:], frame[1+pstrLen+8+20:])
	if hs.InfoHash != h.wantInfoHash {
		return -1, hs, consumed
	}
	return 1, hs, consumed
}

func (h Handshake) String() string {
	return fmt.Sprintf("Handshake{infohash=%x peerid=%x}", h.InfoHash, h.PeerID)
}
