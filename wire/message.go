// Package wire implements the BitTorrent peer-wire protocol framing
// spec.md §4.3 specifies: the handshake and the length-prefixed message
// stream, plus enough of BEP 3's message vocabulary to drive the PC state
// machine.
//
// The message IDs, Msg shape, and encoder are lifted from the teacher's
// peer_wire/message.go (Msg, MessageID, Write); the decoder is rewritten
// from scratch because the teacher's Read blocks on a net.Conn and is
// unfinished (its switch has no cases), while spec.md §4.3 requires a
// MsgHandler that decodes from whatever bytes dispatch_from_buffer hands
// it and remembers a partial message across calls — there is no
// blocking read to build on.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MessageID identifies a peer-wire message type, per BEP 3.
type MessageID int8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
	// KeepAlive has no wire ID (it is the zero-length message) but we give
	// it one here so callers can switch on Msg.Kind uniformly.
	KeepAlive MessageID = -1
)

// MaxBlockLen is the largest block payload a well-behaved peer requests,
// matching piece.MaxBlockLen; MaxMessageLen below is sized to fit one such
// block plus the PIECE message's id+index+begin header.
const MaxBlockLen = 1 << 14

// MaxMessageLen is the upper bound spec.md §4.3 gives for a single
// message: one block plus PIECE header slack (2^17 + 13).
const MaxMessageLen = 1<<17 + 13

// Msg is one decoded peer-wire message. Only the fields relevant to Kind
// are populated.
type Msg struct {
	Kind  MessageID
	Index uint32
	Begin uint32
	// Bitfield carries BITFIELD's payload.
	Bitfield []byte
	// Block carries PIECE's payload (REQUEST/CANCEL use Index/Begin/Len
	// instead).
	Block []byte
	// Len carries REQUEST/CANCEL's requested length.
	Len uint32
}

// Encode appends the wire bytes for m to buf and returns the result.
func Encode(buf []byte, m Msg) []byte {
	start := len(buf)
	buf = append(buf, 0, 0, 0, 0) // length placeholder
	switch m.Kind {
	case KeepAlive:
		// length 0, no id
	case Choke, Unchoke, Interested, NotInterested:
		buf = append(buf, byte(m.Kind))
	case Have:
		buf = append(buf, byte(m.Kind))
		buf = appendU32(buf, m.Index)
	case Bitfield:
		buf = append(buf, byte(m.Kind))
		buf = append(buf, m.Bitfield...)
	case Request, Cancel:
		buf = append(buf, byte(m.Kind))
		buf = appendU32(buf, m.Index)
		buf = appendU32(buf, m.Begin)
		buf = appendU32(buf, m.Len)
	case Piece:
		buf = append(buf, byte(m.Kind))
		buf = appendU32(buf, m.Index)
		buf = appendU32(buf, m.Begin)
		buf = append(buf, m.Block...)
	case Port:
		buf = append(buf, byte(m.Kind), 0, 0)
	default:
		panic(fmt.Sprintf("wire: unknown message kind %d", m.Kind))
	}
	binary.BigEndian.PutUint32(buf[start:start+4], uint32(len(buf)-start-4))
	return buf
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// MsgHandler decodes a stream of length-prefixed messages, buffering a
// partial message across Feed calls, per spec.md §4.3's "must buffer
// partial messages across multiple dispatch calls".
type MsgHandler struct {
	buf []byte
}

// NewMsgHandler returns a MsgHandler with no buffered bytes.
func NewMsgHandler() *MsgHandler {
	return &MsgHandler{}
}

// Feed appends b to the internal buffer and decodes as many complete
// messages as are available, returning them; bytes of an in-progress
// message stay buffered for the next call. An error means the stream is
// corrupt and the caller must close the connection.
func (h *MsgHandler) Feed(b []byte) ([]Msg, error) {
	h.buf = append(h.buf, b...)
	var out []Msg
	for {
		m, n, err := decodeOne(h.buf)
		if err != nil {
			return out, err
		}
		if n == 0 {
			break
		}
		h.buf = h.buf[n:]
		out = append(out, m)
	}
	return out, nil
}

// decodeOne attempts to decode a single message from the front of buf.
// n is the number of bytes consumed; n==0 means buf doesn't yet hold a
// complete message.
func decodeOne(buf []byte) (m Msg, n int, err error) {
	if len(buf) < 4 {
		return Msg{}, 0, nil
	}
	length := binary.BigEndian.Uint32(buf[:4])
	if length > MaxMessageLen {
		return Msg{}, 0, fmt.Errorf("wire: message length %d exceeds max %d", length, MaxMessageLen)
	}
	if length == 0 {
		return Msg{Kind: KeepAlive}, 4, nil
	}
	if uint32(len(buf)-4) < length {
		return Msg{}, 0, nil
	}
	payload := buf[4 : 4+length]
	total := int(4 + length)
	id := MessageID(payload[0])
	rest := payload[1:]
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		return Msg{Kind: id}, total, nil
	case Have:
		if len(rest) != 4 {
			return Msg{}, 0, fmt.Errorf("wire: malformed HAVE")
		}
		return Msg{Kind: id, Index: binary.BigEndian.Uint32(rest)}, total, nil
	case Bitfield:
		bf := make([]byte, len(rest))
		copy(bf, rest)
		return Msg{Kind: id, Bitfield: bf}, total, nil
	case Request, Cancel:
		if len(rest) != 12 {
			return Msg{}, 0, fmt.Errorf("wire: malformed REQUEST/CANCEL")
		}
		return Msg{
			Kind:  id,
			Index: binary.BigEndian.Uint32(rest[0:4]),
			Begin: binary.BigEndian.Uint32(rest[4:8]),
			Len:   binary.BigEndian.Uint32(rest[8:12]),
		}, total, nil
	case Piece:
		if len(rest) < 8 {
			return Msg{}, 0, fmt.Errorf("wire: malformed PIECE")
		}
		block := make([]byte, len(rest)-8)
		copy(block, rest[8:])
		return Msg{
			Kind:  id,
			Index: binary.BigEndian.Uint32(rest[0:4]),
			Begin: binary.BigEndian.Uint32(rest[4:8]),
			Block: block,
		}, total, nil
	case Port:
		return Msg{Kind: id}, total, nil
	default:
		return Msg{}, 0, fmt.Errorf("wire: unknown message id %d", id)
	}
}
