// Package peerwire implements the framed message stream peers speak
// after the handshake: <length:4><id:1><payload> big-endian frames, with
// a zero length prefix meaning KeepAlive.
package peerwire

import (
	"encoding/binary"
	"fmt"

	"github.com/eliasson/pieces/internal/xerrors"
)

// ID identifies a message's wire type.
type ID byte

// Message ids, per spec.
const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	BitField      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
)

// BlockSize is the standard sub-piece transfer unit, 2^14 bytes.
const BlockSize = 16384

// Message is one parsed frame. KeepAlive frames have HasID == false and
// no payload.
type Message struct {
	HasID bool
	ID    ID

	// Index/Begin/Length are populated for Have, Request, Piece, Cancel.
	Index  uint32
	Begin  uint32
	Length uint32

	// BitFieldBits holds the raw bitfield payload for BitField messages.
	BitFieldBits []byte

	// Block holds the payload bytes for Piece messages.
	Block []byte
}

// KeepAlive returns a length-zero frame.
func KeepAlive() Message { return Message{} }

// NewChoke, NewUnchoke, ... construct the fixed, empty-payload messages.
func NewChoke() Message         { return Message{HasID: true, ID: Choke} }
func NewUnchoke() Message       { return Message{HasID: true, ID: Unchoke} }
func NewInterested() Message    { return Message{HasID: true, ID: Interested} }
func NewNotInterested() Message { return Message{HasID: true, ID: NotInterested} }

// NewHave constructs a Have(index) message.
func NewHave(index uint32) Message {
	return Message{HasID: true, ID: Have, Index: index}
}

// NewBitField constructs a BitField message from a packed bit array.
func NewBitField(bits []byte) Message {
	return Message{HasID: true, ID: BitField, BitFieldBits: bits}
}

// NewRequest constructs a Request(index, begin, length) message.
func NewRequest(index, begin, length uint32) Message {
	return Message{HasID: true, ID: Request, Index: index, Begin: begin, Length: length}
}

// NewCancel constructs a Cancel message, identical in shape to Request.
func NewCancel(index, begin, length uint32) Message {
	return Message{HasID: true, ID: Cancel, Index: index, Begin: begin, Length: length}
}

// NewPiece constructs a Piece(index, begin, block) message.
func NewPiece(index, begin uint32, block []byte) Message {
	return Message{HasID: true, ID: Piece, Index: index, Begin: begin, Block: block}
}

// Encode serializes m into its wire frame.
func (m Message) Encode() []byte {
	if !m.HasID {
		return []byte{0, 0, 0, 0}
	}

	var payload []byte
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		payload = nil
	case Have:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, m.Index)
	case BitField:
		payload = m.BitFieldBits
	case Request, Cancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		binary.BigEndian.PutUint32(payload[8:12], m.Length)
	case Piece:
		payload = make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		copy(payload[8:], m.Block)
	}

	length := uint32(1 + len(payload))
	out := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(out[0:4], length)
	out[4] = byte(m.ID)
	copy(out[5:], payload)
	return out
}

// Parse consumes one frame from the front of buf, returning the message,
// the number of bytes consumed, and whether a full frame was present. A
// false return with a nil error means the buffer does not yet contain a
// complete frame; the caller should read more bytes and retry.
func Parse(buf []byte) (msg Message, consumed int, ok bool, err error) {
	if len(buf) < 4 {
		return Message{}, 0, false, nil
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return KeepAlive(), 4, true, nil
	}
	frameLen := 4 + int(length)
	if len(buf) < frameLen {
		return Message{}, 0, false, nil
	}
	id := ID(buf[4])
	payload := buf[5:frameLen]

	m := Message{HasID: true, ID: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		// empty payload
	case Have:
		if len(payload) != 4 {
			return Message{}, 0, false, fmt.Errorf("%w: Have payload is %d bytes, want 4",
				xerrors.ErrProtocolMismatch, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case BitField:
		m.BitFieldBits = append([]byte(nil), payload...)
	case Request, Cancel:
		if len(payload) != 12 {
			return Message{}, 0, false, fmt.Errorf("%w: Request/Cancel payload is %d bytes, want 12",
				xerrors.ErrProtocolMismatch, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
	case Piece:
		if len(payload) < 8 {
			return Message{}, 0, false, fmt.Errorf("%w: Piece payload is %d bytes, want >= 8",
				xerrors.ErrProtocolMismatch, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Block = append([]byte(nil), payload[8:]...)
	default:
		// Unknown message ids are logged by the caller and the frame is
		// still consumed whole.
	}
	return m, frameLen, true, nil
}
