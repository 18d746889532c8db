package peerwire

import (
	"fmt"
	"io"

	"github.com/eliasson/pieces/internal/xerrors"
)

const (
	protocolName = "BitTorrent protocol"
	handshakeLen = 49 + len(protocolName)
	infoHashLen  = 20
	peerIDLen    = 20
	reservedLen  = 8
	pstrLenByte  = 19
)

// Handshake is the 68-byte greeting exchanged before the framed message
// stream begins.
type Handshake struct {
	InfoHash [infoHashLen]byte
	PeerID   [peerIDLen]byte
}

// Encode serializes h into the wire handshake: a length byte, the
// protocol name, 8 zeroed reserved bytes, the info-hash, then the
// peer-id.
func (h Handshake) Encode() []byte {
	buf := make([]byte, 0, handshakeLen)
	buf = append(buf, pstrLenByte)
	buf = append(buf, protocolName...)
	buf = append(buf, make([]byte, reservedLen)...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ReadHandshake reads exactly 68 bytes from r and decodes them. Reserved
// bytes are ignored on receipt, per spec.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("%w: read handshake: %s", xerrors.ErrProtocolMismatch, err)
	}
	return DecodeHandshake(buf)
}

// DecodeHandshake parses a 68-byte handshake buffer.
func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) != handshakeLen {
		return Handshake{}, fmt.Errorf("%w: handshake is %d bytes, want %d",
			xerrors.ErrProtocolMismatch, len(buf), handshakeLen)
	}
	if buf[0] != pstrLenByte {
		return Handshake{}, fmt.Errorf("%w: unexpected protocol name length %d", xerrors.ErrProtocolMismatch, buf[0])
	}
	if string(buf[1:1+len(protocolName)]) != protocolName {
		return Handshake{}, fmt.Errorf("%w: unexpected protocol name", xerrors.ErrProtocolMismatch)
	}
	var h Handshake
	off := 1 + len(protocolName) + reservedLen
	copy(h.InfoHash[:], buf[off:off+infoHashLen])
	copy(h.PeerID[:], buf[off+infoHashLen:off+infoHashLen+peerIDLen])
	return h, nil
}
