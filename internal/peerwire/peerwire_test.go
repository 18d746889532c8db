package peerwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	infoHash := []byte("CDP;~y~\xbf1X#'\xa5\xba\xae5\xb1\x1b\xda\x01")
	peerID := []byte("-qB3200-iTiX3rvfzMpr")
	require.Len(t, infoHash, 20)
	require.Len(t, peerID, 20)

	var h Handshake
	copy(h.InfoHash[:], infoHash)
	copy(h.PeerID[:], peerID)

	want := "\x13BitTorrent protocol\x00\x00\x00\x00\x00\x00\x00\x00" +
		string(infoHash) + string(peerID)

	got := h.Encode()
	assert.Equal(t, []byte(want), got)

	decoded, err := DecodeHandshake([]byte(want))
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestDecodeHandshakeRejectsWrongLength(t *testing.T) {
	_, err := DecodeHandshake([]byte("short"))
	require.Error(t, err)
}

func TestHaveEncode(t *testing.T) {
	m := NewHave(33)
	assert.Equal(t, []byte("\x00\x00\x00\x05\x04\x00\x00\x00\x21"), m.Encode())
}

func TestRequestEncode(t *testing.T) {
	m := NewRequest(0, 2, BlockSize)
	assert.Equal(t, []byte("\x00\x00\x00\r\x06\x00\x00\x00\x00\x00\x00\x00\x02\x00\x00\x40\x00"), m.Encode())
}

func TestPieceEncode(t *testing.T) {
	m := NewPiece(0, 0, []byte("ok"))
	assert.Equal(t, []byte("\x00\x00\x00\x0b\x07\x00\x00\x00\x00\x00\x00\x00\x00ok"), m.Encode())
}

func TestInterestedEncode(t *testing.T) {
	m := NewInterested()
	assert.Equal(t, []byte("\x00\x00\x00\x01\x02"), m.Encode())
}

func TestCancelEncode(t *testing.T) {
	m := NewCancel(0, 2, BlockSize)
	assert.Equal(t, []byte("\x00\x00\x00\r\x08\x00\x00\x00\x00\x00\x00\x00\x02\x00\x00\x40\x00"), m.Encode())
}

func TestParseRoundTripsEncodedMessages(t *testing.T) {
	cases := []Message{
		NewChoke(),
		NewUnchoke(),
		NewInterested(),
		NewNotInterested(),
		NewHave(33),
		NewRequest(0, 2, BlockSize),
		NewPiece(0, 0, []byte("ok")),
		NewCancel(0, 2, BlockSize),
		KeepAlive(),
	}
	for _, want := range cases {
		encoded := want.Encode()
		got, n, ok, err := Parse(encoded)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, len(encoded), n)
		assert.Equal(t, want.HasID, got.HasID)
		if want.HasID {
			assert.Equal(t, want.ID, got.ID)
			assert.Equal(t, want.Index, got.Index)
			assert.Equal(t, want.Begin, got.Begin)
			assert.Equal(t, want.Length, got.Length)
			assert.Equal(t, want.Block, got.Block)
		}
	}
}

func TestParseBitField(t *testing.T) {
	bits := []byte{0b10110000}
	m := NewBitField(bits)
	encoded := m.Encode()
	got, _, ok, err := Parse(encoded)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bits, got.BitFieldBits)
}

func TestParseIncompleteFrameReturnsNotOk(t *testing.T) {
	full := NewRequest(0, 0, BlockSize).Encode()
	_, _, ok, err := Parse(full[:len(full)-1])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamReaderAssemblesFramesAcrossFeeds(t *testing.T) {
	var r StreamReader
	full := NewHave(7).Encode()
	r.Feed(full[:2])

	_, ok, err := r.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	r.Feed(full[2:])
	m, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(7), m.Index)

	_, ok, err = r.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamReaderHandlesBackToBackFrames(t *testing.T) {
	var r StreamReader
	r.Feed(NewChoke().Encode())
	r.Feed(NewUnchoke().Encode())

	m1, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Choke, m1.ID)

	m2, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Unchoke, m2.ID)
}
