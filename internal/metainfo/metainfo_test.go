package metainfo

import (
	"testing"

	"github.com/eliasson/pieces/internal/bencode"
	"github.com/eliasson/pieces/internal/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func piecesBlob(n int) []byte {
	out := make([]byte, n*20)
	for i := 0; i < n; i++ {
		out[i*20] = byte(i)
	}
	return out
}

func singleFileMetainfo(pieceLength, totalSize int64, numPieces int) []byte {
	v := bencode.Dictionary(
		bencode.Pair{Key: "announce", Value: bencode.Str("http://torrent.ubuntu.com:6969/announce")},
		bencode.Pair{Key: "info", Value: bencode.Dictionary(
			bencode.Pair{Key: "length", Value: bencode.Int64(totalSize)},
			bencode.Pair{Key: "name", Value: bencode.Str("ubuntu-16.04-desktop-amd64.iso")},
			bencode.Pair{Key: "piece length", Value: bencode.Int64(pieceLength)},
			bencode.Pair{Key: "pieces", Value: bencode.Bin(piecesBlob(numPieces))},
		)},
	)
	raw, err := bencode.Encode(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func TestParseSingleFileTorrent(t *testing.T) {
	raw := singleFileMetainfo(524288, 1485881344, 2835)
	tr, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "http://torrent.ubuntu.com:6969/announce", tr.Announce)
	assert.Equal(t, int64(524288), tr.PieceLength)
	assert.Equal(t, int64(1485881344), tr.TotalSize)
	assert.Equal(t, 2835, tr.NumPieces())
	assert.Equal(t, "ubuntu-16.04-desktop-amd64.iso", tr.Name)
	assert.NotEqual(t, InfoHash{}, tr.InfoHash)
}

func TestParseMultiFileTorrentIsUnsupported(t *testing.T) {
	v := bencode.Dictionary(
		bencode.Pair{Key: "announce", Value: bencode.Str("http://example.com/announce")},
		bencode.Pair{Key: "info", Value: bencode.Dictionary(
			bencode.Pair{Key: "name", Value: bencode.Str("multi")},
			bencode.Pair{Key: "piece length", Value: bencode.Int64(16384)},
			bencode.Pair{Key: "files", Value: bencode.Seq()},
			bencode.Pair{Key: "pieces", Value: bencode.Bin(piecesBlob(1))},
		)},
	)
	raw, err := bencode.Encode(v)
	require.NoError(t, err)

	_, err = Parse(raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.ErrUnsupported)
}

func TestParseRejectsBadPiecesLength(t *testing.T) {
	v := bencode.Dictionary(
		bencode.Pair{Key: "announce", Value: bencode.Str("http://example.com/announce")},
		bencode.Pair{Key: "info", Value: bencode.Dictionary(
			bencode.Pair{Key: "name", Value: bencode.Str("bad")},
			bencode.Pair{Key: "piece length", Value: bencode.Int64(16384)},
			bencode.Pair{Key: "length", Value: bencode.Int64(100)},
			bencode.Pair{Key: "pieces", Value: bencode.Bin([]byte{1, 2, 3})},
		)},
	)
	raw, err := bencode.Encode(v)
	require.NoError(t, err)

	_, err = Parse(raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.ErrMalformedInput)
}

func TestPieceSizeHandlesShortTailPiece(t *testing.T) {
	raw := singleFileMetainfo(16384, 16384*3+100, 4)
	tr, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, int64(16384), tr.PieceSize(0))
	assert.Equal(t, int64(16384), tr.PieceSize(2))
	assert.Equal(t, int64(100), tr.PieceSize(3))
}

func TestPieceSizeExactMultipleUsesFullPieceLength(t *testing.T) {
	raw := singleFileMetainfo(16384, 16384*4, 4)
	tr, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, int64(16384), tr.PieceSize(3))
}

func TestParseRejectsPieceCountMismatch(t *testing.T) {
	raw := singleFileMetainfo(16384, 16384*4, 3)

	_, err := Parse(raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.ErrMalformedInput)
}

func TestValidateAcceptsConsistentGeometry(t *testing.T) {
	tr := &Torrent{PieceLength: 16384, TotalSize: 16384*3 + 100, Pieces: make([]PieceHash, 4)}
	assert.NoError(t, tr.Validate())
}

func TestValidateRejectsZeroPieceLength(t *testing.T) {
	tr := &Torrent{PieceLength: 0, TotalSize: 100, Pieces: make([]PieceHash, 1)}
	assert.Error(t, tr.Validate())
}

func TestInfoHashIsStableAcrossReparse(t *testing.T) {
	raw := singleFileMetainfo(524288, 1485881344, 2835)
	first, err := Parse(raw)
	require.NoError(t, err)
	second, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, first.InfoHash, second.InfoHash)
}
