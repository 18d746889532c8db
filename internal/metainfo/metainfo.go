// Package metainfo parses a torrent metainfo file into the fields the
// rest of the client needs: the announce URL, piece geometry, expected
// piece digests, and the info-hash that identifies the torrent on the
// wire.
package metainfo

import (
	"crypto/sha1"
	"fmt"

	"github.com/eliasson/pieces/internal/bencode"
	"github.com/eliasson/pieces/internal/xerrors"
)

// digestSize is the length in bytes of a SHA-1 digest, and therefore of
// both a PieceHash and an InfoHash.
const digestSize = sha1.Size

// PieceHash is the expected 20-byte digest of one piece.
type PieceHash [digestSize]byte

// InfoHash identifies a torrent on the wire: the SHA-1 digest of the
// canonical re-encoding of its info dictionary.
type InfoHash [digestSize]byte

// Bytes returns the raw 20 bytes of h.
func (h InfoHash) Bytes() []byte { return h[:] }

// Torrent is the parsed, validated view of a single-file metainfo blob.
type Torrent struct {
	Announce    string
	Name        string
	PieceLength int64
	TotalSize   int64
	Pieces      []PieceHash
	InfoHash    InfoHash
}

// Parse decodes raw metainfo bytes into a Torrent. Multi-file torrents
// (an info dict carrying a "files" key) are rejected with
// xerrors.ErrUnsupported, as are any structural violations of the
// metainfo shape, which surface as xerrors.ErrMalformedInput.
func Parse(raw []byte) (*Torrent, error) {
	top, err := bencode.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode metainfo: %w", err)
	}
	if !top.IsDict() {
		return nil, fmt.Errorf("%w: top-level metainfo is not a dict", xerrors.ErrMalformedInput)
	}

	announce, ok := top.Get("announce")
	if !ok || !announce.IsBytes() {
		return nil, fmt.Errorf("%w: missing or invalid \"announce\"", xerrors.ErrMalformedInput)
	}

	info, ok := top.Get("info")
	if !ok || !info.IsDict() {
		return nil, fmt.Errorf("%w: missing or invalid \"info\"", xerrors.ErrMalformedInput)
	}

	if _, isMultiFile := info.Get("files"); isMultiFile {
		return nil, fmt.Errorf("%w: multi-file torrents are not supported", xerrors.ErrUnsupported)
	}

	name, ok := info.Get("name")
	if !ok || !name.IsBytes() {
		return nil, fmt.Errorf("%w: missing or invalid \"info.name\"", xerrors.ErrMalformedInput)
	}

	pieceLength, ok := info.Get("piece length")
	if !ok || !pieceLength.IsInt() || pieceLength.Int <= 0 {
		return nil, fmt.Errorf("%w: missing or invalid \"info.piece length\"", xerrors.ErrMalformedInput)
	}

	length, ok := info.Get("length")
	if !ok || !length.IsInt() || length.Int < 0 {
		return nil, fmt.Errorf("%w: missing or invalid \"info.length\"", xerrors.ErrMalformedInput)
	}

	piecesBlob, ok := info.Get("pieces")
	if !ok || !piecesBlob.IsBytes() {
		return nil, fmt.Errorf("%w: missing or invalid \"info.pieces\"", xerrors.ErrMalformedInput)
	}
	if len(piecesBlob.Bytes)%digestSize != 0 {
		return nil, fmt.Errorf("%w: \"info.pieces\" length %d is not a multiple of %d",
			xerrors.ErrMalformedInput, len(piecesBlob.Bytes), digestSize)
	}

	pieces := make([]PieceHash, len(piecesBlob.Bytes)/digestSize)
	for i := range pieces {
		copy(pieces[i][:], piecesBlob.Bytes[i*digestSize:(i+1)*digestSize])
	}

	infoHash, err := computeInfoHash(info)
	if err != nil {
		return nil, fmt.Errorf("compute info hash: %w", err)
	}

	t := &Torrent{
		Announce:    announce.String(),
		Name:        name.String(),
		PieceLength: pieceLength.Int,
		TotalSize:   length.Int,
		Pieces:      pieces,
		InfoHash:    infoHash,
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", xerrors.ErrMalformedInput, err)
	}
	return t, nil
}

// Validate checks that t's piece geometry is internally consistent: the
// number of piece digests must match the number of pieces implied by
// TotalSize and PieceLength.
func (t *Torrent) Validate() error {
	if t.PieceLength <= 0 {
		return fmt.Errorf("piece length must be positive, got %d", t.PieceLength)
	}
	want := (t.TotalSize + t.PieceLength - 1) / t.PieceLength
	if int64(len(t.Pieces)) != want {
		return fmt.Errorf("piece count and total size are at odds: have %d pieces, want %d", len(t.Pieces), want)
	}
	return nil
}

// computeInfoHash re-encodes the info sub-dictionary exactly as decoded
// and takes its SHA-1 digest. Decoding followed by encoding of info must
// be byte-identical or the digest will not match what peers expect; the
// order-preserving bencode.Value dict is what makes that true.
func computeInfoHash(info bencode.Value) (InfoHash, error) {
	raw, err := bencode.Encode(info)
	if err != nil {
		return InfoHash{}, err
	}
	var h InfoHash
	sum := sha1.Sum(raw)
	copy(h[:], sum[:])
	return h, nil
}

// NumPieces returns the number of pieces this torrent is split into.
func (t *Torrent) NumPieces() int {
	return len(t.Pieces)
}

// PieceSize returns the length in bytes of piece i. Every piece except
// the last is PieceLength; the last piece is whatever remains of
// TotalSize, which may equal PieceLength if it divides evenly.
func (t *Torrent) PieceSize(i int) int64 {
	if i < 0 || i >= len(t.Pieces) {
		return 0
	}
	if i < len(t.Pieces)-1 {
		return t.PieceLength
	}
	remainder := t.TotalSize % t.PieceLength
	if remainder == 0 {
		return t.PieceLength
	}
	return remainder
}
