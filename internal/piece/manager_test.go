package piece

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eliasson/pieces/internal/metainfo"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
)

func newTestTorrent(t *testing.T, pieceLength int64, pieceContents [][]byte) *metainfo.Torrent {
	t.Helper()
	total := int64(0)
	pieces := make([]metainfo.PieceHash, len(pieceContents))
	for i, content := range pieceContents {
		total += int64(len(content))
		pieces[i] = metainfo.PieceHash(sha1.Sum(content))
	}
	return &metainfo.Torrent{
		Announce:    "http://example.com/announce",
		Name:        "out.bin",
		PieceLength: pieceLength,
		TotalSize:   total,
		Pieces:      pieces,
	}
}

func newTestManager(t *testing.T, torrent *metainfo.Torrent, clk clock.Clock) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.bin")
	m, err := NewManager(Config{}, torrent, path, clk, nil, tally.NoopScope)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewManagerPreallocatesFile(t *testing.T) {
	content := make([]byte, 100)
	torrent := newTestTorrent(t, 16384, [][]byte{content})
	path := filepath.Join(t.TempDir(), "out.bin")

	m, err := NewManager(Config{}, torrent, path, clock.New(), nil, tally.NoopScope)
	require.NoError(t, err)
	defer m.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(100), info.Size())
}

func TestPieceWithNoBlocksReturnsNothing(t *testing.T) {
	torrent := newTestTorrent(t, 16384, [][]byte{{}})
	m := newTestManager(t, torrent, clock.New())
	// PieceSize gives the last piece the full piece length when the total
	// size divides evenly (including a total of 0), so the block-less
	// piece is built directly.
	m.pieces[0].blocks = nil

	bits := bitset.New(1).Set(0)
	m.RegisterPeer("peerA", bits)

	_, ok := m.NextRequest("peerA")
	assert.False(t, ok)
}

func TestPieceWithTenBlocksLeavesNineMissing(t *testing.T) {
	content := make([]byte, 100)
	torrent := newTestTorrent(t, 100, [][]byte{content})
	// Force ten 10-byte blocks by overriding piece length semantics via a
	// piece that divides evenly into 10-byte units: buildBlocks uses
	// BlockSize (16384), so to exercise a "10 blocks of length 10" shape
	// here we build directly.
	m := newTestManager(t, torrent, clock.New())
	m.pieces[0].blocks = make([]Block, 10)
	for i := range m.pieces[0].blocks {
		m.pieces[0].blocks[i] = Block{PieceIndex: 0, Offset: int64(i * 10), Length: 10, Status: Missing}
	}

	bits := bitset.New(1).Set(0)
	m.RegisterPeer("peerA", bits)

	blk, ok := m.NextRequest("peerA")
	require.True(t, ok)
	assert.Equal(t, int64(0), blk.Offset)

	missing, pendingCount := 0, 0
	for _, b := range m.pieces[0].blocks {
		switch b.Status {
		case Missing:
			missing++
		case Pending:
			pendingCount++
		}
	}
	assert.Equal(t, 9, missing)
	assert.Equal(t, 1, pendingCount)
}

func TestUnknownPeerGetsNoRequest(t *testing.T) {
	torrent := newTestTorrent(t, 16384, [][]byte{make([]byte, 16384)})
	m := newTestManager(t, torrent, clock.New())

	_, ok := m.NextRequest("ghost")
	assert.False(t, ok)
}

func TestReceivingUnknownOffsetDoesNotError(t *testing.T) {
	torrent := newTestTorrent(t, 16384, [][]byte{make([]byte, 16384)})
	m := newTestManager(t, torrent, clock.New())

	err := m.BlockReceived("peerA", 0, 999999, []byte("garbage"))
	assert.NoError(t, err)
}

func TestBlockReceivedCompletesPieceOnDigestMatch(t *testing.T) {
	content := make([]byte, 16384)
	for i := range content {
		content[i] = byte(i)
	}
	torrent := newTestTorrent(t, 16384, [][]byte{content})
	m := newTestManager(t, torrent, clock.New())

	bits := bitset.New(1).Set(0)
	m.RegisterPeer("peerA", bits)

	blk, ok := m.NextRequest("peerA")
	require.True(t, ok)

	err := m.BlockReceived("peerA", 0, blk.Offset, content)
	require.NoError(t, err)

	assert.True(t, m.Complete())
	_, _, have := m.Counts()
	assert.Equal(t, 1, have)
}

func TestBlockReceivedWritesCorrectBytes(t *testing.T) {
	content := []byte("hello world, this fits in one block")
	torrent := newTestTorrent(t, int64(len(content)), [][]byte{content})
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	m, err := NewManager(Config{}, torrent, path, clock.New(), nil, tally.NoopScope)
	require.NoError(t, err)
	defer m.Close()

	bits := bitset.New(1).Set(0)
	m.RegisterPeer("peerA", bits)
	blk, ok := m.NextRequest("peerA")
	require.True(t, ok)

	require.NoError(t, m.BlockReceived("peerA", 0, blk.Offset, content))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestBlockReceivedResetsPieceOnDigestMismatch(t *testing.T) {
	content := make([]byte, 16384)
	torrent := newTestTorrent(t, 16384, [][]byte{content})
	m := newTestManager(t, torrent, clock.New())

	bits := bitset.New(1).Set(0)
	m.RegisterPeer("peerA", bits)
	blk, ok := m.NextRequest("peerA")
	require.True(t, ok)

	wrong := make([]byte, 16384)
	wrong[0] = 0xFF

	err := m.BlockReceived("peerA", 0, blk.Offset, wrong)
	require.NoError(t, err)

	assert.False(t, m.Complete())
	missing, ongoing, have := m.Counts()
	assert.Equal(t, 0, missing)
	assert.Equal(t, 1, ongoing)
	assert.Equal(t, 0, have)
	assert.Equal(t, Missing, m.pieces[0].blocks[0].Status)
}

func TestSetInvariantHoldsAcrossLifecycle(t *testing.T) {
	pieces := [][]byte{make([]byte, 16384), make([]byte, 16384), make([]byte, 16384)}
	torrent := newTestTorrent(t, 16384, pieces)
	m := newTestManager(t, torrent, clock.New())

	bits := bitset.New(3).Set(0).Set(1).Set(2)
	m.RegisterPeer("peerA", bits)

	for i := 0; i < 3; i++ {
		blk, ok := m.NextRequest("peerA")
		require.True(t, ok)
		require.NoError(t, m.BlockReceived("peerA", blk.PieceIndex, blk.Offset, pieces[blk.PieceIndex]))

		missing, ongoing, have := m.Counts()
		assert.Equal(t, len(pieces), missing+ongoing+have)
	}
	assert.True(t, m.Complete())
}

func TestRarestFirstPrefersPieceWithFewerHolders(t *testing.T) {
	pieces := [][]byte{make([]byte, 16384), make([]byte, 16384)}
	torrent := newTestTorrent(t, 16384, pieces)
	m := newTestManager(t, torrent, clock.New())

	both := bitset.New(2).Set(0).Set(1)
	onlyZero := bitset.New(2).Set(0)
	m.RegisterPeer("holdsBoth", both)
	m.RegisterPeer("holdsOnlyZero", onlyZero)

	blk, ok := m.NextRequest("holdsBoth")
	require.True(t, ok)
	// Piece 0 is held by two peers, piece 1 only by "holdsBoth" itself;
	// piece 1 is rarer and should be chosen first.
	assert.Equal(t, 1, blk.PieceIndex)
}

func TestTimeoutReissuesPendingBlock(t *testing.T) {
	content := make([]byte, 16384)
	torrent := newTestTorrent(t, 16384, [][]byte{content})
	clk := clock.NewMock()
	m := newTestManager(t, torrent, clk)

	bits := bitset.New(1).Set(0)
	m.RegisterPeer("peerA", bits)
	first, ok := m.NextRequest("peerA")
	require.True(t, ok)

	// Immediately after, there's nothing else to request: piece 0 is the
	// only piece and its only block is already pending.
	_, ok = m.NextRequest("peerA")
	assert.False(t, ok)

	clk.Add(6 * time.Minute)

	reissued, ok := m.NextRequest("peerA")
	require.True(t, ok)
	assert.Equal(t, first.Offset, reissued.Offset)
}

func TestConfigBlockSizeControlsBlockCount(t *testing.T) {
	torrent := newTestTorrent(t, 100, [][]byte{make([]byte, 100)})
	path := filepath.Join(t.TempDir(), "out.bin")

	m, err := NewManager(Config{BlockSize: 25}, torrent, path, clock.New(), nil, tally.NoopScope)
	require.NoError(t, err)
	defer m.Close()

	assert.Len(t, m.pieces[0].blocks, 4)
}

func TestConfigRequestTimeoutControlsReissueDelay(t *testing.T) {
	content := make([]byte, 16384)
	torrent := newTestTorrent(t, 16384, [][]byte{content})
	path := filepath.Join(t.TempDir(), "out.bin")
	clk := clock.NewMock()

	m, err := NewManager(Config{RequestTimeout: time.Minute}, torrent, path, clk, nil, tally.NoopScope)
	require.NoError(t, err)
	defer m.Close()

	bits := bitset.New(1).Set(0)
	m.RegisterPeer("peerA", bits)
	first, ok := m.NextRequest("peerA")
	require.True(t, ok)

	clk.Add(90 * time.Second)

	reissued, ok := m.NextRequest("peerA")
	require.True(t, ok)
	assert.Equal(t, first.Offset, reissued.Offset)
}

func TestRemovePeerDoesNotOrphanPendingBlock(t *testing.T) {
	content := make([]byte, 16384)
	torrent := newTestTorrent(t, 16384, [][]byte{content})
	clk := clock.NewMock()
	m := newTestManager(t, torrent, clk)

	bits := bitset.New(1).Set(0)
	m.RegisterPeer("peerA", bits)
	_, ok := m.NextRequest("peerA")
	require.True(t, ok)

	m.RemovePeer("peerA")

	m.RegisterPeer("peerB", bits)
	clk.Add(6 * time.Minute)

	_, ok = m.NextRequest("peerB")
	assert.True(t, ok)
}
