package piece

import (
	"crypto/sha1"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/eliasson/pieces/internal/metainfo"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"
)

// DefaultRequestTimeout is the duration after which an outstanding block
// request is considered abandoned and eligible for reissue to another
// peer, used when the caller does not override it.
const DefaultRequestTimeout = 5 * time.Minute

type setKind int

const (
	setMissing setKind = iota
	setOngoing
	setHave
)

type pendingKey struct {
	piece  int
	offset int64
}

// Manager owns the piece/block inventory for one torrent: which pieces
// are missing, ongoing, or verified and written (have); every peer's
// advertised bitfield; and the output file handle.
//
// |missing| + |ongoing| + |have| always equals the total piece count, and
// the three sets are always disjoint — Manager's methods are the only
// thing allowed to move a piece between them.
type Manager struct {
	mu sync.Mutex

	torrent *metainfo.Torrent
	pieces  []*pieceState
	status  []setKind

	peers map[string]*bitset.BitSet

	pending map[pendingKey]time.Time

	file *os.File

	requestTimeout time.Duration

	clk    clock.Clock
	logger *zap.SugaredLogger
	stats  tally.Scope
}

// Config tunes the piece manager's block size and request-reissue
// timeout. A zero field falls back to the package default.
type Config struct {
	BlockSize      int64
	RequestTimeout time.Duration
}

func (c Config) applyDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// NewManager builds the piece/block inventory for torrent and opens (or
// creates) outputPath, pre-sizing it to the torrent's total size so the
// tail piece never takes a short write.
func NewManager(
	cfg Config,
	torrent *metainfo.Torrent,
	outputPath string,
	clk clock.Clock,
	logger *zap.SugaredLogger,
	stats tally.Scope,
) (*Manager, error) {
	cfg = cfg.applyDefaults()

	f, err := os.OpenFile(outputPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	if err := f.Truncate(torrent.TotalSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("preallocate output file: %w", err)
	}

	pieces := make([]*pieceState, torrent.NumPieces())
	status := make([]setKind, torrent.NumPieces())
	for i := range pieces {
		pieces[i] = &pieceState{
			index:    i,
			blocks:   buildBlocks(i, torrent.PieceSize(i), cfg.BlockSize),
			expected: [20]byte(torrent.Pieces[i]),
		}
		status[i] = setMissing
	}

	return &Manager{
		torrent:        torrent,
		pieces:         pieces,
		status:         status,
		peers:          make(map[string]*bitset.BitSet),
		pending:        make(map[pendingKey]time.Time),
		file:           f,
		requestTimeout: cfg.RequestTimeout,
		clk:            clk,
		logger:         logger,
		stats:          stats.SubScope("piece_manager"),
	}, nil
}

// Close flushes and closes the output file.
func (m *Manager) Close() error {
	return m.file.Close()
}

// Complete reports whether every piece has been verified and written.
func (m *Manager) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countStatus(setHave) == len(m.pieces)
}

// Counts returns (missing, ongoing, have) piece counts, for progress
// reporting.
func (m *Manager) Counts() (missing, ongoing, have int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countStatus(setMissing), m.countStatus(setOngoing), m.countStatus(setHave)
}

func (m *Manager) countStatus(k setKind) int {
	n := 0
	for _, s := range m.status {
		if s == k {
			n++
		}
	}
	return n
}

// RegisterPeer records peerID's advertised bitfield. Must be called
// before UpdatePeer for that peer; a peer that never sends a BitField
// should still be registered with an all-clear bitset.
func (m *Manager) RegisterPeer(peerID string, bits *bitset.BitSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[peerID] = bits
}

// UpdatePeer sets bit index in peerID's bitfield (a Have message). If
// peerID was never registered, it is registered now with an empty
// bitfield before the bit is set.
func (m *Manager) UpdatePeer(peerID string, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bits, ok := m.peers[peerID]
	if !ok {
		bits = bitset.New(uint(len(m.pieces)))
		m.peers[peerID] = bits
	}
	bits.Set(uint(index))
}

// RemovePeer discards peerID's bitfield. Any blocks it had pending remain
// pending and will be reissued to another peer on timeout.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerID)
}

// NextRequest picks the next block peerID should be asked for, following
// the priority order: reissue a timed-out request, continue an ongoing
// piece, or start a new piece by rarest-first. Returns ok=false if
// peerID is unknown or no candidate block exists.
func (m *Manager) NextRequest(peerID string) (block Block, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bits, known := m.peers[peerID]
	if !known {
		return Block{}, false
	}

	if b, ok := m.reissueTimedOut(bits); ok {
		return b, true
	}
	if b, ok := m.continueOngoing(bits); ok {
		return b, true
	}
	return m.startNewPiece(bits)
}

func (m *Manager) reissueTimedOut(bits *bitset.BitSet) (Block, bool) {
	keys := make([]pendingKey, 0, len(m.pending))
	for k := range m.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].piece != keys[j].piece {
			return keys[i].piece < keys[j].piece
		}
		return keys[i].offset < keys[j].offset
	})

	now := m.clk.Now()
	for _, k := range keys {
		if !bits.Test(uint(k.piece)) {
			continue
		}
		createdAt := m.pending[k]
		if now.Sub(createdAt) < m.requestTimeout {
			continue
		}
		p := m.pieces[k.piece]
		for i := range p.blocks {
			if p.blocks[i].Offset != k.offset {
				continue
			}
			if p.blocks[i].Status != Pending {
				continue
			}
			m.pending[k] = now
			return p.blocks[i], true
		}
	}
	return Block{}, false
}

func (m *Manager) continueOngoing(bits *bitset.BitSet) (Block, bool) {
	for i, s := range m.status {
		if s != setOngoing {
			continue
		}
		if !bits.Test(uint(i)) {
			continue
		}
		p := m.pieces[i]
		for bi := range p.blocks {
			if p.blocks[bi].Status != Missing {
				continue
			}
			p.blocks[bi].Status = Pending
			m.pending[pendingKey{piece: i, offset: p.blocks[bi].Offset}] = m.clk.Now()
			return p.blocks[bi], true
		}
	}
	return Block{}, false
}

func (m *Manager) startNewPiece(bits *bitset.BitSet) (Block, bool) {
	bestIdx := -1
	bestCount := -1
	for i, s := range m.status {
		if s != setMissing {
			continue
		}
		if !bits.Test(uint(i)) {
			continue
		}
		if len(m.pieces[i].blocks) == 0 {
			continue
		}
		count := 0
		for _, peerBits := range m.peers {
			if peerBits.Test(uint(i)) {
				count++
			}
		}
		if bestIdx == -1 || count < bestCount {
			bestIdx = i
			bestCount = count
		}
	}
	if bestIdx == -1 {
		return Block{}, false
	}

	m.status[bestIdx] = setOngoing
	p := m.pieces[bestIdx]
	p.blocks[0].Status = Pending
	m.pending[pendingKey{piece: bestIdx, offset: p.blocks[0].Offset}] = m.clk.Now()
	return p.blocks[0], true
}

// BlockReceived records a block's payload, verifies and writes the owning
// piece once it is complete, and resets the piece on a digest mismatch.
// A block that doesn't match any known offset in the piece is silently
// ignored.
func (m *Manager) BlockReceived(peerID string, pieceIndex int, offset int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(m.pieces) {
		return nil
	}
	p := m.pieces[pieceIndex]

	found := false
	for i := range p.blocks {
		if p.blocks[i].Offset == offset {
			p.blocks[i].Status = Retrieved
			p.blocks[i].Payload = data
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	delete(m.pending, pendingKey{piece: pieceIndex, offset: offset})

	if !p.complete() {
		return nil
	}

	payload := p.concatenated()
	digest := sha1.Sum(payload)
	if digest != p.expected {
		if m.logger != nil {
			m.logger.Warnw("corrupt piece, resetting", "piece", pieceIndex)
		}
		m.stats.Counter("corrupt_pieces").Inc(1)
		p.resetBlocks()
		return nil
	}

	writeOffset := int64(pieceIndex) * m.torrent.PieceLength
	if _, err := m.file.WriteAt(payload, writeOffset); err != nil {
		return fmt.Errorf("write piece %d: %w", pieceIndex, err)
	}

	m.status[pieceIndex] = setHave
	m.stats.Counter("pieces_completed").Inc(1)
	var downloaded int64
	for i, s := range m.status {
		if s == setHave {
			downloaded += m.torrent.PieceSize(i)
		}
	}
	m.stats.Gauge("bytes_downloaded").Update(float64(downloaded))
	return nil
}
