package peer

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/eliasson/pieces/internal/metainfo"
	"github.com/eliasson/pieces/internal/peerwire"
	"github.com/eliasson/pieces/internal/piece"
	"github.com/eliasson/pieces/internal/xerrors"

	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"
)

// dialTimeout bounds the TCP connect and handshake round trip, so a dead
// or filtering peer doesn't pin a worker forever.
const dialTimeout = 10 * time.Second

// Manager is the subset of piece.Manager a session needs. Declared here
// so tests can substitute a fake without pulling in piece.Manager's file
// handle.
type Manager interface {
	RegisterPeer(peerID string, bits *bitset.BitSet)
	UpdatePeer(peerID string, index int)
	RemovePeer(peerID string)
	NextRequest(peerID string) (piece.Block, bool)
	BlockReceived(peerID string, pieceIndex int, offset int64, data []byte) error
}

// Session drives a single peer connection from handshake to completion
// or failure, following the state machine in spec §4.4.3.
type Session struct {
	localPeerID [20]byte
	torrent     *metainfo.Torrent
	manager     Manager
	logger      *zap.SugaredLogger
	stats       tally.Scope

	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// NewSession constructs a Session for one torrent download, sharing
// manager with every other session for the same torrent.
func NewSession(
	localPeerID [20]byte,
	torrent *metainfo.Torrent,
	manager Manager,
	logger *zap.SugaredLogger,
	stats tally.Scope,
) *Session {
	return &Session{
		localPeerID: localPeerID,
		torrent:     torrent,
		manager:     manager,
		logger:      logger,
		stats:       stats.SubScope("peer_session"),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: dialTimeout}
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Run connects to addr, performs the handshake, and pumps the framed
// message stream until the connection fails, the peer misbehaves, or ctx
// is cancelled. A non-nil error always means the caller should acquire a
// new address and try again. ctx is checked between messages, and a
// cancellation seen there is reported as xerrors.ErrCancelled; a dial cut
// short by cancellation is reported as xerrors.ErrPeerTransport.
func (s *Session) Run(ctx context.Context, addr Addr) error {
	conn, err := s.dial(ctx, addr.String())
	if err != nil {
		s.stats.Counter("dial_failures").Inc(1)
		return fmt.Errorf("%w: dial %s: %s", xerrors.ErrPeerTransport, addr, err)
	}
	defer conn.Close()

	peerID, err := s.handshake(conn)
	if err != nil {
		return err
	}

	return s.pump(ctx, conn, peerID)
}

func (s *Session) handshake(conn net.Conn) (string, error) {
	conn.SetDeadline(time.Now().Add(dialTimeout))
	defer conn.SetDeadline(time.Time{})

	out := peerwire.Handshake{InfoHash: s.torrent.InfoHash, PeerID: s.localPeerID}
	if _, err := conn.Write(out.Encode()); err != nil {
		return "", fmt.Errorf("%w: send handshake: %s", xerrors.ErrPeerTransport, err)
	}

	in, err := peerwire.ReadHandshake(conn)
	if err != nil {
		return "", err
	}
	if in.InfoHash != s.torrent.InfoHash {
		return "", fmt.Errorf("%w: info hash mismatch", xerrors.ErrProtocolMismatch)
	}
	return hex.EncodeToString(in.PeerID[:]), nil
}

// pump implements the post-handshake state machine: the worker starts
// Choked & not-interested, immediately declares Interested, and after
// every inbound message asks the piece manager for the next block
// whenever it is unchoked, interested, and idle.
func (s *Session) pump(ctx context.Context, conn net.Conn, peerID string) error {
	my := choked
	peerBits := bitset.New(uint(s.torrent.NumPieces()))
	s.manager.RegisterPeer(peerID, peerBits)
	defer s.manager.RemovePeer(peerID)

	if err := s.send(conn, peerwire.NewInterested()); err != nil {
		return err
	}
	my.add(interested)

	var reader peerwire.StreamReader
	readBuf := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			return xerrors.ErrCancelled
		default:
		}

		msg, ok, err := reader.Next()
		if err != nil {
			return fmt.Errorf("%w: %s", xerrors.ErrProtocolMismatch, err)
		}
		if !ok {
			conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
			n, err := conn.Read(readBuf)
			if err != nil {
				return fmt.Errorf("%w: read: %s", xerrors.ErrPeerTransport, err)
			}
			reader.Feed(readBuf[:n])
			continue
		}

		if err := s.handleMessage(peerID, &my, msg); err != nil {
			return err
		}

		if !my.has(choked) && my.has(interested) && !my.has(pendingRequest) {
			if blk, ok := s.manager.NextRequest(peerID); ok {
				req := peerwire.NewRequest(uint32(blk.PieceIndex), uint32(blk.Offset), uint32(blk.Length))
				if err := s.send(conn, req); err != nil {
					return err
				}
				my.add(pendingRequest)
			}
		}
	}
}

func (s *Session) handleMessage(peerID string, my *flags, msg peerwire.Message) error {
	if !msg.HasID {
		return nil // KeepAlive
	}
	switch msg.ID {
	case peerwire.BitField:
		bits := decodeBitfield(msg.BitFieldBits, s.torrent.NumPieces())
		s.manager.RegisterPeer(peerID, bits)
	case peerwire.Have:
		s.manager.UpdatePeer(peerID, int(msg.Index))
	case peerwire.Choke:
		my.add(choked)
	case peerwire.Unchoke:
		my.remove(choked)
	case peerwire.Interested, peerwire.NotInterested:
		// Advisory only; this client never serves.
	case peerwire.Piece:
		if err := s.manager.BlockReceived(peerID, int(msg.Index), int64(msg.Begin), msg.Block); err != nil {
			return fmt.Errorf("deliver block: %w", err)
		}
		my.remove(pendingRequest)
	case peerwire.Request, peerwire.Cancel:
		// Acknowledged and ignored: no seeding.
	default:
		if s.logger != nil {
			s.logger.Debugw("unknown message id, dropping frame", "id", msg.ID)
		}
	}
	return nil
}

func (s *Session) send(conn net.Conn, msg peerwire.Message) error {
	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	if _, err := conn.Write(msg.Encode()); err != nil {
		return fmt.Errorf("%w: write: %s", xerrors.ErrPeerTransport, err)
	}
	return nil
}

// decodeBitfield unpacks a BitField payload into a bitset.BitSet of
// numPieces bits; bit 0 is the high bit of the first byte.
func decodeBitfield(raw []byte, numPieces int) *bitset.BitSet {
	bits := bitset.New(uint(numPieces))
	for i := 0; i < numPieces; i++ {
		byteIdx := i / 8
		if byteIdx >= len(raw) {
			break
		}
		bitIdx := 7 - uint(i%8)
		if raw[byteIdx]&(1<<bitIdx) != 0 {
			bits.Set(uint(i))
		}
	}
	return bits
}
