// Package tracker announces to a torrent's tracker over HTTP and parses
// the bencoded reply into an interval and a compact peer list, per
// spec §4.3.
package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eliasson/pieces/internal/bencode"
	"github.com/eliasson/pieces/internal/peer"
	"github.com/eliasson/pieces/internal/xerrors"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// clientPort is the TCP port this client advertises to the tracker. It
// never actually listens, since it only leeches.
const clientPort = 6889

// Announce is the caller's view of an announce request.
type Announce struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// Result is a parsed, successful announce reply.
type Result struct {
	Interval   time.Duration
	Complete   int64
	Incomplete int64
	Peers      []peer.Addr
}

// Client announces to a single tracker URL over HTTP. Failures are not
// retried here: per spec §4.3 the session orchestrator treats every
// tracker failure as retryable on its own reannounce schedule.
type Client struct {
	announceURL string
	httpClient  *http.Client
	logger      *zap.SugaredLogger
	stats       tally.Scope

	mu      sync.Mutex
	started bool
}

// New constructs a Client for the given announce URL.
func New(announceURL string, logger *zap.SugaredLogger, stats tally.Scope) *Client {
	return &Client{
		announceURL: announceURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
		stats:       stats.SubScope("tracker"),
	}
}

// Close releases the client's HTTP transport's idle connections. Safe to
// call once, on orchestrator shutdown.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Announce issues one GET to the tracker and returns the parsed reply.
// The "started" event is included on every call until one succeeds, and
// on no call after that, per spec §4.3. A non-200 status, network
// error, or malformed reply is returned as-is; the caller decides when
// to retry.
func (c *Client) Announce(ctx context.Context, req Announce) (*Result, error) {
	c.mu.Lock()
	sendStarted := !c.started
	c.mu.Unlock()

	result, err := c.announceOnce(ctx, req, sendStarted)
	if err != nil {
		c.stats.Counter("failures").Inc(1)
		return nil, err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	c.stats.Counter("successes").Inc(1)
	return result, nil
}

func (c *Client) announceOnce(ctx context.Context, req Announce, sendStarted bool) (*Result, error) {
	q := url.Values{}
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(clientPort))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if sendStarted {
		q.Set("event", "started")
	}

	full := c.announceURL + "?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, fmt.Errorf("build announce request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", xerrors.ErrTrackerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", xerrors.ErrTrackerUnreachable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %s", xerrors.ErrTrackerUnreachable, err)
	}

	return parseReply(body)
}

func parseReply(body []byte) (*Result, error) {
	top, err := bencode.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode tracker reply: %s", xerrors.ErrMalformedInput, err)
	}
	if !top.IsDict() {
		return nil, fmt.Errorf("%w: tracker reply is not a dict", xerrors.ErrMalformedInput)
	}

	if reason, ok := top.Get("failure reason"); ok {
		return nil, fmt.Errorf("%w: %s", xerrors.ErrTrackerFailure, reason.String())
	}

	result := &Result{Interval: 30 * time.Minute}

	if interval, ok := top.Get("interval"); ok && interval.IsInt() {
		result.Interval = time.Duration(interval.Int) * time.Second
	}
	if complete, ok := top.Get("complete"); ok && complete.IsInt() {
		result.Complete = complete.Int
	}
	if incomplete, ok := top.Get("incomplete"); ok && incomplete.IsInt() {
		result.Incomplete = incomplete.Int
	}

	peersVal, ok := top.Get("peers")
	if !ok {
		return result, nil
	}
	if !peersVal.IsBytes() {
		return nil, fmt.Errorf("%w: dictionary-form peer list is not supported", xerrors.ErrUnsupported)
	}

	peers, err := decodeCompactPeers(peersVal.Bytes)
	if err != nil {
		return nil, err
	}
	result.Peers = peers
	return result, nil
}

func decodeCompactPeers(raw []byte) ([]peer.Addr, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("%w: compact peer list length %d is not a multiple of 6",
			xerrors.ErrMalformedInput, len(raw))
	}
	peers := make([]peer.Addr, 0, len(raw)/6)
	for i := 0; i+6 <= len(raw); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := uint16(raw[i+4])<<8 | uint16(raw[i+5])
		peers = append(peers, peer.Addr{IP: ip, Port: port})
	}
	return peers, nil
}
