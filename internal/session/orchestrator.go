// Package session owns the top-level leech loop for a single torrent:
// a fixed pool of peer workers sharing an address queue, and a
// reannounce loop that refills that queue from the tracker, per
// spec §4.6.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eliasson/pieces/internal/metainfo"
	"github.com/eliasson/pieces/internal/peer"
	"github.com/eliasson/pieces/internal/piece"
	"github.com/eliasson/pieces/internal/tracker"
	"github.com/eliasson/pieces/internal/xerrors"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Config defines Orchestrator configuration.
type Config struct {
	WorkerPoolSize       int           `yaml:"worker_pool_size"`
	ReannounceCheckEvery time.Duration `yaml:"reannounce_check_every"`
	DefaultInterval      time.Duration `yaml:"default_interval"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
}

func (c Config) applyDefaults() Config {
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = 40
	}
	if c.ReannounceCheckEvery == 0 {
		c.ReannounceCheckEvery = 5 * time.Second
	}
	if c.DefaultInterval == 0 {
		c.DefaultInterval = 30 * time.Minute
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	return c
}

// Tracker is the subset of tracker.Client the orchestrator needs.
type Tracker interface {
	Announce(ctx context.Context, req tracker.Announce) (*tracker.Result, error)
	Close() error
}

// PieceManager is the subset of piece.Manager the orchestrator needs.
type PieceManager interface {
	Complete() bool
	Close() error
	Counts() (missing, ongoing, have int)
}

// Orchestrator drives one torrent's download to completion: it owns the
// peer-address queue, the worker pool, and the reannounce schedule.
type Orchestrator struct {
	config   Config
	torrent  *metainfo.Torrent
	tracker  Tracker
	pieces   PieceManager
	peerID   [20]byte
	clk      clock.Clock
	logger   *zap.SugaredLogger
	stats    tally.Scope
	interval *atomic.Int64

	queue chan peer.Addr
}

// New constructs an Orchestrator for one torrent. newRun is called by
// each worker once per connection attempt to build a fresh peer.Runner.
func New(
	cfg Config,
	torrent *metainfo.Torrent,
	trackerClient Tracker,
	pieces PieceManager,
	peerID [20]byte,
	clk clock.Clock,
	logger *zap.SugaredLogger,
	stats tally.Scope,
) *Orchestrator {
	cfg = cfg.applyDefaults()
	return &Orchestrator{
		config:   cfg,
		torrent:  torrent,
		tracker:  trackerClient,
		pieces:   pieces,
		peerID:   peerID,
		clk:      clk,
		logger:   logger,
		stats:    stats.SubScope("session"),
		interval: atomic.NewInt64(int64(cfg.DefaultInterval)),
		queue:    make(chan peer.Addr, cfg.WorkerPoolSize*4),
	}
}

// Run starts the worker pool and drives the reannounce loop until the
// torrent completes, ctx is cancelled, or a fatal error occurs. On any
// exit path it stops every worker, closes the piece manager, and closes
// the tracker client.
func (o *Orchestrator) Run(ctx context.Context, newRun func() peer.Runner) error {
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	for i := 0; i < o.config.WorkerPoolSize; i++ {
		w := peer.NewWorker(i, o.queue, newRun, o.logger)
		go w.Run(workerCtx)
	}

	defer func() {
		if err := o.pieces.Close(); err != nil {
			o.errorw("close piece manager", "error", err)
		}
		if err := o.tracker.Close(); err != nil {
			o.errorw("close tracker client", "error", err)
		}
	}()

	lastAnnounce := time.Time{}
	announceSucceeded := false
	consecutiveFailures := 0

	for {
		if o.pieces.Complete() {
			o.infow("torrent complete")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}

		due := !announceSucceeded || o.clk.Now().Sub(lastAnnounce) >= time.Duration(o.interval.Load())
		wait := o.config.ReannounceCheckEvery
		if due {
			result, err := o.announce(ctx)
			if errors.Is(err, xerrors.ErrUnsupported) {
				return err
			}
			if err != nil {
				o.warnw("announce failed, backing off", "error", err, "attempt", consecutiveFailures)
				wait = backoffForRetry(consecutiveFailures, o.config.MaxBackoff)
				consecutiveFailures++
			} else {
				o.refillQueue(result.Peers)
				o.interval.Store(int64(result.Interval))
				lastAnnounce = o.clk.Now()
				announceSucceeded = true
				consecutiveFailures = 0
				o.logProgress()
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-o.clk.After(wait):
		}
	}
}

func (o *Orchestrator) announce(ctx context.Context) (*tracker.Result, error) {
	req := tracker.Announce{
		InfoHash: o.torrent.InfoHash,
		PeerID:   o.peerID,
		Left:     o.torrent.TotalSize,
	}
	result, err := o.tracker.Announce(ctx, req)
	if err != nil {
		o.stats.Counter("announce_failures").Inc(1)
		return nil, fmt.Errorf("announce: %w", err)
	}
	o.stats.Gauge("peers_returned").Update(float64(len(result.Peers)))
	return result, nil
}

// refillQueue replaces the queue's contents with addrs, dropping any
// addresses left over from the previous announce that were never
// consumed by a worker.
func (o *Orchestrator) refillQueue(addrs []peer.Addr) {
	drain := true
	for drain {
		select {
		case <-o.queue:
		default:
			drain = false
		}
	}
	for _, a := range addrs {
		select {
		case o.queue <- a:
		default:
			return
		}
	}
}

// backoffForRetry returns the delay the caller should wait before the
// next reannounce attempt after a tracker failure. The base delay starts at
// one second and grows exponentially up to maxBackoff; the library's
// default ±50% randomization is applied on top, so a single delay can
// reach 1.5×maxBackoff.
func backoffForRetry(attempt int, maxBackoff time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = maxBackoff
	b.Reset()
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (o *Orchestrator) logProgress() {
	missing, ongoing, have := o.pieces.Counts()
	o.infow("progress", "missing", missing, "ongoing", ongoing, "have", have)
}

func (o *Orchestrator) infow(msg string, kv ...interface{}) {
	if o.logger != nil {
		o.logger.Infow(msg, kv...)
	}
}

func (o *Orchestrator) warnw(msg string, kv ...interface{}) {
	if o.logger != nil {
		o.logger.Warnw(msg, kv...)
	}
}

func (o *Orchestrator) errorw(msg string, kv ...interface{}) {
	if o.logger != nil {
		o.logger.Errorw(msg, kv...)
	}
}

var _ PieceManager = (*piece.Manager)(nil)
