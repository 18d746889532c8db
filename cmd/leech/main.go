// Command leech downloads a single torrent to disk and exits once every
// piece has been verified and written.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/eliasson/pieces/config"
	"github.com/eliasson/pieces/internal/metainfo"
	"github.com/eliasson/pieces/internal/metrics"
	"github.com/eliasson/pieces/internal/peer"
	"github.com/eliasson/pieces/internal/peerid"
	"github.com/eliasson/pieces/internal/piece"
	"github.com/eliasson/pieces/internal/session"
	"github.com/eliasson/pieces/internal/tracker"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Flags defines the leech command's CLI flags.
type Flags struct {
	TorrentFile string
	OutputFile  string
	ConfigFile  string
	Verbose     bool
}

// ParseFlags parses the leech command's CLI flags. The torrent file is
// the sole positional argument.
func ParseFlags() *Flags {
	var f Flags
	flag.StringVar(&f.OutputFile, "output", "", "output file path (defaults to the torrent's name)")
	flag.StringVar(&f.ConfigFile, "config", "", "configuration file path")
	flag.BoolVar(&f.Verbose, "verbose", false, "enable debug logging")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: leech [flags] <torrent-file>")
		os.Exit(2)
	}
	f.TorrentFile = flag.Arg(0)
	return &f
}

type options struct {
	logger *zap.Logger
	stats  tally.Scope
}

// Option overrides a default App dependency, primarily for tests.
type Option func(*options)

// WithLogger overrides the App's logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics overrides the App's tally scope.
func WithMetrics(s tally.Scope) Option {
	return func(o *options) { o.stats = s }
}

// App wires together the metainfo, piece manager, tracker client, and
// session orchestrator for one leech run.
type App struct {
	flags       *Flags
	config      config.Config
	logger      *zap.Logger
	stats       tally.Scope
	statsCloser io.Closer
}

// NewApp constructs an App from flags, loading config.Config from
// flags.ConfigFile (or built-in defaults if unset).
func NewApp(flags *Flags, opts ...Option) (*App, error) {
	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	app := &App{flags: flags, config: cfg}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.logger != nil {
		app.logger = o.logger
	} else {
		zc := zap.NewProductionConfig()
		if flags.Verbose {
			zc.Level.SetLevel(zap.DebugLevel)
		}
		l, err := zc.Build()
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		app.logger = l
	}

	if o.stats != nil {
		app.stats = o.stats
		app.statsCloser = noopCloser{}
	} else {
		stats, closer, err := metrics.New(cfg.Metrics)
		if err != nil {
			return nil, fmt.Errorf("build metrics scope: %w", err)
		}
		app.stats = stats
		app.statsCloser = closer
	}

	return app, nil
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

// Run downloads the torrent named by a.flags.TorrentFile to completion
// or until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	sugar := a.logger.Sugar()
	defer a.logger.Sync()
	defer a.statsCloser.Close()

	raw, err := os.ReadFile(a.flags.TorrentFile)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	torrent, err := metainfo.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse torrent file: %w", err)
	}

	outputPath := a.flags.OutputFile
	if outputPath == "" {
		outputPath = torrent.Name
	}

	id, err := peerid.New()
	if err != nil {
		return fmt.Errorf("generate peer id: %w", err)
	}

	clk := clock.New()

	pieceCfg := piece.Config{
		BlockSize:      a.config.Piece.BlockSize,
		RequestTimeout: a.config.Piece.RequestTimeout,
	}
	pieces, err := piece.NewManager(pieceCfg, torrent, outputPath, clk, sugar, a.stats)
	if err != nil {
		return fmt.Errorf("open piece manager: %w", err)
	}

	trackerClient := tracker.New(torrent.Announce, sugar, a.stats)

	sessionCfg := session.Config{
		WorkerPoolSize:       a.config.Session.WorkerPoolSize,
		ReannounceCheckEvery: a.config.Session.ReannounceCheckEvery,
		DefaultInterval:      a.config.Session.DefaultInterval,
		MaxBackoff:           a.config.Session.MaxBackoff,
	}
	orch := session.New(sessionCfg, torrent, trackerClient, pieces, [20]byte(id), clk, sugar, a.stats)

	sugar.Infow("starting download",
		"torrent", a.flags.TorrentFile,
		"output", outputPath,
		"pieces", torrent.NumPieces(),
		"size", torrent.TotalSize,
	)

	return orch.Run(ctx, func() peer.Runner {
		return peer.NewSession([20]byte(id), torrent, pieces, sugar, a.stats)
	})
}

func main() {
	flags := ParseFlags()

	app, err := NewApp(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "leech: %s\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "leech: %s\n", err)
		os.Exit(1)
	}
}
