package main

import (
	"flag"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

func TestParseFlags(t *testing.T) {
	oldArgs := os.Args
	oldCommandLine := flag.CommandLine
	defer func() {
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	}()

	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	os.Args = []string{"leech", "-output=out.bin", "-config=config.yaml", "-verbose", "ubuntu.torrent"}

	flags := ParseFlags()

	assert.Equal(t, "out.bin", flags.OutputFile)
	assert.Equal(t, "config.yaml", flags.ConfigFile)
	assert.True(t, flags.Verbose)
	assert.Equal(t, "ubuntu.torrent", flags.TorrentFile)
}

func TestWithLoggerOption(t *testing.T) {
	var o options
	l := zap.NewNop()
	WithLogger(l)(&o)
	assert.Same(t, l, o.logger)
}

func TestWithMetricsOption(t *testing.T) {
	var o options
	WithMetrics(tally.NoopScope)(&o)
	assert.Equal(t, tally.NoopScope, o.stats)
}

func TestNewAppUsesOverridesOverDefaults(t *testing.T) {
	l := zap.NewNop()
	app, err := NewApp(&Flags{TorrentFile: "x.torrent"}, WithLogger(l), WithMetrics(tally.NoopScope))
	assert.NoError(t, err)
	assert.Same(t, l, app.logger)
	assert.Equal(t, tally.NoopScope, app.stats)
}

func TestNewAppBuildsMetricsScopeFromConfigWhenNotOverridden(t *testing.T) {
	l := zap.NewNop()
	app, err := NewApp(&Flags{TorrentFile: "x.torrent"}, WithLogger(l))
	require.NoError(t, err)
	require.NotNil(t, app.stats)
	require.NotNil(t, app.statsCloser)
	assert.NoError(t, app.statsCloser.Close())
}
