// Package metrics builds the tally.Scope the rest of the client reports
// to, selecting a reporter backend by name the way the teacher's own
// metrics package does.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/eliasson/pieces/config"

	"github.com/cactus/go-statsd-client/statsd"
	"github.com/uber-go/tally"
	tallystatsd "github.com/uber-go/tally/statsd"
)

const (
	flushInterval = 100 * time.Millisecond
	flushBytes    = 512
	sampleRate    = 1.0
)

type scopeFactory func(cfg config.Metrics) (tally.Scope, io.Closer, error)

var scopeFactories = map[string]scopeFactory{
	"noop":   newNoopScope,
	"statsd": newStatsdScope,
}

// New builds the tally.Scope named by cfg.Backend, reporting on
// cfg.Report's interval. An unrecognized backend is an error rather than
// a silent fallback, so a typo in a config file is caught at startup.
func New(cfg config.Metrics) (tally.Scope, io.Closer, error) {
	f, ok := scopeFactories[cfg.Backend]
	if !ok {
		return nil, nil, fmt.Errorf("unrecognized metrics backend %q", cfg.Backend)
	}
	return f(cfg)
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

func newNoopScope(config.Metrics) (tally.Scope, io.Closer, error) {
	return tally.NoopScope, noopCloser{}, nil
}

func newStatsdScope(cfg config.Metrics) (tally.Scope, io.Closer, error) {
	statter, err := statsd.NewBufferedClient(cfg.Statsd.HostPort, cfg.Statsd.Prefix, flushInterval, flushBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("new statsd client: %w", err)
	}
	reporter := tallystatsd.NewReporter(statter, tallystatsd.Options{
		SampleRate: sampleRate,
	})
	reportInterval := cfg.Report
	if reportInterval == 0 {
		reportInterval = time.Second
	}
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Reporter: reporter,
	}, reportInterval)
	return scope, closer, nil
}
