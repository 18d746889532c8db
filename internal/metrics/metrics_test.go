package metrics

import (
	"testing"

	"github.com/eliasson/pieces/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNoopScope(t *testing.T) {
	scope, closer, err := New(config.Metrics{Backend: "noop"})
	require.NoError(t, err)
	require.NotNil(t, scope)
	scope.Counter("announce").Inc(1) // must not panic
	assert.NoError(t, closer.Close())
}

func TestNewStatsdScope(t *testing.T) {
	scope, closer, err := New(config.Metrics{Backend: "statsd", Statsd: config.StatsdConfig{HostPort: "127.0.0.1:8125", Prefix: "leech"}})
	require.NoError(t, err)
	require.NotNil(t, scope)
	defer closer.Close()

	scope.Counter("announce").Inc(1)
}

func TestNewUnrecognizedBackendIsError(t *testing.T) {
	_, _, err := New(config.Metrics{Backend: "bogus"})
	assert.Error(t, err)
}
