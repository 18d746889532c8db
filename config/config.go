// Package config defines the leech client's YAML configuration, loaded
// optionally on top of built-in defaults, in the style of the scheduler
// and announcer configs it borrows from.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the leech client's full configuration. Every field has a
// built-in default applied by applyDefaults, so an empty or partial YAML
// file is always valid.
type Config struct {
	Session Session `yaml:"session"`
	Piece   Piece   `yaml:"piece"`
	Metrics Metrics `yaml:"metrics"`
}

// Session configures the session orchestrator and peer worker pool.
type Session struct {
	WorkerPoolSize       int           `yaml:"worker_pool_size"`
	ReannounceCheckEvery time.Duration `yaml:"reannounce_check_every"`
	DefaultInterval      time.Duration `yaml:"default_interval"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
}

// Piece configures the piece manager's block bookkeeping.
type Piece struct {
	BlockSize      int64         `yaml:"block_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Metrics configures where the client's tally scope reports to.
type Metrics struct {
	Backend string        `yaml:"backend"`
	Statsd  StatsdConfig  `yaml:"statsd"`
	Report  time.Duration `yaml:"report_interval"`
}

// StatsdConfig configures a statsd reporter backend.
type StatsdConfig struct {
	HostPort string `yaml:"host_port"`
	Prefix   string `yaml:"prefix"`
}

func (c Config) applyDefaults() Config {
	if c.Session.WorkerPoolSize == 0 {
		c.Session.WorkerPoolSize = 40
	}
	if c.Session.ReannounceCheckEvery == 0 {
		c.Session.ReannounceCheckEvery = 5 * time.Second
	}
	if c.Session.DefaultInterval == 0 {
		c.Session.DefaultInterval = 30 * time.Minute
	}
	if c.Session.MaxBackoff == 0 {
		c.Session.MaxBackoff = 2 * time.Minute
	}
	if c.Piece.BlockSize == 0 {
		c.Piece.BlockSize = 16384
	}
	if c.Piece.RequestTimeout == 0 {
		c.Piece.RequestTimeout = 5 * time.Minute
	}
	if c.Metrics.Backend == "" {
		c.Metrics.Backend = "noop"
	}
	if c.Metrics.Report == 0 {
		c.Metrics.Report = 10 * time.Second
	}
	return c
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{}.applyDefaults()
}

// Load reads and parses a YAML config file at path, applying defaults to
// any field left unset. An empty path returns Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return c.applyDefaults(), nil
}
