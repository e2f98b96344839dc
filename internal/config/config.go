// Package config loads the service configuration: defaults, overridden by
// an optional pairbox.json file, overridden by PAIRBOX_* environment
// variables. The file is optional because the whole surface is three
// addresses and a handful of limits; most deployments set only env vars.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	// ConfigFileName is the default configuration file name.
	ConfigFileName = "pairbox.json"

	// DefaultAddr is the default websocket listen address.
	DefaultAddr = ":8080"

	// DefaultMetricsAddr is the default metrics listen address.
	DefaultMetricsAddr = ":9090"

	// DefaultMaxOpenMailboxes bounds concurrently open mailboxes. It is a
	// small fraction of the 30-bit identifier space, which keeps expected
	// redraws per allocation near one even at full load.
	DefaultMaxOpenMailboxes = 100_000_000

	// DefaultHandshakeTimeout is how long a fresh connection may take to
	// send its handshake message.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultWriteTimeout is the per-message write deadline during
	// relaying.
	DefaultWriteTimeout = 10 * time.Second
)

// Config is the process configuration.
type Config struct {
	// Addr is the websocket listen address.
	Addr string `json:"addr,omitempty"`

	// MetricsAddr is the Prometheus exporter listen address.
	MetricsAddr string `json:"metrics_addr,omitempty"`

	// MaxOpenMailboxes caps Waiting + Paired mailboxes.
	MaxOpenMailboxes int64 `json:"max_open_mailboxes,omitempty"`

	// HandshakeTimeout bounds the initial handshake read.
	HandshakeTimeout Duration `json:"handshake_timeout,omitempty"`

	// WriteTimeout bounds each relayed write.
	WriteTimeout Duration `json:"write_timeout,omitempty"`
}

// Duration wraps time.Duration for JSON as a Go duration string ("10s").
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("config: invalid duration %s", data)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:             DefaultAddr,
		MetricsAddr:      DefaultMetricsAddr,
		MaxOpenMailboxes: DefaultMaxOpenMailboxes,
		HandshakeTimeout: Duration(DefaultHandshakeTimeout),
		WriteTimeout:     Duration(DefaultWriteTimeout),
	}
}

// Load reads path (optional: a missing file yields the defaults), then
// applies environment overrides and validates the result. An empty path
// means ConfigFileName in the working directory.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = ConfigFileName
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No file, defaults apply.
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from PAIRBOX_* environment variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv("PAIRBOX_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("PAIRBOX_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("PAIRBOX_MAX_OPEN_MAILBOXES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: PAIRBOX_MAX_OPEN_MAILBOXES: %w", err)
		}
		c.MaxOpenMailboxes = n
	}
	if v := os.Getenv("PAIRBOX_HANDSHAKE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: PAIRBOX_HANDSHAKE_TIMEOUT: %w", err)
		}
		c.HandshakeTimeout = Duration(d)
	}
	if v := os.Getenv("PAIRBOX_WRITE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: PAIRBOX_WRITE_TIMEOUT: %w", err)
		}
		c.WriteTimeout = Duration(d)
	}
	return nil
}

// Validate reports configuration that cannot serve.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr must not be empty")
	}
	if c.MetricsAddr == "" {
		return fmt.Errorf("config: metrics_addr must not be empty")
	}
	if c.Addr == c.MetricsAddr {
		return fmt.Errorf("config: metrics_addr %q must differ from addr", c.MetricsAddr)
	}
	if c.MaxOpenMailboxes <= 0 {
		return fmt.Errorf("config: max_open_mailboxes must be positive, got %d", c.MaxOpenMailboxes)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("config: handshake_timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("config: write_timeout must be positive")
	}
	return nil
}
