package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config configures a Server. Zero fields are filled from DefaultConfig by
// New.
type Config struct {
	// Addr is the listen address for the websocket endpoint.
	Addr string

	// MetricsAddr is the listen address for the Prometheus exporter and
	// health endpoint. It must differ from Addr.
	MetricsAddr string

	// MaxOpenMailboxes bounds Waiting + Paired mailboxes; a create at the
	// bound is refused with a silent close.
	MaxOpenMailboxes int64

	// HandshakeTimeout is the read deadline for the single handshake
	// message on a fresh connection.
	HandshakeTimeout time.Duration

	// WriteTimeout is the per-message write deadline during relaying. A
	// peer that cannot be written to within it is torn down.
	WriteTimeout time.Duration

	// MaxMessageSize caps a single relayed message in bytes.
	MaxMessageSize int64

	// OutboxSize is the per-peer outbox capacity. Together with
	// WriteTimeout it bounds how far a sender can get ahead of a slow
	// receiver.
	OutboxSize int

	// PendingLimit bounds frames a creator may send before a joiner
	// arrives. Must leave room in the joiner's outbox for the connected
	// reply, so it is capped at OutboxSize-1.
	PendingLimit int

	// CheckOrigin validates the websocket Origin header. Defaults to
	// accepting any origin; rendezvous clients are not browsers bound to
	// this host.
	CheckOrigin func(r *http.Request) bool

	// ReadHeaderTimeout applies to both HTTP listeners.
	ReadHeaderTimeout time.Duration

	// PrometheusRegistry receives this server's metrics. Defaults to a
	// fresh registry so multiple servers in one process never collide.
	PrometheusRegistry *prometheus.Registry

	// MetricsNamespace prefixes every metric name.
	MetricsNamespace string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:              ":8080",
		MetricsAddr:       ":9090",
		MaxOpenMailboxes:  100_000_000,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    1 << 20,
		OutboxSize:        64,
		PendingLimit:      32,
		CheckOrigin:       func(*http.Request) bool { return true },
		ReadHeaderTimeout: 5 * time.Second,
		MetricsNamespace:  "pairbox",
	}
}

// normalize fills unset fields from the defaults and clamps dependent ones.
func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = d.MetricsAddr
	}
	if c.MaxOpenMailboxes == 0 {
		c.MaxOpenMailboxes = d.MaxOpenMailboxes
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.OutboxSize == 0 {
		c.OutboxSize = d.OutboxSize
	}
	if c.PendingLimit == 0 {
		c.PendingLimit = d.PendingLimit
	}
	if c.PendingLimit > c.OutboxSize-1 {
		c.PendingLimit = c.OutboxSize - 1
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = d.CheckOrigin
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = d.ReadHeaderTimeout
	}
	if c.PrometheusRegistry == nil {
		c.PrometheusRegistry = prometheus.NewRegistry()
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = d.MetricsNamespace
	}
}

// Validate reports configuration that cannot serve.
func (c *Config) Validate() error {
	if c.Addr == c.MetricsAddr {
		return fmt.Errorf("server: metrics address %q must differ from listen address", c.MetricsAddr)
	}
	if c.MaxOpenMailboxes < 0 {
		return fmt.Errorf("server: max open mailboxes must not be negative, got %d", c.MaxOpenMailboxes)
	}
	if c.OutboxSize < 2 {
		return fmt.Errorf("server: outbox size must be at least 2, got %d", c.OutboxSize)
	}
	return nil
}
