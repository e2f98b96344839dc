// Package server drives websocket connections through the one-shot
// handshake and into the relay. It owns the mailbox registry for its
// lifetime, tracks live clients for graceful shutdown, and serves the
// Prometheus exporter on a second listener.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pairbox-io/pairbox/pkg/mailbox"
)

// Server is the rendezvous relay service: one websocket endpoint, one
// metrics endpoint, and the mailbox registry shared by every connection
// handler.
type Server struct {
	config  *Config
	boxes   *mailbox.Registry
	clients *clientSet
	metrics *metrics

	upgrader websocket.Upgrader

	httpServer    *http.Server
	metricsServer *http.Server

	logger *slog.Logger
}

// New builds a Server from config, filling unset fields with defaults.
func New(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := slog.Default().With("component", "server")

	s := &Server{
		config:  config,
		boxes:   mailbox.NewRegistry(config.MaxOpenMailboxes, config.PendingLimit),
		clients: newClientSet(),
		metrics: newMetrics(config.MetricsNamespace, config.PrometheusRegistry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     config.CheckOrigin,
		},
		logger: logger,
	}

	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	s.metricsServer = &http.Server{
		Addr:              config.MetricsAddr,
		Handler:           s.MetricsHandler(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return s, nil
}

// Handler returns the app router, for mounting under an external server or
// in tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/ws", s.HandleWebSocket)
	r.Get("/healthz", s.handleHealth)
	return r
}

// MetricsHandler returns the metrics router served on MetricsAddr.
func (s *Server) MetricsHandler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.config.PrometheusRegistry, promhttp.HandlerOpts{}))
	r.Get("/healthz", s.handleHealth)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Mailboxes exposes the registry, mainly for tests and introspection.
func (s *Server) Mailboxes() *mailbox.Registry { return s.boxes }

// ActiveClients reports the number of live connections.
func (s *Server) ActiveClients() int { return s.clients.len() }

// ListenAndServe starts both listeners and blocks until either fails or
// Shutdown is called.
func (s *Server) ListenAndServe() error {
	errc := make(chan error, 2)

	go func() {
		s.logger.Info("listening", "addr", s.config.Addr)
		errc <- s.httpServer.ListenAndServe()
	}()
	go func() {
		s.logger.Info("metrics listening", "addr", s.config.MetricsAddr)
		errc <- s.metricsServer.ListenAndServe()
	}()

	err := <-errc
	if errors.Is(err, http.ErrServerClosed) {
		// Wait out the sibling listener as well.
		<-errc
		return nil
	}
	return err
}

// Shutdown drains all connected clients and stops both listeners. Killing
// a client unblocks its read loop, which tears down its mailbox and kicks
// its peer, so the drain also empties the registry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.DisconnectAllClients(ctx)

	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.metricsServer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// DisconnectAllClients kills every live connection, pacing slightly so the
// teardown cascade does not stampede, and stopping early if ctx expires.
func (s *Server) DisconnectAllClients(ctx context.Context) {
	peers := s.clients.all()
	if len(peers) == 0 {
		return
	}
	s.logger.Info("disconnecting clients", "count", len(peers))
	paced := true
	for _, p := range peers {
		p.Kill()
		if !paced {
			continue
		}
		select {
		case <-ctx.Done():
			// Out of time; kill the rest back to back. Hijacked
			// websocket conns are invisible to http.Server.Shutdown, so
			// they must all be killed here.
			paced = false
		case <-time.After(time.Millisecond):
		}
	}
}
