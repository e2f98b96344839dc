package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pairbox-io/pairbox/internal/config"
	"github.com/pairbox-io/pairbox/pkg/server"
)

func serveCmd() *cobra.Command {
	var (
		configPath  string
		addr        string
		metricsAddr string
		maxOpen     int64
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(logLevel); err != nil {
				return err
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// Flags override file and environment.
			if addr != "" {
				cfg.Addr = addr
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			if maxOpen != 0 {
				cfg.MaxOpenMailboxes = maxOpen
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			srv, err := server.New(&server.Config{
				Addr:             cfg.Addr,
				MetricsAddr:      cfg.MetricsAddr,
				MaxOpenMailboxes: cfg.MaxOpenMailboxes,
				HandshakeTimeout: time.Duration(cfg.HandshakeTimeout),
				WriteTimeout:     time.Duration(cfg.WriteTimeout),
			})
			if err != nil {
				return err
			}

			return runServer(srv)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to pairbox.json (default: ./pairbox.json if present)")
	cmd.Flags().StringVar(&addr, "addr", "", "websocket listen address (overrides config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "metrics listen address (overrides config)")
	cmd.Flags().Int64Var(&maxOpen, "max-open-mailboxes", 0, "maximum open mailboxes (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

// runServer runs srv until the first SIGINT/SIGTERM, then drains clients
// and stops the listeners. A second signal terminates the process
// immediately (signal handling is restored once the first one arrives).
func runServer(srv *server.Server) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		stop()
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("server terminated")
	return <-errc
}

// setupLogging installs the default slog logger at the requested level.
func setupLogging(level string) error {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}
