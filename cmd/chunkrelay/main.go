// Package main is the entry point for the chunkrelay upload reassembly server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/chunkrelay/chunkrelay/internal/assembly"
	"github.com/chunkrelay/chunkrelay/internal/config"
	"github.com/chunkrelay/chunkrelay/internal/ledger"
	"github.com/chunkrelay/chunkrelay/internal/logging"
	"github.com/chunkrelay/chunkrelay/internal/metrics"
	"github.com/chunkrelay/chunkrelay/internal/publish"
	"github.com/chunkrelay/chunkrelay/internal/server"
	"github.com/chunkrelay/chunkrelay/internal/staging"
	"github.com/chunkrelay/chunkrelay/internal/upload"
)

func main() {
	configPath := flag.String("config", "chunkrelay.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config, PORT or 3000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown timeout (default: from config or 30s)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Observability.Metrics {
		metrics.Register()
	}

	// Crash-only design: every startup is recovery. Temp files from
	// interrupted writes are removed, staged chunks are rediscovered lazily
	// by the ledger, and the reaper's first pass runs immediately.
	chunks, closeChunks, err := staging.Open(cfg.Staging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize staging backend: %v\n", err)
		os.Exit(1)
	}
	defer closeChunks()

	artifacts, err := staging.OpenArtifacts(cfg.Staging.ArtifactDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize artifact directory: %v\n", err)
		os.Exit(1)
	}

	store, err := publish.OpenStore(context.Background(), cfg.Publish)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize publish backend: %v\n", err)
		os.Exit(1)
	}
	publisher := publish.New(store, publish.OptionsFromConfig(cfg.Publish), logger)

	l := ledger.New(chunks, artifacts, logger)
	cleanup := upload.NewCleanup(chunks, artifacts, logger)
	coord := upload.NewCoordinator(chunks, artifacts, l, assembly.New(chunks, artifacts, logger), publisher, cleanup, logger)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	reaper := upload.NewReaper(chunks, l, cleanup, cfg.Staging.MaxAge, cfg.Staging.TombstoneTTL, logger)
	if cfg.Staging.ReapInterval > 0 {
		go reaper.Run(reaperCtx, cfg.Staging.ReapInterval)
	} else if _, err := reaper.RunOnce(reaperCtx); err != nil {
		slog.Warn("Startup reaper pass failed", "error", err)
	}

	srv, err := server.New(cfg, coord,
		server.WithLogger(logger),
		server.WithHealthCheck("staging", chunks),
		server.WithHealthCheck("publish", publisher),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("chunkrelay listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT handler: stop accepting connections and wait for
	// in-flight requests with a timeout. Staged chunks and retained
	// artifacts stay on disk for the next start.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)
		stopReaper()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}
