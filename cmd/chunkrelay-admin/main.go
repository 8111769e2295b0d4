// Package main is the entry point for chunkrelay-admin, the offline staging
// maintenance tool. Run it against the same config as the server, while the
// server is stopped.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chunkrelay/chunkrelay/internal/config"
	"github.com/chunkrelay/chunkrelay/internal/inventory"
	"github.com/chunkrelay/chunkrelay/internal/ledger"
	"github.com/chunkrelay/chunkrelay/internal/logging"
	"github.com/chunkrelay/chunkrelay/internal/staging"
	"github.com/chunkrelay/chunkrelay/internal/upload"
)

const usage = "Usage: chunkrelay-admin <inventory|reap> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	command := os.Args[1]

	switch command {
	case "inventory":
		os.Exit(runInventory(os.Args[2:]))
	case "reap":
		os.Exit(runReap(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}

func loadConfig(path, logLevel string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.Staging.Backend == "memory" {
		return nil, fmt.Errorf("staging backend %q has no state outside the server process", cfg.Staging.Backend)
	}
	logging.Setup(logLevel, "text", os.Stderr)
	return cfg, nil
}

func runInventory(args []string) int {
	fs := flag.NewFlagSet("inventory", flag.ExitOnError)
	configPath := fs.String("config", "chunkrelay.yaml", "Config file path")
	olderThan := fs.Duration("older-than", 0, "Only include chunks idle for at least this long")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath, "warn")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		return 1
	}
	chunks, closeChunks, err := staging.Open(cfg.Staging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening staging: %v\n", err)
		return 1
	}
	defer closeChunks()
	artifacts, err := staging.OpenArtifacts(cfg.Staging.ArtifactDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening artifacts: %v\n", err)
		return 1
	}

	// A cutoff slightly in the future includes chunks written this instant.
	cutoff := time.Now().Add(time.Second)
	if *olderThan > 0 {
		cutoff = time.Now().Add(-*olderThan)
	}
	report, err := inventory.Collect(context.Background(), chunks, artifacts, cutoff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error collecting inventory: %v\n", err)
		return 1
	}

	if *output == "-" {
		if err := report.Write(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			return 1
		}
		return 0
	}
	f, err := os.Create(*output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	if err := report.Write(f); err != nil {
		f.Close()
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	if err := f.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Inventory of %d uploads and %d artifacts written to %s\n",
		len(report.Uploads), len(report.Artifacts), *output)
	return 0
}

func runReap(args []string) int {
	fs := flag.NewFlagSet("reap", flag.ExitOnError)
	configPath := fs.String("config", "chunkrelay.yaml", "Config file path")
	maxAge := fs.Duration("max-age", 0, "Idle time after which an upload is reaped (overrides config)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath, "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		return 1
	}
	if *maxAge > 0 {
		cfg.Staging.MaxAge = *maxAge
	}

	chunks, closeChunks, err := staging.Open(cfg.Staging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening staging: %v\n", err)
		return 1
	}
	defer closeChunks()
	artifacts, err := staging.OpenArtifacts(cfg.Staging.ArtifactDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening artifacts: %v\n", err)
		return 1
	}

	logger := logging.New("info", "text", os.Stderr)
	l := ledger.New(chunks, artifacts, logger)
	reaper := upload.NewReaper(chunks, l, upload.NewCleanup(chunks, artifacts, logger), cfg.Staging.MaxAge, 0, logger)
	stats, err := reaper.RunOnce(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reaping: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "  uploads reaped: %d\n  chunks removed: %d\n", stats.Uploads, stats.ChunksRemoved)
	return 0
}
