package staging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chunkrelay/chunkrelay/internal/config"
)

// Open builds the chunk store selected by cfg.Backend. The returned close
// function releases backend resources and is never nil. Local stores have
// their leftover temp files removed first.
func Open(cfg config.StagingConfig) (ChunkStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating staging database directory: %w", err)
		}
		store, err := NewSQLiteChunkStore(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Staging backend initialized", "backend", "sqlite", "path", cfg.SQLite.Path)
		return store, store.Close, nil
	case "memory":
		slog.Warn("Staging backend is in-memory; staged chunks will not survive a restart")
		return NewMemoryChunkStore(cfg.Memory.MaxSizeBytes), noop, nil
	case "local", "":
		store, err := NewLocalChunkStore(cfg.Local.RootDir)
		if err != nil {
			return nil, nil, err
		}
		if err := store.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean staging temp files", "error", err)
		}
		slog.Info("Staging backend initialized", "backend", "local", "root", cfg.Local.RootDir)
		return store, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown staging backend %q", cfg.Backend)
	}
}

// OpenArtifacts opens the artifact directory and removes leftover temp files.
func OpenArtifacts(dir string) (*LocalArtifactStore, error) {
	store, err := NewLocalArtifactStore(dir)
	if err != nil {
		return nil, err
	}
	if err := store.CleanTempFiles(); err != nil {
		slog.Warn("Failed to clean artifact temp files", "error", err)
	}
	return store, nil
}
