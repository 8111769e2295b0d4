package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chunkrelay/chunkrelay/internal/staging"
)

// Cleanup removes the intermediate state of an upload after a terminal
// outcome. Every removal is idempotent, so running it again after a partial
// failure is safe.
type Cleanup struct {
	chunks    staging.ChunkStore
	artifacts staging.ArtifactStore
	logger    *slog.Logger
}

// NewCleanup creates a Cleanup over the given stores.
func NewCleanup(chunks staging.ChunkStore, artifacts staging.ArtifactStore, logger *slog.Logger) *Cleanup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleanup{chunks: chunks, artifacts: artifacts, logger: logger}
}

// Run removes every staged chunk of uploadID and, if removeArtifact is set,
// its artifact. It returns the number of chunks removed.
func (c *Cleanup) Run(ctx context.Context, uploadID string, removeArtifact bool) (int, error) {
	var errs []error

	removed, err := staging.RemoveAll(ctx, c.chunks, uploadID)
	if err != nil {
		errs = append(errs, fmt.Errorf("removing chunks: %w", err))
	}
	if removeArtifact {
		if err := c.artifacts.Remove(ctx, uploadID); err != nil {
			errs = append(errs, fmt.Errorf("removing artifact: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("Cleanup incomplete", "upload_id", uploadID, "chunks_removed", removed, "error", err)
		return removed, err
	}
	c.logger.Debug("Cleaned up upload", "upload_id", uploadID, "chunks_removed", removed, "artifact", removeArtifact)
	return removed, nil
}
