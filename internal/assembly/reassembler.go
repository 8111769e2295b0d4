// Package assembly concatenates the staged chunks of a complete upload into
// a single artifact.
package assembly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	uperr "github.com/chunkrelay/chunkrelay/internal/errors"
	"github.com/chunkrelay/chunkrelay/internal/staging"
)

// copyBufferSize is the buffer used to stream each chunk into the artifact.
const copyBufferSize = 256 << 10

// Reassembler reads chunks 1..N in numeric order into an artifact.
//
// Chunks are only deleted after the artifact has been committed, so a
// failure at any point before that leaves every staged chunk in place and
// the upload can be completed by resending whatever is missing.
type Reassembler struct {
	chunks    staging.ChunkStore
	artifacts staging.ArtifactStore
	logger    *slog.Logger
}

// New creates a Reassembler.
func New(chunks staging.ChunkStore, artifacts staging.ArtifactStore, logger *slog.Logger) *Reassembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reassembler{chunks: chunks, artifacts: artifacts, logger: logger}
}

// Assemble builds the artifact described by meta from sequence numbers
// 1..meta.ChunkCount. A gap fails with a MissingChunk error naming the first
// absent sequence number.
func (r *Reassembler) Assemble(ctx context.Context, meta staging.Artifact) (*staging.Artifact, error) {
	if meta.ChunkCount < 1 {
		return nil, uperr.ErrInvalidChunkCount
	}
	w, err := r.artifacts.Create(ctx, meta)
	if err != nil {
		return nil, uperr.ErrReassemblyFailed.WithCause(err)
	}

	buf := make([]byte, copyBufferSize)
	for seq := 1; seq <= meta.ChunkCount; seq++ {
		if err := ctx.Err(); err != nil {
			w.Discard()
			return nil, uperr.ErrReassemblyFailed.WithCause(err)
		}
		if err := r.appendChunk(ctx, w, meta.UploadID, seq, buf); err != nil {
			w.Discard()
			return nil, err
		}
	}

	art, err := w.Commit()
	if err != nil {
		return nil, uperr.ErrReassemblyFailed.WithCause(err)
	}

	// The artifact is durable; the chunks are no longer needed. A failed
	// removal is left for Cleanup.
	for seq := 1; seq <= meta.ChunkCount; seq++ {
		if err := r.chunks.Remove(ctx, meta.UploadID, seq); err != nil {
			r.logger.Warn("Failed to remove consumed chunk",
				"upload_id", meta.UploadID, "sequence", seq, "error", err)
		}
	}

	r.logger.Info("Reassembled upload",
		"upload_id", art.UploadID,
		"chunks", art.ChunkCount,
		"size", art.Size,
		"sha256", art.SHA256,
	)
	return art, nil
}

func (r *Reassembler) appendChunk(ctx context.Context, w io.Writer, uploadID string, seq int, buf []byte) error {
	rc, err := r.chunks.Read(ctx, uploadID, seq)
	if err != nil {
		if errors.Is(err, staging.ErrChunkNotFound) {
			return uperr.MissingChunk(seq)
		}
		return uperr.ErrReassemblyFailed.WithSequence(seq).WithCause(err)
	}
	defer rc.Close()

	if _, err := io.CopyBuffer(w, rc, buf); err != nil {
		return uperr.ErrReassemblyFailed.WithSequence(seq).WithCause(fmt.Errorf("copying chunk %d: %w", seq, err))
	}
	return nil
}
