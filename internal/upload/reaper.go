package upload

import (
	"context"
	"log/slog"
	"time"

	"github.com/chunkrelay/chunkrelay/internal/ledger"
	"github.com/chunkrelay/chunkrelay/internal/metrics"
	"github.com/chunkrelay/chunkrelay/internal/staging"
)

// ReapStats summarises one reaper pass.
type ReapStats struct {
	Uploads          int
	ChunksRemoved    int
	TombstonesPruned int
}

// Reaper removes chunks of uploads that went idle and forgets old
// tombstones. Uploads that are completing, publishing or waiting for a
// publish retry are never touched.
type Reaper struct {
	chunks       staging.ChunkStore
	ledger       *ledger.Ledger
	cleanup      *Cleanup
	maxAge       time.Duration
	tombstoneTTL time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewReaper creates a Reaper. maxAge is the idle time after which an
// incomplete upload is abandoned; tombstoneTTL is how long a closed upload
// id keeps rejecting late chunks.
func NewReaper(chunks staging.ChunkStore, l *ledger.Ledger, cleanup *Cleanup, maxAge, tombstoneTTL time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		chunks:       chunks,
		ledger:       l,
		cleanup:      cleanup,
		maxAge:       maxAge,
		tombstoneTTL: tombstoneTTL,
		logger:       logger,
		now:          time.Now,
	}
}

// RunOnce performs one pass. Errors for individual uploads are logged and
// do not stop the pass.
func (r *Reaper) RunOnce(ctx context.Context) (ReapStats, error) {
	var stats ReapStats
	now := r.now()
	cutoff := now.Add(-r.maxAge)

	stale, err := r.chunks.ListOlderThan(ctx, cutoff)
	if err != nil {
		return stats, err
	}

	seen := make(map[string]bool)
	for _, c := range stale {
		if seen[c.UploadID] {
			continue
		}
		seen[c.UploadID] = true
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		uploadID := c.UploadID
		removed := 0
		expired, err := r.ledger.Expire(ctx, uploadID, cutoff, func(ctx context.Context) error {
			n, err := r.cleanup.Run(ctx, uploadID, false)
			removed = n
			return err
		})
		if err != nil {
			r.logger.Warn("Failed to reap upload", "upload_id", uploadID, "error", err)
		}
		stats.ChunksRemoved += removed
		if expired {
			stats.Uploads++
			r.logger.Info("Reaped stale upload", "upload_id", uploadID, "chunks_removed", removed)
		}
	}

	if r.tombstoneTTL > 0 {
		stats.TombstonesPruned = r.ledger.Prune(now.Add(-r.tombstoneTTL))
	}

	metrics.ReapedChunksTotal.Add(float64(stats.ChunksRemoved))
	metrics.TrackedUploads.Set(float64(r.ledger.Len()))
	return stats, nil
}

// Run calls RunOnce immediately and then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	r.pass(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Reaper) pass(ctx context.Context) {
	stats, err := r.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("Reaper pass failed", "error", err)
		}
		return
	}
	if stats.Uploads > 0 || stats.TombstonesPruned > 0 {
		r.logger.Info("Reaper pass complete",
			"uploads", stats.Uploads,
			"chunks_removed", stats.ChunksRemoved,
			"tombstones_pruned", stats.TombstonesPruned,
		)
	}
}
