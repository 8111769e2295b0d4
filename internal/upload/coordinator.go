// Package upload wires the chunk pipeline together: staging, completion
// tracking, reassembly, publishing and cleanup for one logical upload.
package upload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	uperr "github.com/chunkrelay/chunkrelay/internal/errors"
	"github.com/chunkrelay/chunkrelay/internal/ledger"
	"github.com/chunkrelay/chunkrelay/internal/metrics"
	"github.com/chunkrelay/chunkrelay/internal/publish"
	"github.com/chunkrelay/chunkrelay/internal/staging"
)

// DefaultContentType is used when a chunk or single-shot upload declares none.
const DefaultContentType = "application/octet-stream"

// Assembler turns a complete staged upload into a committed artifact.
type Assembler interface {
	Assemble(ctx context.Context, meta staging.Artifact) (*staging.Artifact, error)
}

// Chunk is one incoming chunk write.
type Chunk struct {
	UploadID       string
	SequenceNumber int
	ExpectedCount  int
	FileName       string
	ContentType    string
	Body           io.Reader
}

// Result describes the upload after a chunk was accepted.
type Result struct {
	UploadID string
	Received int
	Expected int
	// Artifact is set when this chunk completed the upload and the artifact
	// was published.
	Artifact *staging.Artifact
}

// Complete reports whether this chunk finished the upload.
func (r Result) Complete() bool {
	return r.Artifact != nil
}

// DirectResult describes a single-shot publish.
type DirectResult struct {
	Bucket string
	Key    string
	Size   int64
}

// Coordinator drives chunks through the pipeline. It is safe for
// concurrent use.
type Coordinator struct {
	chunks    staging.ChunkStore
	artifacts staging.ArtifactStore
	ledger    *ledger.Ledger
	assembler Assembler
	publisher *publish.Publisher
	cleanup   *Cleanup
	logger    *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(
	chunks staging.ChunkStore,
	artifacts staging.ArtifactStore,
	l *ledger.Ledger,
	assembler Assembler,
	publisher *publish.Publisher,
	cleanup *Cleanup,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		chunks:    chunks,
		artifacts: artifacts,
		ledger:    l,
		assembler: assembler,
		publisher: publisher,
		cleanup:   cleanup,
		logger:    logger,
	}
}

// validateUploadID rejects ids that cannot be used as a storage key.
func validateUploadID(uploadID string) error {
	if uploadID == "" {
		return uperr.ErrMissingFields.WithMessage("fileId is required")
	}
	if _, err := staging.EncodeUploadID(uploadID); err != nil {
		return uperr.ErrInvalidUploadID
	}
	return nil
}

// Accept stages one chunk. If it completes the upload, the artifact is
// reassembled and published before Accept returns.
func (c *Coordinator) Accept(ctx context.Context, ch Chunk) (Result, error) {
	if err := validateUploadID(ch.UploadID); err != nil {
		metrics.ChunksReceivedTotal.WithLabelValues("rejected").Inc()
		return Result{}, err
	}
	key, err := c.publisher.DestinationKey(ch.FileName)
	if err != nil {
		metrics.ChunksReceivedTotal.WithLabelValues("rejected").Inc()
		return Result{}, err
	}
	contentType := strings.TrimSpace(ch.ContentType)
	if contentType == "" {
		contentType = DefaultContentType
	}

	ticket, err := c.ledger.Admit(ctx, ch.UploadID, ch.SequenceNumber, ch.ExpectedCount)
	if err != nil {
		metrics.ChunksReceivedTotal.WithLabelValues("rejected").Inc()
		return Result{}, err
	}

	info, err := c.chunks.Put(ctx, ch.UploadID, ch.SequenceNumber, ch.Body)
	if err != nil {
		ticket.Abort()
		metrics.ChunksReceivedTotal.WithLabelValues("failed").Inc()
		c.logger.Warn("Failed to stage chunk",
			"upload_id", ch.UploadID, "sequence", ch.SequenceNumber, "error", err)
		return Result{}, uperr.ErrStagingFailed.WithSequence(ch.SequenceNumber).WithCause(err)
	}

	out := ticket.Commit()
	metrics.ChunksReceivedTotal.WithLabelValues("staged").Inc()
	metrics.ChunkBytesTotal.Add(float64(info.Size))
	c.logger.Debug("Staged chunk",
		"upload_id", ch.UploadID,
		"sequence", ch.SequenceNumber,
		"size", info.Size,
		"received", out.Received,
		"expected", out.Expected,
	)

	res := Result{UploadID: ch.UploadID, Received: out.Received, Expected: out.Expected}
	if !out.Complete {
		return res, nil
	}

	// The completion must run to the end even if the client that sent the
	// last chunk goes away.
	ctx = context.WithoutCancel(ctx)
	metrics.UploadsCompletedTotal.Inc()
	if len(out.Extraneous) > 0 {
		metrics.AnomaliesTotal.Inc()
		c.logger.Warn("Upload has chunks beyond the expected count",
			"upload_id", ch.UploadID, "expected", out.Expected, "extraneous", out.Extraneous)
	}

	c.ledger.Drain(ch.UploadID)
	art, err := c.assembler.Assemble(ctx, staging.Artifact{
		UploadID:       ch.UploadID,
		FileName:       ch.FileName,
		ContentType:    contentType,
		DestinationKey: key,
		Bucket:         c.publisher.Bucket(),
		ChunkCount:     out.Expected,
	})
	if err != nil {
		c.reassemblyFailed(ctx, ch.UploadID, err)
		return res, err
	}
	metrics.ReassembliesTotal.WithLabelValues("success").Inc()
	metrics.ArtifactSize.Observe(float64(art.Size))
	c.ledger.MarkAssembled(ch.UploadID)

	published, err := c.publishArtifact(ctx, ch.UploadID)
	if err != nil {
		return res, err
	}
	res.Artifact = published
	return res, nil
}

// reassemblyFailed returns the upload to receiving so that a resend of the
// missing chunk can complete it again.
func (c *Coordinator) reassemblyFailed(ctx context.Context, uploadID string, err error) {
	result := "error"
	if uperr.KindOf(err) == uperr.KindMissingChunk {
		result = "missing_chunk"
	}
	metrics.ReassembliesTotal.WithLabelValues(result).Inc()
	c.logger.Error("Reassembly failed", "upload_id", uploadID, "error", err)

	if rerr := c.ledger.Reopen(ctx, uploadID); rerr != nil {
		c.logger.Error("Failed to reopen upload after reassembly failure",
			"upload_id", uploadID, "error", rerr)
	}
}

// publishArtifact uploads the committed artifact. The caller must hold the
// ledger's publish slot, which is released here. The artifact is kept on
// failure and removed with any leftover chunks on success.
func (c *Coordinator) publishArtifact(ctx context.Context, uploadID string) (*staging.Artifact, error) {
	published := false
	defer func() { c.ledger.FinishPublish(uploadID, published) }()

	rc, art, err := c.artifacts.Open(ctx, uploadID)
	if err != nil {
		if errors.Is(err, staging.ErrArtifactNotFound) {
			return nil, uperr.ErrNoArtifact
		}
		return nil, uperr.ErrInternalError.WithCause(err)
	}
	err = c.publisher.Publish(ctx, rc, art.Size, art.Bucket, art.DestinationKey, art.ContentType)
	rc.Close()
	if err != nil {
		c.logger.Warn("Publish failed, artifact retained",
			"upload_id", uploadID, "bucket", art.Bucket, "key", art.DestinationKey, "error", err)
		// Retry reads only the artifact. The reaper skips assembled uploads,
		// so their chunks are released here.
		c.cleanup.Run(ctx, uploadID, false)
		return nil, err
	}

	published = true
	// Failures are logged by Cleanup; the reaper retries leftover chunks.
	c.cleanup.Run(ctx, uploadID, true)
	return art, nil
}

// RetryPublish publishes a retained artifact again without re-staging any
// chunk. Concurrent retries for the same upload collapse into one attempt.
func (c *Coordinator) RetryPublish(ctx context.Context, uploadID string) (*staging.Artifact, error) {
	if err := validateUploadID(uploadID); err != nil {
		return nil, err
	}
	if err := c.ledger.BeginPublish(ctx, uploadID); err != nil {
		return nil, err
	}
	c.logger.Info("Retrying publish", "upload_id", uploadID)
	return c.publishArtifact(ctx, uploadID)
}

// Abandon closes an upload and removes its chunks and artifact. It returns
// the number of chunks removed.
func (c *Coordinator) Abandon(ctx context.Context, uploadID string) (int, error) {
	if err := validateUploadID(uploadID); err != nil {
		return 0, err
	}
	if err := c.ledger.Abandon(ctx, uploadID); err != nil {
		return 0, err
	}
	removed, err := c.cleanup.Run(ctx, uploadID, true)
	if err != nil {
		return removed, uperr.ErrInternalError.WithCause(err)
	}
	c.logger.Info("Abandoned upload", "upload_id", uploadID, "chunks_removed", removed)
	return removed, nil
}

// Status reports how far an upload has progressed. expected is used only
// when this process has not yet seen a chunk of the upload.
func (c *Coordinator) Status(ctx context.Context, uploadID string, expected int) (ledger.Status, error) {
	if err := validateUploadID(uploadID); err != nil {
		return ledger.Status{}, err
	}
	if expected < 0 {
		return ledger.Status{}, uperr.ErrInvalidChunkCount
	}
	return c.ledger.Status(ctx, uploadID, expected)
}

// PublishDirect forwards a whole body to the bucket routed by its content
// type. Nothing is staged.
func (c *Coordinator) PublishDirect(ctx context.Context, fileName, contentType string, body io.Reader, size int64) (*DirectResult, error) {
	key, err := c.publisher.DestinationKey(fileName)
	if err != nil {
		return nil, err
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = DefaultContentType
	}
	bucket := c.publisher.BucketFor(contentType)

	counted := &countingReader{r: body}
	if err := c.publisher.Publish(ctx, counted, size, bucket, key, contentType); err != nil {
		return nil, err
	}
	return &DirectResult{Bucket: bucket, Key: key, Size: counted.n}, nil
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
