// Package publish hands finished artifacts to a remote durable blob store.
//
// A BlobStore is a thin adapter over one provider SDK. The Publisher on top
// derives destination keys, picks buckets, bounds every attempt with a
// timeout and maps failures to PublishError. Nothing here retries: a failed
// artifact stays on local disk and the caller decides when to try again.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"
	"unicode"

	uperr "github.com/chunkrelay/chunkrelay/internal/errors"
	"github.com/chunkrelay/chunkrelay/internal/metrics"
)

// BlobStore is the egress contract to a remote blob store. Put overwrites an
// existing object at the same key, which makes a publish retry idempotent.
type BlobStore interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	HealthCheck(ctx context.Context) error
}

// Route selects a bucket for single-shot uploads whose content type starts
// with ContentTypePrefix.
type Route struct {
	ContentTypePrefix string
	Bucket            string
}

// Options configures a Publisher.
type Options struct {
	// Backend names the store in logs and metrics.
	Backend   string
	Bucket    string
	KeyPrefix string
	// Timeout bounds one publish attempt. Zero means no bound.
	Timeout time.Duration
	Routes  []Route
}

// Publisher uploads artifacts to a BlobStore.
type Publisher struct {
	store  BlobStore
	opts   Options
	logger *slog.Logger
}

// New creates a Publisher.
func New(store BlobStore, opts Options, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Backend == "" {
		opts.Backend = "unknown"
	}
	return &Publisher{store: store, opts: opts, logger: logger}
}

// Bucket returns the default destination bucket.
func (p *Publisher) Bucket() string {
	return p.opts.Bucket
}

// BucketFor returns the bucket of the first route whose prefix matches
// contentType, or the default bucket.
func (p *Publisher) BucketFor(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, r := range p.opts.Routes {
		if r.ContentTypePrefix != "" && strings.HasPrefix(ct, strings.ToLower(r.ContentTypePrefix)) {
			return r.Bucket
		}
	}
	return p.opts.Bucket
}

// DestinationKey derives the object key for fileName. Only the base name is
// used, so client-supplied directories cannot steer the key outside the
// configured prefix.
func (p *Publisher) DestinationKey(fileName string) (string, error) {
	name := strings.ReplaceAll(fileName, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "", uperr.ErrInvalidFileName
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return "", uperr.ErrInvalidFileName
	}
	return p.opts.KeyPrefix + name, nil
}

// Publish uploads size bytes from r to bucket/key. A deadline expiry maps to
// ErrPublishTimeout, any other failure to ErrPublishFailed.
func (p *Publisher) Publish(ctx context.Context, r io.Reader, size int64, bucket, key, contentType string) error {
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := p.store.Put(ctx, bucket, key, r, size, contentType)
	elapsed := time.Since(start)
	metrics.PublishDuration.WithLabelValues(p.opts.Backend).Observe(elapsed.Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.PublishTotal.WithLabelValues(p.opts.Backend, "timeout").Inc()
			return uperr.ErrPublishTimeout.WithCause(fmt.Errorf("publishing %s/%s after %s: %w", bucket, key, elapsed.Round(time.Millisecond), err))
		}
		metrics.PublishTotal.WithLabelValues(p.opts.Backend, "error").Inc()
		return uperr.ErrPublishFailed.WithCause(fmt.Errorf("publishing %s/%s: %w", bucket, key, err))
	}

	metrics.PublishTotal.WithLabelValues(p.opts.Backend, "success").Inc()
	p.logger.Info("Published artifact",
		"backend", p.opts.Backend,
		"bucket", bucket,
		"key", key,
		"size", size,
		"duration", elapsed,
	)
	return nil
}

// HealthCheck delegates to the store.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	return p.store.HealthCheck(ctx)
}
