package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSAPI is the subset of the GCS client the store uses. Mockable in tests.
type GCSAPI interface {
	// NewWriter returns a writer for bucket/object with the given content
	// type. The object becomes visible when the writer is closed.
	NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser
	// BucketAttrs fails if the bucket is missing or inaccessible.
	BucketAttrs(ctx context.Context, bucket string) error
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

func (c *realGCSClient) BucketAttrs(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

// GCSStore publishes to Google Cloud Storage.
type GCSStore struct {
	// Bucket is checked by HealthCheck.
	Bucket string
	// Project is the GCP project ID, informational only.
	Project string
	client  GCSAPI
}

// GCSOptions holds the connection settings for NewGCSStore.
type GCSOptions struct {
	Bucket          string
	Project         string
	CredentialsFile string
	// Endpoint overrides the API endpoint, e.g. for a local emulator.
	Endpoint string
}

// NewGCSStore creates a GCS client using Application Default Credentials
// unless a credentials file is given, and verifies the bucket.
func NewGCSStore(ctx context.Context, opts GCSOptions) (*GCSStore, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	store := NewGCSStoreWithClient(opts.Bucket, opts.Project, &realGCSClient{client: client})
	if err := store.HealthCheck(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("cannot access GCS bucket %q: %w", opts.Bucket, err)
	}

	slog.Info("GCS publish backend initialized", "bucket", opts.Bucket, "project", opts.Project)
	return store, nil
}

// NewGCSStoreWithClient creates a GCSStore around a pre-configured client.
// Used by tests with mock clients.
func NewGCSStoreWithClient(bucket, project string, client GCSAPI) *GCSStore {
	return &GCSStore{Bucket: bucket, Project: project, client: client}
}

// Put streams r into a GCS writer. On a copy failure the writer's context is
// cancelled before Close so the partial object is never finalized.
func (s *GCSStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.NewWriter(ctx, bucket, key, contentType)
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return nil
}

// HealthCheck reads the default bucket's attributes.
func (s *GCSStore) HealthCheck(ctx context.Context) error {
	if err := s.client.BucketAttrs(ctx, s.Bucket); err != nil {
		if errors.Is(err, gcs.ErrBucketNotExist) {
			return fmt.Errorf("GCS bucket %q does not exist: %w", s.Bucket, err)
		}
		return err
	}
	return nil
}

// Ensure GCSStore implements BlobStore at compile time.
var _ BlobStore = (*GCSStore)(nil)
