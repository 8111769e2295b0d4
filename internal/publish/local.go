package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/chunkrelay/chunkrelay/internal/uid"
)

// LocalStore publishes into a directory tree laid out as {root}/{bucket}/{key}.
// It stands in for a remote store in development and tests.
type LocalStore struct {
	RootDir string
}

// NewLocalStore creates the root and temp directories.
func NewLocalStore(rootDir string) (*LocalStore, error) {
	for _, dir := range []string{rootDir, filepath.Join(rootDir, ".tmp")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating publish directory %q: %w", dir, err)
		}
	}
	return &LocalStore{RootDir: rootDir}, nil
}

// objectPath resolves bucket/key inside the root, rejecting anything that
// would escape it.
func (s *LocalStore) objectPath(bucket, key string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." || bucket == ".tmp" {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	bucketDir := filepath.Join(s.RootDir, bucket)
	p := filepath.Join(bucketDir, filepath.FromSlash(key))
	rel, err := filepath.Rel(bucketDir, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return p, nil
}

// Put writes the object with temp file, fsync and rename, so readers never
// see a partial object.
func (s *LocalStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	finalPath, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}

	tmpPath := filepath.Join(s.RootDir, ".tmp", uid.New())
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := io.Copy(f, contextReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing object: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing object: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing object: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("creating object directory: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("committing object: %w", err)
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(filepath.Dir(finalPath))
	if err != nil {
		return fmt.Errorf("syncing object directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing object directory: %w", err)
	}
	return nil
}

// HealthCheck verifies that the root directory is accessible.
func (s *LocalStore) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(s.RootDir)
	return err
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Ensure LocalStore implements BlobStore at compile time.
var _ BlobStore = (*LocalStore)(nil)
