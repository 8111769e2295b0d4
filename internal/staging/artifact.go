package staging

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chunkrelay/chunkrelay/internal/uid"
)

// ErrArtifactNotFound is returned when no committed artifact exists for an
// upload.
var ErrArtifactNotFound = errors.New("artifact not found")

// Artifact is the manifest of a reassembled upload.
type Artifact struct {
	UploadID       string    `json:"uploadId"`
	FileName       string    `json:"fileName"`
	ContentType    string    `json:"contentType"`
	DestinationKey string    `json:"destinationKey"`
	Bucket         string    `json:"bucket"`
	Size           int64     `json:"size"`
	SHA256         string    `json:"sha256"`
	ChunkCount     int       `json:"chunkCount"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ArtifactWriter receives the reassembled bytes. Exactly one of Commit or
// Discard must be called.
type ArtifactWriter interface {
	io.Writer
	// Commit makes the artifact durable and visible. Size and SHA256 are
	// filled in from the bytes written.
	Commit() (*Artifact, error)
	// Discard drops everything written so far.
	Discard() error
}

// ArtifactStore holds reassembled artifacts until they are published.
type ArtifactStore interface {
	Create(ctx context.Context, meta Artifact) (ArtifactWriter, error)
	Open(ctx context.Context, uploadID string) (io.ReadCloser, *Artifact, error)
	Stat(ctx context.Context, uploadID string) (*Artifact, error)
	Remove(ctx context.Context, uploadID string) error
	List(ctx context.Context) ([]Artifact, error)
}

// LocalArtifactStore keeps artifacts as {root}/{encoded id}.bin with a JSON
// manifest next to it. An artifact is visible only once its manifest exists.
type LocalArtifactStore struct {
	RootDir string
	now     func() time.Time
}

// NewLocalArtifactStore creates the artifact root and its temp directory.
func NewLocalArtifactStore(rootDir string) (*LocalArtifactStore, error) {
	for _, dir := range []string{rootDir, filepath.Join(rootDir, ".tmp")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating artifact directory %q: %w", dir, err)
		}
	}
	return &LocalArtifactStore{RootDir: rootDir, now: time.Now}, nil
}

// CleanTempFiles removes partial artifacts left by a crash.
func (s *LocalArtifactStore) CleanTempFiles() error {
	return cleanTempDir(filepath.Join(s.RootDir, ".tmp"))
}

func (s *LocalArtifactStore) paths(uploadID string) (data, manifest string, err error) {
	enc, err := EncodeUploadID(uploadID)
	if err != nil {
		return "", "", err
	}
	base := filepath.Join(s.RootDir, enc)
	return base + ".bin", base + ".json", nil
}

// Create opens a temp file for the artifact body.
func (s *LocalArtifactStore) Create(ctx context.Context, meta Artifact) (ArtifactWriter, error) {
	dataPath, manifestPath, err := s.paths(meta.UploadID)
	if err != nil {
		return nil, err
	}
	tmpPath := filepath.Join(s.RootDir, ".tmp", "artifact-"+uid.New())
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("creating artifact temp file: %w", err)
	}
	h := sha256.New()
	return &localArtifactWriter{
		store:        s,
		meta:         meta,
		file:         f,
		tmpPath:      tmpPath,
		dataPath:     dataPath,
		manifestPath: manifestPath,
		hash:         h,
		w:            io.MultiWriter(f, h),
	}, nil
}

type localArtifactWriter struct {
	store        *LocalArtifactStore
	meta         Artifact
	file         *os.File
	tmpPath      string
	dataPath     string
	manifestPath string
	hash         hash.Hash
	w            io.Writer
	size         int64
	done         bool
}

func (w *localArtifactWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.size += int64(n)
	return n, err
}

// Commit fsyncs and renames the body, then writes the manifest the same way.
// A crash between the two renames leaves a body without a manifest, which is
// treated as absent.
func (w *localArtifactWriter) Commit() (*Artifact, error) {
	if w.done {
		return nil, errors.New("artifact writer already finished")
	}
	w.done = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(w.tmpPath)
		return nil, fmt.Errorf("syncing artifact: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return nil, fmt.Errorf("closing artifact: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.dataPath); err != nil {
		os.Remove(w.tmpPath)
		return nil, fmt.Errorf("committing artifact: %w", err)
	}

	art := w.meta
	art.Size = w.size
	art.SHA256 = hex.EncodeToString(w.hash.Sum(nil))
	art.CreatedAt = w.store.now().UTC()

	if err := w.store.writeManifest(w.manifestPath, &art); err != nil {
		os.Remove(w.dataPath)
		return nil, err
	}
	return &art, nil
}

func (w *localArtifactWriter) Discard() error {
	if w.done {
		return nil
	}
	w.done = true
	w.file.Close()
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discarding artifact: %w", err)
	}
	return nil
}

func (s *LocalArtifactStore) writeManifest(path string, art *Artifact) error {
	body, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	tmpPath := filepath.Join(s.RootDir, ".tmp", "manifest-"+uid.New())
	if _, err := writeSynced(tmpPath, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("committing manifest: %w", err)
	}
	// The body and manifest share a directory.
	return syncDir(filepath.Dir(path))
}

func readManifest(path string) (*Artifact, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var art Artifact
	if err := json.Unmarshal(body, &art); err != nil {
		return nil, fmt.Errorf("decoding manifest %q: %w", path, err)
	}
	return &art, nil
}

// Stat returns the manifest or an error wrapping ErrArtifactNotFound.
func (s *LocalArtifactStore) Stat(ctx context.Context, uploadID string) (*Artifact, error) {
	_, manifestPath, err := s.paths(uploadID)
	if err != nil {
		return nil, err
	}
	art, err := readManifest(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact for %q: %w", uploadID, ErrArtifactNotFound)
		}
		return nil, err
	}
	return art, nil
}

// Open returns the artifact body and its manifest.
func (s *LocalArtifactStore) Open(ctx context.Context, uploadID string) (io.ReadCloser, *Artifact, error) {
	art, err := s.Stat(ctx, uploadID)
	if err != nil {
		return nil, nil, err
	}
	dataPath, _, _ := s.paths(uploadID)
	f, err := os.Open(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("artifact body for %q: %w", uploadID, ErrArtifactNotFound)
		}
		return nil, nil, fmt.Errorf("opening artifact: %w", err)
	}
	return f, art, nil
}

// Remove deletes the manifest first so a partial removal leaves an
// invisible body rather than a manifest pointing at nothing. Idempotent.
func (s *LocalArtifactStore) Remove(ctx context.Context, uploadID string) error {
	dataPath, manifestPath, err := s.paths(uploadID)
	if err != nil {
		return err
	}
	if err := os.Remove(manifestPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing manifest: %w", err)
	}
	if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing artifact: %w", err)
	}
	return nil
}

// List returns every committed artifact, oldest first.
func (s *LocalArtifactStore) List(ctx context.Context) ([]Artifact, error) {
	entries, err := os.ReadDir(s.RootDir)
	if err != nil {
		return nil, fmt.Errorf("reading artifact directory: %w", err)
	}
	var out []Artifact
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		art, err := readManifest(filepath.Join(s.RootDir, entry.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		out = append(out, *art)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
