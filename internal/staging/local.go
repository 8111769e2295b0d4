package staging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/chunkrelay/chunkrelay/internal/uid"
)

// LocalChunkStore implements ChunkStore on the local filesystem. Chunks are
// laid out as {root}/chunks/{encoded upload id}/{%06d sequence}.
type LocalChunkStore struct {
	// RootDir is the base directory for staged chunks and temp files.
	RootDir string
}

// NewLocalChunkStore creates a LocalChunkStore rooted at the given
// directory, creating the chunk and temp directories if needed.
func NewLocalChunkStore(rootDir string) (*LocalChunkStore, error) {
	for _, dir := range []string{rootDir, filepath.Join(rootDir, "chunks"), filepath.Join(rootDir, ".tmp")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating staging directory %q: %w", dir, err)
		}
	}
	return &LocalChunkStore{RootDir: rootDir}, nil
}

// CleanTempFiles removes all files in the .tmp directory. Called on startup:
// leftovers are writes interrupted by a crash and were never visible.
func (s *LocalChunkStore) CleanTempFiles() error {
	return cleanTempDir(filepath.Join(s.RootDir, ".tmp"))
}

func (s *LocalChunkStore) uploadDir(uploadID string) (string, error) {
	enc, err := EncodeUploadID(uploadID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.RootDir, "chunks", enc), nil
}

func chunkFileName(seq int) string {
	return fmt.Sprintf("%06d", seq)
}

// Put writes the chunk with the crash-only atomic pattern: write to a temp
// file, fsync, rename over the final path. A concurrent Put for the same
// sequence number leaves exactly one of the two payloads.
func (s *LocalChunkStore) Put(ctx context.Context, uploadID string, seq int, r io.Reader) (ChunkInfo, error) {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return ChunkInfo{}, err
	}
	if seq < 1 {
		return ChunkInfo{}, fmt.Errorf("invalid sequence number %d", seq)
	}

	tmpPath := filepath.Join(s.RootDir, ".tmp", "chunk-"+uid.New())
	size, err := writeSynced(tmpPath, r)
	if err != nil {
		return ChunkInfo{}, fmt.Errorf("staging chunk %d: %w", seq, err)
	}

	finalPath := filepath.Join(dir, chunkFileName(seq))
	if err := renameInto(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return ChunkInfo{}, fmt.Errorf("committing chunk %d: %w", seq, err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return ChunkInfo{}, fmt.Errorf("stat chunk %d: %w", seq, err)
	}
	return ChunkInfo{
		UploadID:       uploadID,
		SequenceNumber: seq,
		Size:           size,
		ArrivedAt:      info.ModTime().UTC(),
	}, nil
}

// ListStaged enumerates the upload's directory.
func (s *LocalChunkStore) ListStaged(ctx context.Context, uploadID string) ([]ChunkInfo, error) {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return nil, err
	}
	return listChunkDir(dir, uploadID)
}

// Read opens the staged chunk file.
func (s *LocalChunkStore) Read(ctx context.Context, uploadID string, seq int) (io.ReadCloser, error) {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, chunkFileName(seq)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chunk %d of %q: %w", seq, uploadID, ErrChunkNotFound)
		}
		return nil, fmt.Errorf("opening chunk %d: %w", seq, err)
	}
	return f, nil
}

// Remove deletes the chunk file and, best effort, the upload directory once
// it is empty.
func (s *LocalChunkStore) Remove(ctx context.Context, uploadID string, seq int) error {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, chunkFileName(seq))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing chunk %d: %w", seq, err)
	}
	os.Remove(dir) // Fails silently if not empty.
	return nil
}

// ListOlderThan walks every upload directory.
func (s *LocalChunkStore) ListOlderThan(ctx context.Context, cutoff time.Time) ([]ChunkInfo, error) {
	chunksDir := filepath.Join(s.RootDir, "chunks")
	entries, err := os.ReadDir(chunksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading chunks directory: %w", err)
	}

	var out []ChunkInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		uploadID, err := DecodeUploadID(entry.Name())
		if err != nil {
			continue
		}
		chunks, err := listChunkDir(filepath.Join(chunksDir, entry.Name()), uploadID)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			if c.ArrivedAt.Before(cutoff) {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// HealthCheck verifies that the staging root is accessible.
func (s *LocalChunkStore) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(s.RootDir)
	return err
}

func listChunkDir(dir, uploadID string) ([]ChunkInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ChunkInfo{}, nil
		}
		return nil, fmt.Errorf("reading upload directory: %w", err)
	}

	chunks := make([]ChunkInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		seq, err := strconv.Atoi(entry.Name())
		if err != nil || seq < 1 {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat chunk %d: %w", seq, err)
		}
		chunks = append(chunks, ChunkInfo{
			UploadID:       uploadID,
			SequenceNumber: seq,
			Size:           info.Size(),
			ArrivedAt:      info.ModTime().UTC(),
		})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].SequenceNumber < chunks[j].SequenceNumber })
	return chunks, nil
}

// writeSynced copies r into a new file at path and fsyncs it. On failure the
// file is removed.
func writeSynced(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(path)
		return 0, fmt.Errorf("writing data: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return 0, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("closing temp file: %w", err)
	}
	return n, nil
}

// renameInto renames src to dst, creating dst's directory, and syncs the
// directory so the rename survives a crash. A concurrent Remove may delete the
// directory between MkdirAll and Rename, so the rename is retried once after
// recreating it.
func renameInto(src, dst string) error {
	dir := filepath.Dir(dst)
	for attempt := 0; ; attempt++ {
		_, statErr := os.Stat(dir)
		created := os.IsNotExist(statErr)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		err := os.Rename(src, dst)
		if err == nil {
			if created {
				if err := syncDir(filepath.Dir(dir)); err != nil {
					return err
				}
			}
			return syncDir(dir)
		}
		if !os.IsNotExist(err) || attempt > 0 {
			return err
		}
	}
}

// syncDir flushes a directory's entries to disk. Windows cannot open a
// directory for sync, so it is a no-op there.
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening directory for sync: %w", err)
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return fmt.Errorf("syncing directory: %w", err)
	}
	return d.Close()
}

func cleanTempDir(tmpDir string) error {
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}
