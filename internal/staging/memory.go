package staging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

type memChunk struct {
	data      []byte
	arrivedAt time.Time
}

// MemoryChunkStore implements ChunkStore with in-memory maps. Nothing
// survives a restart, so it is meant for tests and throwaway deployments.
type MemoryChunkStore struct {
	mu           sync.RWMutex
	uploads      map[string]map[int]memChunk
	currentSize  int64
	maxSizeBytes int64
	now          func() time.Time
}

// NewMemoryChunkStore creates an empty store. maxSizeBytes caps the total
// staged payload; zero means unlimited.
func NewMemoryChunkStore(maxSizeBytes int64) *MemoryChunkStore {
	return &MemoryChunkStore{
		uploads:      make(map[string]map[int]memChunk),
		maxSizeBytes: maxSizeBytes,
		now:          time.Now,
	}
}

// SetClock replaces the arrival-time source. Used by tests to stage chunks
// "in the past" for the reaper.
func (s *MemoryChunkStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores a private copy of the payload.
func (s *MemoryChunkStore) Put(ctx context.Context, uploadID string, seq int, r io.Reader) (ChunkInfo, error) {
	if _, err := EncodeUploadID(uploadID); err != nil {
		return ChunkInfo{}, err
	}
	if seq < 1 {
		return ChunkInfo{}, fmt.Errorf("invalid sequence number %d", seq)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return ChunkInfo{}, fmt.Errorf("reading chunk data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chunks := s.uploads[uploadID]
	delta := int64(len(data))
	if existing, ok := chunks[seq]; ok {
		delta -= int64(len(existing.data))
	}
	if s.maxSizeBytes > 0 && s.currentSize+delta > s.maxSizeBytes {
		return ChunkInfo{}, fmt.Errorf("memory limit exceeded: current=%d, delta=%d, max=%d", s.currentSize, delta, s.maxSizeBytes)
	}
	if chunks == nil {
		chunks = make(map[int]memChunk)
		s.uploads[uploadID] = chunks
	}
	arrived := s.now().UTC()
	chunks[seq] = memChunk{data: data, arrivedAt: arrived}
	s.currentSize += delta

	return ChunkInfo{UploadID: uploadID, SequenceNumber: seq, Size: int64(len(data)), ArrivedAt: arrived}, nil
}

// ListStaged returns the upload's chunks sorted by sequence.
func (s *MemoryChunkStore) ListStaged(ctx context.Context, uploadID string) ([]ChunkInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks := s.uploads[uploadID]
	out := make([]ChunkInfo, 0, len(chunks))
	for seq, c := range chunks {
		out = append(out, ChunkInfo{UploadID: uploadID, SequenceNumber: seq, Size: int64(len(c.data)), ArrivedAt: c.arrivedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

// Read returns a reader over the stored payload. Stored slices are never
// mutated after Put, so no copy is needed.
func (s *MemoryChunkStore) Read(ctx context.Context, uploadID string, seq int) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.uploads[uploadID][seq]
	if !ok {
		return nil, fmt.Errorf("chunk %d of %q: %w", seq, uploadID, ErrChunkNotFound)
	}
	return io.NopCloser(bytes.NewReader(c.data)), nil
}

// Remove drops the chunk. Idempotent.
func (s *MemoryChunkStore) Remove(ctx context.Context, uploadID string, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks := s.uploads[uploadID]
	if c, ok := chunks[seq]; ok {
		s.currentSize -= int64(len(c.data))
		delete(chunks, seq)
	}
	if len(chunks) == 0 {
		delete(s.uploads, uploadID)
	}
	return nil
}

// ListOlderThan scans every upload.
func (s *MemoryChunkStore) ListOlderThan(ctx context.Context, cutoff time.Time) ([]ChunkInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ChunkInfo
	for id, chunks := range s.uploads {
		for seq, c := range chunks {
			if c.arrivedAt.Before(cutoff) {
				out = append(out, ChunkInfo{UploadID: id, SequenceNumber: seq, Size: int64(len(c.data)), ArrivedAt: c.arrivedAt})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadID != out[j].UploadID {
			return out[i].UploadID < out[j].UploadID
		}
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

// HealthCheck always succeeds.
func (s *MemoryChunkStore) HealthCheck(ctx context.Context) error {
	return nil
}
