// Package staging holds uploaded chunks and reassembled artifacts on the
// local side until they are consumed.
//
// Chunk records are keyed by (upload id, sequence number). The upload id is
// caller-supplied and untrusted, so every backend encodes it before using it
// as a storage key component.
package staging

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"
)

// MaxUploadIDLength bounds the raw upload id so the encoded form stays a
// valid file name on every supported filesystem.
const MaxUploadIDLength = 128

// ErrChunkNotFound is returned by Read when no payload is staged for the
// requested (upload id, sequence number).
var ErrChunkNotFound = errors.New("chunk not found")

// ErrInvalidUploadID is returned when an upload id cannot be used as a key.
var ErrInvalidUploadID = errors.New("invalid upload id")

// ChunkInfo describes one staged chunk.
type ChunkInfo struct {
	UploadID       string
	SequenceNumber int
	Size           int64
	// ArrivedAt is when the current payload was durably written. The reaper
	// uses it to find abandoned uploads.
	ArrivedAt time.Time
}

// ChunkStore is a durable staging area for individual chunk payloads.
// Implementations must be safe for concurrent use. A second Put for the same
// key replaces the payload.
type ChunkStore interface {
	// Put durably writes the payload read from r. It returns only after the
	// payload would survive a process restart.
	Put(ctx context.Context, uploadID string, seq int, r io.Reader) (ChunkInfo, error)

	// ListStaged returns the staged chunks of one upload sorted by sequence
	// number. An unknown upload yields an empty slice.
	ListStaged(ctx context.Context, uploadID string) ([]ChunkInfo, error)

	// Read opens a staged payload. The caller closes the returned reader.
	// Returns an error wrapping ErrChunkNotFound if nothing is staged.
	Read(ctx context.Context, uploadID string, seq int) (io.ReadCloser, error)

	// Remove deletes a staged payload. Removing an absent chunk is not an error.
	Remove(ctx context.Context, uploadID string, seq int) error

	// ListOlderThan returns every staged chunk, across uploads, that arrived
	// before cutoff.
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]ChunkInfo, error)

	// HealthCheck verifies that the store is operational.
	HealthCheck(ctx context.Context) error
}

// RemoveAll removes every staged chunk of an upload and returns how many
// were removed. It keeps going past individual failures and returns the
// first error.
func RemoveAll(ctx context.Context, store ChunkStore, uploadID string) (int, error) {
	staged, err := store.ListStaged(ctx, uploadID)
	if err != nil {
		return 0, fmt.Errorf("listing staged chunks: %w", err)
	}
	var firstErr error
	removed := 0
	for _, c := range staged {
		if err := store.Remove(ctx, uploadID, c.SequenceNumber); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// EncodeUploadID maps an upload id to a key component that is safe as a
// file or directory name.
func EncodeUploadID(uploadID string) (string, error) {
	if uploadID == "" || len(uploadID) > MaxUploadIDLength {
		return "", fmt.Errorf("%w: length %d", ErrInvalidUploadID, len(uploadID))
	}
	return base64.RawURLEncoding.EncodeToString([]byte(uploadID)), nil
}

// DecodeUploadID reverses EncodeUploadID.
func DecodeUploadID(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidUploadID, err)
	}
	return string(raw), nil
}
