package staging

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// timeFormat is fixed-width so that stored timestamps compare correctly as
// strings.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// SQLiteChunkStore implements ChunkStore with chunk payloads stored as BLOBs
// in a single SQLite database. Suitable for small chunks on a single node.
type SQLiteChunkStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteChunkStore opens (or creates) the database at dbPath, applies
// PRAGMAs and creates the chunk table.
func NewSQLiteChunkStore(dbPath string) (*SQLiteChunkStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite staging database: %w", err)
	}
	// SQLite has a single writer; one connection avoids SQLITE_BUSY under
	// concurrent chunk writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteChunkStore{db: db, now: time.Now}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite staging database: %w", err)
	}
	return s, nil
}

func (s *SQLiteChunkStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS chunk_data (
			upload_id  TEXT    NOT NULL,
			sequence   INTEGER NOT NULL,
			data       BLOB    NOT NULL,
			size       INTEGER NOT NULL,
			arrived_at TEXT    NOT NULL,
			PRIMARY KEY (upload_id, sequence)
		);
		CREATE INDEX IF NOT EXISTS idx_chunk_data_arrived ON chunk_data(arrived_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating staging schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteChunkStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put reads the whole payload and upserts it. INSERT OR REPLACE makes a
// resend overwrite the earlier row.
func (s *SQLiteChunkStore) Put(ctx context.Context, uploadID string, seq int, r io.Reader) (ChunkInfo, error) {
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

	arrived := s.now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chunk_data (upload_id, sequence, data, size, arrived_at) VALUES (?, ?, ?, ?, ?)`,
		uploadID, seq, data, len(data), arrived.Format(timeFormat),
	)
	if err != nil {
		return ChunkInfo{}, fmt.Errorf("putting chunk %d for upload %q: %w", seq, uploadID, err)
	}
	return ChunkInfo{
		UploadID:       uploadID,
		SequenceNumber: seq,
		Size:           int64(len(data)),
		ArrivedAt:      arrived,
	}, nil
}

// ListStaged selects the upload's rows ordered by sequence.
func (s *SQLiteChunkStore) ListStaged(ctx context.Context, uploadID string) ([]ChunkInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, sequence, size, arrived_at FROM chunk_data WHERE upload_id = ? ORDER BY sequence`,
		uploadID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing chunks for upload %q: %w", uploadID, err)
	}
	chunks, err := scanChunks(rows)
	if err != nil {
		return nil, err
	}
	if chunks == nil {
		chunks = []ChunkInfo{}
	}
	return chunks, nil
}

// Read returns the stored BLOB.
func (s *SQLiteChunkStore) Read(ctx context.Context, uploadID string, seq int) (io.ReadCloser, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM chunk_data WHERE upload_id = ? AND sequence = ?`,
		uploadID, seq,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chunk %d of %q: %w", seq, uploadID, ErrChunkNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading chunk %d for upload %q: %w", seq, uploadID, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Remove deletes the row. Idempotent.
func (s *SQLiteChunkStore) Remove(ctx context.Context, uploadID string, seq int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chunk_data WHERE upload_id = ? AND sequence = ?`,
		uploadID, seq,
	)
	if err != nil {
		return fmt.Errorf("removing chunk %d for upload %q: %w", seq, uploadID, err)
	}
	return nil
}

// ListOlderThan uses the arrived_at index.
func (s *SQLiteChunkStore) ListOlderThan(ctx context.Context, cutoff time.Time) ([]ChunkInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, sequence, size, arrived_at FROM chunk_data WHERE arrived_at < ? ORDER BY upload_id, sequence`,
		cutoff.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("listing stale chunks: %w", err)
	}
	return scanChunks(rows)
}

// HealthCheck pings the database.
func (s *SQLiteChunkStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanChunks(rows *sql.Rows) ([]ChunkInfo, error) {
	defer rows.Close()
	var out []ChunkInfo
	for rows.Next() {
		var c ChunkInfo
		var arrived string
		if err := rows.Scan(&c.UploadID, &c.SequenceNumber, &c.Size, &arrived); err != nil {
			return nil, fmt.Errorf("scanning chunk row: %w", err)
		}
		t, err := time.Parse(timeFormat, arrived)
		if err != nil {
			return nil, fmt.Errorf("parsing arrived_at %q: %w", arrived, err)
		}
		c.ArrivedAt = t
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunk rows: %w", err)
	}
	return out, nil
}
