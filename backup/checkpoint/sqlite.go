package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-dirbackup/backup/network/chunkuploader"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// timeFormat is the format timestamps are stored in.
const timeFormat = time.RFC3339Nano

// connectionPragmas are applied by the driver to every new connection.
var connectionPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// SQLiteStore keeps checkpoints and upload records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and initializes the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}
	// Parallel jobs share the store, a single connection serializes their writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

func withPragmas(dsn string) string {
	params := make([]string, 0, len(connectionPragmas))
	for _, p := range connectionPragmas {
		params = append(params, "_pragma="+p)
	}

	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + strings.Join(params, "&")
}

func (s *SQLiteStore) initDB() error {
	schema := `
		CREATE TABLE IF NOT EXISTS upload_sessions (
			destination TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			byte_offset INTEGER NOT NULL,
			total_size  INTEGER NOT NULL,
			chunk_size  INTEGER NOT NULL,
			updated_at  TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS uploads (
			destination TEXT PRIMARY KEY,
			checksum    TEXT NOT NULL,
			size        INTEGER NOT NULL,
			uploaded_at TEXT NOT NULL
		);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Save stores the checkpoint of destination's open session.
func (s *SQLiteStore) Save(ctx context.Context, c chunkuploader.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_sessions (destination, fingerprint, session_id, byte_offset, total_size, chunk_size, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(destination) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			session_id = excluded.session_id,
			byte_offset = excluded.byte_offset,
			total_size = excluded.total_size,
			chunk_size = excluded.chunk_size,
			updated_at = excluded.updated_at`,
		c.Destination, c.Fingerprint, c.SessionID, c.Offset, c.Size, c.ChunkSize, c.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint for %q: %w", c.Destination, err)
	}
	return nil
}

// Load returns the checkpoint for destination, or nil if there is none.
func (s *SQLiteStore) Load(ctx context.Context, destination string) (*chunkuploader.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT destination, fingerprint, session_id, byte_offset, total_size, chunk_size, updated_at
		 FROM upload_sessions WHERE destination = ?`,
		destination,
	)

	var c chunkuploader.Checkpoint
	var updatedAt string
	err := row.Scan(&c.Destination, &c.Fingerprint, &c.SessionID, &c.Offset, &c.Size, &c.ChunkSize, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for %q: %w", destination, err)
	}
	c.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)

	return &c, nil
}

// Delete removes the checkpoint for destination.
func (s *SQLiteStore) Delete(ctx context.Context, destination string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE destination = ?`, destination); err != nil {
		return fmt.Errorf("deleting checkpoint for %q: %w", destination, err)
	}
	return nil
}

// LastUpload returns the last recorded upload to destination, or nil.
func (s *SQLiteStore) LastUpload(ctx context.Context, destination string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT destination, checksum, size, uploaded_at FROM uploads WHERE destination = ?`,
		destination,
	)

	var r Record
	var uploadedAt string
	err := row.Scan(&r.Destination, &r.Checksum, &r.Size, &uploadedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading upload record for %q: %w", destination, err)
	}
	r.UploadedAt, _ = time.Parse(timeFormat, uploadedAt)

	return &r, nil
}

// RecordUpload stores r as the last upload to its destination.
func (s *SQLiteStore) RecordUpload(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (destination, checksum, size, uploaded_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(destination) DO UPDATE SET
			checksum = excluded.checksum,
			size = excluded.size,
			uploaded_at = excluded.uploaded_at`,
		r.Destination, r.Checksum, r.Size, r.UploadedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("recording upload for %q: %w", r.Destination, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
