// Package checkpoint persists upload session checkpoints and the history of
// finished uploads, so interrupted uploads can resume and unchanged archives
// can be skipped.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-dirbackup/backup/network/chunkuploader"
)

const (
	KindNone   = "none"
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// Ledger remembers the last successful upload per destination.
type Ledger interface {
	LastUpload(ctx context.Context, destination string) (*Record, error)
	RecordUpload(ctx context.Context, record Record) error
}

// Store keeps both session checkpoints and the upload ledger.
type Store interface {
	chunkuploader.CheckpointStore
	Ledger
	io.Closer
}

// Open returns the store of the given kind rooted at path. KindNone returns a nil Store.
func Open(kind, path string) (Store, error) {
	switch kind {
	case KindNone, "":
		return nil, nil
	case KindFile:
		store, err := NewFileStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case KindSQLite:
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
		store, err := NewSQLiteStore(filepath.Join(path, "checkpoints.db"))
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown checkpoint store: %s", kind)
}

// Record describes the last successful upload to a destination.
type Record struct {
	Destination string    `json:"destination"`
	Checksum    string    `json:"checksum"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

func keyOf(destination string) string {
	sum := sha256.Sum256([]byte(destination))
	return hex.EncodeToString(sum[:])
}
