package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-dirbackup/backup/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/fileutil"
)

const (
	checkpointsDir = "sessions"
	recordsDir     = "uploads"
)

// FileStore keeps one JSON document per destination under a directory.
type FileStore struct {
	dir         string
	fileManager fileutil.FileManager
}

// NewFileStore creates the store directory layout under dir.
func NewFileStore(dir string) (*FileStore, error) {
	for _, sub := range []string{checkpointsDir, recordsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	return &FileStore{dir: dir, fileManager: fileutil.NewFileManager()}, nil
}

// Save stores the checkpoint of destination's open session.
func (s *FileStore) Save(_ context.Context, checkpoint chunkuploader.Checkpoint) error {
	return s.write(s.path(checkpointsDir, checkpoint.Destination), checkpoint)
}

// Load returns the checkpoint for destination, or nil if there is none.
func (s *FileStore) Load(_ context.Context, destination string) (*chunkuploader.Checkpoint, error) {
	var checkpoint chunkuploader.Checkpoint
	found, err := s.read(s.path(checkpointsDir, destination), &checkpoint)
	if err != nil || !found {
		return nil, err
	}
	return &checkpoint, nil
}

// Delete removes the checkpoint for destination. Deleting a missing one is not an error.
func (s *FileStore) Delete(_ context.Context, destination string) error {
	err := os.Remove(s.path(checkpointsDir, destination))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// LastUpload returns the last recorded upload to destination, or nil.
func (s *FileStore) LastUpload(_ context.Context, destination string) (*Record, error) {
	var record Record
	found, err := s.read(s.path(recordsDir, destination), &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

// RecordUpload stores record as the last upload to its destination.
func (s *FileStore) RecordUpload(_ context.Context, record Record) error {
	return s.write(s.path(recordsDir, record.Destination), record)
}

// Close is a no-op, FileStore holds no open resources.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) path(kind, destination string) string {
	return filepath.Join(s.dir, kind, keyOf(destination)+".json")
}

// write replaces the file at path atomically.
func (s *FileStore) write(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := s.fileManager.WriteBytes(tmp, data); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func (s *FileStore) read(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}
