package chunkuploader

import (
	"fmt"
	"os"
)

// FileSource reads an upload payload from a file on disk.
// The size is taken when the file is opened and does not follow later changes.
type FileSource struct {
	*os.File
	size        int64
	fingerprint string
}

// OpenFileSource opens the file at path for uploading.
func OpenFileSource(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{File: file, size: info.Size()}, nil
}

// Size returns the number of bytes to upload.
func (s *FileSource) Size() int64 {
	return s.size
}

// SetFingerprint sets the content fingerprint used to match checkpoints.
func (s *FileSource) SetFingerprint(fingerprint string) {
	s.fingerprint = fingerprint
}

// Fingerprint returns the content fingerprint, empty when unset.
func (s *FileSource) Fingerprint() string {
	return s.fingerprint
}
