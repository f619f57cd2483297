package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/bitrise-io/go-dirbackup/backup/checkpoint"
	"github.com/bitrise-io/go-dirbackup/backup/network"
	"github.com/bitrise-io/go-dirbackup/backup/network/chunkuploader"
)

type noDependencies struct{}

func (noDependencies) CheckDependencies() bool { return false }

// memBackend keeps uploaded files and open sessions in memory.
type memBackend struct {
	mu       sync.Mutex
	files    map[string][]byte
	sessions map[string][]byte
	failPath string
	calls    int
}

func newMemBackend() *memBackend {
	return &memBackend{files: map[string][]byte{}, sessions: map[string][]byte{}}
}

func (b *memBackend) Upload(_ context.Context, data []byte, commit chunkuploader.CommitInfo) (chunkuploader.Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++

	if commit.Path == b.failPath {
		return chunkuploader.Metadata{}, errors.New("insufficient space")
	}
	b.files[commit.Path] = append([]byte(nil), data...)
	return chunkuploader.Metadata{Path: commit.Path, Size: int64(len(data))}, nil
}

func (b *memBackend) StartSession(_ context.Context, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++

	id := fmt.Sprintf("session-%d", len(b.sessions)+1)
	b.sessions[id] = append([]byte(nil), data...)
	return id, nil
}

func (b *memBackend) AppendSession(_ context.Context, cursor chunkuploader.Cursor, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++

	return b.appendLocked(cursor, data)
}

func (b *memBackend) FinishSession(_ context.Context, cursor chunkuploader.Cursor, data []byte, commit chunkuploader.CommitInfo) (chunkuploader.Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++

	if commit.Path == b.failPath {
		return chunkuploader.Metadata{}, errors.New("insufficient space")
	}
	if err := b.appendLocked(cursor, data); err != nil {
		return chunkuploader.Metadata{}, err
	}
	content := b.sessions[cursor.SessionID]
	delete(b.sessions, cursor.SessionID)
	b.files[commit.Path] = content
	return chunkuploader.Metadata{Path: commit.Path, Size: int64(len(content))}, nil
}

func (b *memBackend) appendLocked(cursor chunkuploader.Cursor, data []byte) error {
	content, ok := b.sessions[cursor.SessionID]
	if !ok {
		return fmt.Errorf("session %s not found", cursor.SessionID)
	}
	if cursor.Offset != int64(len(content)) {
		return fmt.Errorf("incorrect offset %d, expected %d", cursor.Offset, len(content))
	}
	b.sessions[cursor.SessionID] = append(content, data...)
	return nil
}

func (b *memBackend) Download(_ context.Context, remotePath, localPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	content, ok := b.files[remotePath]
	if !ok {
		return network.ErrArchiveNotFound
	}
	return os.WriteFile(localPath, content, 0600)
}

func (b *memBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fakeLedger struct {
	records map[string]checkpoint.Record
	err     error
}

func (l *fakeLedger) LastUpload(_ context.Context, destination string) (*checkpoint.Record, error) {
	if l.err != nil {
		return nil, l.err
	}
	record, ok := l.records[destination]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (l *fakeLedger) RecordUpload(_ context.Context, record checkpoint.Record) error {
	if l.err != nil {
		return l.err
	}
	if l.records == nil {
		l.records = map[string]checkpoint.Record{}
	}
	l.records[record.Destination] = record
	return nil
}
