// Package chunkuploader drives a resumable, session based upload of a byte
// stream of known length. Payloads that fit in one chunk are sent directly;
// larger ones go through a start / append / finish session, one chunk per
// call, in order.
package chunkuploader

import (
	"context"
	"io"
	"time"
)

// Source is a readable stream whose length is known before the upload starts.
// The Seeker is only used to skip already acknowledged bytes when resuming.
type Source interface {
	io.Reader
	io.Seeker
	Size() int64
}

// CommitInfo describes the file the uploaded bytes become.
type CommitInfo struct {
	Path string
}

// Cursor identifies a session and the offset the next chunk starts at.
type Cursor struct {
	SessionID string
	Offset    int64
}

// Metadata is what the backend reports about a committed file.
type Metadata struct {
	Path     string
	Size     int64
	ID       string
	Revision string
}

// DirectUploader uploads a whole payload in one call.
type DirectUploader interface {
	Upload(ctx context.Context, data []byte, commit CommitInfo) (Metadata, error)
}

// SessionUploader uploads a payload in several calls bound to a remote session.
type SessionUploader interface {
	// StartSession opens a session holding data as its first bytes.
	StartSession(ctx context.Context, data []byte) (string, error)
	// AppendSession adds data at cursor.Offset.
	AppendSession(ctx context.Context, cursor Cursor, data []byte) error
	// FinishSession adds the final data and commits the session to commit.Path.
	FinishSession(ctx context.Context, cursor Cursor, data []byte, commit CommitInfo) (Metadata, error)
}

// Backend is a storage service taking both direct and session uploads.
type Backend interface {
	DirectUploader
	SessionUploader
}

// SessionAborter is implemented by backends able to discard an open session.
type SessionAborter interface {
	AbortSession(ctx context.Context, sessionID string) error
}

// SessionInspector is implemented by backends able to report how many bytes
// an open session holds.
type SessionInspector interface {
	SessionOffset(ctx context.Context, sessionID string) (int64, error)
}

// Fingerprinter is implemented by sources that can identify their content.
// Only such sources are checkpointed, so a session is never resumed with
// different bytes than it was started with.
type Fingerprinter interface {
	Fingerprint() string
}

// Checkpoint is the persisted state of an open session.
type Checkpoint struct {
	Destination string    `json:"destination"`
	Fingerprint string    `json:"fingerprint"`
	SessionID   string    `json:"session_id"`
	Offset      int64     `json:"offset"`
	Size        int64     `json:"size"`
	ChunkSize   int64     `json:"chunk_size"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CheckpointStore persists checkpoints keyed by destination.
// Load returns nil, nil when there is no checkpoint for the destination.
type CheckpointStore interface {
	Save(ctx context.Context, checkpoint Checkpoint) error
	Load(ctx context.Context, destination string) (*Checkpoint, error)
	Delete(ctx context.Context, destination string) error
}

// Mode tells how a payload was uploaded.
type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeSession Mode = "session"
)

// UploadResult represents the result of a completed upload.
type UploadResult struct {
	Metadata  Metadata
	Mode      Mode
	Calls     int
	BytesSent int64
	Resumed   bool
	Duration  time.Duration
}
