package chunkuploader

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks failures of a remote call.
	ErrTransport = errors.New("remote call failed")
	// ErrProtocol marks a broken uploader invariant. It indicates a bug, not a remote problem.
	ErrProtocol = errors.New("upload protocol violation")
	// ErrSourceRead marks failures reading the source.
	ErrSourceRead = errors.New("source read failed")
	// ErrSessionInvalid is wrapped by backends when the remote side no longer
	// accepts the cursor: the session is unknown, closed or at another offset.
	ErrSessionInvalid = errors.New("upload session is no longer valid")
)

// Phase is the step of the upload an error happened in.
type Phase string

const (
	PhaseDirect Phase = "direct"
	PhaseStart  Phase = "start"
	PhaseAppend Phase = "append"
	PhaseFinish Phase = "finish"
	PhaseResume Phase = "resume"
)

// UploadError is returned by Uploader.Upload for every failure.
type UploadError struct {
	Phase       Phase
	Kind        error
	Destination string
	SessionID   string
	Offset      int64
	Err         error
}

func (e *UploadError) Error() string {
	msg := fmt.Sprintf("upload to %s failed in %s phase", e.Destination, e.Phase)
	if e.SessionID != "" {
		msg += fmt.Sprintf(" (session %s, offset %d)", e.SessionID, e.Offset)
	}
	return fmt.Sprintf("%s: %s: %s", msg, e.Kind, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the kind of this error.
func (e *UploadError) Is(target error) bool {
	return target == e.Kind
}
