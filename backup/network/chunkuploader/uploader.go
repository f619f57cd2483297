package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Uploader sends sources to a Backend, one chunk per remote call.
// It performs no retries itself; transient failures are surfaced to the caller.
// An Uploader is safe for concurrent use as long as the backend is.
type Uploader struct {
	config      Config
	backend     Backend
	logger      log.Logger
	checkpoints CheckpointStore
}

// Option customizes an Uploader.
type Option func(*Uploader)

// WithCheckpointStore makes the uploader persist open sessions and resume them.
func WithCheckpointStore(store CheckpointStore) Option {
	return func(u *Uploader) {
		u.checkpoints = store
	}
}

// New creates a new Uploader with the given configuration.
func New(config Config, backend Backend, logger log.Logger, opts ...Option) (*Uploader, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, errors.New("backend is required")
	}

	u := &Uploader{
		config:  config,
		backend: backend,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(u)
	}

	return u, nil
}

// Upload sends all bytes of source and commits them to destination.
// Sources not larger than the chunk size are sent with a single direct upload,
// anything larger goes through an upload session. Every failure is an *UploadError.
func (u *Uploader) Upload(ctx context.Context, source Source, destination string) (*UploadResult, error) {
	t := &transfer{
		Uploader: u,
		source:   source,
		size:     source.Size(),
		commit:   CommitInfo{Path: destination},
		stats:    NewStats(),
		started:  time.Now(),
	}
	if f, ok := source.(Fingerprinter); ok {
		t.fingerprint = f.Fingerprint()
	}

	if t.size < 0 {
		return nil, t.newError(PhaseDirect, ErrProtocol, fmt.Errorf("negative source size %d", t.size))
	}

	if t.size <= u.config.ChunkSize {
		return t.direct(ctx)
	}
	return t.chunked(ctx)
}

// transfer is the state of a single Upload call.
type transfer struct {
	*Uploader

	source      Source
	size        int64
	commit      CommitInfo
	fingerprint string
	session     session
	stats       *Stats
	started     time.Time
	resumed     bool
}

func (t *transfer) direct(ctx context.Context) (*UploadResult, error) {
	data, err := t.read(t.size)
	if err != nil {
		return nil, t.newError(PhaseDirect, ErrSourceRead, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, t.newError(PhaseDirect, ErrTransport, err)
	}

	t.logger.Debugf("Uploading %d bytes to %s in a single call", len(data), t.commit.Path)

	start := time.Now()
	meta, err := t.backend.Upload(ctx, data, t.commit)
	if err != nil {
		return nil, t.newError(PhaseDirect, ErrTransport, err)
	}
	t.stats.Update(time.Since(start), int64(len(data)))

	return t.result(meta, ModeDirect), nil
}

func (t *transfer) chunked(ctx context.Context) (*UploadResult, error) {
	chunkSize := t.config.ChunkSize
	totalCalls := t.config.NumCalls(t.size)

	resumed, err := t.resume(ctx)
	if err != nil {
		return nil, err
	}

	if !resumed {
		if err := t.start(ctx, totalCalls); err != nil {
			return nil, err
		}
	}

	for t.session.offset < t.size {
		remaining := t.size - t.session.offset
		index := t.session.offset/chunkSize + 1

		if remaining <= chunkSize {
			data, err := t.read(remaining)
			if err != nil {
				return nil, t.fail(ctx, PhaseFinish, ErrSourceRead, err)
			}

			t.logProgress(index, totalCalls)

			meta, err := t.call(ctx, int64(len(data)), func() (Metadata, error) {
				return t.backend.FinishSession(ctx, t.session.cursor(), data, t.commit)
			})
			if err != nil {
				return nil, t.fail(ctx, PhaseFinish, ErrTransport, err)
			}
			if err := t.session.finish(); err != nil {
				return nil, t.fail(ctx, PhaseFinish, ErrProtocol, err)
			}
			t.session.offset += int64(len(data))
			t.dropCheckpoint(ctx)

			t.logger.Debugf("Session %s finished after %d calls", t.session.id, t.stats.FinishedCount())
			return t.result(meta, ModeSession), nil
		}

		data, err := t.read(chunkSize)
		if err != nil {
			return nil, t.fail(ctx, PhaseAppend, ErrSourceRead, err)
		}

		t.logProgress(index, totalCalls)

		_, err = t.call(ctx, int64(len(data)), func() (Metadata, error) {
			return Metadata{}, t.backend.AppendSession(ctx, t.session.cursor(), data)
		})
		if err != nil {
			return nil, t.fail(ctx, PhaseAppend, ErrTransport, err)
		}
		if err := t.session.advance(int64(len(data))); err != nil {
			return nil, t.fail(ctx, PhaseAppend, ErrProtocol, err)
		}
		t.saveCheckpoint(ctx)
	}

	return nil, t.fail(ctx, PhaseFinish, ErrProtocol,
		fmt.Errorf("offset %d passed the source size %d without finishing the session", t.session.offset, t.size))
}

func (t *transfer) start(ctx context.Context, totalCalls int64) error {
	data, err := t.read(t.config.ChunkSize)
	if err != nil {
		return t.newError(PhaseStart, ErrSourceRead, err)
	}
	if int64(len(data)) != t.config.ChunkSize {
		return t.newError(PhaseStart, ErrProtocol,
			fmt.Errorf("first chunk has %d bytes, expected %d", len(data), t.config.ChunkSize))
	}

	t.logProgress(1, totalCalls)

	var sessionID string
	_, err = t.call(ctx, int64(len(data)), func() (Metadata, error) {
		id, err := t.backend.StartSession(ctx, data)
		sessionID = id
		return Metadata{}, err
	})
	if err != nil {
		return t.newError(PhaseStart, ErrTransport, err)
	}
	if sessionID == "" {
		return t.newError(PhaseStart, ErrTransport, errors.New("backend returned an empty session id"))
	}

	if err := t.session.open(sessionID, int64(len(data))); err != nil {
		return t.newError(PhaseStart, ErrProtocol, err)
	}
	t.logger.Debugf("Opened upload session %s for %s", sessionID, t.commit.Path)
	t.saveCheckpoint(ctx)

	return nil
}

// resume continues the session of a matching checkpoint. It returns false
// when there is nothing usable to resume; a fresh session is started then.
func (t *transfer) resume(ctx context.Context) (bool, error) {
	if t.checkpoints == nil || t.fingerprint == "" {
		return false, nil
	}

	checkpoint, err := t.checkpoints.Load(ctx, t.commit.Path)
	if err != nil {
		t.logger.Warnf("Failed to load upload checkpoint for %s: %s", t.commit.Path, err)
		return false, nil
	}
	if checkpoint == nil {
		return false, nil
	}

	if !t.matches(*checkpoint) {
		t.logger.Debugf("Discarding checkpoint of session %s, it belongs to a different payload", checkpoint.SessionID)
		t.dropCheckpoint(ctx)
		return false, nil
	}

	if inspector, ok := t.backend.(SessionInspector); ok {
		remote, err := inspector.SessionOffset(ctx, checkpoint.SessionID)
		if err != nil || remote != checkpoint.Offset {
			t.logger.Warnf("Can't resume session %s (remote offset: %d, error: %v), starting over", checkpoint.SessionID, remote, err)
			t.dropCheckpoint(ctx)
			return false, nil
		}
	}

	if _, err := t.source.Seek(checkpoint.Offset, io.SeekStart); err != nil {
		return false, t.newError(PhaseResume, ErrSourceRead, fmt.Errorf("seek to offset %d: %w", checkpoint.Offset, err))
	}

	if err := t.session.open(checkpoint.SessionID, checkpoint.Offset); err != nil {
		return false, t.newError(PhaseResume, ErrProtocol, err)
	}
	t.resumed = true
	t.logger.Infof("Resuming upload session %s at offset %d/%d", checkpoint.SessionID, checkpoint.Offset, t.size)

	return true, nil
}

func (t *transfer) matches(c Checkpoint) bool {
	return c.SessionID != "" &&
		c.Destination == t.commit.Path &&
		c.Fingerprint == t.fingerprint &&
		c.Size == t.size &&
		c.ChunkSize == t.config.ChunkSize &&
		c.Offset > 0 &&
		c.Offset < t.size &&
		c.Offset%t.config.ChunkSize == 0
}

func (t *transfer) saveCheckpoint(ctx context.Context) {
	if t.checkpoints == nil || t.fingerprint == "" {
		return
	}

	err := t.checkpoints.Save(ctx, Checkpoint{
		Destination: t.commit.Path,
		Fingerprint: t.fingerprint,
		SessionID:   t.session.id,
		Offset:      t.session.offset,
		Size:        t.size,
		ChunkSize:   t.config.ChunkSize,
		UpdatedAt:   time.Now(),
	})
	if err != nil {
		t.logger.Warnf("Failed to save upload checkpoint for %s: %s", t.commit.Path, err)
	}
}

func (t *transfer) dropCheckpoint(ctx context.Context) {
	if t.checkpoints == nil {
		return
	}
	if err := t.checkpoints.Delete(ctx, t.commit.Path); err != nil {
		t.logger.Warnf("Failed to delete upload checkpoint for %s: %s", t.commit.Path, err)
	}
}

// call runs a remote call and records its duration.
func (t *transfer) call(ctx context.Context, n int64, fn func() (Metadata, error)) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}

	start := time.Now()
	meta, err := fn()
	if err != nil {
		return Metadata{}, err
	}
	t.stats.Update(time.Since(start), n)

	return meta, nil
}

// fail marks the session failed and cleans up according to the configuration.
func (t *transfer) fail(ctx context.Context, phase Phase, kind error, err error) error {
	t.session.fail()

	if t.checkpoints != nil {
		if errors.Is(err, ErrSessionInvalid) {
			t.dropCheckpoint(ctx)
		}
	} else if t.config.AbortOnFailure {
		t.abort(ctx)
	}

	return t.newError(phase, kind, err)
}

func (t *transfer) abort(ctx context.Context) {
	aborter, ok := t.backend.(SessionAborter)
	if !ok || t.session.id == "" {
		return
	}

	if err := aborter.AbortSession(context.WithoutCancel(ctx), t.session.id); err != nil {
		t.logger.Warnf("Failed to abort upload session %s: %s", t.session.id, err)
		return
	}
	t.logger.Debugf("Aborted upload session %s", t.session.id)
}

func (t *transfer) read(n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.source, buf); err != nil {
		return nil, fmt.Errorf("read %d bytes at offset %d: %w", n, t.session.offset, err)
	}
	return buf, nil
}

func (t *transfer) logProgress(index, total int64) {
	remaining := total - index + 1
	t.logger.Debugf("Uploading chunk %d/%d [offset=%d] [avg=%v] [eta=%v]",
		index, total, t.session.offset,
		t.stats.Average().Round(time.Millisecond), t.stats.ETA(remaining).Round(time.Second))
}

func (t *transfer) result(meta Metadata, mode Mode) *UploadResult {
	return &UploadResult{
		Metadata:  meta,
		Mode:      mode,
		Calls:     int(t.stats.FinishedCount()),
		BytesSent: t.stats.Bytes(),
		Resumed:   t.resumed,
		Duration:  time.Since(t.started),
	}
}

func (t *transfer) newError(phase Phase, kind error, err error) *UploadError {
	return &UploadError{
		Phase:       phase,
		Kind:        kind,
		Destination: t.commit.Path,
		SessionID:   t.session.id,
		Offset:      t.session.offset,
		Err:         err,
	}
}
