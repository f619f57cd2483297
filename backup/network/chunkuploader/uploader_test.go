package chunkuploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChunkSize = 100

type recordedCall struct {
	op     string
	offset int64
	size   int
}

type fakeBackend struct {
	mu       sync.Mutex
	calls    []recordedCall
	sessions map[string][]byte
	files    map[string][]byte
	aborted  []string
	failAt   map[string]int
	counts   map[string]int
	nextID   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sessions: map[string][]byte{},
		files:    map[string][]byte{},
		failAt:   map[string]int{},
		counts:   map[string]int{},
	}
}

// failOn makes the nth call (1 based) of op fail.
func (b *fakeBackend) failOn(op string, nth int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAt[op] = nth
	b.counts[op] = 0
}

func (b *fakeBackend) record(op string, offset int64, size int) error {
	b.calls = append(b.calls, recordedCall{op: op, offset: offset, size: size})
	b.counts[op]++
	if b.failAt[op] != 0 && b.counts[op] == b.failAt[op] {
		return fmt.Errorf("injected %s failure", op)
	}
	return nil
}

func (b *fakeBackend) Upload(_ context.Context, data []byte, commit CommitInfo) (Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.record("upload", 0, len(data)); err != nil {
		return Metadata{}, err
	}
	b.files[commit.Path] = append([]byte{}, data...)
	return Metadata{Path: commit.Path, Size: int64(len(data)), ID: "id:direct"}, nil
}

func (b *fakeBackend) StartSession(_ context.Context, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.record("start", 0, len(data)); err != nil {
		return "", err
	}
	b.nextID++
	id := fmt.Sprintf("session-%d", b.nextID)
	b.sessions[id] = append([]byte{}, data...)
	return id, nil
}

func (b *fakeBackend) AppendSession(_ context.Context, cursor Cursor, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.record("append", cursor.Offset, len(data)); err != nil {
		return err
	}
	if err := b.checkCursor(cursor); err != nil {
		return err
	}
	b.sessions[cursor.SessionID] = append(b.sessions[cursor.SessionID], data...)
	return nil
}

func (b *fakeBackend) FinishSession(_ context.Context, cursor Cursor, data []byte, commit CommitInfo) (Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.record("finish", cursor.Offset, len(data)); err != nil {
		return Metadata{}, err
	}
	if err := b.checkCursor(cursor); err != nil {
		return Metadata{}, err
	}
	content := append(b.sessions[cursor.SessionID], data...)
	delete(b.sessions, cursor.SessionID)
	b.files[commit.Path] = content
	return Metadata{Path: commit.Path, Size: int64(len(content)), ID: "id:" + cursor.SessionID}, nil
}

func (b *fakeBackend) AbortSession(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.aborted = append(b.aborted, sessionID)
	delete(b.sessions, sessionID)
	return nil
}

func (b *fakeBackend) SessionOffset(_ context.Context, sessionID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.sessions[sessionID]
	if !ok {
		return 0, fmt.Errorf("%w: unknown session %s", ErrSessionInvalid, sessionID)
	}
	return int64(len(data)), nil
}

func (b *fakeBackend) checkCursor(cursor Cursor) error {
	data, ok := b.sessions[cursor.SessionID]
	if !ok {
		return fmt.Errorf("%w: unknown session %s", ErrSessionInvalid, cursor.SessionID)
	}
	if int64(len(data)) != cursor.Offset {
		return fmt.Errorf("%w: incorrect offset %d, expected %d", ErrSessionInvalid, cursor.Offset, len(data))
	}
	return nil
}

func (b *fakeBackend) ops() []string {
	var ops []string
	for _, c := range b.calls {
		ops = append(ops, c.op)
	}
	return ops
}

// sessionOnlyBackend hides the optional capabilities of fakeBackend.
type sessionOnlyBackend struct {
	fake *fakeBackend
}

func (b sessionOnlyBackend) Upload(ctx context.Context, data []byte, commit CommitInfo) (Metadata, error) {
	return b.fake.Upload(ctx, data, commit)
}

func (b sessionOnlyBackend) StartSession(ctx context.Context, data []byte) (string, error) {
	return b.fake.StartSession(ctx, data)
}

func (b sessionOnlyBackend) AppendSession(ctx context.Context, cursor Cursor, data []byte) error {
	return b.fake.AppendSession(ctx, cursor, data)
}

func (b sessionOnlyBackend) FinishSession(ctx context.Context, cursor Cursor, data []byte, commit CommitInfo) (Metadata, error) {
	return b.fake.FinishSession(ctx, cursor, data, commit)
}

type testSource struct {
	*bytes.Reader
	size        int64
	fingerprint string
}

func newTestSource(data []byte) *testSource {
	return &testSource{Reader: bytes.NewReader(data), size: int64(len(data)), fingerprint: fmt.Sprintf("fp-%d", len(data))}
}

func (s *testSource) Size() int64 {
	return s.size
}

func (s *testSource) Fingerprint() string {
	return s.fingerprint
}

type memoryCheckpoints struct {
	mu          sync.Mutex
	checkpoints map[string]Checkpoint
	saves       int
}

func newMemoryCheckpoints() *memoryCheckpoints {
	return &memoryCheckpoints{checkpoints: map[string]Checkpoint{}}
}

func (m *memoryCheckpoints) Save(_ context.Context, checkpoint Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.checkpoints[checkpoint.Destination] = checkpoint
	return nil
}

func (m *memoryCheckpoints) Load(_ context.Context, destination string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	checkpoint, ok := m.checkpoints[destination]
	if !ok {
		return nil, nil
	}
	return &checkpoint, nil
}

func (m *memoryCheckpoints) Delete(_ context.Context, destination string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, destination)
	return nil
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func newTestUploader(t *testing.T, backend Backend, config Config, opts ...Option) *Uploader {
	t.Helper()
	uploader, err := New(config, backend, log.NewLogger(), opts...)
	require.NoError(t, err)
	return uploader
}

func TestUploader_Upload_CallSequence(t *testing.T) {
	tests := []struct {
		name        string
		size        int
		wantOps     []string
		wantOffsets []int64
		wantSizes   []int
		wantMode    Mode
	}{
		{
			name:        "empty source is a direct upload",
			size:        0,
			wantOps:     []string{"upload"},
			wantOffsets: []int64{0},
			wantSizes:   []int{0},
			wantMode:    ModeDirect,
		},
		{
			name:        "smaller than a chunk",
			size:        1,
			wantOps:     []string{"upload"},
			wantOffsets: []int64{0},
			wantSizes:   []int{1},
			wantMode:    ModeDirect,
		},
		{
			name:        "exactly one chunk",
			size:        testChunkSize,
			wantOps:     []string{"upload"},
			wantOffsets: []int64{0},
			wantSizes:   []int{testChunkSize},
			wantMode:    ModeDirect,
		},
		{
			name:        "one byte over a chunk",
			size:        testChunkSize + 1,
			wantOps:     []string{"start", "finish"},
			wantOffsets: []int64{0, 100},
			wantSizes:   []int{100, 1},
			wantMode:    ModeSession,
		},
		{
			name:        "exactly two chunks finishes with a full chunk",
			size:        2 * testChunkSize,
			wantOps:     []string{"start", "finish"},
			wantOffsets: []int64{0, 100},
			wantSizes:   []int{100, 100},
			wantMode:    ModeSession,
		},
		{
			name:        "one byte over two chunks",
			size:        2*testChunkSize + 1,
			wantOps:     []string{"start", "append", "finish"},
			wantOffsets: []int64{0, 100, 200},
			wantSizes:   []int{100, 100, 1},
			wantMode:    ModeSession,
		},
		{
			name:        "two and a half chunks",
			size:        250,
			wantOps:     []string{"start", "append", "finish"},
			wantOffsets: []int64{0, 100, 200},
			wantSizes:   []int{100, 100, 50},
			wantMode:    ModeSession,
		},
		{
			name:        "ten chunks",
			size:        1000,
			wantOps:     []string{"start", "append", "append", "append", "append", "append", "append", "append", "append", "finish"},
			wantOffsets: []int64{0, 100, 200, 300, 400, 500, 600, 700, 800, 900},
			wantSizes:   []int{100, 100, 100, 100, 100, 100, 100, 100, 100, 100},
			wantMode:    ModeSession,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given
			backend := newFakeBackend()
			uploader := newTestUploader(t, backend, Config{ChunkSize: testChunkSize})
			data := payload(tt.size)

			// When
			result, err := uploader.Upload(context.Background(), newTestSource(data), "/base/job.zip")

			// Then
			require.NoError(t, err)
			assert.Equal(t, tt.wantOps, backend.ops())
			var offsets []int64
			var sizes []int
			total := 0
			for _, c := range backend.calls {
				offsets = append(offsets, c.offset)
				sizes = append(sizes, c.size)
				total += c.size
			}
			assert.Equal(t, tt.wantOffsets, offsets)
			assert.Equal(t, tt.wantSizes, sizes)
			assert.Equal(t, tt.size, total)
			assert.Equal(t, data, backend.files["/base/job.zip"])
			assert.Equal(t, tt.wantMode, result.Mode)
			assert.Equal(t, len(tt.wantOps), result.Calls)
			assert.Equal(t, int64(tt.size), result.BytesSent)
			assert.Equal(t, "/base/job.zip", result.Metadata.Path)
			assert.False(t, result.Resumed)
		})
	}
}

func TestUploader_Upload_RemoteFailure(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		failOp     string
		failNth    int
		wantOps    []string
		wantPhase  Phase
		wantOffset int64
	}{
		{
			name:       "direct upload fails",
			size:       50,
			failOp:     "upload",
			failNth:    1,
			wantOps:    []string{"upload"},
			wantPhase:  PhaseDirect,
			wantOffset: 0,
		},
		{
			name:       "start fails",
			size:       250,
			failOp:     "start",
			failNth:    1,
			wantOps:    []string{"start"},
			wantPhase:  PhaseStart,
			wantOffset: 0,
		},
		{
			name:       "second call fails",
			size:       250,
			failOp:     "append",
			failNth:    1,
			wantOps:    []string{"start", "append"},
			wantPhase:  PhaseAppend,
			wantOffset: 100,
		},
		{
			name:       "second append fails",
			size:       450,
			failOp:     "append",
			failNth:    2,
			wantOps:    []string{"start", "append", "append"},
			wantPhase:  PhaseAppend,
			wantOffset: 200,
		},
		{
			name:       "finish fails",
			size:       150,
			failOp:     "finish",
			failNth:    1,
			wantOps:    []string{"start", "finish"},
			wantPhase:  PhaseFinish,
			wantOffset: 100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given
			backend := newFakeBackend()
			backend.failOn(tt.failOp, tt.failNth)
			uploader := newTestUploader(t, backend, Config{ChunkSize: testChunkSize})

			// When
			result, err := uploader.Upload(context.Background(), newTestSource(payload(tt.size)), "/base/job.zip")

			// Then
			require.Error(t, err)
			assert.Nil(t, result)
			assert.True(t, errors.Is(err, ErrTransport))
			assert.False(t, errors.Is(err, ErrProtocol))

			var uploadErr *UploadError
			require.True(t, errors.As(err, &uploadErr))
			assert.Equal(t, tt.wantPhase, uploadErr.Phase)
			assert.Equal(t, tt.wantOffset, uploadErr.Offset)
			assert.Equal(t, "/base/job.zip", uploadErr.Destination)
			assert.Contains(t, err.Error(), "injected")

			assert.Equal(t, tt.wantOps, backend.ops())
			assert.NotContains(t, backend.files, "/base/job.zip")
			assert.Empty(t, backend.aborted)
		})
	}
}

func TestUploader_Upload_SourceReadFailure(t *testing.T) {
	tests := []struct {
		name      string
		available int
		declared  int64
		wantOps   []string
		wantPhase Phase
	}{
		{
			name:      "short direct payload",
			available: 40,
			declared:  50,
			wantOps:   nil,
			wantPhase: PhaseDirect,
		},
		{
			name:      "short first chunk",
			available: 60,
			declared:  250,
			wantOps:   nil,
			wantPhase: PhaseStart,
		},
		{
			name:      "short tail",
			available: 230,
			declared:  250,
			wantOps:   []string{"start", "append"},
			wantPhase: PhaseFinish,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given
			backend := newFakeBackend()
			uploader := newTestUploader(t, backend, Config{ChunkSize: testChunkSize})
			source := newTestSource(payload(tt.available))
			source.size = tt.declared

			// When
			_, err := uploader.Upload(context.Background(), source, "/base/job.zip")

			// Then
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSourceRead))
			var uploadErr *UploadError
			require.True(t, errors.As(err, &uploadErr))
			assert.Equal(t, tt.wantPhase, uploadErr.Phase)
			assert.Equal(t, tt.wantOps, backend.ops())
			assert.Empty(t, backend.files)
		})
	}
}

func TestUploader_Upload_CancelledContext(t *testing.T) {
	// Given
	backend := newFakeBackend()
	uploader := newTestUploader(t, backend, Config{ChunkSize: testChunkSize})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// When
	_, err := uploader.Upload(ctx, newTestSource(payload(250)), "/base/job.zip")

	// Then
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, backend.calls)
}

func TestNew_InvalidConfig(t *testing.T) {
	for _, chunkSize := range []int64{0, -1} {
		_, err := New(Config{ChunkSize: chunkSize}, newFakeBackend(), log.NewLogger())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrProtocol))
	}

	_, err := New(DefaultConfig(), nil, log.NewLogger())
	require.Error(t, err)
}

func TestUploader_AbortOnFailure(t *testing.T) {
	tests := []struct {
		name        string
		abort       bool
		checkpoints bool
		wantAborted []string
	}{
		{name: "sessions are left open by default", abort: false},
		{name: "abort on failure", abort: true, wantAborted: []string{"session-1"}},
		{name: "checkpointed sessions are kept", abort: true, checkpoints: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given
			backend := newFakeBackend()
			backend.failOn("append", 1)
			var opts []Option
			if tt.checkpoints {
				opts = append(opts, WithCheckpointStore(newMemoryCheckpoints()))
			}
			uploader := newTestUploader(t, backend, Config{ChunkSize: testChunkSize, AbortOnFailure: tt.abort}, opts...)

			// When
			_, err := uploader.Upload(context.Background(), newTestSource(payload(250)), "/base/job.zip")

			// Then
			require.Error(t, err)
			assert.Equal(t, tt.wantAborted, backend.aborted)
		})
	}
}

func TestUploader_ResumeFromCheckpoint(t *testing.T) {
	// Given
	backend := newFakeBackend()
	backend.failOn("append", 2)
	store := newMemoryCheckpoints()
	uploader := newTestUploader(t, backend, Config{ChunkSize: testChunkSize}, WithCheckpointStore(store))
	data := payload(450)

	_, err := uploader.Upload(context.Background(), newTestSource(data), "/base/job.zip")
	require.Error(t, err)

	checkpoint, err := store.Load(context.Background(), "/base/job.zip")
	require.NoError(t, err)
	require.NotNil(t, checkpoint)
	assert.Equal(t, "session-1", checkpoint.SessionID)
	assert.Equal(t, int64(200), checkpoint.Offset)
	assert.Equal(t, int64(450), checkpoint.Size)

	backend.calls = nil

	// When
	result, err := uploader.Upload(context.Background(), newTestSource(data), "/base/job.zip")

	// Then
	require.NoError(t, err)
	assert.True(t, result.Resumed)
	assert.Equal(t, []string{"append", "append", "finish"}, backend.ops())
	assert.Equal(t, int64(200), backend.calls[0].offset)
	assert.Equal(t, int64(250), result.BytesSent)
	assert.Equal(t, data, backend.files["/base/job.zip"])

	checkpoint, err = store.Load(context.Background(), "/base/job.zip")
	require.NoError(t, err)
	assert.Nil(t, checkpoint)
}

func TestUploader_ResumeDiscardsCheckpoint(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Checkpoint, backend *fakeBackend)
		wantOps []string
	}{
		{
			name: "different content",
			modify: func(c *Checkpoint, _ *fakeBackend) {
				c.Fingerprint = "other"
			},
			wantOps: []string{"start", "append", "finish"},
		},
		{
			name: "different chunk size",
			modify: func(c *Checkpoint, _ *fakeBackend) {
				c.ChunkSize = 50
			},
			wantOps: []string{"start", "append", "finish"},
		},
		{
			name: "remote offset differs",
			modify: func(c *Checkpoint, backend *fakeBackend) {
				backend.sessions[c.SessionID] = backend.sessions[c.SessionID][:50]
			},
			wantOps: []string{"start", "append", "finish"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given
			backend := newFakeBackend()
			backend.failOn("finish", 1)
			store := newMemoryCheckpoints()
			uploader := newTestUploader(t, backend, Config{ChunkSize: testChunkSize}, WithCheckpointStore(store))
			data := payload(250)

			_, err := uploader.Upload(context.Background(), newTestSource(data), "/base/job.zip")
			require.Error(t, err)

			checkpoint := store.checkpoints["/base/job.zip"]
			tt.modify(&checkpoint, backend)
			store.checkpoints["/base/job.zip"] = checkpoint
			backend.calls = nil

			// When
			result, err := uploader.Upload(context.Background(), newTestSource(data), "/base/job.zip")

			// Then
			require.NoError(t, err)
			assert.False(t, result.Resumed)
			assert.Equal(t, tt.wantOps, backend.ops())
			assert.Equal(t, data, backend.files["/base/job.zip"])
		})
	}
}

func TestUploader_InvalidSessionDropsCheckpoint(t *testing.T) {
	// Given
	fake := newFakeBackend()
	store := newMemoryCheckpoints()
	uploader := newTestUploader(t, sessionOnlyBackend{fake: fake}, Config{ChunkSize: testChunkSize}, WithCheckpointStore(store))
	data := payload(350)
	source := newTestSource(data)
	store.checkpoints["/base/job.zip"] = Checkpoint{
		Destination: "/base/job.zip",
		Fingerprint: source.Fingerprint(),
		SessionID:   "expired",
		Offset:      100,
		Size:        350,
		ChunkSize:   testChunkSize,
	}

	// When
	_, err := uploader.Upload(context.Background(), source, "/base/job.zip")

	// Then
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, ErrSessionInvalid))
	assert.Empty(t, store.checkpoints)
	assert.Equal(t, []string{"append"}, fake.ops())
}

func TestUploader_NoCheckpointsWithoutFingerprint(t *testing.T) {
	// Given
	backend := newFakeBackend()
	store := newMemoryCheckpoints()
	uploader := newTestUploader(t, backend, Config{ChunkSize: testChunkSize}, WithCheckpointStore(store))
	data := payload(350)

	// When
	_, err := uploader.Upload(context.Background(), bytes.NewReader(data), "/base/job.zip")

	// Then
	require.NoError(t, err)
	assert.Equal(t, 0, store.saves)
	assert.Equal(t, data, backend.files["/base/job.zip"])
}

func TestUploader_ConcurrentUploads(t *testing.T) {
	// Given
	backend := newFakeBackend()
	uploader := newTestUploader(t, backend, Config{ChunkSize: testChunkSize})
	sizes := []int{0, 99, 250, 1000, 101}

	// When
	var wg sync.WaitGroup
	errs := make([]error, len(sizes))
	for i, size := range sizes {
		wg.Add(1)
		go func(i, size int) {
			defer wg.Done()
			_, errs[i] = uploader.Upload(context.Background(), newTestSource(payload(size)), fmt.Sprintf("/base/job-%d.zip", i))
		}(i, size)
	}
	wg.Wait()

	// Then
	for i, size := range sizes {
		require.NoError(t, errs[i])
		assert.Equal(t, payload(size), backend.files[fmt.Sprintf("/base/job-%d.zip", i)])
	}
	assert.Empty(t, backend.sessions)
}
