package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-dirbackup/backup/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3Client keeps objects and multipart uploads in memory.
type mockS3Client struct {
	mu          sync.Mutex
	objects     map[string][]byte
	multiparts  map[string]map[int32][]byte
	aborted     []string
	putFailures int
	nextUpload  int
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{
		objects:    map[string][]byte{},
		multiparts: map[string]map[int32][]byte{},
	}
}

func (m *mockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.putFailures > 0 {
		m.putFailures--
		return nil, errors.New("connection reset by peer")
	}
	m.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{ETag: aws.String(fmt.Sprintf("\"etag-%d\"", len(data)))}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, aws.ToString(params.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key), Size: aws.Int64(int64(len(m.objects[key])))})
	}
	return out, nil
}

func (m *mockS3Client) DeleteObjects(_ context.Context, params *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, obj := range params.Delete.Objects {
		delete(m.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (m *mockS3Client) CreateMultipartUpload(_ context.Context, _ *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextUpload++
	id := fmt.Sprintf("upload-%d", m.nextUpload)
	m.multiparts[id] = map[int32][]byte{}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (m *mockS3Client) UploadPart(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parts, ok := m.multiparts[aws.ToString(params.UploadId)]
	if !ok {
		return nil, errors.New("NoSuchUpload")
	}
	parts[aws.ToInt32(params.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("\"part-%d\"", aws.ToInt32(params.PartNumber)))}, nil
}

func (m *mockS3Client) UploadPartCopy(_ context.Context, params *s3.UploadPartCopyInput, _ ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	source, err := url.PathUnescape(aws.ToString(params.CopySource))
	if err != nil || strings.ContainsAny(aws.ToString(params.CopySource), " ") {
		return nil, fmt.Errorf("invalid copy source: %s", aws.ToString(params.CopySource))
	}
	data, ok := m.objects[strings.SplitN(source, "/", 2)[1]]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	parts, ok := m.multiparts[aws.ToString(params.UploadId)]
	if !ok {
		return nil, errors.New("NoSuchUpload")
	}
	parts[aws.ToInt32(params.PartNumber)] = append([]byte{}, data...)
	return &s3.UploadPartCopyOutput{CopyPartResult: &types.CopyPartResult{ETag: aws.String("\"copy\"")}}, nil
}

func (m *mockS3Client) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := aws.ToString(params.UploadId)
	parts := m.multiparts[id]
	var content []byte
	for _, part := range params.MultipartUpload.Parts {
		content = append(content, parts[aws.ToInt32(part.PartNumber)]...)
	}
	m.objects[aws.ToString(params.Key)] = content
	delete(m.multiparts, id)
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String("\"complete\""), VersionId: aws.String("v1")}, nil
}

func (m *mockS3Client) AbortMultipartUpload(_ context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.aborted = append(m.aborted, aws.ToString(params.UploadId))
	delete(m.multiparts, aws.ToString(params.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (m *mockS3Client) stagedKeys() []string {
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, defaultSessionPrefix) {
			keys = append(keys, key)
		}
	}
	return keys
}

func newTestS3Backend(client S3API) *S3Backend {
	return newS3Backend(client, S3Params{Bucket: "backups", RetryWait: time.Millisecond}, log.NewLogger())
}

func TestS3Backend_Upload(t *testing.T) {
	// Given
	client := newMockS3Client()
	client.putFailures = 1
	backend := newTestS3Backend(client)

	// When
	meta, err := backend.Upload(context.Background(), []byte("hello"), chunkuploader.CommitInfo{Path: "/host/docs.zip"})

	// Then
	require.NoError(t, err)
	assert.Equal(t, "/host/docs.zip", meta.Path)
	assert.Equal(t, int64(5), meta.Size)
	assert.Equal(t, []byte("hello"), client.objects["host/docs.zip"])
}

func TestS3Backend_ChunkedUpload(t *testing.T) {
	// Given
	client := newMockS3Client()
	backend := newTestS3Backend(client)
	uploader, err := chunkuploader.New(chunkuploader.Config{ChunkSize: 4}, backend, log.NewLogger())
	require.NoError(t, err)
	data := []byte("0123456789abcd")

	// When
	result, err := uploader.Upload(context.Background(), bytes.NewReader(data), "/host/docs.zip")

	// Then
	require.NoError(t, err)
	assert.Equal(t, 4, result.Calls)
	assert.Equal(t, int64(len(data)), result.Metadata.Size)
	assert.Equal(t, "v1", result.Metadata.Revision)
	assert.Equal(t, data, client.objects["host/docs.zip"])
	assert.Empty(t, client.stagedKeys())
	assert.Empty(t, client.multiparts)
}

func TestS3Backend_ChunkedUpload_EscapedSessionPrefix(t *testing.T) {
	// Given
	client := newMockS3Client()
	backend := newS3Backend(client, S3Params{Bucket: "backups", SessionPrefix: "staging area/bäckup+1/", RetryWait: time.Millisecond}, log.NewLogger())
	uploader, err := chunkuploader.New(chunkuploader.Config{ChunkSize: 4}, backend, log.NewLogger())
	require.NoError(t, err)
	data := []byte("0123456789abcd")

	// When
	_, err = uploader.Upload(context.Background(), bytes.NewReader(data), "/host/docs.zip")

	// Then
	require.NoError(t, err)
	assert.Equal(t, data, client.objects["host/docs.zip"])
}

func Test_copySource(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{key: ".dirbackup-sessions/id/00000000000000000004", want: "backups/.dirbackup-sessions/id/00000000000000000004"},
		{key: "staging area/bäckup+1/id/0", want: "backups/staging%20area/b%C3%A4ckup+1/id/0"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, copySource("backups", tt.key))
		})
	}
}

func TestS3Backend_SessionOffset(t *testing.T) {
	// Given
	client := newMockS3Client()
	backend := newTestS3Backend(client)
	ctx := context.Background()
	id, err := backend.StartSession(ctx, []byte("0123"))
	require.NoError(t, err)
	require.NoError(t, backend.AppendSession(ctx, chunkuploader.Cursor{SessionID: id, Offset: 4}, []byte("4567")))

	// When
	offset, err := backend.SessionOffset(ctx, id)

	// Then
	require.NoError(t, err)
	assert.Equal(t, int64(8), offset)

	_, err = backend.SessionOffset(ctx, "unknown")
	assert.True(t, errors.Is(err, chunkuploader.ErrSessionInvalid))
}

func TestS3Backend_AppendSession_Offsets(t *testing.T) {
	ctx := context.Background()
	client := newMockS3Client()
	backend := newTestS3Backend(client)
	id, err := backend.StartSession(ctx, []byte("0123"))
	require.NoError(t, err)

	err = backend.AppendSession(ctx, chunkuploader.Cursor{SessionID: id, Offset: 8}, []byte("89ab"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, chunkuploader.ErrSessionInvalid))

	require.NoError(t, backend.AppendSession(ctx, chunkuploader.Cursor{SessionID: id, Offset: 4}, []byte("4567")))
	// a repeated append of the last chunk is acknowledged
	require.NoError(t, backend.AppendSession(ctx, chunkuploader.Cursor{SessionID: id, Offset: 4}, []byte("4567")))
	assert.Len(t, client.stagedKeys(), 2)

	_, err = backend.FinishSession(ctx, chunkuploader.Cursor{SessionID: id, Offset: 4}, []byte("x"), chunkuploader.CommitInfo{Path: "/a.zip"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, chunkuploader.ErrSessionInvalid))
	assert.NotContains(t, client.objects, "a.zip")
}

func TestS3Backend_AbortSession(t *testing.T) {
	ctx := context.Background()
	client := newMockS3Client()
	backend := newTestS3Backend(client)
	id, err := backend.StartSession(ctx, []byte("0123"))
	require.NoError(t, err)

	require.NoError(t, backend.AbortSession(ctx, id))

	assert.Empty(t, client.stagedKeys())
}

func TestS3Backend_Download(t *testing.T) {
	ctx := context.Background()
	client := newMockS3Client()
	client.objects["host/docs.zip"] = []byte("archive")
	backend := newTestS3Backend(client)
	dir := t.TempDir()

	require.NoError(t, backend.Download(ctx, "/host/docs.zip", filepath.Join(dir, "docs.zip")))
	content, err := os.ReadFile(filepath.Join(dir, "docs.zip"))
	require.NoError(t, err)
	assert.Equal(t, "archive", string(content))

	err = backend.Download(ctx, "/host/missing.zip", filepath.Join(dir, "missing.zip"))
	assert.True(t, errors.Is(err, ErrArchiveNotFound))
}

func TestValidateChunkSize(t *testing.T) {
	assert.Error(t, ValidateChunkSize(1024))
	assert.NoError(t, ValidateChunkSize(S3MinChunkSize))
	assert.NoError(t, ValidateChunkSize(100*1024*1024))
	assert.Error(t, ValidateChunkSize(S3MaxChunkSize+1))
}
