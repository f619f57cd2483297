package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-dirbackup/backup/network/chunkuploader"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

const (
	numS3Retries = 3

	// S3MinChunkSize and S3MaxChunkSize bound the size of a multipart part.
	S3MinChunkSize int64 = 5 * 1024 * 1024
	S3MaxChunkSize int64 = 5 * 1024 * 1024 * 1024
	s3MaxParts           = 10000

	defaultSessionPrefix = ".dirbackup-sessions/"
)

// S3API is the part of the S3 client the backend uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Params ...
type S3Params struct {
	Bucket          string
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	// SessionPrefix is the key prefix open upload sessions are staged under.
	SessionPrefix string
	// RetryWait is the wait between retries of a failed call. Zero means 5 seconds.
	RetryWait time.Duration
}

// S3Backend stores uploads as S3 objects. Upload sessions stage every chunk
// as its own object and are assembled into the destination object with a
// server side multipart copy when finished.
type S3Backend struct {
	client        S3API
	bucket        string
	sessionPrefix string
	retryWait     time.Duration
	logger        log.Logger
}

// NewS3Backend creates a backend using credentials from params or the default AWS chain.
func NewS3Backend(ctx context.Context, params S3Params, logger log.Logger) (*S3Backend, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	})

	return newS3Backend(client, params, logger), nil
}

func newS3Backend(client S3API, params S3Params, logger log.Logger) *S3Backend {
	prefix := params.SessionPrefix
	if prefix == "" {
		prefix = defaultSessionPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	wait := params.RetryWait
	if wait == 0 {
		wait = 5 * time.Second
	}

	return &S3Backend{
		client:        client,
		bucket:        params.Bucket,
		sessionPrefix: prefix,
		retryWait:     wait,
		logger:        logger,
	}
}

// ValidateChunkSize reports whether chunks of size can be assembled with a multipart upload.
func ValidateChunkSize(size int64) error {
	if size < S3MinChunkSize || size > S3MaxChunkSize {
		return fmt.Errorf("S3 chunk size must be between %d and %d bytes, got %d", S3MinChunkSize, S3MaxChunkSize, size)
	}
	return nil
}

// Upload stores data at commit.Path with a single object upload.
func (b *S3Backend) Upload(ctx context.Context, data []byte, commit chunkuploader.CommitInfo) (chunkuploader.Metadata, error) {
	key := objectKey(commit.Path)

	var output *manager.UploadOutput
	err := b.retrier().TryWithAbort(func(attempt uint) (error, bool) {
		uploader := manager.NewUploader(b.client, func(u *manager.Uploader) {
			u.PartSize = S3MinChunkSize * 2
		})

		var err error
		output, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:        bytes.NewReader(data),
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(key),
			ContentType: aws.String("application/octet-stream"),
		})
		if err != nil {
			return fmt.Errorf("upload object: %w", err), ctx.Err() != nil
		}
		return nil, true
	})
	if err != nil {
		return chunkuploader.Metadata{}, err
	}

	return chunkuploader.Metadata{
		Path:     commit.Path,
		Size:     int64(len(data)),
		ID:       aws.ToString(output.ETag),
		Revision: aws.ToString(output.VersionID),
	}, nil
}

// StartSession stages data as the first chunk of a new session.
func (b *S3Backend) StartSession(ctx context.Context, data []byte) (string, error) {
	id := uuid.NewString()
	if err := b.putPart(ctx, id, 0, data); err != nil {
		return "", err
	}
	return id, nil
}

// AppendSession stages data at cursor.Offset.
func (b *S3Backend) AppendSession(ctx context.Context, cursor chunkuploader.Cursor, data []byte) error {
	parts, err := b.listParts(ctx, cursor.SessionID)
	if err != nil {
		return err
	}

	committed := stagedSize(parts)
	if committed == cursor.Offset+int64(len(data)) && parts[len(parts)-1].offset == cursor.Offset {
		b.logger.Debugf("Chunk at offset %d of session %s was already stored", cursor.Offset, cursor.SessionID)
		return nil
	}
	if committed != cursor.Offset {
		return fmt.Errorf("%w: session %s holds %d bytes, append at %d", chunkuploader.ErrSessionInvalid, cursor.SessionID, committed, cursor.Offset)
	}

	return b.putPart(ctx, cursor.SessionID, cursor.Offset, data)
}

// FinishSession assembles the staged chunks and data into the destination object.
func (b *S3Backend) FinishSession(ctx context.Context, cursor chunkuploader.Cursor, data []byte, commit chunkuploader.CommitInfo) (chunkuploader.Metadata, error) {
	parts, err := b.listParts(ctx, cursor.SessionID)
	if err != nil {
		return chunkuploader.Metadata{}, err
	}
	if committed := stagedSize(parts); committed != cursor.Offset {
		return chunkuploader.Metadata{}, fmt.Errorf("%w: session %s holds %d bytes, finish at %d", chunkuploader.ErrSessionInvalid, cursor.SessionID, committed, cursor.Offset)
	}
	if len(parts)+1 > s3MaxParts {
		return chunkuploader.Metadata{}, fmt.Errorf("session %s has too many chunks for a multipart upload: %d", cursor.SessionID, len(parts)+1)
	}

	key := objectKey(commit.Path)
	created, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return chunkuploader.Metadata{}, fmt.Errorf("create multipart upload: %w", err)
	}
	uploadID := aws.ToString(created.UploadId)

	completed, err := b.assemble(ctx, key, uploadID, parts, data)
	if err != nil {
		b.abortMultipart(ctx, key, uploadID)
		return chunkuploader.Metadata{}, err
	}

	if err := b.deleteParts(ctx, parts); err != nil {
		b.logger.Warnf("Failed to clean up staged chunks of session %s: %s", cursor.SessionID, err)
	}

	return chunkuploader.Metadata{
		Path:     commit.Path,
		Size:     cursor.Offset + int64(len(data)),
		ID:       aws.ToString(completed.ETag),
		Revision: aws.ToString(completed.VersionId),
	}, nil
}

// AbortSession deletes the staged chunks of a session.
func (b *S3Backend) AbortSession(ctx context.Context, sessionID string) error {
	parts, err := b.listParts(ctx, sessionID)
	if err != nil {
		return err
	}
	return b.deleteParts(ctx, parts)
}

// SessionOffset returns the number of bytes staged for a session.
func (b *S3Backend) SessionOffset(ctx context.Context, sessionID string) (int64, error) {
	parts, err := b.listParts(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return stagedSize(parts), nil
}

// Download fetches the object at remotePath into localPath.
func (b *S3Backend) Download(ctx context.Context, remotePath, localPath string) error {
	key := objectKey(remotePath)

	return b.retrier().TryWithAbort(func(attempt uint) (error, bool) {
		result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: %s", ErrArchiveNotFound, remotePath), true
			}
			return fmt.Errorf("get object: %w", err), false
		}
		defer result.Body.Close() //nolint:errcheck

		file, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("creating file: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		if _, err := io.Copy(file, result.Body); err != nil {
			return fmt.Errorf("write file: %w", err), false
		}
		return nil, true
	})
}

type stagedPart struct {
	key    string
	offset int64
	size   int64
}

func (b *S3Backend) partKey(sessionID string, offset int64) string {
	return fmt.Sprintf("%s%s/%020d", b.sessionPrefix, sessionID, offset)
}

func (b *S3Backend) putPart(ctx context.Context, sessionID string, offset int64, data []byte) error {
	key := b.partKey(sessionID, offset)

	return b.retrier().TryWithAbort(func(attempt uint) (error, bool) {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Body:          bytes.NewReader(data),
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(key),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			return fmt.Errorf("stage chunk at offset %d: %w", offset, err), ctx.Err() != nil
		}
		return nil, true
	})
}

// listParts returns the staged chunks of a session in offset order.
func (b *S3Backend) listParts(ctx context.Context, sessionID string) ([]stagedPart, error) {
	prefix := fmt.Sprintf("%s%s/", b.sessionPrefix, sessionID)
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	var parts []stagedPart
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list staged chunks: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			var offset int64
			if _, err := fmt.Sscanf(strings.TrimPrefix(key, prefix), "%d", &offset); err != nil {
				return nil, fmt.Errorf("unexpected staged object %s", key)
			}
			parts = append(parts, stagedPart{key: key, offset: offset, size: aws.ToInt64(obj.Size)})
		}
	}

	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no staged chunks for session %s", chunkuploader.ErrSessionInvalid, sessionID)
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].offset < parts[j].offset })

	var expected int64
	for _, part := range parts {
		if part.offset != expected {
			return nil, fmt.Errorf("%w: session %s has a gap at offset %d", chunkuploader.ErrSessionInvalid, sessionID, expected)
		}
		expected += part.size
	}

	return parts, nil
}

// copySource is the URL encoded bucket/key form UploadPartCopy expects.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

func (b *S3Backend) assemble(ctx context.Context, key, uploadID string, parts []stagedPart, tail []byte) (*s3.CompleteMultipartUploadOutput, error) {
	completed := make([]types.CompletedPart, 0, len(parts)+1)

	for i, part := range parts {
		partNumber := int32(i + 1)
		out, err := b.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(b.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			CopySource: aws.String(copySource(b.bucket, part.key)),
		})
		if err != nil {
			return nil, fmt.Errorf("copy staged chunk %d: %w", partNumber, err)
		}

		var etag *string
		if out.CopyPartResult != nil {
			etag = out.CopyPartResult.ETag
		}
		completed = append(completed, types.CompletedPart{ETag: etag, PartNumber: aws.Int32(partNumber)})
	}

	partNumber := int32(len(parts) + 1)
	out, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(tail),
		ContentLength: aws.Int64(int64(len(tail))),
	})
	if err != nil {
		return nil, fmt.Errorf("upload last chunk: %w", err)
	}
	completed = append(completed, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)})

	result, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return nil, fmt.Errorf("complete multipart upload: %w", err)
	}
	return result, nil
}

func (b *S3Backend) abortMultipart(ctx context.Context, key, uploadID string) {
	_, err := b.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		b.logger.Warnf("Failed to abort multipart upload %s: %s", uploadID, err)
	}
}

func (b *S3Backend) deleteParts(ctx context.Context, parts []stagedPart) error {
	const batchSize = 1000

	for start := 0; start < len(parts); start += batchSize {
		end := start + batchSize
		if end > len(parts) {
			end = len(parts)
		}

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, part := range parts[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(part.key)})
		}

		_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete staged chunks: %w", err)
		}
	}
	return nil
}

func (b *S3Backend) retrier() *retry.Model {
	return retry.Times(numS3Retries).Wait(b.retryWait)
}

func stagedSize(parts []stagedPart) int64 {
	var size int64
	for _, part := range parts {
		size += part.size
	}
	return size
}

// objectKey maps a destination path to an object key.
func objectKey(path string) string {
	return strings.TrimPrefix(path, "/")
}

func isNotFound(err error) bool {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.(type) {
		case *types.NotFound, *types.NoSuchKey:
			return true
		}
	}
	return false
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
