package kv

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bitrise-io/go-dirbackup/backup/network"
	"github.com/bitrise-io/go-dirbackup/backup/network/chunkuploader"
	"github.com/google/uuid"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CommitPathKey is the metadata key carrying the destination of a finishing write.
const CommitPathKey = "x-commit-path"

// Upload writes data to a new resource and commits it to commit.Path in one stream.
func (c *Client) Upload(ctx context.Context, data []byte, commit chunkuploader.CommitInfo) (chunkuploader.Metadata, error) {
	resourceName := c.uploadResource(uuid.NewString())

	committed, err := c.write(ctx, resourceName, 0, data, commit.Path)
	if err != nil {
		return chunkuploader.Metadata{}, err
	}
	if committed != int64(len(data)) {
		return chunkuploader.Metadata{}, fmt.Errorf("server committed %d bytes, sent %d", committed, len(data))
	}

	return chunkuploader.Metadata{Path: commit.Path, Size: committed, ID: resourceName}, nil
}

// StartSession writes data to a new upload resource, leaving the write open.
func (c *Client) StartSession(ctx context.Context, data []byte) (string, error) {
	sessionID := uuid.NewString()

	if err := c.appendAt(ctx, sessionID, 0, data); err != nil {
		return "", err
	}
	return sessionID, nil
}

// AppendSession writes data at cursor.Offset of the session's resource.
func (c *Client) AppendSession(ctx context.Context, cursor chunkuploader.Cursor, data []byte) error {
	return c.appendAt(ctx, cursor.SessionID, cursor.Offset, data)
}

// FinishSession writes the last data and asks the server to commit the resource.
func (c *Client) FinishSession(ctx context.Context, cursor chunkuploader.Cursor, data []byte, commit chunkuploader.CommitInfo) (chunkuploader.Metadata, error) {
	resourceName := c.uploadResource(cursor.SessionID)

	committed, err := c.write(ctx, resourceName, cursor.Offset, data, commit.Path)
	if err != nil {
		return chunkuploader.Metadata{}, err
	}

	want := cursor.Offset + int64(len(data))
	if committed != want {
		return chunkuploader.Metadata{}, fmt.Errorf("%w: server committed %d bytes, expected %d", chunkuploader.ErrSessionInvalid, committed, want)
	}

	return chunkuploader.Metadata{Path: commit.Path, Size: committed, ID: resourceName}, nil
}

// SessionOffset returns the number of bytes the server holds for a session.
func (c *Client) SessionOffset(ctx context.Context, sessionID string) (int64, error) {
	resp, err := c.bytestreamClient.QueryWriteStatus(c.outgoing(ctx), &bytestream.QueryWriteStatusRequest{
		ResourceName: c.uploadResource(sessionID),
	})
	if err != nil {
		return 0, mapError(fmt.Errorf("query write status: %w", err))
	}
	if resp.Complete {
		return 0, fmt.Errorf("%w: session %s is already committed", chunkuploader.ErrSessionInvalid, sessionID)
	}
	return resp.CommittedSize, nil
}

// Download streams the file stored at remotePath into localPath.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	stream, err := c.bytestreamClient.Read(c.outgoing(ctx), &bytestream.ReadRequest{
		ResourceName: c.fileResource(remotePath),
	})
	if err != nil {
		return fmt.Errorf("initiate read: %w", err)
	}

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	if _, err := io.Copy(file, &reader{stream: stream}); err != nil {
		_ = file.Close()
		_ = os.Remove(localPath)
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", network.ErrArchiveNotFound, remotePath)
		}
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	return nil
}

func (c *Client) appendAt(ctx context.Context, sessionID string, offset int64, data []byte) error {
	committed, err := c.write(ctx, c.uploadResource(sessionID), offset, data, "")
	if err != nil {
		return err
	}

	want := offset + int64(len(data))
	if committed != want {
		return fmt.Errorf("%w: server committed %d bytes, expected %d", chunkuploader.ErrSessionInvalid, committed, want)
	}
	return nil
}

// write sends data at offset in a single stream. A non-empty commitPath
// finishes the write and commits the resource to that path.
func (c *Client) write(ctx context.Context, resourceName string, offset int64, data []byte, commitPath string) (int64, error) {
	ctx = c.outgoing(ctx)
	if commitPath != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, CommitPathKey, commitPath)
	}

	stream, err := c.bytestreamClient.Write(ctx)
	if err != nil {
		return 0, mapError(fmt.Errorf("initiate write: %w", err))
	}

	w := &writer{stream: stream, resourceName: resourceName, offset: offset}
	if err := w.send(data, commitPath != ""); err != nil {
		return 0, mapError(err)
	}

	committed, err := w.close()
	if err != nil {
		return 0, mapError(err)
	}
	return committed, nil
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	md := metadata.Pairs("authorization", fmt.Sprintf("Bearer %s", c.token))
	return metadata.NewOutgoingContext(ctx, md)
}

func (c *Client) uploadResource(sessionID string) string {
	return fmt.Sprintf("%s/uploads/%s", c.instanceName, sessionID)
}

func (c *Client) fileResource(path string) string {
	return fmt.Sprintf("%s/files/%s", c.instanceName, strings.TrimPrefix(path, "/"))
}

// mapError marks errors about the session itself with chunkuploader.ErrSessionInvalid.
func mapError(err error) error {
	switch status.Code(err) {
	case codes.NotFound, codes.OutOfRange, codes.FailedPrecondition:
		return fmt.Errorf("%w: %w", chunkuploader.ErrSessionInvalid, err)
	}
	return err
}
