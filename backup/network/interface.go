package network

import (
	"context"
	"errors"
)

// ErrArchiveNotFound is returned by downloaders when nothing was uploaded to the remote path.
var ErrArchiveNotFound = errors.New("no archive found at the remote path")

// Downloader fetches a previously uploaded file to a local path.
type Downloader interface {
	Download(ctx context.Context, remotePath, localPath string) error
}
