package config

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const fileScheme = "file://"

// FileProvider opens the config file, either a local path (optionally with
// the `file://` scheme) or an http(s) URL.
type FileProvider interface {
	// Contents returns a streaming reader for the file contents.
	// The caller is responsible for closing the returned io.ReadCloser.
	Contents(ctx context.Context, srcPath string) (io.ReadCloser, error)
}

type fileProvider struct {
	httpClient   *retryablehttp.Client
	fileManager  fileutil.FileManager
	pathModifier pathutil.PathModifier
}

// NewFileProvider ...
func NewFileProvider(logger log.Logger, fileManager fileutil.FileManager, pathModifier pathutil.PathModifier) FileProvider {
	return &fileProvider{
		httpClient:   retryhttp.NewClient(logger),
		fileManager:  fileManager,
		pathModifier: pathModifier,
	}
}

// Contents ...
func (f *fileProvider) Contents(ctx context.Context, srcPath string) (io.ReadCloser, error) {
	if strings.HasPrefix(srcPath, "http://") || strings.HasPrefix(srcPath, "https://") {
		return f.fetch(ctx, srcPath)
	}

	localPath, err := f.pathModifier.AbsPath(strings.TrimPrefix(srcPath, fileScheme))
	if err != nil {
		return nil, err
	}
	return f.fileManager.Open(localPath)
}

func (f *fileProvider) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch %s: HTTP %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}
