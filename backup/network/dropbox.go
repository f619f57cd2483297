package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf16"

	"github.com/bitrise-io/go-dirbackup/backup/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultDropboxContentURL serves the endpoints carrying file bytes.
	DefaultDropboxContentURL = "https://content.dropboxapi.com/2"
	// DefaultDropboxAPIURL serves the RPC endpoints.
	DefaultDropboxAPIURL = "https://api.dropboxapi.com/2"

	WriteModeAdd       = "add"
	WriteModeOverwrite = "overwrite"

	// DefaultDropboxMaxRetries is used when DropboxParams.MaxRetries is zero.
	DefaultDropboxMaxRetries = 3
	// NoRetries disables transport retries.
	NoRetries = -1
)

// DropboxParams ...
type DropboxParams struct {
	Token     string
	WriteMode string
	// MaxRetries is the number of transport retries per call. Zero means
	// DefaultDropboxMaxRetries, a negative value disables retries.
	MaxRetries int
	// RetryWait caps the wait between transport retries. Zero keeps the client default.
	RetryWait  time.Duration
	ContentURL string
	APIURL     string
}

// DropboxClient uploads to and downloads from Dropbox over its HTTP API.
type DropboxClient struct {
	httpClient *retryablehttp.Client
	contentURL string
	apiURL     string
	token      string
	writeMode  string
	logger     log.Logger
}

// NewDropboxClient ...
func NewDropboxClient(params DropboxParams, logger log.Logger) (*DropboxClient, error) {
	if params.Token == "" {
		return nil, errors.New("Dropbox access token is empty")
	}

	mode := params.WriteMode
	if mode == "" {
		mode = WriteModeOverwrite
	}
	if mode != WriteModeAdd && mode != WriteModeOverwrite {
		return nil, fmt.Errorf("invalid Dropbox write mode: %s", mode)
	}

	httpClient := retryhttp.NewClient(logger)
	httpClient.CheckRetry = createCustomRetryFunction(logger)
	httpClient.RequestLogHook = recordAttempt
	switch {
	case params.MaxRetries == 0:
		httpClient.RetryMax = DefaultDropboxMaxRetries
	case params.MaxRetries < 0:
		httpClient.RetryMax = 0
	default:
		httpClient.RetryMax = params.MaxRetries
	}
	if params.RetryWait > 0 {
		httpClient.RetryWaitMin = params.RetryWait
		httpClient.RetryWaitMax = params.RetryWait
	}

	return &DropboxClient{
		httpClient: httpClient,
		contentURL: strings.TrimSuffix(valueOr(params.ContentURL, DefaultDropboxContentURL), "/"),
		apiURL:     strings.TrimSuffix(valueOr(params.APIURL, DefaultDropboxAPIURL), "/"),
		token:      params.Token,
		writeMode:  mode,
		logger:     logger,
	}, nil
}

type dropboxCursor struct {
	SessionID string `json:"session_id"`
	Offset    int64  `json:"offset"`
}

type dropboxCommit struct {
	Path       string `json:"path"`
	Mode       string `json:"mode"`
	Autorename bool   `json:"autorename"`
	Mute       bool   `json:"mute"`
}

type startSessionArg struct {
	Close bool `json:"close"`
}

type startSessionResult struct {
	SessionID string `json:"session_id"`
}

type appendSessionArg struct {
	Cursor dropboxCursor `json:"cursor"`
	Close  bool          `json:"close"`
}

type finishSessionArg struct {
	Cursor dropboxCursor `json:"cursor"`
	Commit dropboxCommit `json:"commit"`
}

type fileMetadata struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	PathDisplay string `json:"path_display"`
	Rev         string `json:"rev"`
	Size        int64  `json:"size"`
}

type metadataArg struct {
	Path string `json:"path"`
}

type temporaryLinkArg struct {
	Path string `json:"path"`
}

type temporaryLinkResult struct {
	Link string `json:"link"`
}

// Upload stores data at commit.Path with a single call.
func (c *DropboxClient) Upload(ctx context.Context, data []byte, commit chunkuploader.CommitInfo) (chunkuploader.Metadata, error) {
	var meta fileMetadata
	if err := c.content(ctx, "files/upload", c.commit(commit), data, &meta); err != nil {
		return chunkuploader.Metadata{}, err
	}
	return meta.toMetadata(), nil
}

// StartSession opens an upload session with data as its first bytes.
func (c *DropboxClient) StartSession(ctx context.Context, data []byte) (string, error) {
	var result startSessionResult
	if err := c.content(ctx, "files/upload_session/start", startSessionArg{}, data, &result); err != nil {
		return "", err
	}
	return result.SessionID, nil
}

// AppendSession adds data to the session at cursor.Offset.
func (c *DropboxClient) AppendSession(ctx context.Context, cursor chunkuploader.Cursor, data []byte) error {
	arg := appendSessionArg{Cursor: dropboxCursor{SessionID: cursor.SessionID, Offset: cursor.Offset}}

	err := c.content(ctx, "files/upload_session/append_v2", arg, data, nil)

	// A retried request whose first attempt went through reports the offset
	// right after the chunk; the chunk is stored.
	var apiErr *DropboxError
	if errors.As(err, &apiErr) && apiErr.Tag == "incorrect_offset" && apiErr.CorrectOffset != nil &&
		*apiErr.CorrectOffset == cursor.Offset+int64(len(data)) {
		c.logger.Debugf("Chunk at offset %d of session %s was already stored", cursor.Offset, cursor.SessionID)
		return nil
	}

	return err
}

// FinishSession adds the last data to the session and commits it.
func (c *DropboxClient) FinishSession(ctx context.Context, cursor chunkuploader.Cursor, data []byte, commit chunkuploader.CommitInfo) (chunkuploader.Metadata, error) {
	arg := finishSessionArg{
		Cursor: dropboxCursor{SessionID: cursor.SessionID, Offset: cursor.Offset},
		Commit: c.commit(commit),
	}

	var attempts int32
	ctx = context.WithValue(ctx, attemptsKey{}, &attempts)

	var meta fileMetadata
	err := c.content(ctx, "files/upload_session/finish", arg, data, &meta)
	if err == nil {
		return meta.toMetadata(), nil
	}

	// A retried finish whose first attempt committed finds the session gone.
	var apiErr *DropboxError
	if atomic.LoadInt32(&attempts) == 0 || !errors.As(err, &apiErr) || (apiErr.Tag != "not_found" && apiErr.Tag != "closed") {
		return chunkuploader.Metadata{}, err
	}

	committed, lookupErr := c.metadata(ctx, commit.Path)
	if lookupErr != nil || committed.Size != cursor.Offset+int64(len(data)) {
		c.logger.Warnf("Session %s is gone after a retried finish, %s may have been committed", cursor.SessionID, commit.Path)
		return chunkuploader.Metadata{}, err
	}

	c.logger.Debugf("Session %s was committed by an earlier attempt", cursor.SessionID)
	return committed.toMetadata(), nil
}

func (c *DropboxClient) metadata(ctx context.Context, path string) (fileMetadata, error) {
	var meta fileMetadata
	if err := c.rpc(ctx, "files/get_metadata", metadataArg{Path: path}, &meta); err != nil {
		return fileMetadata{}, err
	}
	return meta, nil
}

type attemptsKey struct{}

// recordAttempt stores the retry count of a request carrying an attemptsKey counter.
func recordAttempt(_ retryablehttp.Logger, req *http.Request, attempt int) {
	if counter, ok := req.Context().Value(attemptsKey{}).(*int32); ok {
		atomic.StoreInt32(counter, int32(attempt))
	}
}

// Download fetches the file at remotePath through a temporary link.
func (c *DropboxClient) Download(ctx context.Context, remotePath, localPath string) error {
	var link temporaryLinkResult
	err := c.rpc(ctx, "files/get_temporary_link", temporaryLinkArg{Path: remotePath}, &link)
	if err != nil {
		var apiErr *DropboxError
		if errors.As(err, &apiErr) && strings.HasPrefix(apiErr.Summary, "path/not_found") {
			return fmt.Errorf("%w: %s", ErrArchiveNotFound, remotePath)
		}
		return fmt.Errorf("failed to get download link: %w", err)
	}

	c.logger.Debugf("Downloading %s", remotePath)
	if err := downloadFile(ctx, c.httpClient.StandardClient(), link.Link, localPath); err != nil {
		return fmt.Errorf("failed to download archive: %w", err)
	}
	return nil
}

func (c *DropboxClient) commit(commit chunkuploader.CommitInfo) dropboxCommit {
	return dropboxCommit{Path: commit.Path, Mode: c.writeMode}
}

// content calls an endpoint taking its argument in the Dropbox-API-Arg header and data as body.
func (c *DropboxClient) content(ctx context.Context, endpoint string, arg interface{}, data []byte, out interface{}) error {
	argJSON, err := json.Marshal(arg)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, fmt.Sprintf("%s/%s", c.contentURL, endpoint), data)
	if err != nil {
		return err
	}
	req.Header.Set("Dropbox-API-Arg", asciiJSON(argJSON))
	req.Header.Set("Content-Type", "application/octet-stream")

	c.logger.Debugf("Calling %s with %d bytes", endpoint, len(data))
	return c.do(req.WithContext(ctx), endpoint, out)
}

// rpc calls an endpoint taking a JSON body.
func (c *DropboxClient) rpc(ctx context.Context, endpoint string, arg interface{}, out interface{}) error {
	body, err := json.Marshal(arg)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, fmt.Sprintf("%s/%s", c.apiURL, endpoint), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req.WithContext(ctx), endpoint, out)
}

func (c *DropboxClient) do(req *retryablehttp.Request, endpoint string, out interface{}) error {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode == http.StatusConflict {
		return unwrapDropboxError(endpoint, resp)
	}
	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// HTTPError is an unexpected HTTP status from a backend.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return &HTTPError{StatusCode: resp.StatusCode, Body: string(errorResp)}
}

// DropboxError is an endpoint specific error (HTTP 409).
type DropboxError struct {
	Endpoint      string
	Summary       string
	Tag           string
	CorrectOffset *int64
}

func (e *DropboxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Endpoint, e.Summary)
}

// Unwrap exposes chunkuploader.ErrSessionInvalid for errors about the session itself.
func (e *DropboxError) Unwrap() error {
	switch e.Tag {
	case "not_found", "closed", "incorrect_offset":
		return chunkuploader.ErrSessionInvalid
	}
	return nil
}

type dropboxLookupError struct {
	Tag           string `json:".tag"`
	CorrectOffset *int64 `json:"correct_offset"`
}

type dropboxErrorResponse struct {
	Summary string `json:"error_summary"`
	Error   struct {
		Tag           string              `json:".tag"`
		CorrectOffset *int64              `json:"correct_offset"`
		LookupFailed  *dropboxLookupError `json:"lookup_failed"`
	} `json:"error"`
}

func unwrapDropboxError(endpoint string, resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var parsed dropboxErrorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	apiErr := &DropboxError{
		Endpoint:      endpoint,
		Summary:       parsed.Summary,
		Tag:           parsed.Error.Tag,
		CorrectOffset: parsed.Error.CorrectOffset,
	}
	if lookup := parsed.Error.LookupFailed; lookup != nil {
		apiErr.Tag = lookup.Tag
		apiErr.CorrectOffset = lookup.CorrectOffset
	}
	return apiErr
}

func (m fileMetadata) toMetadata() chunkuploader.Metadata {
	return chunkuploader.Metadata{
		Path:     m.PathDisplay,
		Size:     m.Size,
		ID:       m.ID,
		Revision: m.Rev,
	}
}

// asciiJSON escapes every non-ASCII character, HTTP headers only carry ASCII.
func asciiJSON(data []byte) string {
	var buf bytes.Buffer
	for _, r := range string(data) {
		if r < 0x80 {
			buf.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			r1, r2 := utf16.EncodeRune(r)
			fmt.Fprintf(&buf, "\\u%04x\\u%04x", r1, r2)
			continue
		}
		fmt.Fprintf(&buf, "\\u%04x", r)
	}
	return buf.String()
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
