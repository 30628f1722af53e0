package httptransport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// TokenSource returns the bearer credential for the next call. An empty
// token sends no Authorization header.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Client speaks the sync protocol to a remote server over HTTP.
//
// Every failure is a *errors.SyncError whose code tells the caller how to
// react: NETWORK_FAILURE (timeouts, connection errors, 5xx), AUTH_FAILURE
// (401 with KindUnauthorized, 403 with KindForbidden), RATE_LIMITED (429)
// and PROTOCOL_FAILURE (a response that does not match the wire schema).
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	options *ClientOptions
	logger  *slog.Logger
}

// newHTTPClient creates an HTTP client that leaves decompression to us so
// both response size limits can be enforced.
func newHTTPClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DisableCompression = true
	return &http.Client{Transport: tr}
}

// NewClient creates a client for the server at baseURL (scheme and host,
// without the /sync prefix).
func NewClient(baseURL string, opts ...TransportOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid server URL %q", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		options: DefaultClientOptions(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := ValidateClientOptions(c.options); err != nil {
		return nil, err
	}
	c.options.setDefaults()
	if c.http == nil {
		c.http = newHTTPClient()
	}
	if c.tokens == nil {
		c.tokens = StaticToken("")
	}
	c.logger = logging.Or(c.logger, logging.Component("transport"))
	return c, nil
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Options returns the effective options.
func (c *Client) Options() ClientOptions {
	return *c.options
}

// Push sends a batch of changes. Results that fail schema validation come
// back as ResultErrors; the caller must leave those changes queued.
func (c *Client) Push(ctx context.Context, changes []synckit.Change) (*synckit.PushResponse, []synckit.ResultError, error) {
	if changes == nil {
		changes = []synckit.Change{}
	}
	payload, err := json.Marshal(synckit.PushRequest{Changes: changes})
	if err != nil {
		return nil, nil, syncErrors.NewValidationError(syncErrors.OpPush, fmt.Errorf("marshal changes: %w", err))
	}

	data, err := c.do(ctx, syncErrors.OpPush, http.MethodPost, synckit.PathPush, payload)
	if err != nil {
		return nil, nil, err
	}

	resp, bad, err := synckit.DecodePushResponse(data, changes)
	if err != nil {
		return nil, nil, syncErrors.NewProtocolError(syncErrors.OpPush, err)
	}
	if len(bad) > 0 {
		c.logger.WarnContext(ctx, "push response has malformed results",
			slog.Int("bad", len(bad)), slog.Int("changes", len(changes)))
	}
	return resp, bad, nil
}

// Pull fetches up to limit change log entries after since. A limit of 0
// lets the server pick its default.
func (c *Client) Pull(ctx context.Context, since cursor.Checkpoint, limit int) (*synckit.PullResponse, error) {
	q := url.Values{}
	q.Set("since", since.String())
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	data, err := c.do(ctx, syncErrors.OpPull, http.MethodGet, synckit.PathPull+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := synckit.DecodePullResponse(data, since, limit)
	if err != nil {
		return nil, syncErrors.NewProtocolError(syncErrors.OpPull, err)
	}
	return resp, nil
}

// Checkpoint returns the server's latest checkpoint.
func (c *Client) Checkpoint(ctx context.Context) (cursor.Checkpoint, error) {
	data, err := c.do(ctx, syncErrors.OpCheckpoint, http.MethodGet, synckit.PathCheckpoint, nil)
	if err != nil {
		return 0, err
	}
	cp, err := synckit.DecodeCheckpointResponse(data)
	if err != nil {
		return 0, syncErrors.NewProtocolError(syncErrors.OpCheckpoint, err)
	}
	return cp, nil
}

func (c *Client) authorize(ctx context.Context, header http.Header) error {
	token, err := c.tokens(ctx)
	if err != nil {
		return fmt.Errorf("token source: %w", err)
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// do performs one bounded round trip and returns the decoded 200 body.
func (c *Client) do(ctx context.Context, op syncErrors.Operation, method, path string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, syncErrors.NewWithComponent(op, "transport", fmt.Errorf("failed to create request: %w", err))
	}
	if err := c.authorize(ctx, req.Header); err != nil {
		return nil, syncErrors.NewAuthError(op, syncErrors.KindUnauthorized, err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		if c.options.CompressionEnabled && len(payload) > c.options.GzipMinBytes {
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			if _, err := gw.Write(payload); err != nil {
				return nil, syncErrors.NewWithComponent(op, "transport", fmt.Errorf("failed to compress request: %w", err))
			}
			if err := gw.Close(); err != nil {
				return nil, syncErrors.NewWithComponent(op, "transport", fmt.Errorf("failed to close gzip writer: %w", err))
			}
			req.Body = io.NopCloser(&buf)
			req.ContentLength = int64(buf.Len())
			req.GetBody = nil
			req.Header.Set("Content-Encoding", "gzip")
		}
	}
	if c.options.CompressionEnabled {
		req.Header.Set("Accept-Encoding", "gzip")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.DebugContext(ctx, "request failed",
			slog.String("path", path), slog.Any("error", err))
		return nil, syncErrors.NewNetworkError(op, err)
	}
	defer resp.Body.Close()

	var data []byte
	reader, cleanup, readErr := createSafeResponseReader(resp, c.options)
	defer cleanup()
	if readErr == nil {
		data, readErr = io.ReadAll(reader)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(op, resp.StatusCode, errorMessage(data)).
			WithMetadata("retry_after", resp.Header.Get("Retry-After"))
	}
	if readErr != nil {
		if isBodyFault(readErr) {
			return nil, syncErrors.NewProtocolError(op, readErr)
		}
		return nil, syncErrors.NewNetworkError(op, fmt.Errorf("read response: %w", readErr))
	}
	return data, nil
}

// isBodyFault reports errors caused by the response content rather than the
// connection.
func isBodyFault(err error) bool {
	return errors.Is(err, errBodyTooLarge) ||
		errors.Is(err, errDecompressedTooLarge) ||
		errors.Is(err, errInvalidGzip) ||
		errors.Is(err, errUnsupportedEncoding) ||
		errors.Is(err, gzip.ErrChecksum) ||
		errors.Is(err, gzip.ErrHeader)
}

// classifyStatus turns a non-200 status into the matching failure class.
func classifyStatus(op syncErrors.Operation, status int, message string) *syncErrors.SyncError {
	cause := fmt.Errorf("server returned %d: %s", status, message)
	var err *syncErrors.SyncError
	switch {
	case status == http.StatusUnauthorized:
		err = syncErrors.NewAuthError(op, syncErrors.KindUnauthorized, cause)
	case status == http.StatusForbidden:
		err = syncErrors.NewAuthError(op, syncErrors.KindForbidden, cause)
	case status == http.StatusTooManyRequests:
		err = syncErrors.NewRateLimitError(op, cause)
	case status >= http.StatusInternalServerError, status == http.StatusRequestTimeout:
		err = syncErrors.NewNetworkError(op, cause)
	default:
		// The server refused the request shape: our bug or theirs, either
		// way not a transient outage.
		err = syncErrors.NewProtocolError(op, cause)
	}
	return err.WithMetadata("status", status)
}

func errorMessage(data []byte) string {
	var e synckit.ErrorResponse
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	if len(data) > 256 {
		data = data[:256]
	}
	return strings.TrimSpace(string(data))
}
