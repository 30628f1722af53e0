package sse

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// Handler receives each batch of entries in checkpoint order. Returning an
// error ends the subscription with that error.
type Handler func(entries []synckit.ChangeLogEntry) error

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. It must not set a Timeout,
// which would cut the stream.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithReconnect sets the reconnect delay bounds. The delay doubles after
// each attempt that delivered nothing.
func WithReconnect(lo, hi time.Duration) Option {
	return func(c *Client) { c.minDelay, c.maxDelay = lo, hi }
}

// Client follows a change feed, reconnecting until its context ends.
type Client struct {
	baseURL  string
	http     *http.Client
	token    string
	logger   *slog.Logger
	minDelay time.Duration
	maxDelay time.Duration
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{},
		minDelay: 100 * time.Millisecond,
		maxDelay: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Or(c.logger, logging.Component(component))
	return c, nil
}

type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

// permanent reports failures that reconnecting cannot fix.
func permanent(err error) bool {
	var he *handlerError
	if errors.As(err, &he) {
		return true
	}
	switch syncErrors.CodeOf(err) {
	case syncErrors.ErrCodeAuthFailure, syncErrors.ErrCodeProtocolFailure:
		return true
	}
	return false
}

// Subscribe delivers every entry after since to fn until ctx ends, fn fails
// or the server refuses the stream. It returns ctx.Err() on cancellation.
func (c *Client) Subscribe(ctx context.Context, since cursor.Checkpoint, fn Handler) error {
	cur := since
	delay := c.minDelay
	for {
		progressed, err := c.stream(ctx, &cur, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && permanent(err) {
			var he *handlerError
			if errors.As(err, &he) {
				return he.err
			}
			return err
		}
		if progressed {
			delay = c.minDelay
		}
		c.logger.DebugContext(ctx, "change feed reconnecting",
			slog.String("since", cur.String()),
			slog.Duration("delay", delay),
			slog.Any("error", err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
}

func classify(status int, body []byte) error {
	cause := fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(body)))
	switch {
	case status == http.StatusUnauthorized:
		return syncErrors.NewAuthError(syncErrors.OpPull, syncErrors.KindUnauthorized, cause)
	case status == http.StatusForbidden:
		return syncErrors.NewAuthError(syncErrors.OpPull, syncErrors.KindForbidden, cause)
	case status == http.StatusTooManyRequests:
		return syncErrors.NewRateLimitError(syncErrors.OpPull, cause)
	case status >= http.StatusInternalServerError:
		return syncErrors.NewNetworkError(syncErrors.OpPull, cause)
	default:
		return syncErrors.NewProtocolError(syncErrors.OpPull, cause)
	}
}

// stream runs one connection, advancing *cur past every delivered batch.
func (c *Client) stream(ctx context.Context, cur *cursor.Checkpoint, fn Handler) (progressed bool, err error) {
	q := url.Values{}
	q.Set("since", cur.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+Path+"?"+q.Encode(), nil)
	if err != nil {
		return false, syncErrors.NewProtocolError(syncErrors.OpPull, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if !cur.IsZero() {
		req.Header.Set("Last-Event-ID", cur.String())
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, syncErrors.NewNetworkError(syncErrors.OpPull, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return false, classify(resp.StatusCode, body)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)

	var event string
	var data bytes.Buffer
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if event == EventChanges && data.Len() > 0 {
				page, err := synckit.DecodePullResponse(data.Bytes(), *cur, 0)
				if err != nil {
					return progressed, syncErrors.NewProtocolError(syncErrors.OpPull, err)
				}
				if n := len(page.Items); n > 0 {
					if err := fn(page.Items); err != nil {
						return progressed, &handlerError{err}
					}
					*cur = page.Items[n-1].Checkpoint
					progressed = true
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// Comment or keepalive.
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(value)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return progressed, syncErrors.NewNetworkError(syncErrors.OpPull, err)
	}
	// The server closed the stream.
	return progressed, nil
}
