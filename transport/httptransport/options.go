package httptransport

import (
	"log/slog"
	"net/http"
	"time"
)

// ServerOption is a function that configures a ServerOptions struct
type ServerOption func(*ServerOptions)

// WithMaxRequestSize sets the maximum allowed size of incoming request bodies
func WithMaxRequestSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxRequestSize = size
	}
}

// WithMaxDecompressedSize sets the maximum allowed size of decompressed request bodies
func WithMaxDecompressedSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxDecompressedSize = size
	}
}

// WithCompression enables or disables response compression
func WithCompression(enabled bool) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithCompressionThreshold sets the minimum size for response compression
func WithCompressionThreshold(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionThreshold = size
	}
}

// WithRequestTimeout sets the maximum duration for request processing
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(opts *ServerOptions) {
		opts.RequestTimeout = timeout
	}
}

// WithShutdownTimeout sets the maximum duration for graceful shutdown
func WithShutdownTimeout(timeout time.Duration) ServerOption {
	return func(opts *ServerOptions) {
		opts.ShutdownTimeout = timeout
	}
}

// ClientOption is a function that configures a ClientOptions struct
type ClientOption func(*ClientOptions)

// WithClientCompression enables or disables request/response compression
func WithClientCompression(enabled bool) ClientOption {
	return func(opts *ClientOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithGzipMinBytes sets the smallest request body that gets compressed.
func WithGzipMinBytes(n int) ClientOption {
	return func(opts *ClientOptions) {
		opts.GzipMinBytes = n
	}
}

// WithMaxResponseSize sets the maximum allowed size of response bodies
func WithMaxResponseSize(size int64) ClientOption {
	return func(opts *ClientOptions) {
		opts.MaxResponseSize = size
	}
}

// WithClientTimeout sets the timeout for all requests
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(opts *ClientOptions) {
		opts.RequestTimeout = timeout
	}
}

// applyServerOptions creates a new ServerOptions with the given options applied
func applyServerOptions(opts ...ServerOption) *ServerOptions {
	options := DefaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// applyClientOptions creates a new ClientOptions with the given options applied
func applyClientOptions(opts ...ClientOption) *ClientOptions {
	options := DefaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// TransportOption configures a Client using the functional options pattern
type TransportOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(cl *http.Client) TransportOption {
	return func(c *Client) {
		c.http = cl
	}
}

// WithToken sends a fixed bearer credential on every call.
func WithToken(token string) TransportOption {
	return func(c *Client) {
		c.tokens = StaticToken(token)
	}
}

// WithTokenSource fetches the bearer credential per call, so a refreshed
// token is picked up without rebuilding the client.
func WithTokenSource(ts TokenSource) TransportOption {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithClientOptions applies ClientOption values over the defaults.
func WithClientOptions(opts ...ClientOption) TransportOption {
	return func(c *Client) {
		c.options = applyClientOptions(opts...)
	}
}

// WithTransportLogger sets the client logger.
func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(c *Client) {
		c.logger = l
	}
}
