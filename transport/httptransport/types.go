package httptransport

import (
	"fmt"
	"time"
)

// ServerOptions configures the HTTP sync handler.
type ServerOptions struct {
	// MaxRequestSize is the maximum allowed size of incoming request bodies in bytes (compressed)
	// If 0, defaults to 10MB
	MaxRequestSize int64

	// MaxDecompressedSize is the maximum allowed size of decompressed request bodies in bytes
	// This prevents zip-bomb attacks when handling gzip-compressed requests
	// If 0, defaults to 20MB
	MaxDecompressedSize int64

	// CompressionEnabled enables gzip compression for responses
	// Responses larger than CompressionThreshold will be compressed
	CompressionEnabled bool

	// CompressionThreshold is the minimum size in bytes before responses are compressed
	// If CompressionEnabled is true and 0, defaults to 1KB
	CompressionThreshold int64

	// RequestTimeout bounds push, pull and checkpoint handling.
	// Websocket streams are not affected.
	// If 0, defaults to 30 seconds
	RequestTimeout time.Duration

	// ShutdownTimeout is the maximum duration to wait for in-flight requests during shutdown
	// If 0, defaults to 10 seconds
	ShutdownTimeout time.Duration

	// WatchWriteTimeout bounds a single websocket notification write.
	// If 0, defaults to 5 seconds
	WatchWriteTimeout time.Duration
}

// DefaultServerOptions returns the default server options
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		MaxRequestSize:       10 * 1024 * 1024, // 10MB
		MaxDecompressedSize:  20 * 1024 * 1024, // 20MB
		CompressionEnabled:   true,
		CompressionThreshold: 1024,             // 1KB
		RequestTimeout:       30 * time.Second, // 30s
		ShutdownTimeout:      10 * time.Second, // 10s
		WatchWriteTimeout:    5 * time.Second,
	}
}

// ClientOptions configures the HTTP transport client behavior
type ClientOptions struct {
	// CompressionEnabled gzips request bodies above GzipMinBytes and asks
	// the server for gzip responses.
	CompressionEnabled bool

	// GzipMinBytes is the smallest request body that gets compressed.
	// If 0, defaults to 1KB
	GzipMinBytes int

	// MaxResponseSize is the maximum allowed size of response bodies in bytes (compressed)
	// If 0, defaults to 10MB
	MaxResponseSize int64

	// MaxDecompressedResponseSize is the maximum allowed size of decompressed response bodies in bytes
	// This prevents zip-bomb attacks when handling gzip-compressed responses
	// If 0, defaults to 20MB
	MaxDecompressedResponseSize int64

	// RequestTimeout bounds every push, pull and checkpoint call. A call
	// that runs over is reported as a network failure.
	// If 0, defaults to 30 seconds
	RequestTimeout time.Duration
}

// DefaultClientOptions returns the default client options
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		CompressionEnabled:          true,
		GzipMinBytes:                1024,
		MaxResponseSize:             10 * 1024 * 1024, // 10MB
		MaxDecompressedResponseSize: 20 * 1024 * 1024, // 20MB
		RequestTimeout:              30 * time.Second,
	}
}

// ValidateClientOptions rejects negative limits and timeouts.
func ValidateClientOptions(o *ClientOptions) error {
	if o == nil {
		return fmt.Errorf("client options are nil")
	}
	if o.GzipMinBytes < 0 {
		return fmt.Errorf("gzip min bytes must not be negative, got %d", o.GzipMinBytes)
	}
	if o.MaxResponseSize < 0 {
		return fmt.Errorf("max response size must not be negative, got %d", o.MaxResponseSize)
	}
	if o.MaxDecompressedResponseSize < 0 {
		return fmt.Errorf("max decompressed response size must not be negative, got %d", o.MaxDecompressedResponseSize)
	}
	if o.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative, got %v", o.RequestTimeout)
	}
	return nil
}

func (o *ServerOptions) setDefaults() {
	d := DefaultServerOptions()
	if o.MaxRequestSize == 0 {
		o.MaxRequestSize = d.MaxRequestSize
	}
	if o.MaxDecompressedSize == 0 {
		o.MaxDecompressedSize = d.MaxDecompressedSize
	}
	if o.CompressionEnabled && o.CompressionThreshold == 0 {
		o.CompressionThreshold = d.CompressionThreshold
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.ShutdownTimeout == 0 {
		o.ShutdownTimeout = d.ShutdownTimeout
	}
	if o.WatchWriteTimeout == 0 {
		o.WatchWriteTimeout = d.WatchWriteTimeout
	}
}

func (o *ClientOptions) setDefaults() {
	d := DefaultClientOptions()
	if o.GzipMinBytes == 0 {
		o.GzipMinBytes = d.GzipMinBytes
	}
	if o.MaxResponseSize == 0 {
		o.MaxResponseSize = d.MaxResponseSize
	}
	if o.MaxDecompressedResponseSize == 0 {
		o.MaxDecompressedResponseSize = d.MaxDecompressedResponseSize
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = d.RequestTimeout
	}
}
