package httptransport

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
)

// Request body failures and the status each maps to:
//   - invalid gzip → 400 Bad Request
//   - compressed or decompressed limit exceeded → 413 Request Entity Too Large
//   - unsupported media type or encoding → 415 Unsupported Media Type
var (
	errDecompressedTooLarge = errors.New("decompressed data exceeds maximum size limit")
	errBodyTooLarge         = errors.New("body exceeds maximum size limit")
	errUnsupportedMediaType = errors.New("unsupported media type")
	errUnsupportedEncoding  = errors.New("unsupported content encoding")
	errInvalidGzip          = errors.New("invalid gzip data")
)

// maxSizeReader wraps an io.Reader and fails with err once more than limit
// bytes would be returned.
type maxSizeReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
	err      error
}

func (r *maxSizeReader) Read(p []byte) (int, error) {
	if r.consumed >= r.limit {
		// Only an error if there is more data behind the limit.
		var first [1]byte
		n, err := r.reader.Read(first[:])
		if n > 0 {
			return 0, r.err
		}
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}

	maxRead := r.limit - r.consumed
	if int64(len(p)) > maxRead {
		p = p[:maxRead]
	}

	n, err := r.reader.Read(p)
	r.consumed += int64(n)
	return n, err
}

func newDecompressedLimit(r io.Reader, limit int64) *maxSizeReader {
	return &maxSizeReader{reader: r, limit: limit, err: errDecompressedTooLarge}
}

// createSafeRequestReader creates a reader that enforces both compressed and decompressed size limits
// Returns the reader, cleanup function, and error
func createSafeRequestReader(w http.ResponseWriter, r *http.Request, options *ServerOptions) (io.Reader, func(), error) {
	maxRequestSize := options.MaxRequestSize
	if maxRequestSize == 0 {
		maxRequestSize = 10 * 1024 * 1024
	}
	maxDecompressedSize := options.MaxDecompressedSize
	if maxDecompressedSize == 0 {
		maxDecompressedSize = 20 * 1024 * 1024
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return nil, func() {}, fmt.Errorf("%w: %s", errUnsupportedMediaType, contentType)
	}

	if r.ContentLength > maxRequestSize {
		return nil, func() {}, fmt.Errorf("%w: %d bytes (max %d)", errBodyTooLarge, r.ContentLength, maxRequestSize)
	}

	contentEncoding := strings.TrimSpace(strings.ToLower(r.Header.Get("Content-Encoding")))
	if contentEncoding != "" && contentEncoding != "gzip" {
		return nil, func() {}, fmt.Errorf("%w: %s (only gzip is supported)", errUnsupportedEncoding, contentEncoding)
	}

	if contentEncoding == "" {
		// Uncompressed: the stricter of the two limits applies.
		return http.MaxBytesReader(w, r.Body, min(maxRequestSize, maxDecompressedSize)), func() {}, nil
	}

	gzReader, err := gzip.NewReader(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err != nil {
		return nil, func() {}, fmt.Errorf("%w: %v", errInvalidGzip, err)
	}
	return newDecompressedLimit(gzReader, maxDecompressedSize), func() { gzReader.Close() }, nil
}

// createSafeResponseReader is the client-side twin of createSafeRequestReader.
// The client disables Go's transparent decompression so both limits hold.
func createSafeResponseReader(resp *http.Response, options *ClientOptions) (io.Reader, func(), error) {
	body := &maxSizeReader{reader: resp.Body, limit: options.MaxResponseSize, err: errBodyTooLarge}

	encoding := strings.TrimSpace(strings.ToLower(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "":
		return newDecompressedLimit(body, options.MaxDecompressedResponseSize), func() {}, nil
	case "gzip":
		gzReader, err := gzip.NewReader(body)
		if err != nil {
			return nil, func() {}, fmt.Errorf("%w: %v", errInvalidGzip, err)
		}
		return newDecompressedLimit(gzReader, options.MaxDecompressedResponseSize), func() { gzReader.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("%w: %s", errUnsupportedEncoding, encoding)
	}
}

// mapErrorToHTTPStatus maps request body and service errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, errDecompressedTooLarge), errors.Is(err, errBodyTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnsupportedMediaType), errors.Is(err, errUnsupportedEncoding):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, errInvalidGzip), errors.Is(err, gzip.ErrHeader), errors.Is(err, gzip.ErrChecksum):
		return http.StatusBadRequest
	}

	switch syncErrors.KindOf(err) {
	case syncErrors.KindInvalid:
		return http.StatusBadRequest
	case syncErrors.KindUnauthorized:
		return http.StatusUnauthorized
	case syncErrors.KindForbidden:
		return http.StatusForbidden
	case syncErrors.KindConflict:
		return http.StatusConflict
	case syncErrors.KindUnavailable:
		return http.StatusServiceUnavailable
	case syncErrors.KindInternal:
		return http.StatusInternalServerError
	}

	// Anything else on the request path is the caller's fault.
	return http.StatusBadRequest
}

// respondWithMappedError responds with the appropriate HTTP status code based on the error
func respondWithMappedError(w http.ResponseWriter, r *http.Request, err error, fallbackMessage string, options *ServerOptions) {
	status := mapErrorToHTTPStatus(err)
	message := fallbackMessage
	if err != nil && status < http.StatusInternalServerError {
		message = err.Error()
	}
	respondWithError(w, r, status, message, options)
}
