package httptransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/server"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// Handler is an http.Handler that serves the sync endpoints.
type Handler struct {
	svc     *server.Service
	logger  *slog.Logger
	options *ServerOptions
}

// NewHandler creates a new handler for serving sync endpoints.
// If options is nil, default options are used.
func NewHandler(svc *server.Service, logger *slog.Logger, options *ServerOptions) *Handler {
	if options == nil {
		options = DefaultServerOptions()
	}
	o := *options
	o.setDefaults()
	return &Handler{
		svc:     svc,
		logger:  logging.Or(logger, logging.Component("http")),
		options: &o,
	}
}

// NewHandlerWithOptions builds a Handler from functional options.
func NewHandlerWithOptions(svc *server.Service, logger *slog.Logger, opts ...ServerOption) *Handler {
	return NewHandler(svc, logger, applyServerOptions(opts...))
}

// Options returns the effective options.
func (h *Handler) Options() ServerOptions {
	return *h.options
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, code int, payload interface{}) {
	respondWithJSON(w, r, code, payload, h.options)
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, code int, message string) {
	respondWithError(w, r, code, message, h.options)
}

// ServeHTTP implements the http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case synckit.PathPush:
		h.handlePush(w, r)
	case synckit.PathPull:
		h.handlePull(w, r)
	case synckit.PathCheckpoint:
		h.handleCheckpoint(w, r)
	case synckit.PathWatch:
		h.handleWatch(w, r)
	default:
		h.respondErr(w, r, http.StatusNotFound, "not found")
	}
}

func (h *Handler) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.options.RequestTimeout)
}

func (h *Handler) requestLogger(r *http.Request, op syncErrors.Operation) *logging.Logger {
	l := h.logger.With(slog.Any("operation", logging.Operation(op)))
	if id, ok := IdentityFrom(r.Context()); ok {
		l = l.With(slog.String("caller", id.Subject))
	}
	return &logging.Logger{Logger: l}
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.respondErr(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := h.withTimeout(r)
	defer cancel()
	logger := h.requestLogger(r, syncErrors.OpPush)

	reader, cleanup, err := createSafeRequestReader(w, r, h.options)
	defer cleanup()
	if err != nil {
		respondWithMappedError(w, r, err, "invalid request body", h.options)
		return
	}

	var req synckit.PushRequest
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		status := mapErrorToHTTPStatus(err)
		h.respondErr(w, r, status, "invalid push body: "+err.Error())
		return
	}
	if dec.More() {
		h.respondErr(w, r, http.StatusBadRequest, "invalid push body: trailing data")
		return
	}

	resp, err := h.svc.Push(ctx, req.Changes)
	if err != nil && resp == nil {
		logger.LogError(ctx, err, "push rejected")
		respondWithMappedError(w, r, err, "push failed", h.options)
		return
	}
	// A truncated push still answers 200 so the caller can acknowledge the
	// applied prefix.
	h.respond(w, r, http.StatusOK, resp)
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.respondErr(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := h.withTimeout(r)
	defer cancel()

	q := r.URL.Query()
	since, err := cursor.Parse(q.Get("since"))
	if err != nil {
		h.respondErr(w, r, http.StatusBadRequest, "invalid 'since': "+err.Error())
		return
	}

	limit := 0
	if s := q.Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 0 {
			h.respondErr(w, r, http.StatusBadRequest, fmt.Sprintf("invalid 'limit': %q", s))
			return
		}
	}

	resp, err := h.svc.Pull(ctx, since, limit)
	if err != nil {
		h.requestLogger(r, syncErrors.OpPull).LogError(ctx, err, "pull failed")
		respondWithMappedError(w, r, err, "could not load changes", h.options)
		return
	}
	h.respond(w, r, http.StatusOK, resp)
}

func (h *Handler) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.respondErr(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := h.withTimeout(r)
	defer cancel()

	cp, err := h.svc.Checkpoint(ctx)
	if err != nil {
		h.requestLogger(r, syncErrors.OpCheckpoint).LogError(ctx, err, "checkpoint failed")
		respondWithMappedError(w, r, err, "could not read checkpoint", h.options)
		return
	}
	h.respond(w, r, http.StatusOK, synckit.CheckpointResponse{Checkpoint: cp})
}
