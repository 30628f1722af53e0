package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/server"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// Server streams the change log of a Service.
type Server struct {
	svc    *server.Service
	logger *slog.Logger

	// BatchSize bounds the entries per event. Default 100.
	BatchSize int
	// KeepAlive is the idle interval between comment lines that keep
	// proxies from closing the stream. Default 15s.
	KeepAlive time.Duration
	// Poll is how often the log is re-read when the service has no
	// notifier. Default 2s.
	Poll time.Duration

	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates an SSE server over svc.
func NewServer(svc *server.Service, logger *slog.Logger) *Server {
	return &Server{
		svc:       svc,
		logger:    logging.Or(logger, logging.Component(component)),
		BatchSize: defaultBatchSize,
		KeepAlive: defaultKeepAlive,
		Poll:      defaultPoll,
		closing:   make(chan struct{}),
	}
}

// Close ends every open stream. Clients reconnect elsewhere or later.
// http.Server.Shutdown does not wait for it, so register Close with
// RegisterOnShutdown.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// startCheckpoint reads the resume point. Last-Event-ID wins over since.
func startCheckpoint(r *http.Request) (cursor.Checkpoint, error) {
	if id := strings.TrimSpace(r.Header.Get("Last-Event-ID")); id != "" {
		return cursor.Parse(id)
	}
	return cursor.Parse(r.URL.Query().Get("since"))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(synckit.ErrorResponse{Error: msg})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	cur, err := startCheckpoint(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Subscribe before the first read so no append slips between them.
	var wake <-chan cursor.Checkpoint
	if n := s.svc.Notifier(); n != nil {
		updates, unsubscribe := n.Subscribe()
		defer unsubscribe()
		wake = updates
	} else {
		poll := time.NewTicker(s.Poll)
		defer poll.Stop()
		ch := make(chan cursor.Checkpoint)
		go func() {
			for {
				select {
				case <-r.Context().Done():
					return
				case <-poll.C:
					select {
					case ch <- 0:
					case <-r.Context().Done():
						return
					}
				}
			}
		}()
		wake = ch
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	logger := s.logger.With(slog.String("since", cur.String()))
	logger.DebugContext(ctx, "change feed opened")

	keepAlive := time.NewTicker(s.KeepAlive)
	defer keepAlive.Stop()

	for {
		page, err := s.svc.Pull(ctx, cur, s.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				logging.Default().WithComponent(component).LogError(ctx, err, "change feed read failed")
			}
			return
		}
		if n := len(page.Items); n > 0 {
			data, err := json.Marshal(page)
			if err != nil {
				logger.ErrorContext(ctx, "cannot encode change feed page", slog.Any("error", err))
				return
			}
			cur = page.Items[n-1].Checkpoint
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", cur, EventChanges, data); err != nil {
				return
			}
			flusher.Flush()
			if n == s.BatchSize {
				// More may be waiting.
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case _, ok := <-wake:
			if !ok {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
