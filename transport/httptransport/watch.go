package httptransport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// handleWatch upgrades to a websocket and streams {"checkpoint": n} every
// time the server's checkpoint moves. Slow readers skip intermediate values.
func (h *Handler) handleWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.respondErr(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	notifier := h.svc.Notifier()
	if notifier == nil {
		h.respondErr(w, r, http.StatusNotImplemented, "notifications are disabled")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	// The client never sends; CloseRead cancels ctx when it goes away.
	ctx := conn.CloseRead(r.Context())

	updates, unsubscribe := notifier.Subscribe()
	defer unsubscribe()

	h.logger.Debug("watcher connected", slog.Int("watchers", notifier.Subscribers()))
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case cp, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, h.options.WatchWriteTimeout)
			err := wsjson.Write(wctx, conn, synckit.CheckpointResponse{Checkpoint: cp})
			cancel()
			if err != nil {
				h.logger.Debug("watcher dropped", slog.Any("error", err))
				return
			}
		}
	}
}

// websocketURL turns the http(s) base URL into ws(s).
func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + synckit.PathWatch
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + synckit.PathWatch
	default:
		return base + synckit.PathWatch
	}
}

// Watch streams checkpoint notifications to fn until ctx is done or the
// connection fails. It returns nil only when ctx ends. Malformed messages
// end the stream with a protocol error.
func (c *Client) Watch(ctx context.Context, fn func(cursor.Checkpoint)) error {
	header := http.Header{}
	if err := c.authorize(ctx, header); err != nil {
		return syncErrors.NewAuthError(syncErrors.OpTransport, syncErrors.KindUnauthorized, err)
	}

	conn, resp, err := websocket.Dial(ctx, websocketURL(c.baseURL), &websocket.DialOptions{
		HTTPClient: c.http,
		HTTPHeader: header,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if resp != nil {
			return classifyStatus(syncErrors.OpTransport, resp.StatusCode, err.Error())
		}
		return syncErrors.NewNetworkError(syncErrors.OpTransport, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(4096)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return syncErrors.NewNetworkError(syncErrors.OpTransport, fmt.Errorf("watch: %w", err))
		}
		cp, err := synckit.DecodeCheckpointResponse(data)
		if err != nil {
			conn.Close(websocket.StatusUnsupportedData, "bad notification")
			return syncErrors.NewProtocolError(syncErrors.OpTransport, err)
		}
		fn(cp)
	}
}
