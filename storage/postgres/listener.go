package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/logging"
)

// CheckpointHandler receives every checkpoint announced on NotifyChannel.
type CheckpointHandler func(cursor.Checkpoint)

// CheckpointListener follows NotifyChannel so a server instance learns about
// appends committed by its peers.
type CheckpointListener struct {
	listener *pq.Listener
	handler  CheckpointHandler
	logger   *slog.Logger
	closed   int32 // atomic
	done     chan struct{}

	pingInterval time.Duration
}

// NewCheckpointListener connects a pq.Listener and subscribes it to
// NotifyChannel.
func NewCheckpointListener(connectionString string, handler CheckpointHandler, logger *slog.Logger) (*CheckpointListener, error) {
	if connectionString == "" {
		return nil, ErrInvalidConnection
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	cl := &CheckpointListener{
		handler:      handler,
		logger:       logging.Or(logger, logging.Component("postgres-listener")),
		done:         make(chan struct{}),
		pingInterval: 90 * time.Second,
	}
	cl.listener = pq.NewListener(connectionString, time.Second, time.Minute, cl.eventCallback)
	if err := cl.listener.Listen(NotifyChannel); err != nil {
		cl.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	return cl, nil
}

func (cl *CheckpointListener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		cl.logger.Debug("connected for LISTEN/NOTIFY")
	case pq.ListenerEventDisconnected:
		cl.logger.Warn("disconnected from PostgreSQL", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		// Notifications sent while disconnected are lost. Run reports the
		// gap to the handler as a zero checkpoint.
		cl.logger.Info("reconnected to PostgreSQL")
	case pq.ListenerEventConnectionAttemptFailed:
		cl.logger.Warn("connection attempt failed", slog.Any("error", err))
	}
}

// Run delivers notifications until ctx is done or Close is called.
func (cl *CheckpointListener) Run(ctx context.Context) {
	ticker := time.NewTicker(cl.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cl.done:
			return
		case n := <-cl.listener.Notify:
			cl.handle(n)
		case <-ticker.C:
			go func() {
				if err := cl.listener.Ping(); err != nil {
					cl.logger.Warn("ping failed", slog.Any("error", err))
				}
			}()
		}
	}
}

// handle parses one notification. A nil notification means the connection
// was re-established and some may have been missed; the handler gets zero
// and should re-read the latest checkpoint itself.
func (cl *CheckpointListener) handle(n *pq.Notification) {
	if n == nil {
		cl.handler(cursor.Zero)
		return
	}
	v, err := strconv.ParseInt(n.Extra, 10, 64)
	if err != nil {
		cl.logger.Warn("ignoring malformed notification", slog.String("payload", n.Extra))
		return
	}
	cl.handler(cursor.Checkpoint(v))
}

// Close stops Run and releases the connection.
func (cl *CheckpointListener) Close() error {
	if !atomic.CompareAndSwapInt32(&cl.closed, 0, 1) {
		return nil
	}
	close(cl.done)
	return cl.listener.Close()
}
