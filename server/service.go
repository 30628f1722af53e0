// Package server implements the Server Sync Service: it applies pushed
// changes against the Record Store with optimistic concurrency, appends
// accepted changes to the ChangeLog and serves pulls from it.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

const component = "server"

// Options tunes a Service.
type Options struct {
	// DefaultPullLimit applies when a pull names no limit. Default 100.
	DefaultPullLimit int
	// MaxPullLimit caps any pull. Default 1000.
	MaxPullLimit int
	// MaxPushBatch rejects larger pushes outright. Zero means unbounded.
	MaxPushBatch int
}

// DefaultOptions returns the wire defaults.
func DefaultOptions() Options {
	return Options{
		DefaultPullLimit: synckit.DefaultPullLimit,
		MaxPullLimit:     synckit.MaxPullLimit,
		MaxPushBatch:     500,
	}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithConflictDetector replaces the version check.
func WithConflictDetector(d ConflictDetector) Option {
	return func(s *Service) { s.detector = d }
}

// WithNotifier publishes the checkpoint after every push that appended.
func WithNotifier(n *Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithOptions sets limits.
func WithOptions(o Options) Option {
	return func(s *Service) { s.opts = o }
}

// WithClock overrides time.Now for change log timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the server side of the sync protocol.
type Service struct {
	store    storage.Store
	detector ConflictDetector
	notifier *Notifier
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
}

// New builds a Service over store.
func New(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		detector: VersionDetector{},
		opts:     DefaultOptions(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Or(s.logger, logging.Component(component))
	if s.opts.DefaultPullLimit <= 0 {
		s.opts.DefaultPullLimit = synckit.DefaultPullLimit
	}
	if s.opts.MaxPullLimit <= 0 {
		s.opts.MaxPullLimit = synckit.MaxPullLimit
	}
	return s
}

// Notifier returns the notifier, or nil.
func (s *Service) Notifier() *Notifier {
	return s.notifier
}

// Push applies changes in order, each in its own transaction.
//
// A storage fault stops the batch. The response then holds the results of
// the changes processed before the fault, which stay committed, and the
// fault is returned alongside it.
func (s *Service) Push(ctx context.Context, changes []synckit.Change) (*synckit.PushResponse, error) {
	req := synckit.PushRequest{Changes: changes}
	if err := req.Validate(s.opts.MaxPushBatch); err != nil {
		return nil, errors.NewValidationError(errors.OpPush, err)
	}

	resp := &synckit.PushResponse{Results: make([]synckit.Result, 0, len(changes))}
	var (
		accepted  int
		conflicts int
		high      cursor.Checkpoint
		fault     error
	)
	for i, c := range changes {
		res, err := s.apply(ctx, c)
		if err != nil {
			fault = errors.NewStorageError(errors.OpPush, err).
				WithMetadata("index", i).
				WithMetadata("id", c.ID)
			break
		}
		switch res.Status {
		case synckit.StatusOK:
			accepted++
			high = high.Advance(res.Checkpoint)
		case synckit.StatusConflict:
			conflicts++
		}
		resp.Results = append(resp.Results, res)
	}

	latest, err := s.store.Latest(ctx)
	if err != nil {
		latest = high
		if fault == nil {
			fault = errors.WrapStorage(err, errors.OpCheckpoint, component)
		}
	}
	resp.Checkpoint = latest

	if high > 0 && s.notifier != nil {
		s.notifier.Publish(high.Advance(latest))
	}

	logger := &logging.Logger{Logger: s.logger.With(
		slog.Int("changes", len(changes)),
		slog.Int("accepted", accepted),
		slog.Int("conflicts", conflicts),
		slog.String("checkpoint", resp.Checkpoint.String()),
	)}
	if fault != nil {
		resp.Truncated = true
		resp.Error = fault.Error()
		logger.LogError(ctx, fault, "push aborted", slog.Int("applied", len(resp.Results)))
		return resp, fault
	}
	logger.DebugContext(ctx, "push applied")
	return resp, nil
}

// apply runs one change as one atomic unit.
func (s *Service) apply(ctx context.Context, c synckit.Change) (synckit.Result, error) {
	res := synckit.Result{ID: c.ID}
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		// Reset in case the backend retries the unit.
		res = synckit.Result{ID: c.ID}

		var stored *storage.Record
		rec, err := tx.Get(ctx, c.ID)
		switch {
		case err == nil:
			stored = &rec
		case errors.Is(err, storage.ErrNotFound):
		default:
			return err
		}

		if s.detector.Conflicts(c, stored) {
			res.Status = synckit.StatusConflict
			res.LatestVersion = stored.Version
			res.LatestDoc = stored.Doc
			return nil
		}

		entry := synckit.ChangeLogEntry{
			ID:             c.ID,
			Type:           c.Type,
			OriginClientID: c.OriginClientID,
			At:             s.now().UTC(),
		}

		switch c.Type {
		case synckit.ChangeDelete:
			res.Status = synckit.StatusOK
			if stored == nil {
				// Already gone: nothing to log.
				return nil
			}
			if err := tx.Delete(ctx, c.ID); err != nil {
				return err
			}
			entry.Version = stored.Version

		case synckit.ChangeUpsert:
			var base synckit.Doc
			if stored != nil {
				base = stored.Doc
			}
			doc := c.Doc.MergeOver(base)
			if err := tx.Put(ctx, storage.Record{ID: c.ID, Version: c.Version, Doc: doc}); err != nil {
				return err
			}
			entry.Version = c.Version
			entry.Doc = doc
			res.Status = synckit.StatusOK

		default:
			return fmt.Errorf("unknown change type %q", c.Type)
		}

		cp, err := tx.Append(ctx, entry)
		if err != nil {
			return err
		}
		res.Checkpoint = cp
		return nil
	})
	if err != nil {
		return synckit.Result{}, err
	}
	return res, nil
}

// Pull returns up to limit change log entries after since, ascending.
func (s *Service) Pull(ctx context.Context, since cursor.Checkpoint, limit int) (*synckit.PullResponse, error) {
	if since < 0 {
		return nil, errors.NewValidationError(errors.OpPull, fmt.Errorf("since must not be negative, got %d", since))
	}
	limit = synckit.ClampLimit(limit, s.opts.DefaultPullLimit, s.opts.MaxPullLimit)

	items, err := s.store.List(ctx, since, limit)
	if err != nil {
		return nil, errors.WrapStorage(err, errors.OpPull, component)
	}
	if items == nil {
		items = []synckit.ChangeLogEntry{}
	}
	s.logger.DebugContext(ctx, "pull served",
		slog.String("since", since.String()),
		slog.Int("limit", limit),
		slog.Int("items", len(items)),
	)
	return &synckit.PullResponse{Items: items}, nil
}

// Checkpoint returns the latest assigned checkpoint.
func (s *Service) Checkpoint(ctx context.Context) (cursor.Checkpoint, error) {
	cp, err := s.store.Latest(ctx)
	if err != nil {
		return 0, errors.WrapStorage(err, errors.OpCheckpoint, component)
	}
	return cp, nil
}

// Announce publishes cp to the notifier. Zero means "unknown" and triggers a
// fresh read of the latest checkpoint. Used to relay appends made by other
// server instances.
func (s *Service) Announce(ctx context.Context, cp cursor.Checkpoint) {
	if s.notifier == nil {
		return
	}
	if cp == cursor.Zero {
		latest, err := s.Checkpoint(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "cannot refresh checkpoint", slog.Any("error", err))
			return
		}
		cp = latest
	}
	s.notifier.Publish(cp)
}
