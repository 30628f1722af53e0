// Package filestore persists the client state as one JSON document of the
// form {"queue": [...], "checkpoint": n}. The file is rewritten atomically on
// every change and guarded by an exclusive lock file so two processes never
// share it.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	stdSync "sync"

	"github.com/gofrs/flock"

	"github.com/c0deZ3R0/go-offline-sync/client"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
)

const component = "client/filestore"

var (
	// ErrLocked is returned by Open when another process holds the file.
	ErrLocked = errors.New("state file is locked by another process")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("store is closed")
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements client.Store on a JSON file. State is held in memory
// and written through on every mutation.
type Store struct {
	path   string
	lock   *flock.Flock
	logger *slog.Logger

	mu     stdSync.Mutex
	mem    *client.MemoryStore
	closed bool
}

var _ client.Store = (*Store)(nil)

// Open locks path and loads it. A missing file starts empty.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Or(s.logger, logging.Component(component))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	s.lock = flock.New(path + ".lock")
	locked, err := s.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring state lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	st, err := load(path)
	if err != nil {
		_ = s.lock.Unlock()
		return nil, err
	}
	s.mem = client.NewMemoryStoreFrom(st)
	s.logger.Debug("state file loaded",
		slog.String("path", path),
		slog.Int("queued", len(st.Queue)),
		slog.String("checkpoint", st.Checkpoint.String()))
	return s, nil
}

func load(path string) (client.PersistedState, error) {
	var st client.PersistedState
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, syncErrors.WrapStorage(err, syncErrors.OpLoad, component)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&st); err != nil {
		return st, syncErrors.WrapStorage(fmt.Errorf("decode %s: %w", path, err), syncErrors.OpLoad, component)
	}
	for _, e := range append(st.Queue, st.Parked...) {
		if err := e.Validate(); err != nil {
			return st, syncErrors.WrapStorage(fmt.Errorf("%s: entry %s: %w", path, e.EntryID, err), syncErrors.OpLoad, component)
		}
	}
	return st, nil
}

// write replaces the file via a synced temp file and rename.
func write(path string, st client.PersistedState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) view(fn func(*client.MemoryStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return fn(s.mem)
}

// mutate applies fn and writes the result. A failed write rolls the
// in-memory state back so memory never runs ahead of disk.
func (s *Store) mutate(op syncErrors.Operation, fn func(*client.MemoryStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	prev := s.mem.Snapshot()
	if err := fn(s.mem); err != nil {
		return err
	}
	if err := write(s.path, s.mem.Snapshot()); err != nil {
		s.mem = client.NewMemoryStoreFrom(prev)
		s.logger.Error("cannot write state file", slog.String("path", s.path), slog.Any("error", err))
		return syncErrors.WrapStorage(err, op, component)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, entries ...client.Entry) error {
	return s.mutate(syncErrors.OpEnqueue, func(m *client.MemoryStore) error { return m.Append(ctx, entries...) })
}

func (s *Store) Peek(ctx context.Context, n int) (out []client.Entry, err error) {
	err = s.view(func(m *client.MemoryStore) error {
		out, err = m.Peek(ctx, n)
		return err
	})
	return out, err
}

func (s *Store) Remove(ctx context.Context, entryIDs ...string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	return s.mutate(syncErrors.OpAck, func(m *client.MemoryStore) error { return m.Remove(ctx, entryIDs...) })
}

func (s *Store) Replace(ctx context.Context, entryID string, replacement client.Entry) error {
	return s.mutate(syncErrors.OpConflictResolve, func(m *client.MemoryStore) error {
		return m.Replace(ctx, entryID, replacement)
	})
}

func (s *Store) Len(ctx context.Context) (n int, err error) {
	err = s.view(func(m *client.MemoryStore) error {
		n, err = m.Len(ctx)
		return err
	})
	return n, err
}

func (s *Store) Park(ctx context.Context, entryIDs ...string) error {
	return s.mutate(syncErrors.OpStore, func(m *client.MemoryStore) error { return m.Park(ctx, entryIDs...) })
}

func (s *Store) Parked(ctx context.Context) (out []client.Entry, err error) {
	err = s.view(func(m *client.MemoryStore) error {
		out, err = m.Parked(ctx)
		return err
	})
	return out, err
}

func (s *Store) Requeue(ctx context.Context, entries ...client.Entry) error {
	return s.mutate(syncErrors.OpEnqueue, func(m *client.MemoryStore) error { return m.Requeue(ctx, entries...) })
}

func (s *Store) LoadCheckpoint(ctx context.Context) (cp cursor.Checkpoint, err error) {
	err = s.view(func(m *client.MemoryStore) error {
		cp, err = m.LoadCheckpoint(ctx)
		return err
	})
	return cp, err
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp cursor.Checkpoint) error {
	return s.mutate(syncErrors.OpStore, func(m *client.MemoryStore) error { return m.SaveCheckpoint(ctx, cp) })
}

func (s *Store) GetRecord(ctx context.Context, id string) (rec client.Record, ok bool, err error) {
	err = s.view(func(m *client.MemoryStore) error {
		rec, ok, err = m.GetRecord(ctx, id)
		return err
	})
	return rec, ok, err
}

func (s *Store) PutRecord(ctx context.Context, rec client.Record) error {
	return s.mutate(syncErrors.OpStore, func(m *client.MemoryStore) error { return m.PutRecord(ctx, rec) })
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	return s.mutate(syncErrors.OpStore, func(m *client.MemoryStore) error { return m.DeleteRecord(ctx, id) })
}

func (s *Store) ListRecords(ctx context.Context) (out []client.Record, err error) {
	err = s.view(func(m *client.MemoryStore) error {
		out, err = m.ListRecords(ctx)
		return err
	})
	return out, err
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Close releases the lock. The file already holds the latest state.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return syncErrors.WrapStorage(s.lock.Unlock(), syncErrors.OpClose, component)
}
