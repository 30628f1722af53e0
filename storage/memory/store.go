// Package memory provides an in-process storage.Store for tests and
// ephemeral servers.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// Store keeps records and the change log in maps and slices guarded by one
// lock. Update holds the write lock for the whole unit of work.
type Store struct {
	mu      sync.RWMutex
	closed  bool
	records map[string]storage.Record
	log     []synckit.ChangeLogEntry
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		records: make(map[string]storage.Record),
		now:     time.Now,
	}
}

func (s *Store) Get(ctx context.Context, id string) (storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.Record{}, storage.ErrStoreClosed
	}
	return s.get(id)
}

func (s *Store) get(id string) (storage.Record, error) {
	rec, ok := s.records[id]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	rec.Doc = rec.Doc.Clone()
	return rec, nil
}

func (s *Store) List(ctx context.Context, since cursor.Checkpoint, limit int) ([]synckit.ChangeLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	// Checkpoints are dense from 1, so the first entry after since sits at
	// index since.
	start := int(since)
	if start >= len(s.log) {
		return []synckit.ChangeLogEntry{}, nil
	}
	end := len(s.log)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]synckit.ChangeLogEntry, 0, end-start)
	for _, e := range s.log[start:end] {
		e.Doc = e.Doc.Clone()
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Latest(ctx context.Context) (cursor.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, storage.ErrStoreClosed
	}
	return cursor.Checkpoint(len(s.log)), nil
}

// Update runs fn against a staging transaction and applies its writes only
// when fn succeeds.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrStoreClosed
	}

	tx := &memTx{store: s, puts: map[string]*storage.Record{}}
	if err := fn(tx); err != nil {
		return err
	}
	for id, rec := range tx.puts {
		if rec == nil {
			delete(s.records, id)
			continue
		}
		s.records[id] = *rec
	}
	s.log = append(s.log, tx.appended...)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// memTx buffers writes. A nil entry in puts records a delete.
type memTx struct {
	store    *Store
	puts     map[string]*storage.Record
	appended []synckit.ChangeLogEntry
}

func (tx *memTx) Get(ctx context.Context, id string) (storage.Record, error) {
	if rec, ok := tx.puts[id]; ok {
		if rec == nil {
			return storage.Record{}, storage.ErrNotFound
		}
		out := *rec
		out.Doc = out.Doc.Clone()
		return out, nil
	}
	return tx.store.get(id)
}

func (tx *memTx) Put(ctx context.Context, rec storage.Record) error {
	rec.Doc = rec.Doc.Clone()
	tx.puts[rec.ID] = &rec
	return nil
}

func (tx *memTx) Delete(ctx context.Context, id string) error {
	tx.puts[id] = nil
	return nil
}

func (tx *memTx) Append(ctx context.Context, entry synckit.ChangeLogEntry) (cursor.Checkpoint, error) {
	entry.Checkpoint = cursor.Checkpoint(len(tx.store.log) + len(tx.appended) + 1)
	entry.Doc = entry.Doc.Clone()
	if entry.At.IsZero() {
		entry.At = tx.store.now().UTC()
	}
	tx.appended = append(tx.appended, entry)
	return entry.Checkpoint, nil
}
