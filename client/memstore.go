package client

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
)

// MemoryStore keeps the whole client state in memory. It implements
// QueueStore, CursorStore and LocalStore.
type MemoryStore struct {
	mu         sync.RWMutex
	queue      []Entry
	parked     []Entry
	checkpoint cursor.Checkpoint
	records    map[string]Record
}

var (
	_ QueueStore  = (*MemoryStore)(nil)
	_ CursorStore = (*MemoryStore)(nil)
	_ LocalStore  = (*MemoryStore)(nil)
	_ Store       = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// NewMemoryStoreFrom restores a store from a snapshot.
func NewMemoryStoreFrom(st PersistedState) *MemoryStore {
	m := NewMemoryStore()
	m.queue = cloneEntries(st.Queue)
	m.parked = cloneEntries(st.Parked)
	m.checkpoint = st.Checkpoint
	for _, r := range st.Records {
		r.Doc = r.Doc.Clone()
		m.records[r.ID] = r
	}
	return m
}

// Snapshot returns a deep copy of the state. Records are sorted by id.
func (m *MemoryStore) Snapshot() PersistedState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := PersistedState{
		Queue:      cloneEntries(m.queue),
		Parked:     cloneEntries(m.parked),
		Checkpoint: m.checkpoint,
		Records:    make([]Record, 0, len(m.records)),
	}
	if st.Queue == nil {
		st.Queue = []Entry{}
	}
	for _, r := range m.records {
		r.Doc = r.Doc.Clone()
		st.Records = append(st.Records, r)
	}
	sort.Slice(st.Records, func(i, j int) bool { return st.Records[i].ID < st.Records[j].ID })
	return st
}

func cloneEntries(in []Entry) []Entry {
	if in == nil {
		return nil
	}
	out := make([]Entry, len(in))
	for i, e := range in {
		e.Doc = e.Doc.Clone()
		out[i] = e
	}
	return out
}

func (m *MemoryStore) Append(ctx context.Context, entries ...Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, cloneEntries(entries)...)
	return nil
}

func (m *MemoryStore) Peek(ctx context.Context, n int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.queue) {
		n = len(m.queue)
	}
	return cloneEntries(m.queue[:n]), nil
}

func without(entries []Entry, ids []string) (kept, removed []Entry) {
	for _, e := range entries {
		if slices.Contains(ids, e.EntryID) {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	return kept, removed
}

func (m *MemoryStore) Remove(ctx context.Context, entryIDs ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue, _ = without(m.queue, entryIDs)
	m.parked, _ = without(m.parked, entryIDs)
	return nil
}

func (m *MemoryStore) Replace(ctx context.Context, entryID string, replacement Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept, removed := without(m.queue, []string{entryID})
	if len(removed) == 0 {
		parked, unparked := without(m.parked, []string{entryID})
		if len(unparked) == 0 {
			return ErrEntryNotFound
		}
		m.parked = parked
	}
	m.queue = append(kept, cloneEntries([]Entry{replacement})...)
	return nil
}

func (m *MemoryStore) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queue), nil
}

func (m *MemoryStore) Park(ctx context.Context, entryIDs ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept, moved := without(m.queue, entryIDs)
	m.queue = kept
	m.parked = append(m.parked, moved...)
	return nil
}

func (m *MemoryStore) Parked(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneEntries(m.parked), nil
}

func (m *MemoryStore) Requeue(ctx context.Context, entries ...Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.EntryID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parked, _ = without(m.parked, ids)
	m.queue = append(m.queue, cloneEntries(entries)...)
	return nil
}

func (m *MemoryStore) LoadCheckpoint(ctx context.Context) (cursor.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoint, nil
}

func (m *MemoryStore) SaveCheckpoint(ctx context.Context, cp cursor.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint = cp
	return nil
}

func (m *MemoryStore) GetRecord(ctx context.Context, id string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	r.Doc = r.Doc.Clone()
	return r, ok, nil
}

func (m *MemoryStore) PutRecord(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Doc = rec.Doc.Clone()
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryStore) DeleteRecord(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) ListRecords(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Snapshot().Records, nil
}
