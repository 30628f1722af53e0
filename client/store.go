package client

import (
	"context"
	"errors"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

var (
	// ErrQueueClosed is returned by queue operations after Close.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrEntryNotFound is returned when an entry id is not in the queue.
	ErrEntryNotFound = errors.New("queue entry not found")
)

// Entry is one pending change. EntryID identifies the queue slot, Change.ID
// the record; several entries may target the same record.
type Entry struct {
	EntryID string `json:"entryId"`
	synckit.Change
}

// Record is a document in the local read model.
type Record struct {
	ID      string      `json:"id"`
	Version int64       `json:"version"`
	Doc     synckit.Doc `json:"doc"`
}

// QueueStore persists the pending queue. Entries are ordered by
// Change.Timestamp, oldest first. Parked entries sit outside the queue until
// they are requeued.
type QueueStore interface {
	// Append adds entries at the back of the queue.
	Append(ctx context.Context, entries ...Entry) error
	// Peek returns up to n of the oldest entries without removing them.
	// n <= 0 returns all of them.
	Peek(ctx context.Context, n int) ([]Entry, error)
	// Remove deletes entries from the queue or the parked set. Unknown ids
	// are ignored.
	Remove(ctx context.Context, entryIDs ...string) error
	// Replace atomically removes entryID, queued or parked, and appends
	// replacement to the queue.
	Replace(ctx context.Context, entryID string, replacement Entry) error
	// Len returns the number of queued entries, parked ones excluded.
	Len(ctx context.Context) (int, error)

	// Park moves entries from the queue to the parked set.
	Park(ctx context.Context, entryIDs ...string) error
	// Parked returns parked entries, oldest first.
	Parked(ctx context.Context) ([]Entry, error)
	// Requeue removes entries from the parked set and appends them, as
	// given, to the queue.
	Requeue(ctx context.Context, entries ...Entry) error
}

// CursorStore persists the pull checkpoint.
type CursorStore interface {
	LoadCheckpoint(ctx context.Context) (cursor.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp cursor.Checkpoint) error
}

// LocalStore is the local read model the driver merges pulled changes into.
type LocalStore interface {
	GetRecord(ctx context.Context, id string) (Record, bool, error)
	PutRecord(ctx context.Context, rec Record) error
	DeleteRecord(ctx context.Context, id string) error
	ListRecords(ctx context.Context) ([]Record, error)
}

// Store is a complete durable client store.
type Store interface {
	QueueStore
	CursorStore
	LocalStore
}

// PersistedState is the full durable client state.
type PersistedState struct {
	Queue      []Entry           `json:"queue"`
	Parked     []Entry           `json:"parked,omitempty"`
	Checkpoint cursor.Checkpoint `json:"checkpoint"`
	Records    []Record          `json:"records,omitempty"`
}
