// Package storage defines the server-side persistence contracts: a Record
// Store holding the current version of each record and an append-only
// ChangeLog whose checkpoints strictly increase in append order.
package storage

import (
	"context"
	"errors"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

var (
	ErrStoreClosed = errors.New("store is closed")
	ErrNotFound    = errors.New("record not found")
)

// Record is the current state of one synchronized entity.
type Record struct {
	ID      string
	Version int64
	Doc     synckit.Doc
}

// RecordReader reads current record state.
type RecordReader interface {
	// Get returns the record, or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)
}

// Tx is one atomic unit of work. Everything written through it becomes
// visible together when the surrounding Update returns nil, and not at all
// otherwise.
type Tx interface {
	RecordReader

	// Put stores rec, replacing any previous state for rec.ID.
	Put(ctx context.Context, rec Record) error

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error

	// Append adds entry to the change log and returns the checkpoint
	// assigned to it. Any checkpoint set on entry is ignored.
	Append(ctx context.Context, entry synckit.ChangeLogEntry) (cursor.Checkpoint, error)
}

// ChangeLog reads the change log.
type ChangeLog interface {
	// List returns up to limit entries with checkpoint > since, ascending.
	List(ctx context.Context, since cursor.Checkpoint, limit int) ([]synckit.ChangeLogEntry, error)

	// Latest returns the highest checkpoint assigned so far, or zero.
	Latest(ctx context.Context) (cursor.Checkpoint, error)
}

// Store is a Record Store and ChangeLog sharing one transactional boundary.
//
// Update calls are serialized against each other, which makes the
// read-compare-write of a record atomic and keeps checkpoints visible in
// the order they were assigned.
type Store interface {
	RecordReader
	ChangeLog

	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
