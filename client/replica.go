package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// ReplicaConfig wires a Replica. Queue, Cursors and Local may be the same
// store value.
type ReplicaConfig struct {
	ClientID  string
	Queue     QueueStore
	Cursors   CursorStore
	Local     LocalStore
	Transport Transport

	// QueueCap parks the oldest pending changes beyond this many. Zero
	// means unbounded.
	QueueCap int
	Options  Options
	// Clock overrides time.Now for change timestamps.
	Clock func() time.Time
}

// Replica is the application-facing side of the client: local writes are
// applied to the read model at once and queued for the driver.
type Replica struct {
	queue  *Queue
	local  LocalStore
	driver *Driver
}

// NewReplica opens the queue and builds the driver.
func NewReplica(ctx context.Context, cfg ReplicaConfig) (*Replica, error) {
	if cfg.Queue == nil || cfg.Cursors == nil || cfg.Local == nil {
		return nil, fmt.Errorf("queue, cursor and local stores are required")
	}

	r := &Replica{local: cfg.Local}
	qopts := []QueueOption{
		WithCap(cfg.QueueCap),
		WithParkHandler(func(entries []Entry) {
			if r.driver != nil {
				r.driver.ReportParked(entries)
			}
		}),
	}
	if cfg.Clock != nil {
		qopts = append(qopts, WithQueueClock(cfg.Clock))
	}
	if cfg.Options.Logger != nil {
		qopts = append(qopts, WithQueueLogger(cfg.Options.Logger))
	}

	queue, err := NewQueue(ctx, cfg.Queue, cfg.ClientID, qopts...)
	if err != nil {
		return nil, err
	}
	driver, err := NewDriver(queue, cfg.Cursors, cfg.Local, cfg.Transport, cfg.Options)
	if err != nil {
		return nil, err
	}
	r.queue = queue
	r.driver = driver
	return r, nil
}

// Driver returns the sync driver.
func (r *Replica) Driver() *Driver { return r.driver }

// Queue returns the pending queue.
func (r *Replica) Queue() *Queue { return r.queue }

// base reads the local record and the highest version already queued for
// id. Callers hold the driver's local-model lock.
func (r *Replica) base(ctx context.Context, id string) (Record, int64, error) {
	cur, _, err := r.local.GetRecord(ctx, id)
	if err != nil {
		return Record{}, 0, syncErrors.NewStorageError(syncErrors.OpLoad, err).WithMetadata("id", id)
	}
	pending, err := r.queue.Snapshot(ctx)
	if err != nil {
		return Record{}, 0, err
	}
	version := cur.Version
	for _, e := range pending {
		if e.ID == id {
			version = max(version, e.Version)
		}
	}
	return cur, version, nil
}

// Put merges doc's fields into record id. The change is queued first; the
// local model only changes once the change is durable. The proposed version
// is one past both the local record and any change still queued for id.
func (r *Replica) Put(ctx context.Context, id string, doc synckit.Doc) (Entry, error) {
	r.driver.localMu.Lock()
	defer r.driver.localMu.Unlock()

	cur, version, err := r.base(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	e, err := r.queue.EnqueueUpsert(ctx, id, doc, version+1)
	if err != nil {
		return Entry{}, err
	}
	rec := Record{ID: id, Version: e.Version, Doc: e.Doc.MergeOver(cur.Doc)}
	if err := r.local.PutRecord(ctx, rec); err != nil {
		return e, syncErrors.NewStorageError(syncErrors.OpStore, err).WithMetadata("id", id)
	}
	r.driver.Trigger()
	return e, nil
}

// Delete queues a delete of id and removes it locally.
func (r *Replica) Delete(ctx context.Context, id string) (Entry, error) {
	r.driver.localMu.Lock()
	defer r.driver.localMu.Unlock()

	_, version, err := r.base(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	e, err := r.queue.EnqueueDelete(ctx, id, version)
	if err != nil {
		return Entry{}, err
	}
	if err := r.local.DeleteRecord(ctx, id); err != nil {
		return e, syncErrors.NewStorageError(syncErrors.OpStore, err).WithMetadata("id", id)
	}
	r.driver.Trigger()
	return e, nil
}

// Get returns the local view of id.
func (r *Replica) Get(ctx context.Context, id string) (Record, bool, error) {
	return r.local.GetRecord(ctx, id)
}

// List returns every local record.
func (r *Replica) List(ctx context.Context) ([]Record, error) {
	return r.local.ListRecords(ctx)
}

// Requeue moves parked entries back into the queue and asks for a sync.
func (r *Replica) Requeue(ctx context.Context, entryIDs ...string) (int, error) {
	n, err := r.queue.Requeue(ctx, entryIDs...)
	if err != nil {
		return n, err
	}
	if n > 0 {
		r.driver.Trigger()
	}
	return n, nil
}

// Close stops the driver and closes the queue.
func (r *Replica) Close() error {
	if err := r.driver.Close(); err != nil {
		r.driver.logger.Warn("closing replica", slog.Any("error", err))
		return err
	}
	return nil
}
