package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithCap bounds the queue. When an enqueue pushes it past n entries the
// oldest ones are parked for manual resolution. Zero means unbounded.
func WithCap(n int) QueueOption {
	return func(q *Queue) { q.cap = n }
}

// WithParkHandler is called with entries the cap just parked.
func WithParkHandler(fn func([]Entry)) QueueOption {
	return func(q *Queue) { q.onPark = fn }
}

// WithQueueClock overrides time.Now for entry timestamps.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// WithQueueLogger sets the logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// Queue is the Client Pending Queue: an ordered, durable list of changes
// the server has not acknowledged yet. Entries leave only through Ack or
// Replace, so a crash between dequeue and ack re-sends instead of losing.
type Queue struct {
	store    QueueStore
	clientID string
	cap      int
	onPark   func([]Entry)
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	last   int64
	closed bool
	// inflight holds the entry ids of the batch a flush is sending. The cap
	// never parks them.
	inflight map[string]bool
}

// NewQueue opens a queue over store for the given origin client id. The
// timestamp sequence resumes after the newest stored entry.
func NewQueue(ctx context.Context, store QueueStore, clientID string, opts ...QueueOption) (*Queue, error) {
	if clientID == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpLoad, fmt.Errorf("client id is required"))
	}
	q := &Queue{store: store, clientID: clientID, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = logging.Or(q.logger, logging.Component("queue"))

	queued, err := store.Peek(ctx, 0)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	parked, err := store.Parked(ctx)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	for _, e := range append(queued, parked...) {
		q.last = max(q.last, e.Timestamp)
	}
	return q, nil
}

// ClientID returns the origin id stamped on every change.
func (q *Queue) ClientID() string {
	return q.clientID
}

// nextTimestamp returns a strictly increasing value in Unix microseconds.
// Callers hold q.mu.
func (q *Queue) nextTimestamp() int64 {
	ts := max(q.now().UnixMicro(), q.last+1)
	q.last = ts
	return ts
}

func (q *Queue) newEntry(c synckit.Change) Entry {
	c.OriginClientID = q.clientID
	c.Timestamp = q.nextTimestamp()
	return Entry{EntryID: uuid.NewString(), Change: c}
}

// EnqueueUpsert queues an upsert of doc's fields at the proposed version.
// A storage failure is returned; the mutation is then not queued.
func (q *Queue) EnqueueUpsert(ctx context.Context, id string, doc synckit.Doc, version int64) (Entry, error) {
	return q.enqueue(ctx, synckit.Change{ID: id, Type: synckit.ChangeUpsert, Doc: doc.Clone(), Version: version})
}

// EnqueueDelete queues a delete. version is the last version the client
// saw; the server does not check it.
func (q *Queue) EnqueueDelete(ctx context.Context, id string, version int64) (Entry, error) {
	return q.enqueue(ctx, synckit.Change{ID: id, Type: synckit.ChangeDelete, Version: version})
}

func (q *Queue) enqueue(ctx context.Context, c synckit.Change) (Entry, error) {
	e, parked, err := q.append(ctx, c)
	if err != nil {
		return Entry{}, err
	}
	if len(parked) > 0 && q.onPark != nil {
		q.onPark(parked)
	}
	return e, nil
}

func (q *Queue) append(ctx context.Context, c synckit.Change) (Entry, []Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Entry{}, nil, ErrQueueClosed
	}

	e := q.newEntry(c)
	if err := e.Validate(); err != nil {
		return Entry{}, nil, syncErrors.NewValidationError(syncErrors.OpEnqueue, err)
	}
	if err := q.store.Append(ctx, e); err != nil {
		return Entry{}, nil, syncErrors.NewStorageError(syncErrors.OpEnqueue, err).WithMetadata("id", c.ID)
	}
	parked, err := q.enforceCap(ctx)
	if err != nil {
		// The entry itself is durable; only parking failed.
		q.logger.WarnContext(ctx, "cannot park overflow", slog.Any("error", err))
	}
	return e, parked, nil
}

// enforceCap parks the oldest entries above the cap, skipping any that are
// in flight. Callers hold q.mu.
func (q *Queue) enforceCap(ctx context.Context) ([]Entry, error) {
	if q.cap <= 0 {
		return nil, nil
	}
	n, err := q.store.Len(ctx)
	if err != nil || n <= q.cap {
		return nil, err
	}
	all, err := q.store.Peek(ctx, 0)
	if err != nil {
		return nil, err
	}
	var (
		overflow []Entry
		ids      []string
	)
	for _, e := range all {
		if len(overflow) == n-q.cap {
			break
		}
		if q.inflight[e.EntryID] {
			continue
		}
		overflow = append(overflow, e)
		ids = append(ids, e.EntryID)
	}
	if len(overflow) == 0 {
		return nil, nil
	}
	if err := q.store.Park(ctx, ids...); err != nil {
		return nil, err
	}
	q.logger.WarnContext(ctx, "queue cap reached, parked oldest entries",
		slog.Int("parked", len(overflow)), slog.Int("cap", q.cap))
	return overflow, nil
}

// DequeueBatch returns up to maxSize of the oldest entries. They stay
// queued until acknowledged and are marked in flight until Release, so the
// cap cannot park a change the server may already have accepted.
func (q *Queue) DequeueBatch(ctx context.Context, maxSize int) ([]Entry, error) {
	if maxSize <= 0 {
		return nil, syncErrors.NewValidationError(syncErrors.OpLoad, fmt.Errorf("batch size must be positive, got %d", maxSize))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.store.Peek(ctx, maxSize)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	q.inflight = make(map[string]bool, len(entries))
	for _, e := range entries {
		q.inflight[e.EntryID] = true
	}
	return entries, nil
}

// Release ends the in-flight marking of the last batch.
func (q *Queue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight = nil
}

// Snapshot returns every queued entry, oldest first.
func (q *Queue) Snapshot(ctx context.Context) ([]Entry, error) {
	entries, err := q.store.Peek(ctx, 0)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	return entries, nil
}

// Ack permanently removes confirmed entries.
func (q *Queue) Ack(ctx context.Context, entryIDs ...string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	if err := q.store.Remove(ctx, entryIDs...); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpAck, err)
	}
	return nil
}

// Replace swaps entryID for a new entry carrying c at the back of the queue.
func (q *Queue) Replace(ctx context.Context, entryID string, c synckit.Change) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.newEntry(c)
	if err := q.store.Replace(ctx, entryID, e); err != nil {
		return Entry{}, syncErrors.NewStorageError(syncErrors.OpConflictResolve, err).WithMetadata("entry", entryID)
	}
	return e, nil
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.store.Len(ctx)
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	return n, nil
}

// Parked returns entries that overflowed the cap.
func (q *Queue) Parked(ctx context.Context) ([]Entry, error) {
	entries, err := q.store.Parked(ctx)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	return entries, nil
}

// Requeue moves parked entries back to the end of the queue with fresh
// timestamps. Unknown ids are ignored. The cap is not re-applied.
func (q *Queue) Requeue(ctx context.Context, entryIDs ...string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	parked, err := q.store.Parked(ctx)
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpEnqueue, err)
	}
	var moved []Entry
	for _, e := range parked {
		for _, id := range entryIDs {
			if e.EntryID == id {
				e.Timestamp = q.nextTimestamp()
				moved = append(moved, e)
				break
			}
		}
	}
	if len(moved) == 0 {
		return 0, nil
	}
	if err := q.store.Requeue(ctx, moved...); err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpEnqueue, err)
	}
	return len(moved), nil
}

// Close rejects further enqueues. Stored entries are kept.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
