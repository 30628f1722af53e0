package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// frozenClock always returns the same instant so ordering relies on the
// queue's own sequence.
func frozenClock() func() time.Time {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return at }
}

func newTestQueue(t *testing.T, store QueueStore, opts ...QueueOption) *Queue {
	t.Helper()
	opts = append([]QueueOption{WithQueueClock(frozenClock()), WithQueueLogger(logging.Discard())}, opts...)
	q, err := NewQueue(context.Background(), store, "client-1", opts...)
	require.NoError(t, err)
	return q
}

func TestQueueEnqueueStampsChanges(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, NewMemoryStore())

	a, err := q.EnqueueUpsert(ctx, "a", synckit.Doc{"title": "x"}, 1)
	require.NoError(t, err)
	b, err := q.EnqueueDelete(ctx, "b", 3)
	require.NoError(t, err)

	assert.NotEmpty(t, a.EntryID)
	assert.NotEqual(t, a.EntryID, b.EntryID)
	assert.Equal(t, "client-1", a.OriginClientID)
	assert.Equal(t, synckit.ChangeDelete, b.Type)
	assert.Greater(t, b.Timestamp, a.Timestamp, "timestamps increase even with a frozen clock")

	batch, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].ID)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "dequeue does not remove")

	require.NoError(t, q.Ack(ctx, a.EntryID))
	rest, err := q.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, b.EntryID, rest[0].EntryID)
}

func TestQueueEnqueueCopiesDoc(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, NewMemoryStore())

	doc := synckit.Doc{"title": "x"}
	_, err := q.EnqueueUpsert(ctx, "a", doc, 1)
	require.NoError(t, err)
	doc["title"] = "mutated"

	batch, err := q.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "x", batch[0].Doc["title"])
}

func TestQueueRejectsInvalidChanges(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, NewMemoryStore())

	_, err := q.EnqueueUpsert(ctx, "", synckit.Doc{"a": 1}, 1)
	assert.Equal(t, syncErrors.ErrCodeValidationFailure, syncErrors.CodeOf(err))

	_, err = q.EnqueueUpsert(ctx, "a", synckit.Doc{"a": 1}, 0)
	assert.Error(t, err)

	_, err = q.DequeueBatch(ctx, 0)
	assert.Error(t, err)
}

func TestQueueResumesTimestamps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	q := newTestQueue(t, store)
	first, err := q.EnqueueUpsert(ctx, "a", synckit.Doc{"n": 1}, 1)
	require.NoError(t, err)
	second, err := q.EnqueueUpsert(ctx, "a", synckit.Doc{"n": 2}, 2)
	require.NoError(t, err)
	require.Greater(t, second.Timestamp, first.Timestamp)

	reopened := newTestQueue(t, store)
	third, err := reopened.EnqueueUpsert(ctx, "a", synckit.Doc{"n": 3}, 3)
	require.NoError(t, err)
	assert.Greater(t, third.Timestamp, second.Timestamp)
}

func TestQueueCapParksOldest(t *testing.T) {
	ctx := context.Background()
	var parked []Entry
	q := newTestQueue(t, NewMemoryStore(),
		WithCap(2),
		WithParkHandler(func(e []Entry) { parked = append(parked, e...) }),
	)

	var ids []string
	for i := 1; i <= 3; i++ {
		e, err := q.EnqueueUpsert(ctx, "a", synckit.Doc{"n": i}, int64(i))
		require.NoError(t, err)
		ids = append(ids, e.EntryID)
	}

	require.Len(t, parked, 1)
	assert.Equal(t, ids[0], parked[0].EntryID)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stored, err := q.Parked(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	moved, err := q.Requeue(ctx, ids[0], "unknown")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	all, err := q.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[0], all[2].EntryID, "requeued entries go to the back")
	assert.Greater(t, all[2].Timestamp, all[1].Timestamp)

	stored, err = q.Parked(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestQueueCapSkipsInFlightBatch(t *testing.T) {
	ctx := context.Background()
	var parked []Entry
	q := newTestQueue(t, NewMemoryStore(),
		WithCap(1),
		WithParkHandler(func(e []Entry) { parked = append(parked, e...) }),
	)

	a, err := q.EnqueueUpsert(ctx, "a", synckit.Doc{"n": 1}, 1)
	require.NoError(t, err)
	batch, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// An edit made while a is being pushed overflows the cap; a stays.
	b, err := q.EnqueueUpsert(ctx, "b", synckit.Doc{"n": 2}, 1)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, b.EntryID, parked[0].EntryID)

	require.NoError(t, q.Ack(ctx, a.EntryID))
	q.Release()

	rest, err := q.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, rest)
	stored, err := q.Parked(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, b.EntryID, stored[0].EntryID)

	// Once released, the cap parks the oldest entry again.
	_, err = q.Requeue(ctx, b.EntryID)
	require.NoError(t, err)
	_, err = q.EnqueueUpsert(ctx, "c", synckit.Doc{"n": 3}, 1)
	require.NoError(t, err)
	require.Len(t, parked, 2)
	assert.Equal(t, b.EntryID, parked[1].EntryID)
}

func TestQueueAckSettlesParkedEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	q := newTestQueue(t, store, WithCap(1))

	a, err := q.EnqueueUpsert(ctx, "a", synckit.Doc{"n": 1}, 1)
	require.NoError(t, err)
	_, err = q.EnqueueUpsert(ctx, "b", synckit.Doc{"n": 2}, 1)
	require.NoError(t, err)
	stored, err := q.Parked(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	require.NoError(t, q.Ack(ctx, a.EntryID))
	stored, err = q.Parked(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestQueueReplace(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, NewMemoryStore())

	a, err := q.EnqueueUpsert(ctx, "a", synckit.Doc{"title": "x"}, 1)
	require.NoError(t, err)
	b, err := q.EnqueueUpsert(ctx, "b", synckit.Doc{"title": "y"}, 1)
	require.NoError(t, err)

	repl := a.Change
	repl.Version = 5
	got, err := q.Replace(ctx, a.EntryID, repl)
	require.NoError(t, err)
	assert.NotEqual(t, a.EntryID, got.EntryID)
	assert.Greater(t, got.Timestamp, b.Timestamp)

	all, err := q.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.EntryID, all[0].EntryID)
	assert.Equal(t, int64(5), all[1].Version)

	_, err = q.Replace(ctx, a.EntryID, repl)
	assert.True(t, errors.Is(err, ErrEntryNotFound))
}

func TestQueueClose(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, NewMemoryStore())
	require.NoError(t, q.Close())

	_, err := q.EnqueueUpsert(ctx, "a", synckit.Doc{"x": 1}, 1)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

type failingQueueStore struct {
	*MemoryStore
}

func (failingQueueStore) Append(context.Context, ...Entry) error {
	return errors.New("disk full")
}

func TestQueueStorageFailureIsReported(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, failingQueueStore{NewMemoryStore()})

	_, err := q.EnqueueUpsert(ctx, "a", synckit.Doc{"x": 1}, 1)
	require.Error(t, err)
	assert.Equal(t, syncErrors.ErrCodeStorageFailure, syncErrors.CodeOf(err))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
