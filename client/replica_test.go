package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

func newTestReplica(t *testing.T, tr Transport, queueCap int) (*Replica, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	r, err := NewReplica(context.Background(), ReplicaConfig{
		ClientID:  "client-1",
		Queue:     store,
		Cursors:   store,
		Local:     store,
		Transport: tr,
		QueueCap:  queueCap,
		Clock:     frozenClock(),
		Options:   Options{Logger: logging.Discard()},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, store
}

func TestReplicaPutMergesLocally(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestReplica(t, &fakeTransport{}, 0)

	e, err := r.Put(ctx, "a", synckit.Doc{"title": "x", "n": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Version)

	e, err = r.Put(ctx, "a", synckit.Doc{"title": "y"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Version)

	rec, ok, err := r.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, synckit.Doc{"title": "y", "n": 1}, rec.Doc)

	n, err := r.Queue().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReplicaDelete(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestReplica(t, &fakeTransport{}, 0)

	_, err := r.Put(ctx, "a", synckit.Doc{"title": "x"})
	require.NoError(t, err)
	e, err := r.Delete(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, synckit.ChangeDelete, e.Type)
	assert.Equal(t, int64(1), e.Version)

	_, ok, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReplicaFailedEnqueueLeavesLocalUntouched(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReplica(t, &fakeTransport{}, 0)
	require.NoError(t, r.Queue().Close())

	_, err := r.Put(ctx, "a", synckit.Doc{"title": "x"})
	assert.ErrorIs(t, err, ErrQueueClosed)

	_, ok, err := store.GetRecord(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplicaParkAndRequeue(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestReplica(t, &fakeTransport{}, 1)

	var parked []Entry
	r.Driver().Subscribe(func(ev Event) {
		if ev.Kind == EventParked {
			parked = append(parked, ev.Entries...)
		}
	})

	first, err := r.Put(ctx, "a", synckit.Doc{"n": 1})
	require.NoError(t, err)
	_, err = r.Put(ctx, "b", synckit.Doc{"n": 1})
	require.NoError(t, err)

	require.Len(t, parked, 1)
	assert.Equal(t, first.EntryID, parked[0].EntryID)

	n, err := r.Requeue(ctx, first.EntryID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := r.Driver().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.QueueLength)
	assert.Zero(t, stats.Parked)
}
