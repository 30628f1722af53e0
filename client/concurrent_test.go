package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// Local edits made while a cycle is running must stay queued and visible.

func TestReplicaEditDuringPushStaysQueued(t *testing.T) {
	ctx := context.Background()
	var r *Replica
	tr := &fakeTransport{}
	tr.push = func(ctx context.Context, changes []synckit.Change) (*synckit.PushResponse, []synckit.ResultError, error) {
		if len(changes) == 1 && changes[0].ID == "a" {
			_, err := r.Put(ctx, "b", synckit.Doc{"n": 2})
			require.NoError(t, err)
		}
		return &synckit.PushResponse{Results: okResults(changes, 1)}, nil, nil
	}
	r, _ = newTestReplica(t, tr, 0)

	_, err := r.Put(ctx, "a", synckit.Doc{"n": 1})
	require.NoError(t, err)
	res, err := r.Driver().SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Acked)

	pending, err := r.Queue().Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)

	rec, ok, err := r.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.Version)
}

func TestReplicaEditDuringPullIsReplayed(t *testing.T) {
	ctx := context.Background()
	var r *Replica
	tr := &fakeTransport{}
	tr.pull = func(ctx context.Context, since cursor.Checkpoint, limit int) (*synckit.PullResponse, error) {
		if since != 0 {
			return &synckit.PullResponse{Items: []synckit.ChangeLogEntry{}}, nil
		}
		// The edit lands while the page is on the wire.
		_, err := r.Put(ctx, "x", synckit.Doc{"mine": true})
		require.NoError(t, err)
		return &synckit.PullResponse{Items: []synckit.ChangeLogEntry{{
			ID: "x", Type: synckit.ChangeUpsert, Checkpoint: 1, Version: 1, Doc: synckit.Doc{"theirs": true},
		}}}, nil
	}
	r, _ = newTestReplica(t, tr, 0)

	res, err := r.Driver().SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)

	rec, ok, err := r.Get(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, synckit.Doc{"theirs": true, "mine": true}, rec.Doc)

	n, err := r.Queue().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// mergeHookStore runs onPut once, just before the first PutRecord of id.
type mergeHookStore struct {
	*MemoryStore

	mu    sync.Mutex
	id    string
	onPut func()
}

func (s *mergeHookStore) arm(id string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id, s.onPut = id, fn
}

func (s *mergeHookStore) PutRecord(ctx context.Context, rec Record) error {
	s.mu.Lock()
	fn := s.onPut
	if rec.ID != s.id {
		fn = nil
	}
	if fn != nil {
		s.onPut = nil
	}
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return s.MemoryStore.PutRecord(ctx, rec)
}

func TestReplicaEditDuringMergeIsNotLost(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	store := NewMemoryStore()
	local := &mergeHookStore{MemoryStore: store}
	r, err := NewReplica(ctx, ReplicaConfig{
		ClientID:  "client-1",
		Queue:     store,
		Cursors:   store,
		Local:     local,
		Transport: serviceTransport{svc},
		Options:   Options{Logger: logging.Discard()},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	_, err = r.Put(ctx, "x", synckit.Doc{"a": 1})
	require.NoError(t, err)
	_, err = r.Driver().SyncNow(ctx)
	require.NoError(t, err)

	// A foreign entry before ours keeps the cursor behind, so the next pull
	// brings our own x back and merges it.
	remoteUpsert(t, svc, "y", synckit.Doc{"n": 1}, 1)
	_, err = r.Put(ctx, "x", synckit.Doc{"b": 1})
	require.NoError(t, err)

	done := make(chan error, 1)
	local.arm("x", func() {
		go func() {
			_, err := r.Put(ctx, "x", synckit.Doc{"c": 1})
			done <- err
		}()
	})
	res, err := r.Driver().SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pulled)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent put did not finish")
	}

	rec, _, err := r.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Version, "the local version never goes backwards")
	assert.Contains(t, rec.Doc, "c")
	assert.Contains(t, rec.Doc, "b")

	e, err := r.Put(ctx, "x", synckit.Doc{"d": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(4), e.Version)

	res, err = r.Driver().SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Acked)
	assert.Zero(t, res.Conflicts)

	log, err := svc.Pull(ctx, 0, 10)
	require.NoError(t, err)
	last := log.Items[len(log.Items)-1]
	assert.Equal(t, "x", last.ID)
	assert.Equal(t, int64(4), last.Version)
	for _, k := range []string{"a", "b", "c", "d"} {
		assert.Contains(t, last.Doc, k)
	}
}

func TestReplicaPutProposesPastPendingVersion(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReplica(t, &fakeTransport{}, 0)

	_, err := r.Put(ctx, "x", synckit.Doc{"a": 1})
	require.NoError(t, err)
	_, err = r.Put(ctx, "x", synckit.Doc{"b": 1})
	require.NoError(t, err)
	// The read model lags behind the queue, as after a stale merge.
	require.NoError(t, store.PutRecord(ctx, Record{ID: "x", Version: 1, Doc: synckit.Doc{"a": 1}}))

	e, err := r.Put(ctx, "x", synckit.Doc{"c": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Version)

	del, err := r.Delete(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(3), del.Version)
}

func TestReplicaCapDuringPushKeepsInFlightChange(t *testing.T) {
	ctx := context.Background()
	var r *Replica
	tr := &fakeTransport{}
	tr.push = func(ctx context.Context, changes []synckit.Change) (*synckit.PushResponse, []synckit.ResultError, error) {
		if changes[0].ID == "a" {
			// The server has accepted a; b overflows the cap meanwhile.
			_, err := r.Put(ctx, "b", synckit.Doc{"n": 2})
			require.NoError(t, err)
		}
		return &synckit.PushResponse{Results: okResults(changes, 1)}, nil, nil
	}
	r, _ = newTestReplica(t, tr, 1)

	_, err := r.Put(ctx, "a", synckit.Doc{"n": 1})
	require.NoError(t, err)
	res, err := r.Driver().SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Acked)

	parked, err := r.Queue().Parked(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "b", parked[0].ID, "the accepted change is never parked")

	stats, err := r.Driver().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Parked)
	assert.Zero(t, stats.QueueLength)

	n, err := r.Requeue(ctx, parked[0].EntryID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	res, err = r.Driver().SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Acked)
}
