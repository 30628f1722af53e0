package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/storage/memory"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// faultyStore fails the Nth Update call (1-based) with a storage error.
type faultyStore struct {
	storage.Store
	failOn int32
	calls  int32
}

func (f *faultyStore) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if atomic.AddInt32(&f.calls, 1) == f.failOn {
		return fmt.Errorf("disk on fire")
	}
	return f.Store.Update(ctx, fn)
}

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return New(store, opts...), store
}

func upsert(id string, version int64, doc synckit.Doc) synckit.Change {
	return synckit.Change{ID: id, Type: synckit.ChangeUpsert, Doc: doc, Version: version, OriginClientID: "client-a", Timestamp: 1}
}

func del(id string) synckit.Change {
	return synckit.Change{ID: id, Type: synckit.ChangeDelete, OriginClientID: "client-a", Timestamp: 1}
}

func seed(t *testing.T, svc *Service, id string, version int64, doc synckit.Doc) {
	t.Helper()
	resp, err := svc.Push(context.Background(), []synckit.Change{upsert(id, version, doc)})
	require.NoError(t, err)
	require.Equal(t, synckit.StatusOK, resp.Results[0].Status)
}

func TestPushNewRecordThenPull(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Push(ctx, []synckit.Change{upsert("X", 1, synckit.Doc{"a": 1})})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, synckit.StatusOK, resp.Results[0].Status)
	assert.Equal(t, cursor.Checkpoint(1), resp.Results[0].Checkpoint)
	assert.Equal(t, cursor.Checkpoint(1), resp.Checkpoint)
	assert.False(t, resp.Truncated)

	pulled, err := svc.Pull(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, pulled.Items, 1)
	assert.Equal(t, "X", pulled.Items[0].ID)
	assert.Equal(t, synckit.ChangeUpsert, pulled.Items[0].Type)
	assert.Equal(t, int64(1), pulled.Items[0].Version)
}

func TestPushStaleVersionConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, "Y", 3, synckit.Doc{"name": "server"})

	resp, err := svc.Push(ctx, []synckit.Change{upsert("Y", 2, synckit.Doc{"name": "local"})})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	res := resp.Results[0]
	assert.Equal(t, synckit.StatusConflict, res.Status)
	assert.Equal(t, int64(3), res.LatestVersion)
	assert.Equal(t, "server", res.LatestDoc["name"])
	assert.Equal(t, cursor.Zero, res.Checkpoint)
}

func TestConflictBoundary(t *testing.T) {
	tests := []struct {
		version int64
		want    synckit.Status
	}{
		{version: 4, want: synckit.StatusConflict},
		{version: 5, want: synckit.StatusConflict},
		{version: 6, want: synckit.StatusOK},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("v%d", tt.version), func(t *testing.T) {
			svc, store := newTestService(t)
			seed(t, svc, "r", 5, synckit.Doc{"v": 5})

			resp, err := svc.Push(context.Background(), []synckit.Change{upsert("r", tt.version, synckit.Doc{"v": tt.version})})
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Results[0].Status)

			rec, err := store.Get(context.Background(), "r")
			require.NoError(t, err)
			if tt.want == synckit.StatusOK {
				assert.Equal(t, tt.version, rec.Version)
			} else {
				assert.Equal(t, int64(5), rec.Version, "conflict must not modify storage")
			}
		})
	}
}

func TestIdempotentPush(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	batch := []synckit.Change{
		upsert("a", 1, synckit.Doc{"x": 1}),
		upsert("b", 1, synckit.Doc{"y": 2}),
		del("gone"),
	}

	first, err := svc.Push(ctx, batch)
	require.NoError(t, err)
	before, err := store.List(ctx, 0, 100)
	require.NoError(t, err)
	recA, _ := store.Get(ctx, "a")

	// Same batch again, as after a lost response.
	second, err := svc.Push(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, synckit.StatusConflict, second.Results[0].Status)
	assert.Equal(t, synckit.StatusConflict, second.Results[1].Status)
	assert.Equal(t, synckit.StatusOK, second.Results[2].Status)

	after, err := store.List(ctx, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, before, after, "retry must not add change log entries")
	assert.Equal(t, first.Checkpoint, second.Checkpoint)

	recA2, _ := store.Get(ctx, "a")
	assert.Equal(t, recA, recA2)
}

func TestBatchAppliesInOrder(t *testing.T) {
	t.Run("ascending versions", func(t *testing.T) {
		svc, store := newTestService(t)
		resp, err := svc.Push(context.Background(), []synckit.Change{
			upsert("r", 1, synckit.Doc{"n": 1}),
			upsert("r", 2, synckit.Doc{"n": 2}),
		})
		require.NoError(t, err)
		assert.Equal(t, synckit.StatusOK, resp.Results[0].Status)
		assert.Equal(t, synckit.StatusOK, resp.Results[1].Status)
		assert.Less(t, resp.Results[0].Checkpoint, resp.Results[1].Checkpoint)

		rec, _ := store.Get(context.Background(), "r")
		assert.Equal(t, int64(2), rec.Version)
		assert.Equal(t, 2, rec.Doc["n"])
	})

	t.Run("second sees first", func(t *testing.T) {
		svc, _ := newTestService(t)
		resp, err := svc.Push(context.Background(), []synckit.Change{
			upsert("r", 2, synckit.Doc{"n": 2}),
			upsert("r", 1, synckit.Doc{"n": 1}),
		})
		require.NoError(t, err)
		assert.Equal(t, synckit.StatusOK, resp.Results[0].Status)
		assert.Equal(t, synckit.StatusConflict, resp.Results[1].Status)
		assert.Equal(t, int64(2), resp.Results[1].LatestVersion)
	})
}

func TestUpsertMergesFields(t *testing.T) {
	svc, store := newTestService(t)
	seed(t, svc, "r", 1, synckit.Doc{"a": 1, "b": 2})
	seed(t, svc, "r", 2, synckit.Doc{"b": 3, "c": 4})

	rec, err := store.Get(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, synckit.Doc{"a": 1, "b": 3, "c": 4}, rec.Doc)

	pulled, err := svc.Pull(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, pulled.Items, 1)
	assert.Equal(t, rec.Doc, pulled.Items[0].Doc, "log entries carry the merged document")
}

func TestDelete(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	t.Run("missing is a no-op", func(t *testing.T) {
		resp, err := svc.Push(ctx, []synckit.Change{del("nope")})
		require.NoError(t, err)
		assert.Equal(t, synckit.StatusOK, resp.Results[0].Status)
		assert.Equal(t, cursor.Zero, resp.Results[0].Checkpoint)
		latest, _ := svc.Checkpoint(ctx)
		assert.Equal(t, cursor.Zero, latest)
	})

	t.Run("existing is logged", func(t *testing.T) {
		seed(t, svc, "r", 4, synckit.Doc{"a": 1})
		resp, err := svc.Push(ctx, []synckit.Change{del("r")})
		require.NoError(t, err)
		assert.Equal(t, synckit.StatusOK, resp.Results[0].Status)
		assert.Greater(t, resp.Results[0].Checkpoint, cursor.Zero)

		_, err = store.Get(ctx, "r")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		pulled, err := svc.Pull(ctx, resp.Results[0].Checkpoint-1, 10)
		require.NoError(t, err)
		require.Len(t, pulled.Items, 1)
		assert.Equal(t, synckit.ChangeDelete, pulled.Items[0].Type)
		assert.Equal(t, int64(4), pulled.Items[0].Version)
	})

	t.Run("recreate after delete", func(t *testing.T) {
		resp, err := svc.Push(ctx, []synckit.Change{upsert("r", 1, synckit.Doc{"fresh": true})})
		require.NoError(t, err)
		assert.Equal(t, synckit.StatusOK, resp.Results[0].Status)
	})
}

func TestPartialBatchOnStorageFault(t *testing.T) {
	store := &faultyStore{Store: memory.New(), failOn: 2}
	svc := New(store, WithLogger(logging.Discard()))
	ctx := context.Background()

	resp, err := svc.Push(ctx, []synckit.Change{
		upsert("one", 1, synckit.Doc{"n": 1}),
		upsert("two", 1, synckit.Doc{"n": 2}),
		upsert("three", 1, synckit.Doc{"n": 3}),
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStorageFailure, errors.CodeOf(err))
	require.NotNil(t, resp)
	assert.True(t, resp.Truncated)
	assert.NotEmpty(t, resp.Error)
	require.Len(t, resp.Results, 1, "results cover exactly the applied prefix")
	assert.Equal(t, "one", resp.Results[0].ID)
	assert.Equal(t, cursor.Checkpoint(1), resp.Checkpoint)

	_, err = store.Get(ctx, "one")
	assert.NoError(t, err, "change before the fault stays committed")
	_, err = store.Get(ctx, "two")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.Get(ctx, "three")
	assert.ErrorIs(t, err, storage.ErrNotFound, "processing stops at the fault")

	pulled, err := svc.Pull(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, pulled.Items, 1)
}

func TestPushValidation(t *testing.T) {
	svc, _ := newTestService(t, WithOptions(Options{MaxPushBatch: 2}))
	ctx := context.Background()

	_, err := svc.Push(ctx, []synckit.Change{{ID: "x", Type: "merge", OriginClientID: "c"}})
	assert.Equal(t, errors.ErrCodeValidationFailure, errors.CodeOf(err))

	_, err = svc.Push(ctx, []synckit.Change{upsert("a", 1, synckit.Doc{}), upsert("b", 1, synckit.Doc{}), upsert("c", 1, synckit.Doc{})})
	assert.Equal(t, errors.ErrCodeValidationFailure, errors.CodeOf(err))

	latest, err := svc.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, cursor.Zero, latest, "an invalid batch applies nothing")
}

func TestPullMonotonic(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		seed(t, svc, fmt.Sprintf("r%d", i), 1, synckit.Doc{"i": i})
	}

	for since := cursor.Checkpoint(0); since <= 10; since++ {
		first, err := svc.Pull(ctx, since, 3)
		require.NoError(t, err)
		for _, item := range first.Items {
			assert.Greater(t, item.Checkpoint, since)
		}
		for i := 1; i < len(first.Items); i++ {
			assert.Greater(t, first.Items[i].Checkpoint, first.Items[i-1].Checkpoint)
		}

		again, err := svc.Pull(ctx, since, 3)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	empty, err := svc.Pull(ctx, 10, 5)
	require.NoError(t, err)
	assert.NotNil(t, empty.Items)
	assert.Empty(t, empty.Items)
}

func TestPullLimits(t *testing.T) {
	svc, _ := newTestService(t, WithOptions(Options{DefaultPullLimit: 2, MaxPullLimit: 4}))
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		seed(t, svc, fmt.Sprintf("r%d", i), 1, synckit.Doc{})
	}

	def, err := svc.Pull(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, def.Items, 2)

	capped, err := svc.Pull(ctx, 0, 100)
	require.NoError(t, err)
	assert.Len(t, capped.Items, 4)

	_, err = svc.Pull(ctx, -1, 10)
	assert.Equal(t, errors.ErrCodeValidationFailure, errors.CodeOf(err))
}

func TestConcurrentPushesSameVersion(t *testing.T) {
	svc, store := newTestService(t)
	seed(t, svc, "hot", 1, synckit.Doc{"owner": "nobody"})
	const clients = 10

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner []string
	)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("client-%d", i)
			c := upsert("hot", 2, synckit.Doc{"owner": name})
			c.OriginClientID = name
			resp, err := svc.Push(context.Background(), []synckit.Change{c})
			if err != nil {
				t.Error(err)
				return
			}
			if resp.Results[0].Status == synckit.StatusOK {
				mu.Lock()
				winner = append(winner, name)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winner, 1, "exactly one writer of version 2 may win")
	rec, err := store.Get(context.Background(), "hot")
	require.NoError(t, err)
	assert.Equal(t, winner[0], rec.Doc["owner"])
	assert.Equal(t, int64(2), rec.Version)
}

func TestPushPublishesCheckpoint(t *testing.T) {
	n := NewNotifier()
	svc, _ := newTestService(t, WithNotifier(n))
	ch, unsubscribe := n.Subscribe()
	defer unsubscribe()

	seed(t, svc, "a", 1, synckit.Doc{})

	select {
	case cp := <-ch:
		assert.Equal(t, cursor.Checkpoint(1), cp)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	// Conflicts append nothing and publish nothing.
	_, err := svc.Push(context.Background(), []synckit.Change{upsert("a", 1, synckit.Doc{})})
	require.NoError(t, err)
	select {
	case cp := <-ch:
		t.Fatalf("unexpected notification %d", cp)
	default:
	}
}

func TestCustomConflictDetector(t *testing.T) {
	lastWriteWins := ConflictDetectorFunc(func(synckit.Change, *storage.Record) bool { return false })
	svc, store := newTestService(t, WithConflictDetector(lastWriteWins))
	seed(t, svc, "r", 5, synckit.Doc{})
	seed(t, svc, "r", 1, synckit.Doc{"late": true})

	rec, err := store.Get(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
}

func TestAnnounce(t *testing.T) {
	n := NewNotifier()
	svc, _ := newTestService(t, WithNotifier(n))
	seed(t, svc, "a", 1, synckit.Doc{})
	seed(t, svc, "b", 1, synckit.Doc{})

	svc.Announce(context.Background(), 7)
	assert.Equal(t, cursor.Checkpoint(7), n.Latest())

	// Zero refreshes from the store, which never moves the notifier back.
	svc.Announce(context.Background(), cursor.Zero)
	assert.Equal(t, cursor.Checkpoint(7), n.Latest())
}
