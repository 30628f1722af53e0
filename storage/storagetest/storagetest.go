// Package storagetest is a conformance suite every storage.Store backend runs
// from its own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// Factory opens a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Run executes the suite.
func Run(t *testing.T, open Factory) {
	t.Run("Empty", func(t *testing.T) { testEmpty(t, open(t)) })
	t.Run("PutAndAppend", func(t *testing.T) { testPutAndAppend(t, open(t)) })
	t.Run("Paging", func(t *testing.T) { testPaging(t, open(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open(t)) })
	t.Run("ReadYourWrites", func(t *testing.T) { testReadYourWrites(t, open(t)) })
	t.Run("ConcurrentReadModifyWrite", func(t *testing.T) { testConcurrent(t, open(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, open(t)) })
}

func write(t *testing.T, s storage.Store, id string, version int64, doc synckit.Doc) cursor.Checkpoint {
	t.Helper()
	var cp cursor.Checkpoint
	err := s.Update(context.Background(), func(tx storage.Tx) error {
		if err := tx.Put(context.Background(), storage.Record{ID: id, Version: version, Doc: doc}); err != nil {
			return err
		}
		var err error
		cp, err = tx.Append(context.Background(), synckit.ChangeLogEntry{
			ID: id, Type: synckit.ChangeUpsert, Version: version, Doc: doc, OriginClientID: "test",
		})
		return err
	})
	require.NoError(t, err)
	return cp
}

func testEmpty(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, cursor.Zero, latest)

	items, err := s.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testPutAndAppend(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	cp := write(t, s, "x", 1, synckit.Doc{"a": "1"})
	assert.Equal(t, cursor.Checkpoint(1), cp)

	rec, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "1", rec.Doc["a"])

	items, err := s.List(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "x", items[0].ID)
	assert.Equal(t, synckit.ChangeUpsert, items[0].Type)
	assert.Equal(t, cursor.Checkpoint(1), items[0].Checkpoint)
	assert.Equal(t, int64(1), items[0].Version)
	assert.Equal(t, "test", items[0].OriginClientID)
	assert.False(t, items[0].At.IsZero())

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, cursor.Checkpoint(1), latest)
}

func testPaging(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	var prev cursor.Checkpoint
	for i := 1; i <= 5; i++ {
		cp := write(t, s, fmt.Sprintf("r%d", i), 1, synckit.Doc{"n": "v"})
		assert.Greater(t, cp, prev, "checkpoints must strictly increase")
		prev = cp
	}

	page, err := s.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "r3", page[0].ID)
	assert.Equal(t, "r4", page[1].ID)

	again, err := s.List(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, page, again)

	tail, err := s.List(ctx, 4, 100)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "r5", tail[0].ID)

	none, err := s.List(ctx, 5, 100)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testRollback(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx storage.Tx) error {
		if err := tx.Put(ctx, storage.Record{ID: "x", Version: 1, Doc: synckit.Doc{}}); err != nil {
			return err
		}
		if _, err := tx.Append(ctx, synckit.ChangeLogEntry{ID: "x", Type: synckit.ChangeUpsert, Version: 1, Doc: synckit.Doc{}}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, "x")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, cursor.Zero, latest)

	// The next append still gets a checkpoint above anything visible.
	cp := write(t, s, "y", 1, synckit.Doc{})
	assert.Greater(t, cp, cursor.Zero)
}

func testDelete(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	write(t, s, "x", 2, synckit.Doc{"a": "1"})

	err := s.Update(ctx, func(tx storage.Tx) error {
		if err := tx.Delete(ctx, "x"); err != nil {
			return err
		}
		return tx.Delete(ctx, "never-existed")
	})
	require.NoError(t, err)

	_, err = s.Get(ctx, "x")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testReadYourWrites(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	err := s.Update(ctx, func(tx storage.Tx) error {
		if err := tx.Put(ctx, storage.Record{ID: "x", Version: 3, Doc: synckit.Doc{"k": "v"}}); err != nil {
			return err
		}
		rec, err := tx.Get(ctx, "x")
		if err != nil {
			return err
		}
		if rec.Version != 3 {
			return fmt.Errorf("got version %d inside tx", rec.Version)
		}
		if err := tx.Delete(ctx, "x"); err != nil {
			return err
		}
		if _, err := tx.Get(ctx, "x"); !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("deleted record still visible: %v", err)
		}
		return nil
	})
	require.NoError(t, err)
}

func testConcurrent(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	const workers = 8

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Update(ctx, func(tx storage.Tx) error {
				var version int64
				rec, err := tx.Get(ctx, "hot")
				switch {
				case err == nil:
					version = rec.Version
				case errors.Is(err, storage.ErrNotFound):
				default:
					return err
				}
				next := storage.Record{ID: "hot", Version: version + 1, Doc: synckit.Doc{}}
				if err := tx.Put(ctx, next); err != nil {
					return err
				}
				_, err = tx.Append(ctx, synckit.ChangeLogEntry{ID: "hot", Type: synckit.ChangeUpsert, Version: next.Version, Doc: synckit.Doc{}})
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := s.Get(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), rec.Version, "no read-modify-write may be lost")

	items, err := s.List(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, items, workers)
	for i, item := range items {
		assert.Equal(t, int64(i+1), item.Version)
		if i > 0 {
			assert.Greater(t, item.Checkpoint, items[i-1].Checkpoint)
		}
	}
}

func testClosed(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Close())

	_, err := s.Latest(ctx)
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
	_, err = s.List(ctx, 0, 1)
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
	err = s.Update(ctx, func(tx storage.Tx) error { return nil })
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
}
