// Package storetest is a conformance suite for client.Store backends.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/client"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// Factory opens a fresh, empty store. Closing it is the factory's job.
type Factory func(t *testing.T) client.Store

// Run executes the suite.
func Run(t *testing.T, open Factory) {
	t.Run("QueueOrder", func(t *testing.T) { testQueueOrder(t, open(t)) })
	t.Run("Remove", func(t *testing.T) { testRemove(t, open(t)) })
	t.Run("Replace", func(t *testing.T) { testReplace(t, open(t)) })
	t.Run("ParkAndRequeue", func(t *testing.T) { testParkAndRequeue(t, open(t)) })
	t.Run("SettleParked", func(t *testing.T) { testSettleParked(t, open(t)) })
	t.Run("Checkpoint", func(t *testing.T) { testCheckpoint(t, open(t)) })
	t.Run("Records", func(t *testing.T) { testRecords(t, open(t)) })
}

// Entry builds a queue entry with the given timestamp.
func Entry(entryID, id string, ts int64) client.Entry {
	return client.Entry{
		EntryID: entryID,
		Change: synckit.Change{
			ID:             id,
			Type:           synckit.ChangeUpsert,
			Doc:            synckit.Doc{"title": id, "n": float64(ts), "ok": true},
			Version:        ts,
			OriginClientID: "client-1",
			Timestamp:      ts,
		},
	}
}

func entryIDs(entries []client.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.EntryID
	}
	return out
}

func testQueueOrder(t *testing.T, s client.Store) {
	ctx := context.Background()

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	all, err := s.Peek(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, s.Append(ctx, Entry("e1", "a", 1), Entry("e2", "b", 2)))
	del := client.Entry{EntryID: "e3", Change: synckit.Change{
		ID: "a", Type: synckit.ChangeDelete, Version: 1, OriginClientID: "client-1", Timestamp: 3,
	}}
	require.NoError(t, s.Append(ctx, del))

	n, err = s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	head, err := s.Peek(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, entryIDs(head))
	assert.Equal(t, Entry("e1", "a", 1), head[0], "entries round-trip unchanged")

	all, err = s.Peek(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, del, all[2])
	assert.Nil(t, all[2].Doc)

	all, err = s.Peek(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testRemove(t *testing.T, s client.Store) {
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, Entry("e1", "a", 1), Entry("e2", "b", 2), Entry("e3", "c", 3)))

	require.NoError(t, s.Remove(ctx, "e2", "unknown"))
	require.NoError(t, s.Remove(ctx))

	all, err := s.Peek(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e3"}, entryIDs(all))
}

func testReplace(t *testing.T, s client.Store) {
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, Entry("e1", "a", 1), Entry("e2", "b", 2)))

	repl := Entry("e9", "a", 9)
	require.NoError(t, s.Replace(ctx, "e1", repl))

	all, err := s.Peek(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e2", "e9"}, entryIDs(all))
	assert.Equal(t, int64(9), all[1].Version)

	err = s.Replace(ctx, "e1", Entry("e10", "a", 10))
	assert.True(t, errors.Is(err, client.ErrEntryNotFound), "got %v", err)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testParkAndRequeue(t *testing.T, s client.Store) {
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, Entry("e1", "a", 1), Entry("e2", "b", 2), Entry("e3", "c", 3)))

	require.NoError(t, s.Park(ctx, "e1", "e2"))
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	parked, err := s.Parked(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, entryIDs(parked))

	back := parked[0]
	back.Timestamp = 10
	require.NoError(t, s.Requeue(ctx, back))

	all, err := s.Peek(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e1"}, entryIDs(all))
	assert.Equal(t, int64(10), all[1].Timestamp)

	parked, err = s.Parked(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, entryIDs(parked))
}

// A parked entry may still be answered by a push that was already in
// flight; Remove and Replace must reach it.
func testSettleParked(t *testing.T, s client.Store) {
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, Entry("e1", "a", 1), Entry("e2", "b", 2), Entry("e3", "c", 3)))
	require.NoError(t, s.Park(ctx, "e1", "e2"))

	require.NoError(t, s.Remove(ctx, "e1"))
	require.NoError(t, s.Replace(ctx, "e2", Entry("e9", "b", 9)))

	parked, err := s.Parked(ctx)
	require.NoError(t, err)
	assert.Empty(t, parked)

	all, err := s.Peek(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e9"}, entryIDs(all))
}

func testCheckpoint(t *testing.T, s client.Store) {
	ctx := context.Background()

	cp, err := s.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, cursor.Zero, cp)

	require.NoError(t, s.SaveCheckpoint(ctx, 42))
	cp, err = s.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, cursor.Checkpoint(42), cp)

	require.NoError(t, s.SaveCheckpoint(ctx, 0))
	cp, err = s.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, cursor.Zero, cp)
}

func testRecords(t *testing.T, s client.Store) {
	ctx := context.Background()

	_, ok, err := s.GetRecord(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutRecord(ctx, client.Record{ID: "b", Version: 1, Doc: synckit.Doc{"title": "b"}}))
	require.NoError(t, s.PutRecord(ctx, client.Record{ID: "a", Version: 1, Doc: synckit.Doc{"title": "a"}}))
	require.NoError(t, s.PutRecord(ctx, client.Record{ID: "a", Version: 2, Doc: synckit.Doc{"title": "a2", "n": float64(1)}}))

	rec, ok, err := s.GetRecord(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, client.Record{ID: "a", Version: 2, Doc: synckit.Doc{"title": "a2", "n": float64(1)}}, rec)

	all, err := s.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)

	require.NoError(t, s.DeleteRecord(ctx, "a"))
	require.NoError(t, s.DeleteRecord(ctx, "a"))
	_, ok, err = s.GetRecord(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}
