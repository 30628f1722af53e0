package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/storage/storagetest"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return New() })
}

func TestReturnedDocsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	doc := synckit.Doc{"a": 1}

	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
		return tx.Put(ctx, storage.Record{ID: "x", Version: 1, Doc: doc})
	}))
	doc["a"] = 2

	rec, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Doc["a"])

	rec.Doc["a"] = 3
	again, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Doc["a"])
}

func TestCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Update(ctx, func(tx storage.Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
