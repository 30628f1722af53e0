package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/storage/storagetest"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig("file:" + filepath.Join(t.TempDir(), "sync.db"))
	cfg.Logger = logging.Discard()
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return openTestStore(t) })
}

func TestDSNParameters(t *testing.T) {
	tests := []struct {
		name string
		in   string
		wal  bool
		want string
	}{
		{
			name: "plain",
			in:   "file:a.db",
			wal:  true,
			want: "file:a.db?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL",
		},
		{
			name: "existing query",
			in:   "file:a.db?cache=shared",
			want: "file:a.db?cache=shared&_txlock=immediate&_busy_timeout=5000",
		},
		{
			name: "caller override kept",
			in:   "file:a.db?_journal_mode=DELETE",
			wal:  true,
			want: "file:a.db?_journal_mode=DELETE&_txlock=immediate&_busy_timeout=5000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{DataSourceName: tt.in, EnableWAL: tt.wal}
			cfg.setDefaults()
			assert.Equal(t, tt.want, cfg.dsn())
		})
	}
}

func TestNewRequiresDataSource(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)
	_, err = New(nil)
	assert.Error(t, err)
}

func TestWALEnabled(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	var mode string
	require.NoError(t, s.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestReopenKeepsData(t *testing.T) {
	path := "file:" + filepath.Join(t.TempDir(), "sync.db")
	ctx := context.Background()

	cfg := DefaultConfig(path)
	cfg.Logger = logging.Discard()
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
		if err := tx.Put(ctx, storage.Record{ID: "x", Version: 4, Doc: synckit.Doc{"k": "v"}}); err != nil {
			return err
		}
		_, err := tx.Append(ctx, synckit.ChangeLogEntry{ID: "x", Type: synckit.ChangeUpsert, Version: 4, Doc: synckit.Doc{"k": "v"}})
		return err
	}))
	require.NoError(t, s.Close())

	cfg = DefaultConfig(path)
	cfg.Logger = logging.Discard()
	s, err = New(cfg)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.Version)
	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, latest)
}

func BenchmarkUpdate(b *testing.B) {
	cfg := DefaultConfig("file:" + filepath.Join(b.TempDir(), "bench.db"))
	cfg.Logger = logging.Discard()
	s, err := New(cfg)
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("r%d", i%100)
		err := s.Update(ctx, func(tx storage.Tx) error {
			if err := tx.Put(ctx, storage.Record{ID: id, Version: int64(i + 1), Doc: synckit.Doc{"i": i}}); err != nil {
				return err
			}
			_, err := tx.Append(ctx, synckit.ChangeLogEntry{ID: id, Type: synckit.ChangeUpsert, Version: int64(i + 1)})
			return err
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}
