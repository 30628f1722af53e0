// Package sqlitestore keeps the client's pending queue, checkpoint cursor and
// local read model in one SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/client"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const component = "client/sqlitestore"

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("store is closed")

// Config holds configuration options for the store.
type Config struct {
	// Path is the database file.
	Path string

	// BusyTimeout is how long a writer waits for the database lock.
	BusyTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component(component))
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
}

// Store implements client.Store on SQLite.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *slog.Logger
}

var _ client.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	return New(&Config{Path: path})
}

// New opens the database and creates the schema when missing.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		config.Path, config.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection serializes writers; the client is a single process.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	s := &Store{db: db, logger: config.Logger}
	if err := s.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}
	config.Logger.Debug("client store opened", slog.String("path", config.Path))
	return s, nil
}

func (s *Store) setupSchema() error {
	const query = `
    CREATE TABLE IF NOT EXISTS pending (
        seq        INTEGER PRIMARY KEY AUTOINCREMENT,
        entry_id   TEXT NOT NULL UNIQUE,
        record_id  TEXT NOT NULL,
        type       TEXT NOT NULL,
        version    INTEGER NOT NULL,
        doc        TEXT,
        origin     TEXT NOT NULL,
        ts         INTEGER NOT NULL,
        parked     INTEGER NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_pending_parked ON pending (parked, seq);
    CREATE TABLE IF NOT EXISTS sync_cursor (
        id          INTEGER PRIMARY KEY CHECK (id = 1),
        checkpoint  INTEGER NOT NULL
    );
    CREATE TABLE IF NOT EXISTS records (
        id       TEXT PRIMARY KEY,
        version  INTEGER NOT NULL,
        doc      TEXT NOT NULL
    );
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func wrap(err error, op syncErrors.Operation) error {
	return syncErrors.WrapStorage(err, op, component)
}

// inClause returns "?, ?, ?" and args for ids.
func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "), args
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntries(ctx context.Context, ex execer, entries []client.Entry) error {
	for _, e := range entries {
		var doc sql.NullString
		if e.Doc != nil {
			b, err := json.Marshal(e.Doc)
			if err != nil {
				return fmt.Errorf("encode doc for %s: %w", e.ID, err)
			}
			doc = sql.NullString{String: string(b), Valid: true}
		}
		_, err := ex.ExecContext(ctx, `
			INSERT INTO pending (entry_id, record_id, type, version, doc, origin, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.EntryID, e.ID, string(e.Type), e.Version, doc, e.OriginClientID, e.Timestamp)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) queryEntries(ctx context.Context, parked bool, limit int) ([]client.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, record_id, type, version, doc, origin, ts
		FROM pending
		WHERE parked = ?
		ORDER BY seq ASC
		LIMIT ?`, parked, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []client.Entry
	for rows.Next() {
		var (
			e   client.Entry
			doc sql.NullString
		)
		if err := rows.Scan(&e.EntryID, &e.ID, &e.Type, &e.Version, &doc, &e.OriginClientID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan pending row: %w", err)
		}
		if doc.Valid {
			if err := json.Unmarshal([]byte(doc.String), &e.Doc); err != nil {
				return nil, fmt.Errorf("decode doc for %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Append(ctx context.Context, entries ...client.Entry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return insertEntries(ctx, tx, entries)
	})
	return wrap(err, syncErrors.OpEnqueue)
}

func (s *Store) Peek(ctx context.Context, n int) ([]client.Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := s.queryEntries(ctx, false, n)
	if err != nil {
		return nil, wrap(err, syncErrors.OpLoad)
	}
	return entries, nil
}

func (s *Store) Remove(ctx context.Context, entryIDs ...string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(entryIDs) == 0 {
		return nil
	}
	in, args := inClause(entryIDs)
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending WHERE entry_id IN (`+in+`)`, args...)
	return wrap(err, syncErrors.OpAck)
}

func (s *Store) Replace(ctx context.Context, entryID string, replacement client.Entry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM pending WHERE entry_id = ?`, entryID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return client.ErrEntryNotFound
		}
		return insertEntries(ctx, tx, []client.Entry{replacement})
	})
	if errors.Is(err, client.ErrEntryNotFound) {
		return err
	}
	return wrap(err, syncErrors.OpConflictResolve)
}

func (s *Store) Len(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending WHERE parked = 0`).Scan(&n); err != nil {
		return 0, wrap(err, syncErrors.OpLoad)
	}
	return n, nil
}

func (s *Store) Park(ctx context.Context, entryIDs ...string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(entryIDs) == 0 {
		return nil
	}
	in, args := inClause(entryIDs)
	_, err := s.db.ExecContext(ctx, `UPDATE pending SET parked = 1 WHERE entry_id IN (`+in+`)`, args...)
	return wrap(err, syncErrors.OpStore)
}

func (s *Store) Parked(ctx context.Context) ([]client.Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := s.queryEntries(ctx, true, 0)
	if err != nil {
		return nil, wrap(err, syncErrors.OpLoad)
	}
	return entries, nil
}

// Requeue reinserts entries so they sort after everything queued so far.
func (s *Store) Requeue(ctx context.Context, entries ...client.Entry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.EntryID
	}
	in, args := inClause(ids)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending WHERE parked = 1 AND entry_id IN (`+in+`)`, args...); err != nil {
			return err
		}
		return insertEntries(ctx, tx, entries)
	})
	return wrap(err, syncErrors.OpEnqueue)
}

func (s *Store) LoadCheckpoint(ctx context.Context) (cursor.Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var cp int64
	err := s.db.QueryRowContext(ctx, `SELECT checkpoint FROM sync_cursor WHERE id = 1`).Scan(&cp)
	if errors.Is(err, sql.ErrNoRows) {
		return cursor.Zero, nil
	}
	if err != nil {
		return 0, wrap(err, syncErrors.OpLoad)
	}
	return cursor.Checkpoint(cp), nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp cursor.Checkpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursor (id, checkpoint) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET checkpoint = excluded.checkpoint`, int64(cp))
	return wrap(err, syncErrors.OpStore)
}

func (s *Store) GetRecord(ctx context.Context, id string) (client.Record, bool, error) {
	if err := s.checkOpen(); err != nil {
		return client.Record{}, false, err
	}
	var (
		rec client.Record
		doc string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, version, doc FROM records WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Version, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return client.Record{}, false, nil
	}
	if err != nil {
		return client.Record{}, false, wrap(err, syncErrors.OpLoad)
	}
	if err := json.Unmarshal([]byte(doc), &rec.Doc); err != nil {
		return client.Record{}, false, wrap(fmt.Errorf("decode doc for %s: %w", id, err), syncErrors.OpLoad)
	}
	return rec, true, nil
}

func (s *Store) PutRecord(ctx context.Context, rec client.Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	doc, err := json.Marshal(rec.Doc)
	if err != nil {
		return wrap(err, syncErrors.OpStore)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (id, version, doc) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, doc = excluded.doc`,
		rec.ID, rec.Version, string(doc))
	return wrap(err, syncErrors.OpStore)
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	return wrap(err, syncErrors.OpStore)
}

func (s *Store) ListRecords(ctx context.Context) ([]client.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, version, doc FROM records ORDER BY id ASC`)
	if err != nil {
		return nil, wrap(err, syncErrors.OpLoad)
	}
	defer rows.Close()

	out := []client.Record{}
	for rows.Next() {
		var (
			rec client.Record
			doc string
		)
		if err := rows.Scan(&rec.ID, &rec.Version, &doc); err != nil {
			return nil, wrap(err, syncErrors.OpLoad)
		}
		if err := json.Unmarshal([]byte(doc), &rec.Doc); err != nil {
			return nil, wrap(fmt.Errorf("decode doc for %s: %w", rec.ID, err), syncErrors.OpLoad)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, syncErrors.OpLoad)
	}
	return out, nil
}

// Export returns the full durable state in the persisted JSON schema.
func (s *Store) Export(ctx context.Context) (client.PersistedState, error) {
	var (
		st  client.PersistedState
		err error
	)
	if st.Queue, err = s.Peek(ctx, 0); err != nil {
		return st, err
	}
	if st.Queue == nil {
		st.Queue = []client.Entry{}
	}
	if st.Parked, err = s.Parked(ctx); err != nil {
		return st, err
	}
	if st.Checkpoint, err = s.LoadCheckpoint(ctx); err != nil {
		return st, err
	}
	if st.Records, err = s.ListRecords(ctx); err != nil {
		return st, err
	}
	return st, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return wrap(s.db.Close(), syncErrors.OpClose)
}
