// Package sqlite provides a SQLite implementation of storage.Store.
package sqlite

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

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/synckit"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const component = "storage/sqlite"

// Config holds configuration options for the SQLite store.
//
// DefaultConfig enables WAL, a busy timeout and immediate write
// transactions so concurrent writers queue instead of failing.
type Config struct {
	// DataSourceName is the database file, e.g. "file:sync.db".
	DataSourceName string

	// EnableWAL turns on write-ahead logging.
	EnableWAL bool

	// BusyTimeout is how long a writer waits for the database lock.
	BusyTimeout time.Duration

	Logger *slog.Logger

	// Connection pool settings. Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component(component))
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
}

// DefaultConfig returns a Config with WAL enabled.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// dsn appends the driver parameters the store depends on, leaving any the
// caller already set alone.
func (c *Config) dsn() string {
	params := []string{"_txlock=immediate", fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds())}
	if c.EnableWAL {
		params = append(params, "_journal_mode=WAL")
	}

	out := c.DataSourceName
	for _, p := range params {
		key := p[:strings.Index(p, "=")+1]
		if strings.Contains(out, key) {
			continue
		}
		if strings.Contains(out, "?") {
			out += "&" + p
		} else {
			out += "?" + p
		}
	}
	return out
}

// Store implements storage.Store on SQLite.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *slog.Logger

	// writeMu keeps in-process writers off SQLite's busy handler.
	writeMu stdSync.Mutex
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

// NewWithDataSource is a convenience constructor.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// New opens the database and creates the schema when missing.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := config.Logger
	logger.Info("Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}
	return s, nil
}

func (s *Store) setupSchema() error {
	const query = `
    CREATE TABLE IF NOT EXISTS records (
        id       TEXT PRIMARY KEY,
        version  INTEGER NOT NULL,
        doc      TEXT NOT NULL
    );
    CREATE TABLE IF NOT EXISTS changelog (
        checkpoint  INTEGER PRIMARY KEY AUTOINCREMENT,
        id          TEXT NOT NULL,
        type        TEXT NOT NULL,
        version     INTEGER NOT NULL DEFAULT 0,
        doc         TEXT,
        origin      TEXT NOT NULL DEFAULT '',
        at_unix_ns  INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_changelog_id ON changelog (id);
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrStoreClosed
	}
	return nil
}

// Get returns the current state of a record.
func (s *Store) Get(ctx context.Context, id string) (storage.Record, error) {
	if err := s.checkOpen(); err != nil {
		return storage.Record{}, err
	}
	rec, err := getRecord(ctx, s.db, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Record{}, syncErrors.WrapStorage(err, syncErrors.OpLoad, component)
	}
	return rec, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryer, id string) (storage.Record, error) {
	var (
		rec storage.Record
		doc string
	)
	err := q.QueryRowContext(ctx, `SELECT id, version, doc FROM records WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Version, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, err
	}
	if err := json.Unmarshal([]byte(doc), &rec.Doc); err != nil {
		return storage.Record{}, fmt.Errorf("decode doc for %s: %w", id, err)
	}
	return rec, nil
}

// List returns change log entries after since in checkpoint order.
func (s *Store) List(ctx context.Context, since cursor.Checkpoint, limit int) ([]synckit.ChangeLogEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint, id, type, version, doc, origin, at_unix_ns
		FROM changelog
		WHERE checkpoint > ?
		ORDER BY checkpoint ASC
		LIMIT ?`, int64(since), limit)
	if err != nil {
		return nil, syncErrors.WrapStorage(err, syncErrors.OpPull, component)
	}
	defer rows.Close()

	out := []synckit.ChangeLogEntry{}
	for rows.Next() {
		var (
			e   synckit.ChangeLogEntry
			doc sql.NullString
			at  int64
		)
		if err := rows.Scan(&e.Checkpoint, &e.ID, &e.Type, &e.Version, &doc, &e.OriginClientID, &at); err != nil {
			return nil, syncErrors.WrapStorage(fmt.Errorf("failed to scan changelog row: %w", err), syncErrors.OpPull, component)
		}
		if doc.Valid {
			if err := json.Unmarshal([]byte(doc.String), &e.Doc); err != nil {
				return nil, syncErrors.WrapStorage(err, syncErrors.OpPull, component)
			}
		}
		e.At = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapStorage(fmt.Errorf("error during row iteration: %w", err), syncErrors.OpPull, component)
	}
	return out, nil
}

// Latest returns the highest assigned checkpoint.
func (s *Store) Latest(ctx context.Context) (cursor.Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(checkpoint) FROM changelog`).Scan(&max); err != nil {
		return 0, syncErrors.WrapStorage(err, syncErrors.OpCheckpoint, component)
	}
	return cursor.Checkpoint(max.Int64), nil
}

// Update runs fn inside one immediate transaction.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapStorage(err, syncErrors.OpStore, component)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&tx{tx: sqlTx, now: s.now}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return syncErrors.WrapStorage(err, syncErrors.OpStore, component)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

type tx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *tx) Get(ctx context.Context, id string) (storage.Record, error) {
	rec, err := getRecord(ctx, t.tx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Record{}, syncErrors.WrapStorage(err, syncErrors.OpLoad, component)
	}
	return rec, err
}

func (t *tx) Put(ctx context.Context, rec storage.Record) error {
	doc, err := json.Marshal(rec.Doc)
	if err != nil {
		return syncErrors.WrapStorage(err, syncErrors.OpStore, component)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO records (id, version, doc) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, doc = excluded.doc`,
		rec.ID, rec.Version, string(doc))
	return syncErrors.WrapStorage(err, syncErrors.OpStore, component)
}

func (t *tx) Delete(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	return syncErrors.WrapStorage(err, syncErrors.OpStore, component)
}

func (t *tx) Append(ctx context.Context, entry synckit.ChangeLogEntry) (cursor.Checkpoint, error) {
	var doc sql.NullString
	if entry.Doc != nil {
		b, err := json.Marshal(entry.Doc)
		if err != nil {
			return 0, syncErrors.WrapStorage(err, syncErrors.OpStore, component)
		}
		doc = sql.NullString{String: string(b), Valid: true}
	}
	at := entry.At
	if at.IsZero() {
		at = t.now()
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO changelog (id, type, version, doc, origin, at_unix_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Type), entry.Version, doc, entry.OriginClientID, at.UnixNano())
	if err != nil {
		return 0, syncErrors.WrapStorage(err, syncErrors.OpStore, component)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, syncErrors.WrapStorage(err, syncErrors.OpStore, component)
	}
	return cursor.Checkpoint(id), nil
}
