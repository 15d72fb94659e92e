// Package store is the transactional store (spec.md §4.1, C1): a single
// embedded SQLite database per repository, opened with the pure-Go
// ncruces/go-sqlite3 driver (no cgo), WAL journaling, and a pooled
// *sql.DB. Every other core component reaches the database only through
// this package.
//
// Grounded on the teacher's internal/storage/ephemeral.Store (DSN shape,
// schema-in-one-transaction init) and internal/storage/sqlite's migration
// idiom (PRAGMA user_version gate, one func(*sql.DB) error per migration).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/loomhq/loom/internal/loomerr"
)

// Pool wraps the database/sql connection pool for loom's state database.
type Pool struct {
	DB   *sql.DB
	Path string
}

// Config controls pool sizing (spec.md §4.1: ~20 connections, small warm
// minimum, 30s acquisition timeout, per-acquisition health check).
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	AcquireTimeout  time.Duration
}

// DefaultConfig matches spec.md §9's resolved Open Question: the pool
// floor is raised from the source's 10 to 20.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    20,
		MaxIdleConns:    4,
		ConnMaxIdleTime: 5 * time.Minute,
		AcquireTimeout:  30 * time.Second,
	}
}

// Open opens (creating if absent) the state database at path, inside a
// repository-rooted state directory. A missing parent directory fails with
// ErrIoError (there is no separate not-initialized error), a failing
// integrity check with ErrCorrupted, and an open or ping failure with
// ErrIoError.
func Open(path string, cfg Config) (*Pool, error) {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, fmt.Errorf("open store: parent dir missing: %w", loomerr.ErrIoError)
	}

	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000&_foreign_keys=1&_sync=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, loomerr.Wrap("open store", loomerr.ErrIoError, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, loomerr.Wrap("ping store", loomerr.ErrIoError, err)
	}

	var check string
	if err := db.QueryRow(`PRAGMA integrity_check`).Scan(&check); err != nil {
		_ = db.Close()
		return nil, loomerr.Wrap("integrity_check", loomerr.ErrCorrupted, err)
	}
	if check != "ok" {
		_ = db.Close()
		return nil, fmt.Errorf("integrity_check: %w: %s", loomerr.ErrCorrupted, check)
	}

	p := &Pool{DB: db, Path: path}
	if err := p.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the underlying connection pool.
func (p *Pool) Close() error { return p.DB.Close() }

// Acquire returns a connection, bounded by the pool's acquisition timeout
// (spec.md §5: "Pool acquisition: 30 s"). The caller owns Close().
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*sql.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := p.DB.Conn(actx)
	if err != nil {
		return nil, loomerr.Wrap("acquire connection", loomerr.ErrPoolTimeout, err)
	}
	return conn, nil
}

// ImmediateTx is a transaction opened with "BEGIN IMMEDIATE", which grabs
// SQLite's write lock up front instead of on first write. database/sql's
// *sql.Tx always issues a plain "BEGIN" and has no knob for SQLite's
// locking modes, so ImmediateTx drives the raw connection directly: this
// is the standard workaround for the same gap the teacher's
// store_race_test.go documents against this driver family.
type ImmediateTx struct {
	conn *sql.Conn
	done bool
}

func (t *ImmediateTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.conn.ExecContext(ctx, query, args...)
}

func (t *ImmediateTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.conn.QueryContext(ctx, query, args...)
}

func (t *ImmediateTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

// Commit commits and releases the underlying connection back to the pool.
func (t *ImmediateTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	_, err := t.conn.ExecContext(ctx, `COMMIT`)
	closeErr := t.conn.Close()
	if err != nil {
		return loomerr.Wrap("commit", loomerr.ErrDatabaseError, err)
	}
	return closeErr
}

// Rollback rolls back and releases the underlying connection. Safe to call
// after a successful Commit (no-op) so callers can always `defer tx.Rollback(ctx)`.
func (t *ImmediateTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	_, _ = t.conn.ExecContext(ctx, `ROLLBACK`)
	return t.conn.Close()
}

// BeginImmediate opens a transaction that has already acquired SQLite's
// write lock, avoiding the lock-upgrade deadlock spec.md §4.1 warns about
// for C9's claim algorithm.
func (p *Pool) BeginImmediate(ctx context.Context) (*ImmediateTx, error) {
	conn, err := p.Acquire(ctx, 30*time.Second)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		_ = conn.Close()
		return nil, loomerr.Wrap("begin immediate", loomerr.ErrDatabaseError, err)
	}
	return &ImmediateTx{conn: conn}, nil
}
