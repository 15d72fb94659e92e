package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenMissingParentDir(t *testing.T) {
	_, err := Open("/no/such/parent/dir/state.db", DefaultConfig())
	if err == nil {
		t.Fatal("expected error opening a db under a missing parent directory")
	}
}

func TestOpenRunsMigrations(t *testing.T) {
	pool := NewTestPool(t)
	var version int
	if err := pool.DB.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}

	var tableCount int
	if err := pool.DB.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'sessions'`).Scan(&tableCount); err != nil {
		t.Fatalf("check sessions table: %v", err)
	}
	if tableCount != 1 {
		t.Fatal("expected migrations to create the sessions table")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	p1, err := Open(path, DefaultConfig())
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := p1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p2, err := Open(path, DefaultConfig())
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer func() { _ = p2.Close() }()

	var version int
	if err := p2.DB.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != 1 {
		t.Errorf("reopening should not rerun migrations past version 1, got %d", version)
	}
}

func TestBeginImmediateCommit(t *testing.T) {
	pool := NewTestPool(t)
	ctx := context.Background()

	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO metadata (key, value) VALUES ('k', 'v')`); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Commit is idempotent.
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("second commit should be a no-op, got: %v", err)
	}

	var value string
	if err := pool.DB.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = 'k'`).Scan(&value); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if value != "v" {
		t.Errorf("expected 'v', got %q", value)
	}
}

func TestImmediateTxRollback(t *testing.T) {
	pool := NewTestPool(t)
	ctx := context.Background()

	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO metadata (key, value) VALUES ('k', 'v')`); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	var count int
	if err := pool.DB.QueryRowContext(ctx, `SELECT count(*) FROM metadata WHERE key = 'k'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Error("expected rollback to discard the insert")
	}
}
