package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward step of the schema, gated by PRAGMA user_version.
// Grounded on the teacher's internal/storage/sqlite/migrations package: one
// function per version, run inside a single serializable transaction, never
// rewritten once shipped.
type migration struct {
	version int
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{version: 1, apply: migrateCreateSchema},
}

func (p *Pool) migrate(ctx context.Context) error {
	var current int
	if err := p.DB.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&current); err != nil {
		return wrapErr("read user_version", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := p.DB.BeginTx(ctx, &sql.TxOptions{})
		if err != nil {
			return wrapErr("begin migration", err)
		}
		if err := m.apply(ctx, tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, m.version)); err != nil {
			_ = tx.Rollback()
			return wrapErr("bump user_version", err)
		}
		if err := tx.Commit(); err != nil {
			return wrapErr("commit migration", err)
		}
	}
	return nil
}

func migrateCreateSchema(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			name           TEXT PRIMARY KEY,
			workspace_path TEXT NOT NULL,
			task_id        TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			workspace      TEXT NOT NULL,
			removal_status TEXT NOT NULL DEFAULT 'none',
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_locks (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session     TEXT NOT NULL REFERENCES sessions(name) ON DELETE CASCADE,
			agent_id    TEXT NOT NULL,
			acquired_at INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL,
			UNIQUE(session)
		)`,
		`CREATE TABLE IF NOT EXISTS lock_audit (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session     TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			action      TEXT NOT NULL,
			at          INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			session         TEXT,
			last_heartbeat  INTEGER NOT NULL,
			current_command TEXT NOT NULL DEFAULT '',
			registered_at   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id   TEXT NOT NULL,
			recipients  TEXT NOT NULL,
			body        TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS merge_queue (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace    TEXT NOT NULL,
			task_id      TEXT NOT NULL DEFAULT '',
			priority     INTEGER NOT NULL,
			status       TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			added_at     INTEGER NOT NULL,
			started_at   INTEGER,
			completed_at INTEGER,
			last_error   TEXT NOT NULL DEFAULT '',
			claimant_id  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_merge_queue_active_workspace
			ON merge_queue(workspace)
			WHERE status IN ('pending', 'processing')`,
		`CREATE INDEX IF NOT EXISTS idx_merge_queue_claim
			ON merge_queue(status, priority, added_at)`,
		`CREATE TABLE IF NOT EXISTS queue_processing_lock (
			id          INTEGER PRIMARY KEY CHECK (id = 1),
			agent_id    TEXT NOT NULL,
			acquired_at INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS processed_commands (
			command_id TEXT PRIMARY KEY,
			result     TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp    INTEGER NOT NULL,
			session_name TEXT NOT NULL,
			kind         TEXT NOT NULL,
			payload      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_name, seq)`,
		`CREATE TABLE IF NOT EXISTS repair_backups (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			session_name      TEXT NOT NULL,
			kind              TEXT NOT NULL,
			db_snapshot_path  TEXT NOT NULL DEFAULT '',
			workspace_tarball TEXT NOT NULL DEFAULT '',
			created_at        INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("exec schema statement: %w\nSQL: %s", err, s)
		}
	}
	return nil
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
