// Package session implements the session state machine and its store
// operations (spec.md §3-4.4, C4): create, transition, get, list, and the
// atomic-remove protocol. Every mutation appends to the event log inside
// the same transaction, per C2's contract.
//
// Grounded on the teacher's internal/storage/ephemeral CRUD idiom (ReadRow
// scan helpers, upsert-then-event pattern) adapted from issue records to
// session/workspace records.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/loomhq/loom/internal/eventlog"
	"github.com/loomhq/loom/internal/loomerr"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/types"
)

// Store is the session repository, backed by the shared pool.
type Store struct {
	Pool *store.Pool
}

func New(pool *store.Pool) *Store { return &Store{Pool: pool} }

// CreateParams describes a new session. WorkspacePath must be absolute
// (spec.md §4.4 edge case: reject relative paths up front).
type CreateParams struct {
	Name          string
	WorkspacePath string
	TaskID        string
}

// Create inserts a new session row in WorkspaceCreated/SessionCreating
// state. Returns loomerr.ErrSessionExists if the name is already taken.
func (s *Store) Create(ctx context.Context, tx *store.ImmediateTx, now int64, p CreateParams) (*types.Session, error) {
	if err := types.ValidateName(p.Name); err != nil {
		return nil, loomerr.Wrap("create session", loomerr.ErrInvalidName, err)
	}
	if !filepath.IsAbs(p.WorkspacePath) {
		return nil, fmt.Errorf("create session %s: %w", p.Name, loomerr.ErrPathNotAbsolute)
	}

	sess := &types.Session{
		Name:          p.Name,
		WorkspacePath: p.WorkspacePath,
		TaskID:        p.TaskID,
		Status:        types.SessionCreating,
		Workspace:     types.WorkspaceCreated,
		Removal:       types.RemovalNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (name, workspace_path, task_id, status, workspace, removal_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.Name, sess.WorkspacePath, sess.TaskID, string(sess.Status), string(sess.Workspace), string(sess.Removal), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create session %s: %w", p.Name, loomerr.ErrSessionExists)
		}
		return nil, loomerr.Wrap("create session", loomerr.ErrDatabaseError, err)
	}

	if err := eventlog.Append(ctx, tx, now, sess.Name, types.EventUpsert, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get fetches a session by name. Returns loomerr.ErrSessionNotFound if absent.
func (s *Store) Get(ctx context.Context, name string) (*types.Session, error) {
	row := s.Pool.DB.QueryRowContext(ctx, `
		SELECT name, workspace_path, task_id, status, workspace, removal_status, created_at, updated_at
		FROM sessions WHERE name = ?
	`, name)
	return scanSession(row, name)
}

func scanSession(row *sql.Row, name string) (*types.Session, error) {
	var sess types.Session
	var status, workspace, removal string
	err := row.Scan(&sess.Name, &sess.WorkspacePath, &sess.TaskID, &status, &workspace, &removal, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get session %s: %w", name, loomerr.ErrSessionNotFound)
	}
	if err != nil {
		return nil, loomerr.Wrap("get session", loomerr.ErrDatabaseError, err)
	}
	sess.Status = types.SessionStatus(status)
	sess.Workspace = types.WorkspaceState(workspace)
	sess.Removal = types.RemovalStatus(removal)
	return &sess, nil
}

// List returns sessions matching filter, most recently created first.
func (s *Store) List(ctx context.Context, filter types.Filter) ([]types.Session, error) {
	query := `
		SELECT name, workspace_path, task_id, status, workspace, removal_status, created_at, updated_at
		FROM sessions WHERE 1=1
	`
	var args []any
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.Workspace != nil {
		query += ` AND workspace = ?`
		args = append(args, string(*filter.Workspace))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.Pool.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, loomerr.Wrap("list sessions", loomerr.ErrDatabaseError, err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Session
	for rows.Next() {
		var sess types.Session
		var status, workspace, removal string
		if err := rows.Scan(&sess.Name, &sess.WorkspacePath, &sess.TaskID, &status, &workspace, &removal, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, loomerr.Wrap("scan session", loomerr.ErrDatabaseError, err)
		}
		sess.Status = types.SessionStatus(status)
		sess.Workspace = types.WorkspaceState(workspace)
		sess.Removal = types.RemovalStatus(removal)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// TransitionWorkspace moves a session's workspace state along the graph of
// types.CanTransition, rejecting illegal edges (spec.md §3: terminal states
// admit no outgoing transitions).
func (s *Store) TransitionWorkspace(ctx context.Context, tx *store.ImmediateTx, now int64, name string, to types.WorkspaceState) (*types.Session, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT name, workspace_path, task_id, status, workspace, removal_status, created_at, updated_at
		FROM sessions WHERE name = ?
	`, name)
	sess, err := scanSessionFromRow(row, name)
	if err != nil {
		return nil, err
	}

	if !types.CanTransition(sess.Workspace, to) {
		return nil, fmt.Errorf("transition session %s: %w", name, &loomerr.InvalidTransition{
			From: string(sess.Workspace), To: string(to),
		})
	}

	from := sess.Workspace
	sess.Workspace = to
	sess.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET workspace = ?, updated_at = ? WHERE name = ?
	`, string(to), now, name); err != nil {
		return nil, loomerr.Wrap("transition session", loomerr.ErrDatabaseError, err)
	}

	if err := eventlog.Append(ctx, tx, now, name, types.EventTransition, map[string]string{
		"from": string(from), "to": string(to),
	}); err != nil {
		return nil, err
	}
	return sess, nil
}

func scanSessionFromRow(row *sql.Row, name string) (*types.Session, error) {
	var sess types.Session
	var status, workspace, removal string
	err := row.Scan(&sess.Name, &sess.WorkspacePath, &sess.TaskID, &status, &workspace, &removal, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", name, loomerr.ErrSessionNotFound)
	}
	if err != nil {
		return nil, loomerr.Wrap("read session", loomerr.ErrDatabaseError, err)
	}
	sess.Status = types.SessionStatus(status)
	sess.Workspace = types.WorkspaceState(workspace)
	sess.Removal = types.RemovalStatus(removal)
	return &sess, nil
}

// SetStatus updates the session-level lifecycle status (distinct from the
// workspace state graph) without an event-log transition record; it still
// appends an EventUpsert snapshot so tailers observe the change.
func (s *Store) SetStatus(ctx context.Context, tx *store.ImmediateTx, now int64, name string, status types.SessionStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE name = ?`, string(status), now, name)
	if err != nil {
		return loomerr.Wrap("set session status", loomerr.ErrDatabaseError, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("set status %s: %w", name, loomerr.ErrSessionNotFound)
	}
	return eventlog.Append(ctx, tx, now, name, types.EventUpsert, map[string]string{"status": string(status)})
}

// MarkRemovalFailed records that the atomic-remove protocol (spec.md §4.11)
// could not clean up every resource, leaving an operator-visible marker
// instead of silently losing track of the orphaned workspace.
func (s *Store) MarkRemovalFailed(ctx context.Context, tx *store.ImmediateTx, now int64, name string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET removal_status = ?, updated_at = ? WHERE name = ?`,
		string(types.RemovalFailed), now, name)
	if err != nil {
		return loomerr.Wrap("mark removal failed", loomerr.ErrDatabaseError, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("mark removal failed %s: %w", name, loomerr.ErrSessionNotFound)
	}
	return eventlog.Append(ctx, tx, now, name, types.EventUpsert, map[string]string{"removal_status": string(types.RemovalFailed)})
}

// Delete removes the session row outright. Callers must have already
// confirmed the workspace is terminal (Merged or Abandoned) and the
// on-disk workspace/jj data has been removed; this is the last step of the
// atomic-remove protocol, not a standalone operation.
func (s *Store) Delete(ctx context.Context, tx *store.ImmediateTx, name string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE name = ?`, name)
	if err != nil {
		return loomerr.Wrap("delete session", loomerr.ErrDatabaseError, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("delete session %s: %w", name, loomerr.ErrSessionNotFound)
	}
	return nil
}

// isUniqueViolation matches on the driver's error text rather than a typed
// sentinel: ncruces/go-sqlite3 surfaces SQLite's extended result code as
// plain text, and importing its internal error type from outside the
// driver package buys nothing here.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
