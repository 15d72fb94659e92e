// Package queue is the merge queue (spec.md §4.9, C9): a priority queue of
// workspaces waiting to land on the tracking branch, claimed under a
// singleton processing lease so only one worker processes an entry at a
// time.
//
// Grounded on the teacher's internal/storage/sqlite ClaimIssue idiom: one
// BEGIN IMMEDIATE transaction, an atomic conditional UPDATE...RETURNING,
// release-on-miss. The singleton-lease steal pattern
// (`INSERT ... ON CONFLICT DO UPDATE ... WHERE expires_at < ?`) generalizes
// that same claim discipline to a one-row mutex instead of a one-row issue.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/eventlog"
	"github.com/loomhq/loom/internal/loomerr"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/types"
)

const DefaultMaxAttempts = 3

// ErrNoneClaimable is returned by Claim when no entry is available, either
// because the processing lock is already held live or no pending entry
// exists. It is not a loomerr sentinel since it is an expected, frequent
// outcome of polling, not a failure.
var ErrNoneClaimable = fmt.Errorf("no claimable entry")

type Queue struct {
	Pool *store.Pool
}

func New(pool *store.Pool) *Queue { return &Queue{Pool: pool} }

// Enqueue inserts a new pending entry for workspace. I3 (the partial unique
// index on merge_queue(workspace) WHERE status IN pending/processing) is
// the backstop that rejects a second concurrent entry for the same
// workspace.
func (q *Queue) Enqueue(ctx context.Context, tx *store.ImmediateTx, now int64, workspace, taskID string, priority int) (*types.QueueEntry, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO merge_queue (workspace, task_id, priority, status, attempts, added_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, workspace, taskID, priority, string(types.QueuePending), now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("enqueue %s: %w", workspace, loomerr.ErrQueueContention)
		}
		return nil, loomerr.Wrap("enqueue", loomerr.ErrDatabaseError, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, loomerr.Wrap("enqueue", loomerr.ErrDatabaseError, err)
	}
	entry := &types.QueueEntry{ID: id, Workspace: workspace, TaskID: taskID, Priority: priority, Status: types.QueuePending, AddedAt: now}
	if err := eventlog.Append(ctx, tx, now, workspace, types.EventQueueStatusChanged, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Claim atomically steals the singleton processing lease for workerID, then
// claims the highest-priority pending entry (earliest added_at breaking
// ties). Returns ErrNoneClaimable if either step yields nothing.
func (q *Queue) Claim(ctx context.Context, tx *store.ImmediateTx, now int64, workerID string, leaseSeconds int64) (*types.QueueEntry, error) {
	leaseExpiry := now + leaseSeconds
	res, err := tx.ExecContext(ctx, `
		INSERT INTO queue_processing_lock (id, agent_id, acquired_at, expires_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET agent_id = excluded.agent_id, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
		WHERE queue_processing_lock.expires_at < ?
	`, workerID, now, leaseExpiry, now)
	if err != nil {
		return nil, loomerr.Wrap("claim: acquire processing lock", loomerr.ErrDatabaseError, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, ErrNoneClaimable
	}

	var id int64
	var workspace, taskID string
	var priority, attempts int
	var addedAt int64
	row := tx.QueryRowContext(ctx, `
		SELECT id, workspace, task_id, priority, attempts, added_at FROM merge_queue
		WHERE status = 'pending' ORDER BY priority ASC, added_at ASC LIMIT 1
	`)
	switch err := row.Scan(&id, &workspace, &taskID, &priority, &attempts, &addedAt); err {
	case nil:
		// fall through to claim below
	case sql.ErrNoRows:
		if err := q.releaseProcessingLock(ctx, tx); err != nil {
			return nil, err
		}
		return nil, ErrNoneClaimable
	default:
		return nil, loomerr.Wrap("claim: select pending", loomerr.ErrDatabaseError, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE merge_queue SET status = ?, claimant_id = ?, started_at = ? WHERE id = ?
	`, string(types.QueueProcessing), workerID, now, id); err != nil {
		return nil, loomerr.Wrap("claim: update entry", loomerr.ErrDatabaseError, err)
	}

	entry := &types.QueueEntry{
		ID: id, Workspace: workspace, TaskID: taskID, Priority: priority,
		Status: types.QueueProcessing, Attempts: attempts, AddedAt: addedAt,
		StartedAt: &now, ClaimantID: workerID,
	}
	if err := eventlog.Append(ctx, tx, now, workspace, types.EventQueueStatusChanged, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (q *Queue) releaseProcessingLock(ctx context.Context, tx *store.ImmediateTx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM queue_processing_lock WHERE id = 1`)
	if err != nil {
		return loomerr.Wrap("release processing lock", loomerr.ErrDatabaseError, err)
	}
	return nil
}

// MarkDone records successful completion of entry id and releases the
// processing lease.
func (q *Queue) MarkDone(ctx context.Context, tx *store.ImmediateTx, now int64, id int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE merge_queue SET status = ?, completed_at = ? WHERE id = ? AND status = ?
	`, string(types.QueueDone), now, id, string(types.QueueProcessing))
	if err != nil {
		return loomerr.Wrap("mark done", loomerr.ErrDatabaseError, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("mark done %d: %w", id, loomerr.ErrQueueEntryNotFound)
	}
	if err := q.releaseProcessingLock(ctx, tx); err != nil {
		return err
	}
	var workspace string
	_ = tx.QueryRowContext(ctx, `SELECT workspace FROM merge_queue WHERE id = ?`, id).Scan(&workspace)
	return eventlog.Append(ctx, tx, now, workspace, types.EventQueueStatusChanged, map[string]any{"id": id, "status": types.QueueDone})
}

// MarkFailed records a failed attempt. A retryable failure returns the
// entry to pending with attempts incremented, forcing failed_terminal once
// maxAttempts is reached; a non-retryable failure goes straight to
// failed_terminal.
func (q *Queue) MarkFailed(ctx context.Context, tx *store.ImmediateTx, now int64, id int64, errMsg string, retryable bool, maxAttempts int) error {
	var attempts int
	var workspace string
	row := tx.QueryRowContext(ctx, `SELECT attempts, workspace FROM merge_queue WHERE id = ? AND status = ?`, id, string(types.QueueProcessing))
	if err := row.Scan(&attempts, &workspace); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("mark failed %d: %w", id, loomerr.ErrQueueEntryNotFound)
		}
		return loomerr.Wrap("mark failed: read entry", loomerr.ErrDatabaseError, err)
	}
	attempts++

	newStatus := types.QueueFailedTerminal
	if retryable && attempts < maxAttempts {
		newStatus = types.QueuePending
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE merge_queue SET status = ?, attempts = ?, last_error = ?, claimant_id = '', started_at = NULL WHERE id = ?
	`, string(newStatus), attempts, errMsg, id); err != nil {
		return loomerr.Wrap("mark failed", loomerr.ErrDatabaseError, err)
	}
	if err := q.releaseProcessingLock(ctx, tx); err != nil {
		return err
	}
	return eventlog.Append(ctx, tx, now, workspace, types.EventQueueStatusChanged, map[string]any{
		"id": id, "status": newStatus, "attempts": attempts, "error": errMsg,
	})
}

// ReclaimStale moves processing entries whose claimant is no longer live
// (isLive reports liveness per C7) or whose lease has expired, back to
// pending. Returns the number reclaimed.
func (q *Queue) ReclaimStale(ctx context.Context, tx *store.ImmediateTx, now int64, isLive func(agentID string) (bool, error)) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, claimant_id, workspace FROM merge_queue WHERE status = ?
	`, string(types.QueueProcessing))
	if err != nil {
		return 0, loomerr.Wrap("reclaim stale: scan", loomerr.ErrDatabaseError, err)
	}
	type candidate struct {
		id        int64
		claimant  string
		workspace string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.claimant, &c.workspace); err != nil {
			_ = rows.Close()
			return 0, loomerr.Wrap("reclaim stale: scan row", loomerr.ErrDatabaseError, err)
		}
		candidates = append(candidates, c)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var leaseExpiry int64
	_ = tx.QueryRowContext(ctx, `SELECT expires_at FROM queue_processing_lock WHERE id = 1`).Scan(&leaseExpiry)

	reclaimed := 0
	for _, c := range candidates {
		live, err := isLive(c.claimant)
		if err != nil {
			return reclaimed, err
		}
		if live && leaseExpiry > now {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE merge_queue SET status = ?, claimant_id = '', started_at = NULL WHERE id = ?
		`, string(types.QueuePending), c.id); err != nil {
			return reclaimed, loomerr.Wrap("reclaim stale: update", loomerr.ErrDatabaseError, err)
		}
		if err := eventlog.Append(ctx, tx, now, c.workspace, types.EventQueueStatusChanged, map[string]any{
			"id": c.id, "status": types.QueuePending, "reason": "reclaimed_stale",
		}); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// List returns queue entries in claim order (priority, then added_at).
func (q *Queue) List(ctx context.Context, status *types.QueueStatus) ([]types.QueueEntry, error) {
	query := `SELECT id, workspace, task_id, priority, status, attempts, added_at, started_at, completed_at, last_error, claimant_id FROM merge_queue WHERE 1=1`
	var args []any
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY priority ASC, added_at ASC`

	rows, err := q.Pool.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, loomerr.Wrap("list queue", loomerr.ErrDatabaseError, err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.QueueEntry
	for rows.Next() {
		var e types.QueueEntry
		var statusStr string
		if err := rows.Scan(&e.ID, &e.Workspace, &e.TaskID, &e.Priority, &statusStr, &e.Attempts, &e.AddedAt, &e.StartedAt, &e.CompletedAt, &e.LastError, &e.ClaimantID); err != nil {
			return nil, loomerr.Wrap("scan queue entry", loomerr.ErrDatabaseError, err)
		}
		e.Status = types.QueueStatus(statusStr)
		out = append(out, e)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
