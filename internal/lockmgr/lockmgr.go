// Package lockmgr is the fail-fast session-granularity lock manager
// (spec.md §4.8, C8). Contention never waits: a caller either gets the
// lock or learns who holds it, immediately.
//
// Grounded on the teacher's internal/storage/dolt AccessLock idiom
// (acquire-or-report-holder shape, audit trail written in the same
// transaction as the mutation) narrowed from Dolt's cross-process
// filesystem lock to a DB-row lock scoped to one session.
package lockmgr

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/loomhq/loom/internal/eventlog"
	"github.com/loomhq/loom/internal/loomerr"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/types"
)

type Manager struct {
	Pool *store.Pool
}

func New(pool *store.Pool) *Manager { return &Manager{Pool: pool} }

// Acquire attempts to lock session for agent until now+ttlSeconds. On
// contention it returns a *loomerr.Contended error naming the current
// holder rather than blocking — there is no wait queue.
func (m *Manager) Acquire(ctx context.Context, tx *store.ImmediateTx, now int64, session, agentID string, ttlSeconds int64) (*types.Lock, error) {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE name = ?`, session).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("lock %s: %w", session, loomerr.ErrSessionNotFound)
		}
		return nil, loomerr.Wrap("lock: check session", loomerr.ErrDatabaseError, err)
	}

	expiresAt := now + ttlSeconds
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO session_locks (session, agent_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, session, agentID, now, expiresAt)
	if err != nil {
		return nil, loomerr.Wrap("acquire lock", loomerr.ErrDatabaseError, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var holder string
		row := tx.QueryRowContext(ctx, `SELECT agent_id FROM session_locks WHERE session = ?`, session)
		if err := row.Scan(&holder); err != nil {
			return nil, loomerr.Wrap("read lock holder", loomerr.ErrDatabaseError, err)
		}
		return nil, &loomerr.Contended{Holder: holder}
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, loomerr.Wrap("acquire lock", loomerr.ErrDatabaseError, err)
	}
	lock := &types.Lock{ID: id, Session: session, AgentID: agentID, AcquiredAt: now, ExpiresAt: expiresAt}

	if err := appendAudit(ctx, tx, now, session, agentID, "acquire"); err != nil {
		return nil, err
	}
	if err := eventlog.Append(ctx, tx, now, session, types.EventLockAcquired, lock); err != nil {
		return nil, err
	}
	return lock, nil
}

// Release unlocks lockID. Only the acquiring agent may release it;
// anyone else gets loomerr.ErrInvalidArgs wrapped with a WrongOwner-shaped
// message (spec.md §4.8's WrongOwner).
func (m *Manager) Release(ctx context.Context, tx *store.ImmediateTx, now int64, lockID int64, agentID string) error {
	var session, holder string
	row := tx.QueryRowContext(ctx, `SELECT session, agent_id FROM session_locks WHERE id = ?`, lockID)
	if err := row.Scan(&session, &holder); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("release lock %d: %w", lockID, loomerr.ErrLockNotFound)
		}
		return loomerr.Wrap("release: read lock", loomerr.ErrDatabaseError, err)
	}
	if holder != agentID {
		return fmt.Errorf("release lock %d: held by %s, not %s: %w", lockID, holder, agentID, loomerr.ErrInvalidArgs)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_locks WHERE id = ?`, lockID); err != nil {
		return loomerr.Wrap("release lock", loomerr.ErrDatabaseError, err)
	}
	if err := appendAudit(ctx, tx, now, session, agentID, "release"); err != nil {
		return err
	}
	return eventlog.Append(ctx, tx, now, session, types.EventLockReleased, map[string]any{
		"lock_id": lockID, "agent_id": agentID, "reason": "released",
	})
}

// Extend pushes lockID's expiry out by additionalTTLSeconds, relative to
// its *current* expiry rather than to now — extending an already-expired
// lock does not silently reset its clock to the present.
func (m *Manager) Extend(ctx context.Context, tx *store.ImmediateTx, now int64, lockID int64, agentID string, additionalTTLSeconds int64) (*types.Lock, error) {
	var session, holder string
	var acquiredAt, expiresAt int64
	row := tx.QueryRowContext(ctx, `SELECT session, agent_id, acquired_at, expires_at FROM session_locks WHERE id = ?`, lockID)
	if err := row.Scan(&session, &holder, &acquiredAt, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("extend lock %d: %w", lockID, loomerr.ErrLockNotFound)
		}
		return nil, loomerr.Wrap("extend: read lock", loomerr.ErrDatabaseError, err)
	}
	if holder != agentID {
		return nil, fmt.Errorf("extend lock %d: held by %s, not %s: %w", lockID, holder, agentID, loomerr.ErrInvalidArgs)
	}

	base := expiresAt
	if now > base {
		base = now
	}
	newExpiry := base + additionalTTLSeconds

	if _, err := tx.ExecContext(ctx, `UPDATE session_locks SET expires_at = ? WHERE id = ?`, newExpiry, lockID); err != nil {
		return nil, loomerr.Wrap("extend lock", loomerr.ErrDatabaseError, err)
	}
	if err := appendAudit(ctx, tx, now, session, agentID, "extend"); err != nil {
		return nil, err
	}
	return &types.Lock{ID: lockID, Session: session, AgentID: agentID, AcquiredAt: acquiredAt, ExpiresAt: newExpiry}, nil
}

// HoldsLock reports whether agentID currently holds session's lock — used
// by C11's pre-flight check before running the done pipeline.
func (m *Manager) HoldsLock(ctx context.Context, session, agentID string) (bool, error) {
	var holder string
	err := m.Pool.DB.QueryRowContext(ctx, `SELECT agent_id FROM session_locks WHERE session = ?`, session).Scan(&holder)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, loomerr.Wrap("check lock holder", loomerr.ErrDatabaseError, err)
	}
	return holder == agentID, nil
}

func appendAudit(ctx context.Context, tx *store.ImmediateTx, now int64, session, agentID, action string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO lock_audit (session, agent_id, action, at) VALUES (?, ?, ?, ?)
	`, session, agentID, action, now)
	if err != nil {
		return loomerr.Wrap("append lock audit", loomerr.ErrDatabaseError, err)
	}
	return nil
}
