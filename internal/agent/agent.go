// Package agent is the agent registry (spec.md §4.7, C7): caller identity,
// heartbeat liveness, and broadcast messaging between agents sharing one
// repository.
//
// Grounded on the teacher's internal/registry session-registry shape
// (Register/Heartbeat/GetActive/ExpireStale) narrowed to pure
// database-heartbeat liveness — no HTTP sidecar probe, since none is in
// scope here.
package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/loomhq/loom/internal/eventlog"
	"github.com/loomhq/loom/internal/loomerr"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/types"
)

type Registry struct {
	Pool *store.Pool
}

func New(pool *store.Pool) *Registry { return &Registry{Pool: pool} }

// Register upserts an agent identity and appends an upsert event.
func (r *Registry) Register(ctx context.Context, tx *store.ImmediateTx, now int64, id, session string) (*types.Agent, error) {
	if err := types.ValidateName(id); err != nil {
		return nil, loomerr.Wrap("register agent", loomerr.ErrInvalidName, err)
	}
	a := &types.Agent{ID: id, Session: session, LastHeartbeat: now, RegisteredAt: now}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agents (id, session, last_heartbeat, current_command, registered_at)
		VALUES (?, ?, ?, '', ?)
		ON CONFLICT(id) DO UPDATE SET session = excluded.session, last_heartbeat = excluded.last_heartbeat
	`, a.ID, a.Session, a.LastHeartbeat, a.RegisteredAt)
	if err != nil {
		return nil, loomerr.Wrap("register agent", loomerr.ErrDatabaseError, err)
	}
	if err := eventlog.Append(ctx, tx, now, "", types.EventUpsert, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Heartbeat updates last-heartbeat and the agent's reported current command.
// An agent previously considered expired is implicitly revived: there is no
// separate "dead" flag, only a liveness window computed at read time.
func (r *Registry) Heartbeat(ctx context.Context, tx *store.ImmediateTx, now int64, id, currentCommand string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE agents SET last_heartbeat = ?, current_command = ? WHERE id = ?
	`, now, currentCommand, id)
	if err != nil {
		return loomerr.Wrap("heartbeat", loomerr.ErrDatabaseError, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("heartbeat %s: %w", id, loomerr.ErrAgentNotFound)
	}
	return nil
}

// GetActive returns agents whose last heartbeat is within timeoutSeconds of
// now, sorted deterministically by ID.
func (r *Registry) GetActive(ctx context.Context, now int64, timeoutSeconds int64) ([]types.Agent, error) {
	rows, err := r.Pool.DB.QueryContext(ctx, `
		SELECT id, session, last_heartbeat, current_command, registered_at
		FROM agents WHERE last_heartbeat > ?
	`, now-timeoutSeconds)
	if err != nil {
		return nil, loomerr.Wrap("get active agents", loomerr.ErrDatabaseError, err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Agent
	for rows.Next() {
		var a types.Agent
		var session sql.NullString
		if err := rows.Scan(&a.ID, &session, &a.LastHeartbeat, &a.CurrentCommand, &a.RegisteredAt); err != nil {
			return nil, loomerr.Wrap("scan agent", loomerr.ErrDatabaseError, err)
		}
		a.Session = session.String
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ExpireStale deletes every agent whose heartbeat is older than
// timeoutSeconds, cascading the delete to their locks and emitting a
// lock_released event per released lock, all within tx.
func (r *Registry) ExpireStale(ctx context.Context, tx *store.ImmediateTx, now int64, timeoutSeconds int64) (int, error) {
	cutoff := now - timeoutSeconds

	rows, err := tx.QueryContext(ctx, `
		SELECT sl.id, sl.session, sl.agent_id
		FROM session_locks sl
		JOIN agents a ON a.id = sl.agent_id
		WHERE a.last_heartbeat <= ?
	`, cutoff)
	if err != nil {
		return 0, loomerr.Wrap("scan stale locks", loomerr.ErrDatabaseError, err)
	}
	type releasedLock struct {
		id      int64
		session string
		agentID string
	}
	var released []releasedLock
	for rows.Next() {
		var l releasedLock
		if err := rows.Scan(&l.id, &l.session, &l.agentID); err != nil {
			_ = rows.Close()
			return 0, loomerr.Wrap("scan stale lock", loomerr.ErrDatabaseError, err)
		}
		released = append(released, l)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM session_locks WHERE agent_id IN (
			SELECT id FROM agents WHERE last_heartbeat <= ?
		)
	`, cutoff); err != nil {
		return 0, loomerr.Wrap("release stale agent locks", loomerr.ErrDatabaseError, err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE last_heartbeat <= ?`, cutoff)
	if err != nil {
		return 0, loomerr.Wrap("expire stale agents", loomerr.ErrDatabaseError, err)
	}
	n, _ := res.RowsAffected()

	for _, l := range released {
		if err := eventlog.Append(ctx, tx, now, l.session, types.EventLockReleased, map[string]any{
			"lock_id": l.id, "agent_id": l.agentID, "reason": "agent_expired",
		}); err != nil {
			return 0, err
		}
	}
	return int(n), nil
}

// Broadcast records a message from sender to every currently active agent
// except itself, storing the recipient list sorted and JSON-encoded.
func (r *Registry) Broadcast(ctx context.Context, tx *store.ImmediateTx, now int64, sender, body string, heartbeatTimeout int64) ([]string, error) {
	active, err := r.GetActive(ctx, now, heartbeatTimeout)
	if err != nil {
		return nil, err
	}
	var recipients []string
	for _, a := range active {
		if a.ID != sender {
			recipients = append(recipients, a.ID)
		}
	}
	sort.Strings(recipients)

	encoded, err := json.Marshal(recipients)
	if err != nil {
		return nil, fmt.Errorf("encode recipients: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_messages (sender_id, recipients, body, created_at)
		VALUES (?, ?, ?, ?)
	`, sender, string(encoded), body, now); err != nil {
		return nil, loomerr.Wrap("broadcast", loomerr.ErrDatabaseError, err)
	}
	return recipients, nil
}
