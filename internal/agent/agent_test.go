package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/loomerr"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/types"
)

func register(t *testing.T, r *agent.Registry, pool *store.Pool, now int64, id, session string) *types.Agent {
	t.Helper()
	ctx := context.Background()
	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	a, err := r.Register(ctx, tx, now, id, session)
	if err != nil {
		_ = tx.Rollback(ctx)
		t.Fatalf("Register: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return a
}

func TestRegisterIsUpsert(t *testing.T) {
	pool := store.NewTestPool(t)
	r := agent.New(pool)
	register(t, r, pool, 1000, "agent-a", "sess-1")
	register(t, r, pool, 1050, "agent-a", "sess-2")

	active, err := r.GetActive(context.Background(), 1050, 300)
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected the upsert to leave a single agent row, got %d", len(active))
	}
	if active[0].Session != "sess-2" {
		t.Errorf("expected the second registration to win, got session %s", active[0].Session)
	}
}

func TestRegisterRejectsInvalidName(t *testing.T) {
	pool := store.NewTestPool(t)
	r := agent.New(pool)
	ctx := context.Background()
	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := r.Register(ctx, tx, 1000, "1bad", "sess-1"); !errors.Is(err, loomerr.ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}

func TestHeartbeatUpdatesCommandAndRevivesExpired(t *testing.T) {
	pool := store.NewTestPool(t)
	r := agent.New(pool)
	register(t, r, pool, 1000, "agent-a", "sess-1")
	ctx := context.Background()

	// Past the timeout window: agent-a should no longer show as active.
	active, err := r.GetActive(ctx, 2000, 300)
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active agents past the heartbeat timeout, got %d", len(active))
	}

	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	if err := r.Heartbeat(ctx, tx, 2000, "agent-a", "loom session create"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	active, err = r.GetActive(ctx, 2000, 300)
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if len(active) != 1 || active[0].CurrentCommand != "loom session create" {
		t.Fatalf("expected a heartbeat to revive the agent as active, got %+v", active)
	}
}

func TestHeartbeatMissingAgentNotFound(t *testing.T) {
	pool := store.NewTestPool(t)
	r := agent.New(pool)
	ctx := context.Background()
	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := r.Heartbeat(ctx, tx, 1000, "nope", ""); !errors.Is(err, loomerr.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestGetActiveSortedByID(t *testing.T) {
	pool := store.NewTestPool(t)
	r := agent.New(pool)
	register(t, r, pool, 1000, "zeta", "sess-1")
	register(t, r, pool, 1000, "alpha", "sess-2")

	active, err := r.GetActive(context.Background(), 1000, 300)
	assert.NoError(t, err)
	if assert.Len(t, active, 2) {
		assert.Equal(t, "alpha", active[0].ID)
		assert.Equal(t, "zeta", active[1].ID)
	}
}

func TestExpireStaleCascadesLockRelease(t *testing.T) {
	pool := store.NewTestPool(t)
	r := agent.New(pool)
	register(t, r, pool, 1000, "agent-a", "sess-1")
	ctx := context.Background()

	// Simulate a session row and a lock held by agent-a directly; agent and
	// lockmgr are siblings, so wiring the lock here keeps this test free of
	// a lockmgr import.
	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (name, workspace_path, status, workspace, removal_status, created_at, updated_at)
		VALUES ('sess-1', '/tmp/ws/sess-1', 'creating', 'created', 'none', 1000, 1000)
	`); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_locks (session, agent_id, acquired_at, expires_at)
		VALUES ('sess-1', 'agent-a', 1000, 9999)
	`); err != nil {
		t.Fatalf("insert lock: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	n, err := r.ExpireStale(ctx, tx2, 5000, 300)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if err := tx2.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 agent expired, got %d", n)
	}

	var lockCount int
	if err := pool.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_locks WHERE agent_id = 'agent-a'`).Scan(&lockCount); err != nil {
		t.Fatalf("count locks: %v", err)
	}
	if lockCount != 0 {
		t.Errorf("expected the agent's lock to be cascade-deleted, found %d remaining", lockCount)
	}
}

func TestBroadcastExcludesSenderAndSortsRecipients(t *testing.T) {
	pool := store.NewTestPool(t)
	r := agent.New(pool)
	register(t, r, pool, 1000, "zeta", "sess-1")
	register(t, r, pool, 1000, "alpha", "sess-2")
	register(t, r, pool, 1000, "mid", "sess-3")
	ctx := context.Background()

	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	recipients, err := r.Broadcast(ctx, tx, 1000, "mid", "hello", 300)
	assert.NoError(t, err)
	assert.NoError(t, tx.Commit(ctx))
	assert.Equal(t, []string{"alpha", "zeta"}, recipients, "expected the sender excluded and recipients sorted")

	var encoded string
	if err := pool.DB.QueryRowContext(ctx, `SELECT recipients FROM agent_messages WHERE sender_id = 'mid'`).Scan(&encoded); err != nil {
		t.Fatalf("select recipients: %v", err)
	}
	var decoded []string
	assert.NoError(t, json.Unmarshal([]byte(encoded), &decoded))
	assert.Len(t, decoded, 2, "expected the stored recipients column to round-trip")
}
