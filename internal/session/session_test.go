package session_test

import (
	"context"
	"errors"
	"testing"

	"github.com/loomhq/loom/internal/loomerr"
	"github.com/loomhq/loom/internal/session"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/types"
)

func createSession(t *testing.T, s *session.Store, pool *store.Pool, name, workspacePath string) *types.Session {
	t.Helper()
	ctx := context.Background()
	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	sess, err := s.Create(ctx, tx, 1000, session.CreateParams{Name: name, WorkspacePath: workspacePath, TaskID: "task-1"})
	if err != nil {
		_ = tx.Rollback(ctx)
		t.Fatalf("Create: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return sess
}

func TestCreateAndGet(t *testing.T) {
	pool := store.NewTestPool(t)
	s := session.New(pool)

	created := createSession(t, s, pool, "alpha", "/tmp/ws/alpha")
	if created.Status != types.SessionCreating {
		t.Errorf("expected initial status creating, got %s", created.Status)
	}
	if created.Workspace != types.WorkspaceCreated {
		t.Errorf("expected initial workspace state created, got %s", created.Workspace)
	}

	got, err := s.Get(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.WorkspacePath != "/tmp/ws/alpha" || got.TaskID != "task-1" {
		t.Errorf("unexpected session fields: %+v", got)
	}
}

func TestCreateRejectsRelativePath(t *testing.T) {
	pool := store.NewTestPool(t)
	s := session.New(pool)
	ctx := context.Background()

	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = s.Create(ctx, tx, 1000, session.CreateParams{Name: "rel", WorkspacePath: "relative/path"})
	if !errors.Is(err, loomerr.ErrPathNotAbsolute) {
		t.Errorf("expected ErrPathNotAbsolute, got %v", err)
	}
}

func TestCreateRejectsInvalidName(t *testing.T) {
	pool := store.NewTestPool(t)
	s := session.New(pool)
	ctx := context.Background()

	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = s.Create(ctx, tx, 1000, session.CreateParams{Name: "1bad", WorkspacePath: "/tmp/ws/1bad"})
	if !errors.Is(err, loomerr.ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}

func TestCreateDuplicateNameConflicts(t *testing.T) {
	pool := store.NewTestPool(t)
	s := session.New(pool)
	createSession(t, s, pool, "dup", "/tmp/ws/dup")

	ctx := context.Background()
	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = s.Create(ctx, tx, 1001, session.CreateParams{Name: "dup", WorkspacePath: "/tmp/ws/dup2"})
	if !errors.Is(err, loomerr.ErrSessionExists) {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	pool := store.NewTestPool(t)
	s := session.New(pool)

	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, loomerr.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestTransitionWorkspaceLegalAndIllegal(t *testing.T) {
	pool := store.NewTestPool(t)
	s := session.New(pool)
	createSession(t, s, pool, "beta", "/tmp/ws/beta")
	ctx := context.Background()

	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	updated, err := s.TransitionWorkspace(ctx, tx, 1001, "beta", types.WorkspaceWorking)
	if err != nil {
		t.Fatalf("legal transition: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if updated.Workspace != types.WorkspaceWorking {
		t.Errorf("expected workspace working, got %s", updated.Workspace)
	}

	tx2, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	defer func() { _ = tx2.Rollback(ctx) }()
	_, err = s.TransitionWorkspace(ctx, tx2, 1002, "beta", types.WorkspaceMerged)
	var invalid *loomerr.InvalidTransition
	if !errors.As(err, &invalid) {
		t.Errorf("expected InvalidTransition going straight from working to merged, got %v", err)
	}
}

func TestTransitionFromTerminalStateRejected(t *testing.T) {
	pool := store.NewTestPool(t)
	s := session.New(pool)
	createSession(t, s, pool, "gamma", "/tmp/ws/gamma")
	ctx := context.Background()

	for _, to := range []types.WorkspaceState{types.WorkspaceWorking, types.WorkspaceReady, types.WorkspaceMerged} {
		tx, err := pool.BeginImmediate(ctx)
		if err != nil {
			t.Fatalf("BeginImmediate: %v", err)
		}
		if _, err := s.TransitionWorkspace(ctx, tx, 1000, "gamma", to); err != nil {
			_ = tx.Rollback(ctx)
			t.Fatalf("transition to %s: %v", to, err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("commit: %v", err)
		}
		if to == types.WorkspaceMerged {
			break
		}
	}

	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	_, err = s.TransitionWorkspace(ctx, tx, 1003, "gamma", types.WorkspaceWorking)
	if err == nil {
		t.Fatal("expected transitioning out of a terminal state to fail")
	}
}

func TestListFiltersByStatusAndWorkspace(t *testing.T) {
	pool := store.NewTestPool(t)
	s := session.New(pool)
	createSession(t, s, pool, "one", "/tmp/ws/one")
	createSession(t, s, pool, "two", "/tmp/ws/two")

	ctx := context.Background()
	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	if _, err := s.TransitionWorkspace(ctx, tx, 1000, "two", types.WorkspaceWorking); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	created := types.WorkspaceCreated
	all, err := s.List(ctx, types.Filter{Workspace: &created})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 || all[0].Name != "one" {
		t.Errorf("expected only 'one' in workspace created state, got %+v", all)
	}
}

func TestMarkRemovalFailedAndDelete(t *testing.T) {
	pool := store.NewTestPool(t)
	s := session.New(pool)
	createSession(t, s, pool, "delta", "/tmp/ws/delta")
	ctx := context.Background()

	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	if err := s.MarkRemovalFailed(ctx, tx, 1000, "delta"); err != nil {
		t.Fatalf("MarkRemovalFailed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := s.Get(ctx, "delta")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Removal != types.RemovalFailed {
		t.Errorf("expected removal status failed, got %s", got.Removal)
	}

	tx2, err := pool.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	if err := s.Delete(ctx, tx2, "delta"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := tx2.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := s.Get(ctx, "delta"); !errors.Is(err, loomerr.ErrSessionNotFound) {
		t.Errorf("expected session to be gone after delete, got %v", err)
	}
}
