package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loomhq/loom/internal/loomerr"
	"github.com/loomhq/loom/internal/session"
	"github.com/loomhq/loom/internal/store"
)

// TestConcurrentCreateSameNameExactlyOneWins drives N concurrent creates of
// the same session name and asserts exactly one succeeds, the rest see
// ErrSessionExists, and the store ends up with exactly one row — the
// uniqueness property independent of how BeginImmediate happens to
// interleave the callers.
func TestConcurrentCreateSameNameExactlyOneWins(t *testing.T) {
	pool := store.NewTestPool(t)
	s := session.New(pool)
	const n = 10

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		conflicts atomic.Int32
		other     atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			tx, err := pool.BeginImmediate(ctx)
			if err != nil {
				other.Add(1)
				return
			}
			_, err = s.Create(ctx, tx, 1000, session.CreateParams{Name: "race", WorkspacePath: "/tmp/race"})
			if err == nil {
				if cerr := tx.Commit(ctx); cerr != nil {
					other.Add(1)
					return
				}
				succeeded.Add(1)
				return
			}
			_ = tx.Rollback(ctx)
			if errors.Is(err, loomerr.ErrSessionExists) {
				conflicts.Add(1)
			} else {
				other.Add(1)
			}
		}()
	}
	wg.Wait()

	if other.Load() != 0 {
		t.Fatalf("expected no unexpected errors, got %d", other.Load())
	}
	if succeeded.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", succeeded.Load())
	}
	if conflicts.Load() != n-1 {
		t.Errorf("expected %d conflicts, got %d", n-1, conflicts.Load())
	}

	if _, err := s.Get(context.Background(), "race"); err != nil {
		t.Errorf("expected the winning row to be readable afterward, got %v", err)
	}
}
