package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loomhq/loom/internal/queue"
	"github.com/loomhq/loom/internal/store"
)

// TestConcurrentClaimExactlyOneWinner drives N concurrent claimants against
// a queue with several pending entries. The processing lease is a singleton
// row, so at most one claimant may hold it at a time: exactly one of the
// concurrent attempts succeeds and the rest see ErrNoneClaimable, and no
// entry is ever claimed twice.
func TestConcurrentClaimExactlyOneWinner(t *testing.T) {
	pool := store.NewTestPool(t)
	q := queue.New(pool)
	for i, ws := range []string{"ws-a", "ws-b", "ws-c", "ws-d", "ws-e"} {
		enqueue(t, q, pool, int64(1000+i), ws, 1)
	}

	const claimants = 10
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		noneLeft  atomic.Int32
		other     atomic.Int32
		claimedID atomic.Int64
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ctx := context.Background()
			tx, err := pool.BeginImmediate(ctx)
			if err != nil {
				other.Add(1)
				return
			}
			entry, err := q.Claim(ctx, tx, 2000, "worker", 300)
			switch {
			case err == nil:
				if cerr := tx.Commit(ctx); cerr != nil {
					other.Add(1)
					return
				}
				if !claimedID.CompareAndSwap(0, entry.ID) {
					t.Errorf("more than one concurrent claim succeeded: entry %d", entry.ID)
				}
				succeeded.Add(1)
			case errors.Is(err, queue.ErrNoneClaimable):
				_ = tx.Rollback(ctx)
				noneLeft.Add(1)
			default:
				_ = tx.Rollback(ctx)
				other.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if other.Load() != 0 {
		t.Fatalf("expected no unexpected errors, got %d", other.Load())
	}
	if succeeded.Load() != 1 {
		t.Errorf("expected exactly one concurrent claimant to win the singleton lease, got %d", succeeded.Load())
	}
	if noneLeft.Load() != claimants-1 {
		t.Errorf("expected the rest to see ErrNoneClaimable, got %d", noneLeft.Load())
	}
}
