// Two-layer serialization for jj invocations: an in-process sync.Mutex
// (cheap, avoids a syscall when one loom process serves many concurrent
// callers) wrapping a cross-process github.com/gofrs/flock file lock
// (necessary because separate CLI invocations are separate OS processes).
//
// Grounded on the teacher's AcquireAccessLock in
// internal/storage/dolt/access_lock.go: poll-until-timeout shape, same
// lockPollInterval, same "busy" classification — generalized from a Dolt
// shared/exclusive access lock to jj's single-writer requirement (every jj
// invocation needs exclusive access, there is no reader variant here).
package jjdriver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/loomhq/loom/internal/loomerr"
	"github.com/loomhq/loom/internal/observability"
)

const lockPollInterval = 50 * time.Millisecond

// Mutex is the two-layer lock guarding jj invocations against this
// repository. Callers never see the in-process/cross-process distinction.
type Mutex struct {
	inProcess sync.Mutex
	flockPath string
}

// NewMutex returns a Mutex backed by a lock file at repoRoot/.loom/jj.lock.
func NewMutex(repoRoot string) *Mutex {
	return &Mutex{flockPath: filepath.Join(repoRoot, ".loom", "jj.lock")}
}

// held represents one acquisition; Release must be called exactly once.
type held struct {
	m *Mutex
	f *flock.Flock
}

// Acquire blocks on the in-process mutex, then polls the cross-process
// file lock until timeout. Validation the caller performs on the
// repository name/root should happen only after Acquire returns, closing
// the TOCTOU gap spec.md §4.5 calls out.
func (m *Mutex) Acquire(ctx context.Context, timeout time.Duration) (*held, error) {
	start := time.Now()
	m.inProcess.Lock()

	if err := os.MkdirAll(filepath.Dir(m.flockPath), 0o750); err != nil {
		m.inProcess.Unlock()
		return nil, loomerr.Wrap("create jj lock dir", loomerr.ErrIoError, err)
	}
	fl := flock.New(m.flockPath)

	deadline := time.Now().Add(timeout)
	for {
		locked, err := fl.TryLockContext(ctx, lockPollInterval)
		if err != nil {
			m.inProcess.Unlock()
			return nil, loomerr.Wrap("acquire jj lock", loomerr.ErrIoError, err)
		}
		if locked {
			observability.RecordLockWait(ctx, float64(time.Since(start).Milliseconds()))
			return &held{m: m, f: fl}, nil
		}
		if time.Now().After(deadline) {
			m.inProcess.Unlock()
			return nil, fmt.Errorf("jj lock timeout after %v: %w", timeout, loomerr.ErrSubprocessFailed)
		}
	}
}

// Release unlocks both layers. Safe to call exactly once per Acquire.
func (h *held) Release() {
	_ = h.f.Unlock()
	h.m.inProcess.Unlock()
}
