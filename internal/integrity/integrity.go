// Package integrity is the corruption checker and repairer (spec.md §4.6,
// C6). Check and Repair are deliberately two separate exported functions
// sharing one detection core, never a single function gated by a boolean
// flag — the teacher-documented defect this fixes is a health check that
// silently mutated a state database while reporting "healthy".
package integrity

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/internal/backupstore"
	"github.com/loomhq/loom/internal/jjdriver"
	"github.com/loomhq/loom/internal/session"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/types"
)

// checkConcurrency bounds how many sessions' filesystem state is stat'd in
// parallel during Check, the same fan-out-with-a-cap idiom the teacher uses
// for concurrent discovery.
const checkConcurrency = 8

// Kind enumerates the corruption classes of spec.md §4.6's table.
type Kind string

const (
	KindMissingDirectory  Kind = "missing_directory"
	KindMissingDVCSDir    Kind = "missing_dvcs_dir"
	KindStaleWorkingCopy  Kind = "stale_working_copy"
	KindOrphanedWorkspace Kind = "orphaned_workspace"
	KindDatabaseMismatch  Kind = "database_mismatch"
	KindPermissionDenied  Kind = "permission_denied"
	KindStaleLock         Kind = "stale_lock"
)

// Finding is one detected corruption instance.
type Finding struct {
	Kind    Kind
	Session string
	Detail  string
}

// RepairResult reports what happened when a finding was repaired.
type RepairResult struct {
	Finding Finding
	Healed  bool
	Reason  string
}

type Checker struct {
	Pool    *store.Pool
	Driver  *jjdriver.Driver
	Backups *backupstore.Store
	staleLockThreshold time.Duration
}

func New(pool *store.Pool, driver *jjdriver.Driver, backups *backupstore.Store) *Checker {
	return &Checker{Pool: pool, Driver: driver, Backups: backups, staleLockThreshold: 10 * time.Minute}
}

// Check detects corruption across every session without writing to the
// database or filesystem.
func (c *Checker) Check(ctx context.Context) ([]Finding, error) {
	store := session.New(c.Pool)
	sessions, err := store.List(ctx, types.Filter{})
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		findings []Finding
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkConcurrency)
	for i := range sessions {
		sess := sessions[i]
		g.Go(func() error {
			fs, err := c.detect(gctx, &sess)
			if err != nil {
				return err
			}
			mu.Lock()
			findings = append(findings, fs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return findings, nil
}

// detect runs the read-only corruption classification for one session.
func (c *Checker) detect(ctx context.Context, sess *types.Session) ([]Finding, error) {
	var findings []Finding

	info, statErr := os.Stat(sess.WorkspacePath)
	switch {
	case os.IsNotExist(statErr):
		findings = append(findings, Finding{Kind: KindMissingDirectory, Session: sess.Name, Detail: sess.WorkspacePath})
		return findings, nil
	case os.IsPermission(statErr):
		findings = append(findings, Finding{Kind: KindPermissionDenied, Session: sess.Name, Detail: sess.WorkspacePath})
		return findings, nil
	case statErr != nil:
		return nil, statErr
	case !info.IsDir():
		findings = append(findings, Finding{Kind: KindDatabaseMismatch, Session: sess.Name, Detail: "workspace_path is not a directory"})
		return findings, nil
	}

	if !jjdriver.IsRepo(sess.WorkspacePath) {
		findings = append(findings, Finding{Kind: KindMissingDVCSDir, Session: sess.Name, Detail: sess.WorkspacePath})
	}

	lockPath := filepath.Join(sess.WorkspacePath, ".jj", "working_copy", "lock")
	if lockInfo, err := os.Stat(lockPath); err == nil {
		if time.Since(lockInfo.ModTime()) > c.staleLockThreshold {
			findings = append(findings, Finding{Kind: KindStaleLock, Session: sess.Name, Detail: lockPath})
		}
	}

	return findings, nil
}

// FindOrphanedWorkspaces scans workspacesRoot for directories with no
// matching session row — the inverse direction Check's per-session sweep
// cannot detect on its own.
func (c *Checker) FindOrphanedWorkspaces(ctx context.Context, workspacesRoot string) ([]Finding, error) {
	store := session.New(c.Pool)
	sessions, err := store.List(ctx, types.Filter{})
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		known[s.WorkspacePath] = true
	}

	entries, err := os.ReadDir(workspacesRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var findings []Finding
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(workspacesRoot, e.Name())
		if !known[path] {
			findings = append(findings, Finding{Kind: KindOrphanedWorkspace, Session: "", Detail: path})
		}
	}
	return findings, nil
}

// Repair applies the default repair for one finding, snapshotting a backup
// first (per the repair contract). Repairs are idempotent: repairing an
// already-healthy session is a no-op success. For KindMissingDVCSDir,
// KindStaleWorkingCopy and KindStaleLock, Repair re-detects afterwards and
// reports Healed=false if the same kind is still found; the other kinds
// report their outcome without re-detecting.
func (c *Checker) Repair(ctx context.Context, tx *store.ImmediateTx, now int64, f Finding) (*RepairResult, error) {
	sessions := session.New(c.Pool)

	var sess *types.Session
	if f.Session != "" {
		s, err := sessions.Get(ctx, f.Session)
		if err != nil {
			return nil, err
		}
		sess = s

		_, dbSnap, tarball, err := c.Backups.Record(ctx, now, string(f.Kind), sess, sess.WorkspacePath)
		if err != nil {
			return nil, err
		}
		if err := backupstore.RecordRow(ctx, tx, now, sess.Name, string(f.Kind), dbSnap, tarball); err != nil {
			return nil, err
		}
	}

	switch f.Kind {
	case KindMissingDirectory:
		if err := sessions.MarkRemovalFailed(ctx, tx, now, sess.Name); err != nil {
			return nil, err
		}
		return &RepairResult{Finding: f, Healed: true, Reason: "marked abandoned pending manual recreation"}, nil

	case KindMissingDVCSDir:
		if err := c.Driver.CreateWorkspace(ctx, sess.Name, sess.WorkspacePath); err != nil {
			return &RepairResult{Finding: f, Healed: false, Reason: err.Error()}, nil
		}
		return c.confirmHealed(ctx, sess, f, "recreated DVCS metadata")

	case KindStaleWorkingCopy:
		if err := c.Driver.Sync(ctx, sess.WorkspacePath, "main"); err != nil {
			return &RepairResult{Finding: f, Healed: false, Reason: err.Error()}, nil
		}
		return c.confirmHealed(ctx, sess, f, "updated working copy")

	case KindOrphanedWorkspace:
		// Default repair requires an operator decision (create a session
		// row or delete the directory); Repair only records the finding
		// for the caller's CLI layer to present that choice.
		return &RepairResult{Finding: f, Healed: false, Reason: "requires operator choice: create session or delete directory"}, nil

	case KindDatabaseMismatch:
		if err := sessions.MarkRemovalFailed(ctx, tx, now, sess.Name); err != nil {
			return nil, err
		}
		return &RepairResult{Finding: f, Healed: true, Reason: "flagged for manual sync"}, nil

	case KindPermissionDenied:
		return &RepairResult{Finding: f, Healed: false, Reason: "permission denied: not repairable automatically"}, nil

	case KindStaleLock:
		lockPath := filepath.Join(sess.WorkspacePath, ".jj", "working_copy", "lock")
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return &RepairResult{Finding: f, Healed: false, Reason: err.Error()}, nil
		}
		return c.confirmHealed(ctx, sess, f, "cleared stale lock")

	default:
		return &RepairResult{Finding: f, Healed: false, Reason: "unknown corruption kind"}, nil
	}
}

// confirmHealed re-runs detect on sess after a repair that is supposed to
// have corrected the underlying filesystem state, and reports the repair
// failed if the same Kind of finding is still detected — a repair is never
// trusted just because the mutating call returned no error.
func (c *Checker) confirmHealed(ctx context.Context, sess *types.Session, f Finding, reason string) (*RepairResult, error) {
	findings, err := c.detect(ctx, sess)
	if err != nil {
		return nil, err
	}
	for _, still := range findings {
		if still.Kind == f.Kind {
			return &RepairResult{Finding: f, Healed: false, Reason: "repair ran but corruption persists: " + still.Detail}, nil
		}
	}
	return &RepairResult{Finding: f, Healed: true, Reason: reason}, nil
}
