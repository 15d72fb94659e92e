// Package pipeline implements the done pipeline and the atomic remove
// protocol (spec.md §4.11, C11). Both sequences step through C4, C5, C8,
// and C10 with explicit abort points: any step failing unwinds the whole
// operation rather than leaving a session half-transitioned.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/loomhq/loom/internal/conflict"
	"github.com/loomhq/loom/internal/jjdriver"
	"github.com/loomhq/loom/internal/loomerr"
	"github.com/loomhq/loom/internal/lockmgr"
	"github.com/loomhq/loom/internal/session"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/types"
)

type Pipeline struct {
	Pool      *store.Pool
	Sessions  *session.Store
	Locks     *lockmgr.Manager
	Driver    *jjdriver.Driver
	Detector  *conflict.Detector
}

func New(pool *store.Pool, sessions *session.Store, locks *lockmgr.Manager, driver *jjdriver.Driver, detector *conflict.Detector) *Pipeline {
	return &Pipeline{Pool: pool, Sessions: sessions, Locks: locks, Driver: driver, Detector: detector}
}

// DoneOptions controls the done pipeline's optional steps.
type DoneOptions struct {
	Sync            bool
	Force           bool // skip the conflict pre-check's refusal
	TrackingBranch  string
	CloseTaskFn     func(taskID string) error // best-effort, failure logged not fatal
	KeepWorkspace   bool
}

// DoneResult reports what the pipeline actually did, for the CLI/envelope
// layer to report back.
type DoneResult struct {
	Session         *types.Session
	ConflictReport  *types.ConflictReport
	TaskCloseError  string
	WorkspaceKept   bool
}

// Done runs the 7-step done sequence of spec.md §4.11. Each step either
// succeeds or the whole operation aborts with the session left in a
// well-defined (not half-transitioned) state.
func (p *Pipeline) Done(ctx context.Context, agentID, sessionName string, opts DoneOptions) (*DoneResult, error) {
	// Step 1: pre-flight.
	sess, err := p.Sessions.Get(ctx, sessionName)
	if err != nil {
		return nil, err
	}
	holds, err := p.Locks.HoldsLock(ctx, sessionName, agentID)
	if err != nil {
		return nil, err
	}
	if !holds {
		return nil, fmt.Errorf("done %s: agent %s does not hold the session lock: %w", sessionName, agentID, loomerr.ErrInvalidArgs)
	}
	if conflicted, err := p.Driver.HasConflicts(ctx, sess.WorkspacePath); err != nil {
		return nil, err
	} else if conflicted {
		return nil, fmt.Errorf("done %s: %w", sessionName, loomerr.ErrMergeConflict)
	}

	// Step 2: optional sync.
	if opts.Sync {
		if err := p.Driver.Sync(ctx, sess.WorkspacePath, opts.TrackingBranch); err != nil {
			if err2 := p.transitionWorkspace(ctx, sessionName, types.WorkspaceConflict); err2 != nil {
				return nil, err2
			}
			return nil, err
		}
	}

	// Step 3: optional conflict pre-check.
	report, err := p.Detector.Check(ctx, sess.WorkspacePath, opts.TrackingBranch)
	if err != nil {
		return nil, err
	}
	if !report.MergeLikelySafe && !opts.Force {
		return nil, fmt.Errorf("done %s: %w", sessionName, &loomerr.UnsafeToMerge{Overlap: report.OverlappingFiles})
	}

	// Step 4: merge.
	if err := p.Driver.MergeToBookmark(ctx, sess.WorkspacePath, opts.TrackingBranch); err != nil {
		if err2 := p.transitionWorkspace(ctx, sessionName, types.WorkspaceConflict); err2 != nil {
			return nil, err2
		}
		return nil, err
	}

	// Step 5: transition working -> ready -> merged, both logged.
	if err := p.transitionWorkspace(ctx, sessionName, types.WorkspaceReady); err != nil {
		return nil, err
	}
	sess, err = p.transitionWorkspaceReturning(ctx, sessionName, types.WorkspaceMerged)
	if err != nil {
		return nil, err
	}

	result := &DoneResult{Session: sess, ConflictReport: report}

	// Step 6: close external task, best-effort.
	if opts.CloseTaskFn != nil && sess.TaskID != "" {
		if err := opts.CloseTaskFn(sess.TaskID); err != nil {
			result.TaskCloseError = err.Error()
		}
	}

	// Step 7: remove workspace unless --keep-workspace.
	if opts.KeepWorkspace {
		result.WorkspaceKept = true
		return result, nil
	}
	if err := p.Remove(ctx, sessionName); err != nil {
		return result, err
	}
	return result, nil
}

func (p *Pipeline) transitionWorkspace(ctx context.Context, sessionName string, to types.WorkspaceState) error {
	_, err := p.transitionWorkspaceReturning(ctx, sessionName, to)
	return err
}

func (p *Pipeline) transitionWorkspaceReturning(ctx context.Context, sessionName string, to types.WorkspaceState) (*types.Session, error) {
	tx, err := p.Pool.BeginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sess, err := p.Sessions.TransitionWorkspace(ctx, tx, nowUnix(), sessionName, to)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// Remove executes the atomic remove protocol: mark pending, forget the
// workspace from the DVCS, delete the directory, delete the session row
// (cascading to locks). Any failure in steps 2-4 leaves removal_status
// set to failed rather than an orphaned half-deleted session.
func (p *Pipeline) Remove(ctx context.Context, sessionName string) error {
	sess, err := p.Sessions.Get(ctx, sessionName)
	if err != nil {
		return err
	}

	// Step 1: mark removal pending.
	tx, err := p.Pool.BeginImmediate(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET removal_status = 'pending', updated_at = ? WHERE name = ?`, nowUnix(), sessionName); err != nil {
		_ = tx.Rollback(ctx)
		return loomerr.Wrap("mark removal pending", loomerr.ErrDatabaseError, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	markFailed := func(cause error) error {
		ftx, ferr := p.Pool.BeginImmediate(ctx)
		if ferr != nil {
			return cause
		}
		if err := p.Sessions.MarkRemovalFailed(ctx, ftx, nowUnix(), sessionName); err != nil {
			_ = ftx.Rollback(ctx)
			return cause
		}
		_ = ftx.Commit(ctx)
		return fmt.Errorf("remove %s: %w: %w", sessionName, loomerr.ErrRemovalFailed, cause)
	}

	// Step 2: forget from DVCS.
	if err := p.Driver.ForgetWorkspace(ctx, sessionName); err != nil {
		return markFailed(err)
	}

	// Step 3: delete workspace directory.
	if err := os.RemoveAll(sess.WorkspacePath); err != nil {
		return markFailed(err)
	}

	// Step 4: delete session row (cascades to session_locks).
	dtx, err := p.Pool.BeginImmediate(ctx)
	if err != nil {
		return markFailed(err)
	}
	if err := p.Sessions.Delete(ctx, dtx, sessionName); err != nil {
		_ = dtx.Rollback(ctx)
		return markFailed(err)
	}
	return dtx.Commit(ctx)
}

func nowUnix() int64 {
	return time.Now().Unix()
}
