// Package dispatch is the command dispatcher (spec.md §4.12, C12's core):
// the single place that resolves an idempotency key through C3, routes to
// the right core component, retries a resource-class failure exactly once,
// and hands the result to internal/envelope for rendering. The CLI layer
// (cmd/loom) is a thin cobra shell over this package — every subcommand's
// Run func is a few lines of flag parsing followed by one Dispatcher call.
//
// Grounded on the teacher's command-dispatch layer in cmd/bd (the
// envelope-returning command functions control_plane_helpers.go wraps) and
// on internal/storage/dolt's withRetry, whose backoff.Retry/Permanent split
// between retryable and fatal errors is narrowed here to a single bounded
// retry rather than Dolt's open-ended exponential schedule.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/backupstore"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/conflict"
	"github.com/loomhq/loom/internal/idempotency"
	"github.com/loomhq/loom/internal/integrity"
	"github.com/loomhq/loom/internal/jjdriver"
	"github.com/loomhq/loom/internal/lockmgr"
	"github.com/loomhq/loom/internal/loomerr"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/pipeline"
	"github.com/loomhq/loom/internal/queue"
	"github.com/loomhq/loom/internal/session"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/types"
)

// Dispatcher wires every core component to one shared pool and config, and
// is the only thing cmd/loom holds a reference to.
type Dispatcher struct {
	Pool     *store.Pool
	Config   config.Config
	Sessions *session.Store
	Agents   *agent.Registry
	Locks    *lockmgr.Manager
	Queue    *queue.Queue
	Driver   *jjdriver.Driver
	Detector *conflict.Detector
	Pipeline *pipeline.Pipeline
	Checker  *integrity.Checker
}

// New wires every core component against pool/cfg/driver, matching the
// construction order each package's own New expects (eventlog has none;
// everything downstream of C4/C5 needs C1 first).
func New(pool *store.Pool, cfg config.Config, driver *jjdriver.Driver, backups *backupstore.Store) *Dispatcher {
	sessions := session.New(pool)
	locks := lockmgr.New(pool)
	detector := conflict.New(driver)
	return &Dispatcher{
		Pool:     pool,
		Config:   cfg,
		Sessions: sessions,
		Agents:   agent.New(pool),
		Locks:    locks,
		Queue:    queue.New(pool),
		Driver:   driver,
		Detector: detector,
		Pipeline: pipeline.New(pool, sessions, locks, driver, detector),
		Checker:  integrity.New(pool, driver, backups),
	}
}

// retryable classifies which loomerr.Kind the dispatcher will retry once.
// Only resource-class errors are retried (spec.md §7: "transient,
// operation may succeed if retried") — every other class is a caller
// mistake or a real conflict, and retrying it would just repeat the same
// outcome.
func retryable(err error) bool {
	if err == nil || errors.Is(err, queue.ErrNoneClaimable) {
		return false
	}
	return loomerr.KindOf(err) == loomerr.KindResource
}

// runOnce executes fn, retrying at most once via backoff.WithMaxRetries if
// the first attempt fails with a resource-class error. A context deadline
// or a non-resource error is never retried.
func runOnce(ctx context.Context, fn func() error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if attempt > 1 || !retryable(err) {
			return backoff.Permanent(err)
		}
		observability.RecordRetry(ctx)
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	err := backoff.Retry(op, b)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

func (d *Dispatcher) now() int64 { return time.Now().Unix() }

// --- Session operations ---

// CreateSessionParams is the dispatcher-level request for a new session.
type CreateSessionParams struct {
	CommandID     string
	Name          string
	WorkspacePath string
	TaskID        string

	// Idempotent resolves spec.md §9's open question on --idempotent:
	// if a session named Name already exists, Idempotent succeeds and
	// returns it as long as it is neither in a terminal workspace state
	// nor status SessionFailed. A failed or terminal existing session
	// still returns loomerr.ErrSessionExists, pointing the caller at
	// `integrity repair` instead of silently resuming a dead session.
	Idempotent bool
}

func (d *Dispatcher) CreateSession(ctx context.Context, p CreateSessionParams) (*types.Session, error) {
	// Check before touching the workspace driver: if an existing session
	// already claims this name, --idempotent decides whether that's a
	// successful no-op or a hard conflict, without ever shelling out to
	// `jj workspace add` against an already-registered name.
	if existing, getErr := d.Sessions.Get(ctx, p.Name); getErr == nil {
		if !p.Idempotent {
			return nil, fmt.Errorf("create session %s: %w", p.Name, loomerr.ErrSessionExists)
		}
		if existing.Workspace.Terminal() || existing.Status == types.SessionFailed {
			return nil, fmt.Errorf("create session %s: existing session is %s/%s, not resumable: %w",
				p.Name, existing.Status, existing.Workspace, loomerr.ErrSessionExists)
		}
		return existing, nil
	} else if !errors.Is(getErr, loomerr.ErrSessionNotFound) {
		return nil, getErr
	}

	var out types.Session
	err := runOnce(ctx, func() error {
		return idempotency.Execute(ctx, d.Pool, p.CommandID, &out, func(ctx context.Context, tx *store.ImmediateTx) (any, error) {
			if err := d.Driver.CreateWorkspace(ctx, p.Name, p.WorkspacePath); err != nil {
				return nil, err
			}
			return d.Sessions.Create(ctx, tx, d.now(), session.CreateParams{
				Name: p.Name, WorkspacePath: p.WorkspacePath, TaskID: p.TaskID,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Dispatcher) GetSession(ctx context.Context, name string) (*types.Session, error) {
	return d.Sessions.Get(ctx, name)
}

func (d *Dispatcher) ListSessions(ctx context.Context, filter types.Filter) ([]types.Session, error) {
	return d.Sessions.List(ctx, filter)
}

// SyncSessionParams rebases a session's workspace onto the tracking branch.
type SyncSessionParams struct {
	CommandID string
	Name      string
}

func (d *Dispatcher) SyncSession(ctx context.Context, p SyncSessionParams) (*types.Session, error) {
	sess, err := d.Sessions.Get(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	var out types.Session
	err = runOnce(ctx, func() error {
		return idempotency.Execute(ctx, d.Pool, p.CommandID, &out, func(ctx context.Context, tx *store.ImmediateTx) (any, error) {
			if err := d.Driver.Sync(ctx, sess.WorkspacePath, d.Config.TrackingBranch); err != nil {
				if _, terr := d.Sessions.TransitionWorkspace(ctx, tx, d.now(), p.Name, types.WorkspaceConflict); terr != nil {
					return nil, terr
				}
				return nil, err
			}
			return sess, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DoneSession runs the done pipeline (C11) for a session the caller holds
// the lock on.
func (d *Dispatcher) DoneSession(ctx context.Context, commandID, agentID, name string, opts pipeline.DoneOptions) (*pipeline.DoneResult, error) {
	opts.TrackingBranch = d.Config.TrackingBranch
	var out pipeline.DoneResult
	err := runOnce(ctx, func() error {
		return idempotency.Execute(ctx, d.Pool, commandID, &out, func(ctx context.Context, tx *store.ImmediateTx) (any, error) {
			return d.Pipeline.Done(ctx, agentID, name, opts)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveSession runs the atomic-remove protocol directly, without the
// rest of the done pipeline's merge steps (spec.md §4.11's standalone
// remove command, for abandoning a session rather than landing it).
func (d *Dispatcher) RemoveSession(ctx context.Context, commandID, name string) error {
	return runOnce(ctx, func() error {
		return idempotency.Execute(ctx, d.Pool, commandID, nil, func(ctx context.Context, tx *store.ImmediateTx) (any, error) {
			return nil, d.Pipeline.Remove(ctx, name)
		})
	})
}

// --- Agent operations ---

func (d *Dispatcher) RegisterAgent(ctx context.Context, commandID, id, session string) (*types.Agent, error) {
	var out types.Agent
	err := runOnce(ctx, func() error {
		return idempotency.Execute(ctx, d.Pool, commandID, &out, func(ctx context.Context, tx *store.ImmediateTx) (any, error) {
			return d.Agents.Register(ctx, tx, d.now(), id, session)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Dispatcher) HeartbeatAgent(ctx context.Context, id, currentCommand string) error {
	return runOnce(ctx, func() error {
		tx, err := d.Pool.BeginImmediate(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := d.Agents.Heartbeat(ctx, tx, d.now(), id, currentCommand); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func (d *Dispatcher) ListActiveAgents(ctx context.Context) ([]types.Agent, error) {
	return d.Agents.GetActive(ctx, d.now(), int64(d.Config.HeartbeatTimeout.Seconds()))
}

func (d *Dispatcher) BroadcastAgent(ctx context.Context, commandID, sender, body string) ([]string, error) {
	var out []string
	err := runOnce(ctx, func() error {
		return idempotency.Execute(ctx, d.Pool, commandID, &out, func(ctx context.Context, tx *store.ImmediateTx) (any, error) {
			return d.Agents.Broadcast(ctx, tx, d.now(), sender, body, int64(d.Config.HeartbeatTimeout.Seconds()))
		})
	})
	return out, err
}

// ExpireStaleAgents releases every lock held by an agent whose heartbeat has
// gone quiet past the configured timeout and removes the agent itself,
// freeing its locks for a new holder (spec.md §3 "expiring an agent releases
// all locks it held").
func (d *Dispatcher) ExpireStaleAgents(ctx context.Context) (int, error) {
	var n int
	err := runOnce(ctx, func() error {
		tx, err := d.Pool.BeginImmediate(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		released, err := d.Agents.ExpireStale(ctx, tx, d.now(), int64(d.Config.HeartbeatTimeout.Seconds()))
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		n = released
		return nil
	})
	return n, err
}

// --- Lock operations ---

func (d *Dispatcher) AcquireLock(ctx context.Context, commandID, session, agentID string) (*types.Lock, error) {
	var out types.Lock
	err := runOnce(ctx, func() error {
		return idempotency.Execute(ctx, d.Pool, commandID, &out, func(ctx context.Context, tx *store.ImmediateTx) (any, error) {
			now := d.now()
			if _, err := d.Agents.ExpireStale(ctx, tx, now, int64(d.Config.HeartbeatTimeout.Seconds())); err != nil {
				return nil, err
			}
			return d.Locks.Acquire(ctx, tx, now, session, agentID, int64(d.Config.LockTTL.Seconds()))
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Dispatcher) ReleaseLock(ctx context.Context, commandID string, lockID int64, agentID string) error {
	return runOnce(ctx, func() error {
		return idempotency.Execute(ctx, d.Pool, commandID, nil, func(ctx context.Context, tx *store.ImmediateTx) (any, error) {
			return nil, d.Locks.Release(ctx, tx, d.now(), lockID, agentID)
		})
	})
}

func (d *Dispatcher) ExtendLock(ctx context.Context, commandID string, lockID int64, agentID string, additionalSeconds int64) (*types.Lock, error) {
	var out types.Lock
	err := runOnce(ctx, func() error {
		return idempotency.Execute(ctx, d.Pool, commandID, &out, func(ctx context.Context, tx *store.ImmediateTx) (any, error) {
			return d.Locks.Extend(ctx, tx, d.now(), lockID, agentID, additionalSeconds)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Queue operations ---

func (d *Dispatcher) EnqueueQueue(ctx context.Context, commandID, workspace, taskID string, priority int) (*types.QueueEntry, error) {
	var out types.QueueEntry
	err := runOnce(ctx, func() error {
		return idempotency.Execute(ctx, d.Pool, commandID, &out, func(ctx context.Context, tx *store.ImmediateTx) (any, error) {
			return d.Queue.Enqueue(ctx, tx, d.now(), workspace, taskID, priority)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Dispatcher) ClaimQueue(ctx context.Context, workerID string) (*types.QueueEntry, error) {
	start := time.Now()
	var out *types.QueueEntry
	err := runOnce(ctx, func() error {
		tx, err := d.Pool.BeginImmediate(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		entry, err := d.Queue.Claim(ctx, tx, d.now(), workerID, int64(d.Config.QueueLeaseTTL.Seconds()))
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		out = entry
		return nil
	})
	observability.RecordClaimLatency(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) QueueDone(ctx context.Context, commandID string, id int64) error {
	return runOnce(ctx, func() error {
		return idempotency.Execute(ctx, d.Pool, commandID, nil, func(ctx context.Context, tx *store.ImmediateTx) (any, error) {
			return nil, d.Queue.MarkDone(ctx, tx, d.now(), id)
		})
	})
}

func (d *Dispatcher) QueueFail(ctx context.Context, commandID string, id int64, errMsg string, retryable bool) error {
	return runOnce(ctx, func() error {
		return idempotency.Execute(ctx, d.Pool, commandID, nil, func(ctx context.Context, tx *store.ImmediateTx) (any, error) {
			return nil, d.Queue.MarkFailed(ctx, tx, d.now(), id, errMsg, retryable, d.Config.MaxQueueAttempts)
		})
	})
}

func (d *Dispatcher) QueueReclaim(ctx context.Context) (int, error) {
	var n int
	err := runOnce(ctx, func() error {
		tx, err := d.Pool.BeginImmediate(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		isLive := func(agentID string) (bool, error) {
			active, err := d.Agents.GetActive(ctx, d.now(), int64(d.Config.HeartbeatTimeout.Seconds()))
			if err != nil {
				return false, err
			}
			for _, a := range active {
				if a.ID == agentID {
					return true, nil
				}
			}
			return false, nil
		}
		reclaimed, err := d.Queue.ReclaimStale(ctx, tx, d.now(), isLive)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		n = reclaimed
		return nil
	})
	return n, err
}

func (d *Dispatcher) ListQueue(ctx context.Context, status *types.QueueStatus) ([]types.QueueEntry, error) {
	return d.Queue.List(ctx, status)
}

// --- Integrity operations ---

func (d *Dispatcher) IntegrityCheck(ctx context.Context) ([]integrity.Finding, error) {
	return d.Checker.Check(ctx)
}

func (d *Dispatcher) IntegrityRepair(ctx context.Context, f integrity.Finding) (*integrity.RepairResult, error) {
	var out *integrity.RepairResult
	err := runOnce(ctx, func() error {
		tx, err := d.Pool.BeginImmediate(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		result, err := d.Checker.Repair(ctx, tx, d.now(), f)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		out = result
		return nil
	})
	return out, err
}
