// Package idempotency is the command idempotency choke-point (spec.md §4.3,
// C3). Every mutating CLI command carries an optional client-supplied
// command ID; replays of the same ID return the original result instead of
// re-executing, closing the write-skew window between a client retry and
// the in-flight original caused by a dropped response.
//
// Grounded on the teacher's processed-command ledger idiom in
// internal/storage/sqlite (ON CONFLICT DO NOTHING upsert guards) and on
// cmd/bd's command-dispatch layer, which this package's Execute choke point
// replaces.
package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/loomhq/loom/internal/store"
)

// Fn is the unit of work guarded by a command ID. It receives the open
// ImmediateTx so it can both mutate state and append to the event log
// (internal/eventlog) within the same transaction.
type Fn func(ctx context.Context, tx *store.ImmediateTx) (result any, err error)

// Execute runs fn exactly once per distinct non-empty commandID. If
// commandID has already been recorded as processed, the prior JSON result
// is decoded into out and fn is never called. An empty commandID
// disables deduplication entirely (fire-and-forget commands).
func Execute(ctx context.Context, pool *store.Pool, commandID string, out any, fn Fn) error {
	if commandID == "" {
		return executeOnce(ctx, pool, "", fn, out, false)
	}
	return executeOnce(ctx, pool, commandID, fn, out, true)
}

func executeOnce(ctx context.Context, pool *store.Pool, commandID string, fn Fn, out any, dedupe bool) error {
	tx, err := pool.BeginImmediate(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if dedupe {
		var stored string
		row := tx.QueryRowContext(ctx, `SELECT result FROM processed_commands WHERE command_id = ?`, commandID)
		switch err := row.Scan(&stored); err {
		case nil:
			if out != nil {
				if err := json.Unmarshal([]byte(stored), out); err != nil {
					return fmt.Errorf("decode replayed result for command %s: %w", commandID, err)
				}
			}
			return tx.Commit(ctx)
		case sql.ErrNoRows:
			// first attempt for this command ID, fall through
		default:
			return fmt.Errorf("check processed command %s: %w", commandID, err)
		}
	}

	result, err := fn(ctx, tx)
	if err != nil {
		return err
	}

	if dedupe {
		body, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result for command %s: %w", commandID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO processed_commands (command_id, result, created_at)
			VALUES (?, ?, unixepoch())
			ON CONFLICT(command_id) DO NOTHING
		`, commandID, string(body)); err != nil {
			return fmt.Errorf("record processed command %s: %w", commandID, err)
		}
	}

	if out != nil && result != nil {
		body, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}

	return tx.Commit(ctx)
}
