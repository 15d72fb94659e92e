// Package eventlog is the append-only event log (spec.md §4.2, C2). Writes
// happen inside the same transaction as the state mutation that produced
// them, so the log can never drift from committed reality — the lost-update
// hazard spec.md §9 calls out.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/loomhq/loom/internal/types"
)

// Appender is satisfied by both *sql.Tx and store.ImmediateTx, so callers
// in C4/C9/C11 can append from whichever transaction handle they hold.
type Appender interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append writes one event row inside tx. payload is marshaled to JSON.
func Append(ctx context.Context, tx Appender, now int64, session string, kind types.EventKind, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (timestamp, session_name, kind, payload)
		VALUES (?, ?, ?, ?)
	`, now, session, string(kind), string(body))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Querier is satisfied by *sql.DB and *sql.Conn for read-only tailing.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Since returns every event with seq > afterSeq, in ascending seq order.
// Readers rely on seq monotonicity (spec.md §5 "Causal across sessions").
func Since(ctx context.Context, q Querier, afterSeq int64) ([]types.Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, timestamp, session_name, kind, payload
		FROM events WHERE seq > ? ORDER BY seq ASC
	`, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Event
	for rows.Next() {
		var e types.Event
		var kind string
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.SessionName, &kind, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = types.EventKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ForSession returns every event recorded for the given session, in order.
func ForSession(ctx context.Context, q Querier, session string) ([]types.Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, timestamp, session_name, kind, payload
		FROM events WHERE session_name = ? ORDER BY seq ASC
	`, session)
	if err != nil {
		return nil, fmt.Errorf("query events for session: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Event
	for rows.Next() {
		var e types.Event
		var kind string
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.SessionName, &kind, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = types.EventKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}
