package integrity_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/loomhq/loom/internal/backupstore"
	"github.com/loomhq/loom/internal/integrity"
	"github.com/loomhq/loom/internal/jjdriver"
	"github.com/loomhq/loom/internal/store"
)

// dbSnapshot is a crude but sufficient stand-in for "byte-identical database
// state": every user table's row count plus the schema version. Check never
// touches the filesystem or database, so these must be identical before and
// after.
func dbSnapshot(t *testing.T, db *sql.DB) map[string]int {
	t.Helper()
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan table name: %v", err)
		}
		tables = append(tables, name)
	}

	snapshot := make(map[string]int, len(tables))
	for _, table := range tables {
		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		snapshot[table] = count
	}
	return snapshot
}

func TestCheckIsReadOnly(t *testing.T) {
	pool := store.NewTestPool(t)
	ws := filepath.Join(t.TempDir(), "ws")
	if err := os.MkdirAll(ws, 0o750); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	createSessionAt(t, pool, "steady", ws)

	driver := jjdriver.New(t.TempDir())
	backups := backupstore.New(t.TempDir())
	checker := integrity.New(pool, driver, backups)
	ctx := context.Background()

	before := dbSnapshot(t, pool.DB)
	if _, err := checker.Check(ctx); err != nil {
		t.Fatalf("first Check: %v", err)
	}
	if _, err := checker.Check(ctx); err != nil {
		t.Fatalf("second Check: %v", err)
	}
	after := dbSnapshot(t, pool.DB)

	if len(before) != len(after) {
		t.Fatalf("expected the same set of tables before and after Check, got %v vs %v", before, after)
	}
	for table, count := range before {
		if after[table] != count {
			t.Errorf("table %s: expected %d rows after repeated Check, got %d", table, count, after[table])
		}
	}

	if _, err := os.Stat(ws); err != nil {
		t.Errorf("expected the workspace directory to be untouched by Check, got %v", err)
	}
}
