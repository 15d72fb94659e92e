package store

import (
	"path/filepath"
	"testing"
)

// NewTestPool opens a fresh, migrated pool backed by a temp-directory file
// and registers its cleanup with t. Every other package's tests use this
// instead of hand-rolling sql.Open, the same test-isolation idiom the
// teacher's internal/storage/sqlite/test_helpers.go establishes (one
// throwaway on-disk database per test, never a shared in-memory instance).
func NewTestPool(t testing.TB) *Pool {
	t.Helper()
	dir := t.TempDir()
	pool, err := Open(filepath.Join(dir, "state.db"), DefaultConfig())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}
