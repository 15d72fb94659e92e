package jjdriver_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/loomhq/loom/internal/jjdriver"
)

func TestFindRootLocatesJJDir(t *testing.T) {
	jjdriver.ResetCaches()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".jj"), 0o750); err != nil {
		t.Fatalf("mkdir .jj: %v", err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o750); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}

	got, err := jjdriver.FindRoot(nested)
	if err != nil {
		t.Fatalf("FindRoot: %v", err)
	}
	want, _ := filepath.EvalSymlinks(root)
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != want {
		t.Errorf("FindRoot(%s) = %s, want %s", nested, got, root)
	}
}

func TestFindRootStopsAtGitBoundary(t *testing.T) {
	jjdriver.ResetCaches()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o750); err != nil {
		t.Fatalf("mkdir .git: %v", err)
	}
	nested := filepath.Join(root, "sub")
	if err := os.MkdirAll(nested, 0o750); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}

	if _, err := jjdriver.FindRoot(nested); err == nil {
		t.Error("expected FindRoot to fail at a git boundary with no .jj seen")
	}
}

func TestIsRepoTrueAndFalse(t *testing.T) {
	jjdriver.ResetCaches()
	withJJ := t.TempDir()
	if err := os.MkdirAll(filepath.Join(withJJ, ".jj"), 0o750); err != nil {
		t.Fatalf("mkdir .jj: %v", err)
	}
	if !jjdriver.IsRepo(withJJ) {
		t.Error("expected IsRepo true for a directory containing .jj")
	}

	jjdriver.ResetCaches()
	without := t.TempDir()
	if jjdriver.IsRepo(without) {
		t.Error("expected IsRepo false for a directory with no .jj ancestor")
	}
}

func TestFindRootCachesResult(t *testing.T) {
	jjdriver.ResetCaches()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".jj"), 0o750); err != nil {
		t.Fatalf("mkdir .jj: %v", err)
	}

	first, err := jjdriver.FindRoot(root)
	if err != nil {
		t.Fatalf("FindRoot: %v", err)
	}
	if err := os.RemoveAll(filepath.Join(root, ".jj")); err != nil {
		t.Fatalf("remove .jj: %v", err)
	}

	// The cache should still return the previously found root even though
	// the .jj directory is now gone.
	second, err := jjdriver.FindRoot(root)
	if err != nil {
		t.Fatalf("FindRoot (cached): %v", err)
	}
	if first != second {
		t.Errorf("expected cached FindRoot to be stable, got %s then %s", first, second)
	}
}
