// Package jjdriver wraps the jj (Jujutsu) CLI as loom's DVCS backend (C5).
// Named workspaces share one object store and jj surfaces conflicts as
// first-class commit content rather than failing a merge outright, which is
// what lets C10's pre-check and C11's done pipeline reason about overlap
// without shelling out to a three-way merge tool themselves.
//
// Grounded on the teacher's internal/git package: exec.Command wrapping
// with cmd.Dir set per call (worktree_test.go's setupTestRepo pattern),
// repo-root detection via upward directory walk with a boundary check
// (jujutsu_test.go's TestGetJujutsuRootStopsAtGitBoundary), and a
// ResetCaches hook for test isolation against process-wide cached state.
package jjdriver

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/loomerr"
)

var (
	rootCacheMu sync.Mutex
	rootCache   = map[string]string{}
)

// ResetCaches clears process-wide cached repo-root lookups. Tests that
// chdir between cases must call this so stale roots from a prior case
// don't leak in.
func ResetCaches() {
	rootCacheMu.Lock()
	defer rootCacheMu.Unlock()
	rootCache = map[string]string{}
}

// IsRepo reports whether dir is inside a jj repository, walking upward
// until it finds a ".jj" directory or crosses a ".git" boundary first.
func IsRepo(dir string) bool {
	_, err := FindRoot(dir)
	return err == nil
}

// FindRoot walks upward from dir looking for a ".jj" directory, stopping
// (and failing) if a ".git" directory is found first at a level where no
// ".jj" has yet been seen. This prevents a plain git repo nested inside a
// jj workspace from inheriting the parent's jj context.
func FindRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, loomerr.ErrIoError)
	}

	rootCacheMu.Lock()
	if cached, ok := rootCache[abs]; ok {
		rootCacheMu.Unlock()
		if cached == "" {
			return "", fmt.Errorf("%s: %w", dir, loomerr.ErrInvalidArgs)
		}
		return cached, nil
	}
	rootCacheMu.Unlock()

	cur := abs
	for {
		if info, err := os.Stat(filepath.Join(cur, ".jj")); err == nil && info.IsDir() {
			rootCacheMu.Lock()
			rootCache[abs] = cur
			rootCacheMu.Unlock()
			return cur, nil
		}
		if info, err := os.Stat(filepath.Join(cur, ".git")); err == nil && info.IsDir() {
			break
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}

	rootCacheMu.Lock()
	rootCache[abs] = ""
	rootCacheMu.Unlock()
	return "", fmt.Errorf("%s: not a jj repository: %w", dir, loomerr.ErrInvalidArgs)
}

// Driver issues jj subcommands against one repository root, serialized by
// a two-layer Mutex (spec.md §4.5: "single process-wide asynchronous
// mutex", extended to cross-process per SPEC_FULL.md §5).
type Driver struct {
	RepoRoot   string
	Mutex      *Mutex
	LockWait   time.Duration
}

func New(repoRoot string) *Driver {
	return &Driver{RepoRoot: repoRoot, Mutex: NewMutex(repoRoot), LockWait: 30 * time.Second}
}

func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	return d.runIn(ctx, d.RepoRoot, args...)
}

// runIn is run's general form: every jj invocation against this
// repository's object store, in whichever workspace directory, is
// serialized by the same Mutex (spec.md §4.5: "single process-wide
// asynchronous mutex"). Workspaces share one object store, so a call
// running with cmd.Dir set to a workspace path is still a mutation (or
// read) of the same underlying repository the RepoRoot-rooted calls touch,
// and must queue behind them rather than race.
func (d *Driver) runIn(ctx context.Context, dir string, args ...string) (string, error) {
	h, err := d.Mutex.Acquire(ctx, d.LockWait)
	if err != nil {
		return "", err
	}
	defer h.Release()

	cmd := exec.CommandContext(ctx, "jj", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("jj %s: %w: %s", strings.Join(args, " "), loomerr.ErrSubprocessFailed, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// CreateWorkspace adds a new named workspace at path, sharing this repo's
// object store (spec.md §4.5: "one named jj workspace per session").
func (d *Driver) CreateWorkspace(ctx context.Context, name, path string) error {
	_, err := d.run(ctx, "workspace", "add", "--name", name, path)
	return err
}

// ForgetWorkspace removes the named workspace's registration from the repo
// (the working-copy directory itself is removed separately by the caller's
// atomic-remove protocol, spec.md §4.11).
func (d *Driver) ForgetWorkspace(ctx context.Context, name string) error {
	_, err := d.run(ctx, "workspace", "forget", name)
	return err
}

// ListWorkspaces returns the names of all workspaces registered in the repo.
func (d *Driver) ListWorkspaces(ctx context.Context) ([]string, error) {
	out, err := d.run(ctx, "workspace", "list")
	if err != nil {
		return nil, err
	}
	var names []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if name, _, ok := strings.Cut(line, ":"); ok {
			names = append(names, strings.TrimSpace(name))
		}
	}
	return names, nil
}

// HasConflicts reports whether the given workspace's working copy contains
// unresolved conflicts, per jj's first-class conflict markers in `jj status`.
func (d *Driver) HasConflicts(ctx context.Context, workspacePath string) (bool, error) {
	out, err := d.runIn(ctx, workspacePath, "status")
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "There are unresolved conflicts"), nil
}

// ChangedFiles returns the set of paths modified in workspacePath's working
// copy relative to its parent revision, used by C10's overlap check.
func (d *Driver) ChangedFiles(ctx context.Context, workspacePath string) ([]string, error) {
	out, err := d.runIn(ctx, workspacePath, "diff", "--summary")
	if err != nil {
		return nil, err
	}
	var files []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		// Lines look like "M path/to/file" or "A path" or "D path".
		if _, rest, ok := strings.Cut(line, " "); ok {
			files = append(files, strings.TrimSpace(rest))
		}
	}
	return files, nil
}

// ChangedFilesSince returns the set of paths changed between base and the
// workspace's current working-copy revision, used to compute overlap
// against the tracking branch rather than just the immediate parent.
func (d *Driver) ChangedFilesSince(ctx context.Context, workspacePath, base string) ([]string, error) {
	out, err := d.runIn(ctx, workspacePath, "diff", "--summary", "--from", base)
	if err != nil {
		return nil, err
	}
	var files []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if _, rest, ok := strings.Cut(line, " "); ok {
			files = append(files, strings.TrimSpace(rest))
		}
	}
	return files, nil
}

// ChangedFilesBetween returns the set of paths that differ between two
// revisions (change IDs or bookmark names) in the shared repository. Unlike
// ChangedFilesSince, which diffs a workspace's working copy against a base,
// this diffs two arbitrary revisions directly, which is what's needed to
// inspect the tracking branch's own history without checking it out.
func (d *Driver) ChangedFilesBetween(ctx context.Context, repoPath, fromRev, toRev string) ([]string, error) {
	out, err := d.runIn(ctx, repoPath, "diff", "--summary", "--from", fromRev, "--to", toRev)
	if err != nil {
		return nil, err
	}
	var files []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if _, rest, ok := strings.Cut(line, " "); ok {
			files = append(files, strings.TrimSpace(rest))
		}
	}
	return files, nil
}

// CommonAncestor returns the change ID of the merge base between the
// workspace's current revision and the tracking bookmark.
func (d *Driver) CommonAncestor(ctx context.Context, workspacePath, trackingBookmark string) (string, error) {
	out, err := d.runIn(ctx, workspacePath, "log", "--no-graph", "-r", fmt.Sprintf("heads(::@ & ::%s)", trackingBookmark), "-T", "change_id")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// MergeToBookmark lands the workspace's current change onto the tracking
// bookmark via rebase, then advances the bookmark to point at it. Returns
// loomerr.ErrMergeConflict if jj reports the rebase produced a conflict.
func (d *Driver) MergeToBookmark(ctx context.Context, workspacePath, trackingBookmark string) error {
	if _, err := d.runIn(ctx, workspacePath, "rebase", "-d", trackingBookmark); err != nil {
		return err
	}
	if conflicted, err := d.HasConflicts(ctx, workspacePath); err != nil {
		return err
	} else if conflicted {
		return fmt.Errorf("rebase onto %s: %w", trackingBookmark, loomerr.ErrMergeConflict)
	}

	if _, err := d.run(ctx, "bookmark", "move", trackingBookmark, "--to", "@"); err != nil {
		return err
	}
	return nil
}

// Sync rebases the workspace's current change onto the tracking bookmark as
// it stands in the local repository (nothing is fetched), surfacing conflicts via loomerr.ErrSyncConflict instead
// of ErrMergeConflict (spec.md §4.9 distinguishes sync-time from done-time
// conflicts so the CLI can word the hint differently).
func (d *Driver) Sync(ctx context.Context, workspacePath, trackingBookmark string) error {
	if _, err := d.runIn(ctx, workspacePath, "rebase", "-d", trackingBookmark); err != nil {
		return err
	}
	if conflicted, err := d.HasConflicts(ctx, workspacePath); err != nil {
		return err
	} else if conflicted {
		return fmt.Errorf("sync onto %s: %w", trackingBookmark, loomerr.ErrSyncConflict)
	}
	return nil
}

// CurrentChangeID returns the change ID of the working-copy commit in
// workspacePath.
func (d *Driver) CurrentChangeID(ctx context.Context, workspacePath string) (string, error) {
	out, err := d.runIn(ctx, workspacePath, "log", "--no-graph", "-r", "@", "-T", "change_id")
	if err != nil {
		return "", fmt.Errorf("jj log (current change): %w", err)
	}
	return strings.TrimSpace(out), nil
}
