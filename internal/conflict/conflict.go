// Package conflict is the merge-risk detector (spec.md §4.10, C10): given a
// session workspace and the shared tracking branch, reports whether their
// independent changes touch overlapping files since their common ancestor.
//
// Grounded on the teacher's vendored three-way merge matcher,
// internal/merge/merge.go's Merge3Way (MIT-licensed, from
// github.com/neongreen/mono): "diff against a common base, compute the
// changed-entity set on each side, the intersection is risk" generalized
// here from JSONL issue keys to file paths. Overlap is risk, not certainty:
// the detector is biased toward false positives over false negatives, so
// any diff-parse ambiguity counts a path as changed.
package conflict

import (
	"context"
	"sort"

	"github.com/loomhq/loom/internal/jjdriver"
	"github.com/loomhq/loom/internal/types"
)

type Detector struct {
	Driver *jjdriver.Driver
}

func New(driver *jjdriver.Driver) *Detector { return &Detector{Driver: driver} }

// Check computes the conflict report for workspacePath against
// trackingBookmark. It never mutates repository state; C11 decides what to
// do with the report.
func (d *Detector) Check(ctx context.Context, workspacePath, trackingBookmark string) (*types.ConflictReport, error) {
	base, err := d.Driver.CommonAncestor(ctx, workspacePath, trackingBookmark)
	if err != nil {
		return nil, err
	}

	workspaceChanged, err := d.Driver.ChangedFilesSince(ctx, workspacePath, base)
	if err != nil {
		return nil, err
	}
	trackingChanged, err := d.Driver.ChangedFilesBetween(ctx, workspacePath, base, trackingBookmark)
	if err != nil {
		return nil, err
	}

	overlap := intersect(workspaceChanged, trackingChanged)

	existingConflicts, err := d.existingConflicts(ctx, workspacePath)
	if err != nil {
		return nil, err
	}

	return &types.ConflictReport{
		MergeLikelySafe:       len(overlap) == 0,
		MergeBase:             base,
		OverlappingFiles:      overlap,
		ExistingDVCSConflicts: existingConflicts,
	}, nil
}

func (d *Detector) existingConflicts(ctx context.Context, workspacePath string) ([]string, error) {
	has, err := d.Driver.HasConflicts(ctx, workspacePath)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, nil
	}
	return d.Driver.ChangedFiles(ctx, workspacePath)
}

// intersect returns the sorted, deduplicated set common to both a and b.
func intersect(a, b []string) []string {
	inA := make(map[string]bool, len(a))
	for _, f := range a {
		inA[f] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, f := range b {
		if inA[f] && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
