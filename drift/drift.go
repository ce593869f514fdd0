package drift

import (
	"fmt"
	"path/filepath"
	"sort"

	"sprintd/log"
	"sprintd/state"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Detector compares an issue's declared expected files against the files its
// branch actually changed.
type Detector struct {
	threshold float64
}

// NewDetector creates a detector with the per-issue drift threshold (0..1).
func NewDetector(threshold float64) *Detector {
	return &Detector{threshold: threshold}
}

// Analyze computes a drift report from the declared scope and the observed
// changes. driftPercentage is |unplanned| / total, 0 when nothing changed.
func (d *Detector) Analyze(expectedFiles, changedFiles []string) state.DriftReport {
	expected := make(map[string]bool, len(expectedFiles))
	for _, f := range expectedFiles {
		expected[filepath.ToSlash(f)] = true
	}

	var unplanned []string
	planned := 0
	for _, f := range changedFiles {
		if expected[filepath.ToSlash(f)] {
			planned++
		} else {
			unplanned = append(unplanned, f)
		}
	}
	sort.Strings(unplanned)

	report := state.DriftReport{
		TotalFilesChanged: len(changedFiles),
		PlannedChanges:    planned,
		UnplannedChanges:  unplanned,
	}
	if report.TotalFilesChanged > 0 {
		report.DriftPercentage = float64(len(unplanned)) / float64(report.TotalFilesChanged)
	}
	return report
}

// Exceeded reports whether a report crosses the per-issue threshold.
func (d *Detector) Exceeded(r state.DriftReport) bool {
	return r.DriftPercentage > d.threshold
}

// ChangedFiles lists the files the repository at repoPath changed between
// baseRef and HEAD.
func ChangedFiles(repoPath, baseRef string) ([]string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", repoPath, err)
	}

	baseHash, err := repo.ResolveRevision(plumbing.Revision(baseRef))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base ref %q: %w", baseRef, err)
	}
	baseCommit, err := repo.CommitObject(*baseHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load base commit %s: %w", baseHash, err)
	}

	headRef, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	headCommit, err := repo.CommitObject(headRef.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to load HEAD commit %s: %w", headRef.Hash(), err)
	}

	patch, err := baseCommit.Patch(headCommit)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s..%s: %w", baseHash, headRef.Hash(), err)
	}

	seen := make(map[string]bool)
	var files []string
	for _, fp := range patch.FilePatches() {
		from, to := fp.Files()
		name := ""
		if to != nil {
			name = to.Path()
		} else if from != nil {
			name = from.Path()
		}
		if name != "" && !seen[name] {
			seen[name] = true
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// RevertBranch hard-resets the repository at repoPath back to baseRef,
// discarding the drifted work.
func RevertBranch(repoPath, baseRef string) error {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return fmt.Errorf("failed to open repository %s: %w", repoPath, err)
	}

	baseHash, err := repo.ResolveRevision(plumbing.Revision(baseRef))
	if err != nil {
		return fmt.Errorf("failed to resolve base ref %q: %w", baseRef, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}

	if err := wt.Reset(&git.ResetOptions{Commit: *baseHash, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("failed to reset %s to %s: %w", repoPath, baseRef, err)
	}

	log.InfoLog.Printf("reverted %s to %s", repoPath, baseRef)
	return nil
}
