package sprint

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"sprintd/log"
	"sprintd/state"
)

// Workspaces provisions a working directory for each issue. Issues in the
// same execution group run concurrently, so their checkouts must not share
// an index.
type Workspaces interface {
	Acquire(issue state.PlannedIssue) (string, error)
	Release(issue state.PlannedIssue) error
}

// sharedWorkspace hands every issue the same checkout. Suitable only when
// the session pool is capped at one.
type sharedWorkspace struct {
	dir string
}

func (w sharedWorkspace) Acquire(state.PlannedIssue) (string, error) { return w.dir, nil }
func (w sharedWorkspace) Release(state.PlannedIssue) error           { return nil }

// WorktreeWorkspaces creates one git worktree per issue under root, checked
// out to the issue's branch off baseRef.
type WorktreeWorkspaces struct {
	repoPath string
	baseRef  string
	root     string
}

// NewWorktreeWorkspaces returns a worktree-backed workspace manager.
func NewWorktreeWorkspaces(repoPath, baseRef, root string) *WorktreeWorkspaces {
	return &WorktreeWorkspaces{repoPath: repoPath, baseRef: baseRef, root: root}
}

func (w *WorktreeWorkspaces) dirFor(issue state.PlannedIssue) string {
	name := strings.ReplaceAll(issue.Branch, "/", "-")
	if name == "" {
		name = fmt.Sprintf("issue-%d", issue.Number)
	}
	return filepath.Join(w.root, name)
}

// Acquire adds a worktree for the issue's branch. An existing worktree from
// a previous crashed run is removed first so the branch starts clean.
func (w *WorktreeWorkspaces) Acquire(issue state.PlannedIssue) (string, error) {
	if issue.Branch == "" {
		return "", fmt.Errorf("issue #%d has no branch", issue.Number)
	}
	dir := w.dirFor(issue)

	if _, err := os.Stat(dir); err == nil {
		if err := w.Release(issue); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(w.root, 0755); err != nil {
		return "", fmt.Errorf("failed to create worktree root %s: %w", w.root, err)
	}

	if out, err := w.git("worktree", "add", "-B", issue.Branch, dir, w.baseRef); err != nil {
		return "", fmt.Errorf("failed to add worktree for branch %s: %w: %s", issue.Branch, err, out)
	}
	log.InfoLog.Printf("created worktree %s for issue #%d", dir, issue.Number)
	return dir, nil
}

// Release removes the issue's worktree. The branch itself is kept so the
// work survives for review.
func (w *WorktreeWorkspaces) Release(issue state.PlannedIssue) error {
	dir := w.dirFor(issue)
	if out, err := w.git("worktree", "remove", "--force", dir); err != nil {
		return fmt.Errorf("failed to remove worktree %s: %w: %s", dir, err, out)
	}
	return nil
}

func (w *WorktreeWorkspaces) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = w.repoPath
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
