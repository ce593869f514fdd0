package drift

import (
	"os"
	"path/filepath"
	"testing"

	"sprintd/log"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain runs before all tests to set up the test environment
func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()

	os.Exit(m.Run())
}

func TestAnalyzeNoChanges(t *testing.T) {
	d := NewDetector(0.5)
	report := d.Analyze([]string{"a.go", "b.go"}, nil)

	assert.Equal(t, 0, report.TotalFilesChanged)
	assert.Equal(t, 0, report.PlannedChanges)
	assert.Empty(t, report.UnplannedChanges)
	assert.Equal(t, 0.0, report.DriftPercentage)
	assert.False(t, d.Exceeded(report))
}

func TestAnalyzeAllPlanned(t *testing.T) {
	d := NewDetector(0.5)
	report := d.Analyze([]string{"a.go", "b.go"}, []string{"a.go", "b.go"})

	assert.Equal(t, 2, report.TotalFilesChanged)
	assert.Equal(t, 2, report.PlannedChanges)
	assert.Empty(t, report.UnplannedChanges)
	assert.Equal(t, 0.0, report.DriftPercentage)
}

func TestAnalyzeAllUnplanned(t *testing.T) {
	d := NewDetector(0.5)
	report := d.Analyze([]string{"a.go"}, []string{"x.go", "y.go"})

	assert.Equal(t, 2, report.TotalFilesChanged)
	assert.Equal(t, 0, report.PlannedChanges)
	assert.Equal(t, []string{"x.go", "y.go"}, report.UnplannedChanges)
	assert.Equal(t, 1.0, report.DriftPercentage)
	assert.True(t, d.Exceeded(report))
}

func TestAnalyzeMixed(t *testing.T) {
	d := NewDetector(0.5)
	report := d.Analyze(
		[]string{"pkg/a.go", "pkg/b.go"},
		[]string{"pkg/a.go", "pkg/b.go", "pkg/c.go", "docs/readme.md"},
	)

	assert.Equal(t, 4, report.TotalFilesChanged)
	assert.Equal(t, 2, report.PlannedChanges)
	assert.Equal(t, []string{"docs/readme.md", "pkg/c.go"}, report.UnplannedChanges)
	assert.InDelta(t, 0.5, report.DriftPercentage, 1e-9)
	// Threshold is exclusive: exactly at threshold is not drift.
	assert.False(t, d.Exceeded(report))
}

func TestAnalyzeNormalizesSeparators(t *testing.T) {
	d := NewDetector(0.5)
	report := d.Analyze([]string{`pkg\a.go`}, []string{"pkg/a.go"})
	assert.Equal(t, 1, report.PlannedChanges)
}

// initRepo creates a git repo with one base commit and returns its path.
func initRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	writeFile(t, dir, "base.go", "package base\n")
	commit(t, repo, "initial")
	return dir, repo
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func commit(t *testing.T, repo *git.Repository, msg string) {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(".")
	require.NoError(t, err)
	_, err = wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com"},
	})
	require.NoError(t, err)
}

func TestChangedFiles(t *testing.T) {
	dir, repo := initRepo(t)

	head, err := repo.Head()
	require.NoError(t, err)
	base := head.Hash().String()

	writeFile(t, dir, "feature.go", "package feature\n")
	writeFile(t, dir, "extra/util.go", "package extra\n")
	commit(t, repo, "add feature")

	files, err := ChangedFiles(dir, base)
	require.NoError(t, err)
	assert.Equal(t, []string{"extra/util.go", "feature.go"}, files)
}

func TestChangedFilesBadRef(t *testing.T) {
	dir, _ := initRepo(t)
	_, err := ChangedFiles(dir, "no-such-ref")
	assert.Error(t, err)
}

func TestRevertBranch(t *testing.T) {
	dir, repo := initRepo(t)

	head, err := repo.Head()
	require.NoError(t, err)
	base := head.Hash().String()

	writeFile(t, dir, "drifted.go", "package drifted\n")
	commit(t, repo, "drift")

	require.NoError(t, RevertBranch(dir, base))

	_, err = os.Stat(filepath.Join(dir, "drifted.go"))
	assert.True(t, os.IsNotExist(err))

	files, err := ChangedFiles(dir, base)
	require.NoError(t, err)
	assert.Empty(t, files)
}
