package gate

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"sprintd/config"
	"sprintd/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain runs before all tests to set up the test environment
func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()

	os.Exit(m.Run())
}

// fakeRunner maps command substrings to canned results.
type fakeRunner struct {
	failing map[string]string // command substring -> failure detail
	outputs map[string]string // command substring -> success output
	ran     []string
}

func (r *fakeRunner) Run(ctx context.Context, dir, command string) (string, error) {
	r.ran = append(r.ran, command)
	for sub, detail := range r.failing {
		if strings.Contains(command, sub) {
			return "", errors.New(detail)
		}
	}
	for sub, out := range r.outputs {
		if strings.Contains(command, sub) {
			return out, nil
		}
	}
	return "ok", nil
}

func allChecks() config.QualityChecks {
	return config.QualityChecks{
		Tests:        true,
		Lint:         true,
		TypeCheck:    true,
		Build:        true,
		DiffSize:     true,
		MaxDiffLines: 100,
	}
}

func TestAllChecksPass(t *testing.T) {
	g := New(allChecks())
	runner := &fakeRunner{outputs: map[string]string{"numstat": "10\t5\tmain.go\n"}}
	g.SetRunner(runner)

	result := g.Run(context.Background(), "/repo", "main")

	assert.True(t, result.Passed)
	require.Len(t, result.Checks, 5)
	for _, c := range result.Checks {
		assert.True(t, c.Passed, c.Name)
	}
}

func TestOneFailureFailsAggregate(t *testing.T) {
	g := New(allChecks())
	runner := &fakeRunner{
		failing: map[string]string{"go test": "TestFoo failed"},
		outputs: map[string]string{"numstat": "1\t1\tmain.go\n"},
	}
	g.SetRunner(runner)

	result := g.Run(context.Background(), "/repo", "main")

	assert.False(t, result.Passed)
	byName := make(map[string]bool)
	for _, c := range result.Checks {
		byName[c.Name] = c.Passed
	}
	assert.False(t, byName["tests"])
	assert.True(t, byName["lint"])
	assert.True(t, byName["build"])
}

func TestFailingCheckDoesNotShortCircuit(t *testing.T) {
	g := New(allChecks())
	runner := &fakeRunner{
		failing: map[string]string{"go test": "boom"},
		outputs: map[string]string{"numstat": "1\t1\tmain.go\n"},
	}
	g.SetRunner(runner)

	result := g.Run(context.Background(), "/repo", "main")

	// All five configured checks still ran and reported.
	assert.Len(t, result.Checks, 5)
	assert.Len(t, runner.ran, 5)
}

func TestDisabledCheckIsOmitted(t *testing.T) {
	cfg := allChecks()
	cfg.Lint = false
	cfg.TypeCheck = false
	g := New(cfg)
	g.SetRunner(&fakeRunner{outputs: map[string]string{"numstat": ""}})

	result := g.Run(context.Background(), "/repo", "main")

	assert.True(t, result.Passed)
	require.Len(t, result.Checks, 3)
	for _, c := range result.Checks {
		assert.NotEqual(t, "lint", c.Name)
		assert.NotEqual(t, "type_check", c.Name)
	}
}

func TestDiffSizeLimit(t *testing.T) {
	cfg := config.QualityChecks{DiffSize: true, MaxDiffLines: 10}
	g := New(cfg)
	g.SetRunner(&fakeRunner{outputs: map[string]string{
		"numstat": "8\t7\tmain.go\n-\t-\timage.png\n",
	}})

	result := g.Run(context.Background(), "/repo", "main")

	require.Len(t, result.Checks, 1)
	c := result.Checks[0]
	assert.Equal(t, "diff_size", c.Name)
	assert.False(t, c.Passed)
	assert.Contains(t, c.Detail, "15 lines")
}

func TestDiffSizeWithinLimit(t *testing.T) {
	cfg := config.QualityChecks{DiffSize: true, MaxDiffLines: 100}
	g := New(cfg)
	g.SetRunner(&fakeRunner{outputs: map[string]string{"numstat": "8\t7\tmain.go\n"}})

	result := g.Run(context.Background(), "/repo", "main")

	assert.True(t, result.Passed)
	assert.Contains(t, result.Checks[0].Detail, "15 lines")
}

func TestCommandOverride(t *testing.T) {
	cfg := config.QualityChecks{
		Tests:    true,
		Commands: map[string]string{"tests": "npm test"},
	}
	g := New(cfg)
	runner := &fakeRunner{}
	g.SetRunner(runner)

	g.Run(context.Background(), "/repo", "main")

	require.Len(t, runner.ran, 1)
	assert.Equal(t, "npm test", runner.ran[0])
}
