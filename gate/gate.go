package gate

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"sprintd/config"
	"sprintd/log"
	"sprintd/state"
)

// CommandRunner executes one shell command in a directory and returns its
// combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("command failed: %s (%w)", strings.TrimSpace(string(output)), err)
	}
	return string(output), nil
}

// check is one configured gate check.
type check struct {
	name     string
	category string
	command  string
}

// Default check commands, overridable through config.QualityChecks.Commands.
var defaultCommands = map[string]string{
	"tests":      "go test ./...",
	"lint":       "golangci-lint run ./...",
	"type_check": "go vet ./...",
	"build":      "go build ./...",
}

// Gate runs the configured quality checks against a branch worktree. Every
// enabled check always runs; a failing check never short-circuits later ones,
// so the retry decision sees the full diagnostic picture.
type Gate struct {
	checks       []check
	diffSize     bool
	maxDiffLines int
	runner       CommandRunner
}

// New builds a gate from the quality configuration.
func New(cfg config.QualityChecks) *Gate {
	g := &Gate{
		diffSize:     cfg.DiffSize,
		maxDiffLines: cfg.MaxDiffLines,
		runner:       execRunner{},
	}

	add := func(enabled bool, name, category string) {
		if !enabled {
			return
		}
		command := defaultCommands[name]
		if override, ok := cfg.Commands[name]; ok && override != "" {
			command = override
		}
		g.checks = append(g.checks, check{name: name, category: category, command: command})
	}

	add(cfg.Tests, "tests", "tests")
	add(cfg.Lint, "lint", "style")
	add(cfg.TypeCheck, "type_check", "types")
	add(cfg.Build, "build", "build")

	return g
}

// SetRunner swaps the command runner; used by tests.
func (g *Gate) SetRunner(r CommandRunner) {
	g.runner = r
}

// Run executes every enabled check in the worktree at dir, diffing against
// baseRef for the diff-size check. Disabled checks are omitted from the
// result, never counted as passing.
func (g *Gate) Run(ctx context.Context, dir, baseRef string) state.QualityResult {
	var results []state.QualityCheck

	for _, c := range g.checks {
		output, err := g.runner.Run(ctx, dir, c.command)
		qc := state.QualityCheck{Name: c.name, Category: c.category}
		if err != nil {
			qc.Passed = false
			qc.Detail = truncateDetail(err.Error())
			log.InfoLog.Printf("quality check %s failed in %s: %v", c.name, dir, err)
		} else {
			qc.Passed = true
			qc.Detail = truncateDetail(strings.TrimSpace(output))
		}
		results = append(results, qc)
	}

	if g.diffSize {
		results = append(results, g.runDiffSize(ctx, dir, baseRef))
	}

	passed := true
	for _, c := range results {
		if !c.Passed {
			passed = false
		}
	}

	return state.QualityResult{Passed: passed, Checks: results}
}

// runDiffSize sums added+removed lines between baseRef and HEAD and compares
// against the configured maximum.
func (g *Gate) runDiffSize(ctx context.Context, dir, baseRef string) state.QualityCheck {
	qc := state.QualityCheck{Name: "diff_size", Category: "size"}

	output, err := g.runner.Run(ctx, dir, fmt.Sprintf("git diff --numstat %s HEAD", baseRef))
	if err != nil {
		qc.Passed = false
		qc.Detail = truncateDetail(err.Error())
		return qc
	}

	total := 0
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		// Binary files report "-"; skip the unparseable counts.
		added, err1 := strconv.Atoi(fields[0])
		removed, err2 := strconv.Atoi(fields[1])
		if err1 == nil {
			total += added
		}
		if err2 == nil {
			total += removed
		}
	}

	if total > g.maxDiffLines {
		qc.Passed = false
		qc.Detail = fmt.Sprintf("diff spans %d lines, limit is %d", total, g.maxDiffLines)
	} else {
		qc.Passed = true
		qc.Detail = fmt.Sprintf("diff spans %d lines", total)
	}
	return qc
}

func truncateDetail(s string) string {
	const max = 1000
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
