package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"sprintd/log"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// Options configure a new agent session.
type Options struct {
	// WorkDir is the directory the agent runs in (usually a branch worktree).
	WorkDir string
	// SystemPrompt is prepended to every exchange.
	SystemPrompt string
	// Timeout bounds each prompt round trip. Zero means no extra bound beyond
	// the caller's context.
	Timeout time.Duration
}

// Agent is one coding-agent session. A session belongs to exactly one unit of
// work at a time.
type Agent interface {
	// ID returns the session's unique identifier.
	ID() string
	// Prompt sends one prompt to the agent and returns its full response.
	Prompt(ctx context.Context, prompt string) (string, error)
	// Close tears the session down.
	Close() error
}

// Provider opens agent sessions.
type Provider interface {
	CreateSession(ctx context.Context, opts Options) (Agent, error)
}

// CLIProvider runs a coding-agent CLI program. Each prompt is one program
// invocation on a pseudo-terminal, since agent CLIs behave differently when
// they detect a pipe instead of a tty.
type CLIProvider struct {
	// Program is the agent binary, e.g. "claude".
	Program string
}

// NewCLIProvider creates a provider for the given agent program.
func NewCLIProvider(program string) (*CLIProvider, error) {
	if program == "" {
		return nil, fmt.Errorf("agent program must not be empty")
	}
	return &CLIProvider{Program: program}, nil
}

// CreateSession opens a new CLI-backed agent session.
func (p *CLIProvider) CreateSession(ctx context.Context, opts Options) (Agent, error) {
	if _, err := exec.LookPath(p.Program); err != nil {
		return nil, fmt.Errorf("agent program %q not found: %w", p.Program, err)
	}

	a := &cliAgent{
		id:      uuid.NewString(),
		program: p.Program,
		opts:    opts,
	}
	log.DebugLog.Printf("created agent session %s (program=%s dir=%s)", a.id, p.Program, opts.WorkDir)
	return a, nil
}

type cliAgent struct {
	id      string
	program string
	opts    Options
	closed  bool
}

func (a *cliAgent) ID() string {
	return a.id
}

func (a *cliAgent) Prompt(ctx context.Context, prompt string) (string, error) {
	if a.closed {
		return "", fmt.Errorf("session %s is closed", a.id)
	}

	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	full := prompt
	if a.opts.SystemPrompt != "" {
		full = a.opts.SystemPrompt + "\n\n" + prompt
	}

	cmd := exec.CommandContext(ctx, a.program, "-p", full)
	if a.opts.WorkDir != "" {
		cmd.Dir = a.opts.WorkDir
	}

	f, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("failed to start agent %q: %w", a.program, err)
	}
	defer f.Close()

	var out bytes.Buffer
	// The pty read side returns EIO once the child exits; that is the normal
	// end-of-output condition, not a failure.
	if _, err := io.Copy(&out, f); err != nil && out.Len() == 0 {
		log.DebugLog.Printf("session %s pty read ended: %v", a.id, err)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("agent session %s timed out: %w", a.id, ctx.Err())
		}
		return "", fmt.Errorf("agent session %s failed: %w (output: %s)", a.id, err, truncate(out.String(), 500))
	}

	return out.String(), nil
}

func (a *cliAgent) Close() error {
	a.closed = true
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
