package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sprintd/log"
	"sprintd/session"
	"sprintd/state"
)

const approvedToken = "APPROVED"

const challengerSystemPrompt = "You are an adversarial code reviewer. You did not write this change " +
	"and you gain nothing from approving it. Hunt for missing tests, unhandled errors, scope creep " +
	"and regressions. Begin your response with APPROVED only if you found no blocking problem; " +
	"otherwise begin with REJECTED and explain what blocks the change."

// Challenger runs a second, adversarial review pass in its own agent session,
// independent of the quality gate. The session is torn down after a single
// exchange and never retries internally.
type Challenger struct {
	provider session.Provider
	timeout  time.Duration
}

// New creates a challenger backed by the given session provider.
func New(provider session.Provider, timeout time.Duration) *Challenger {
	return &Challenger{provider: provider, timeout: timeout}
}

// Review asks the challenger to judge an issue's branch. diffStat is the
// human-readable diff statistics for the branch.
func (c *Challenger) Review(ctx context.Context, workDir string, issue state.PlannedIssue, diffStat string) (state.CodeReview, error) {
	agent, err := c.provider.CreateSession(ctx, session.Options{
		WorkDir:      workDir,
		SystemPrompt: challengerSystemPrompt,
		Timeout:      c.timeout,
	})
	if err != nil {
		return state.CodeReview{}, fmt.Errorf("failed to create challenger session: %w", err)
	}
	defer func() {
		if err := agent.Close(); err != nil {
			log.WarningLog.Printf("failed to close challenger session %s: %v", agent.ID(), err)
		}
	}()

	prompt := fmt.Sprintf(
		"Review the change for issue #%d.\n\nTitle: %s\n\nDescription:\n%s\n\nDiff statistics:\n%s\n\n"+
			"Respond with APPROVED or REJECTED on the first line, followed by your feedback.",
		issue.Number, issue.Title, issue.Body, diffStat,
	)

	response, err := agent.Prompt(ctx, prompt)
	if err != nil {
		return state.CodeReview{}, fmt.Errorf("challenger session failed: %w", err)
	}

	return ParseVerdict(response), nil
}

// ParseVerdict interprets a challenger response by its leading token. Only a
// response beginning with the literal APPROVED is an approval; everything
// else, including an explicit REJECTED, is a rejection carrying the response
// verbatim as feedback so nothing the reviewer wrote is lost.
func ParseVerdict(response string) state.CodeReview {
	trimmed := strings.TrimSpace(response)

	if strings.HasPrefix(trimmed, approvedToken) {
		feedback := strings.TrimPrefix(trimmed, approvedToken)
		feedback = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(feedback), ":"))
		return state.CodeReview{Approved: true, Feedback: feedback}
	}

	return state.CodeReview{Approved: false, Feedback: response}
}
