package review

import (
	"context"
	"errors"
	"os"
	"testing"

	"sprintd/log"
	"sprintd/session"
	"sprintd/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain runs before all tests to set up the test environment
func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()

	os.Exit(m.Run())
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name     string
		response string
		approved bool
		feedback string
	}{
		{"approved with feedback", "APPROVED: looks fine", true, "looks fine"},
		{"approved bare", "APPROVED", true, ""},
		{"approved with newline feedback", "APPROVED\nclean change", true, "clean change"},
		{"rejected", "REJECTED: missing tests", false, "REJECTED: missing tests"},
		{"rejection keeps response verbatim", "\nREJECTED: missing tests\n\nSee the rounding path.\n", false, "\nREJECTED: missing tests\n\nSee the rounding path.\n"},
		{"free-form rejection", "I have concerns about the error handling", false, "I have concerns about the error handling"},
		{"leading whitespace approval", "  APPROVED: ok", true, "ok"},
		{"lowercase is not approval", "approved: fine", false, "approved: fine"},
		{"empty response", "", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := ParseVerdict(tt.response)
			assert.Equal(t, tt.approved, verdict.Approved)
			assert.Equal(t, tt.feedback, verdict.Feedback)
		})
	}
}

// scriptedAgent returns a fixed response to any prompt.
type scriptedAgent struct {
	id       string
	response string
	err      error
	closed   bool
	prompts  []string
}

func (a *scriptedAgent) ID() string { return a.id }

func (a *scriptedAgent) Prompt(ctx context.Context, prompt string) (string, error) {
	a.prompts = append(a.prompts, prompt)
	return a.response, a.err
}

func (a *scriptedAgent) Close() error {
	a.closed = true
	return nil
}

type scriptedProvider struct {
	agent     *scriptedAgent
	createErr error
}

func (p *scriptedProvider) CreateSession(ctx context.Context, opts session.Options) (session.Agent, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	return p.agent, nil
}

func TestReviewApproves(t *testing.T) {
	agent := &scriptedAgent{id: "challenger-1", response: "APPROVED: tight and well tested"}
	c := New(&scriptedProvider{agent: agent}, 0)

	issue := state.PlannedIssue{Number: 42, Title: "Add refund flow", Body: "Implement refunds.", Branch: "issue-42"}
	verdict, err := c.Review(context.Background(), "/work", issue, "3 files changed")
	require.NoError(t, err)

	assert.True(t, verdict.Approved)
	assert.Equal(t, "tight and well tested", verdict.Feedback)

	// One exchange, then torn down.
	assert.Len(t, agent.prompts, 1)
	assert.Contains(t, agent.prompts[0], "#42")
	assert.Contains(t, agent.prompts[0], "Add refund flow")
	assert.Contains(t, agent.prompts[0], "3 files changed")
	assert.True(t, agent.closed)
}

func TestReviewRejects(t *testing.T) {
	agent := &scriptedAgent{id: "challenger-2", response: "REJECTED: no test covers the rounding path"}
	c := New(&scriptedProvider{agent: agent}, 0)

	verdict, err := c.Review(context.Background(), "/work", state.PlannedIssue{Number: 7}, "")
	require.NoError(t, err)

	assert.False(t, verdict.Approved)
	assert.Equal(t, "REJECTED: no test covers the rounding path", verdict.Feedback)
	assert.True(t, agent.closed)
}

func TestReviewSessionFailure(t *testing.T) {
	c := New(&scriptedProvider{createErr: errors.New("no capacity")}, 0)
	_, err := c.Review(context.Background(), "/work", state.PlannedIssue{Number: 7}, "")
	assert.Error(t, err)
}

func TestReviewPromptFailureClosesSession(t *testing.T) {
	agent := &scriptedAgent{id: "challenger-3", err: errors.New("timed out")}
	c := New(&scriptedProvider{agent: agent}, 0)

	_, err := c.Review(context.Background(), "/work", state.PlannedIssue{Number: 7}, "")
	assert.Error(t, err)
	assert.True(t, agent.closed)
}
