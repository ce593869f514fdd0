package sprint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sprintd/log"
	"sprintd/session"
	"sprintd/state"
)

// runRefine asks an agent session to sharpen acceptance criteria for every
// planned issue before any code is written. The refinement notes go into the
// sprint log for the humans following along.
func (r *Runner) runRefine(ctx context.Context) error {
	output, err := r.runPhaseSession(ctx, refinePrompt(r.plan()))
	if err != nil {
		return fmt.Errorf("refinement session failed: %w", err)
	}
	r.appendPhaseNotes("Refinement", output)
	return nil
}

// runPlan validates the execution groups against the current repository:
// ordering, expected file scopes, and any conflicts between issues planned
// into the same group.
func (r *Runner) runPlan(ctx context.Context) error {
	plan := r.plan()
	if len(plan.Groups) == 0 {
		return fmt.Errorf("sprint plan has no execution groups")
	}
	for gi, group := range plan.Groups {
		if len(group.Issues) == 0 {
			return fmt.Errorf("execution group %d has no issues", gi+1)
		}
	}

	output, err := r.runPhaseSession(ctx, planPrompt(plan))
	if err != nil {
		return fmt.Errorf("planning session failed: %w", err)
	}
	r.appendPhaseNotes("Planning", output)
	return nil
}

// runReview summarizes the executed work for human review.
func (r *Runner) runReview(ctx context.Context) error {
	snapshot := r.GetState()
	output, err := r.runPhaseSession(ctx, reviewPrompt(snapshot))
	if err != nil {
		return fmt.Errorf("review session failed: %w", err)
	}
	r.appendPhaseNotes("Review", output)
	return nil
}

// runRetro closes the sprint with a retrospective: aggregate stats plus the
// agent's read on what to change next time.
func (r *Runner) runRetro(ctx context.Context) error {
	snapshot := r.GetState()

	completed, failed := 0, 0
	var retried []string
	for _, e := range snapshot.Results {
		if e.Status == state.StatusCompleted {
			completed++
		} else {
			failed++
		}
		if e.RetryCount > 0 {
			retried = append(retried, fmt.Sprintf("#%d (%d retries)", e.IssueNumber, e.RetryCount))
		}
	}

	var stats strings.Builder
	fmt.Fprintf(&stats, "Completed: %d, Failed: %d, Drift incidents: %d\n",
		completed, failed, snapshot.DriftIncidents)
	if len(retried) > 0 {
		fmt.Fprintf(&stats, "Retried issues: %s\n", strings.Join(retried, ", "))
	}
	r.appendPhaseNotes("Retro stats", stats.String())

	output, err := r.runPhaseSession(ctx, retroPrompt(snapshot))
	if err != nil {
		// Stats are already logged; a failed retrospective session should
		// not flip an otherwise finished sprint to failed.
		log.WarningLog.Printf("retrospective session failed: %v", err)
		return nil
	}
	r.appendPhaseNotes("Retrospective", output)
	return nil
}

// runPhaseSession executes a single prompt in a pooled agent session and
// returns the agent's output.
func (r *Runner) runPhaseSession(ctx context.Context, prompt string) (string, error) {
	opts := session.Options{
		WorkDir: r.repoPath,
		Timeout: time.Duration(r.cfg.SessionTimeoutSeconds) * time.Second,
	}

	var output string
	err := r.pool.ExecuteInSession(ctx, opts, func(ctx context.Context, s *session.PooledSession) error {
		out, err := s.Agent.Prompt(ctx, prompt)
		output = out
		return err
	})
	return output, err
}

func (r *Runner) appendPhaseNotes(heading, body string) {
	if r.sprintLog == nil || strings.TrimSpace(body) == "" {
		return
	}
	block := fmt.Sprintf("### %s\n\n%s\n", heading, strings.TrimSpace(body))
	if err := r.sprintLog.AppendSection(block); err != nil {
		log.WarningLog.Printf("failed to append %s notes to sprint log: %v", strings.ToLower(heading), err)
	}
}

func refinePrompt(plan *state.SprintPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are refining the backlog for sprint %d (%s).\n", plan.Number, plan.Slug)
	b.WriteString("For each issue below, tighten the acceptance criteria and flag anything underspecified.\n")
	b.WriteString("Do not write implementation code. Reply with one short section per issue.\n\n")
	writeIssueList(&b, plan)
	return b.String()
}

func planPrompt(plan *state.SprintPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are validating the execution plan for sprint %d (%s).\n", plan.Number, plan.Slug)
	b.WriteString("Check the planned file scopes against the repository you are in: ")
	b.WriteString("flag expected files that do not exist and are not clearly new, ")
	b.WriteString("and flag issues in the same group whose file scopes overlap.\n\n")
	for gi, group := range plan.Groups {
		fmt.Fprintf(&b, "Group %d:\n", gi+1)
		for _, issue := range group.Issues {
			fmt.Fprintf(&b, "- #%d %s (branch %s): %s\n",
				issue.Number, issue.Title, issue.Branch, strings.Join(issue.ExpectedFiles, ", "))
		}
	}
	return b.String()
}

func reviewPrompt(snapshot state.SprintState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sprint %d (%s) has finished executing. Summarize the results below for a human reviewer:\n",
		snapshot.SprintNumber, snapshot.Slug)
	b.WriteString("call out failed issues first, then anything that needed retries or tripped the drift check.\n\n")
	writeResultList(&b, snapshot.Results)
	return b.String()
}

func retroPrompt(snapshot state.SprintState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a short retrospective for sprint %d (%s).\n", snapshot.SprintNumber, snapshot.Slug)
	b.WriteString("What went well, what did not, and one concrete change for the next sprint.\n\n")
	writeResultList(&b, snapshot.Results)
	return b.String()
}

func implementPrompt(issue state.PlannedIssue, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement issue #%d: %s\n\n", issue.Number, issue.Title)
	if issue.Body != "" {
		b.WriteString(issue.Body)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Work on branch %s. ", issue.Branch)
	if len(issue.ExpectedFiles) > 0 {
		fmt.Fprintf(&b, "Stay within this file scope unless it is clearly impossible: %s. ",
			strings.Join(issue.ExpectedFiles, ", "))
	}
	b.WriteString("Commit your work when done.\n")
	if feedback != "" {
		fmt.Fprintf(&b, "\nA previous attempt was rejected. Address this before anything else:\n%s\n", feedback)
	}
	return b.String()
}

func writeIssueList(b *strings.Builder, plan *state.SprintPlan) {
	for _, group := range plan.Groups {
		for _, issue := range group.Issues {
			fmt.Fprintf(b, "#%d %s\n", issue.Number, issue.Title)
			if issue.Body != "" {
				fmt.Fprintf(b, "%s\n", issue.Body)
			}
			b.WriteString("\n")
		}
	}
}

func writeResultList(b *strings.Builder, results []state.HuddleEntry) {
	for _, e := range results {
		fmt.Fprintf(b, "- #%d %s: %s (retries: %d, files changed: %d)",
			e.IssueNumber, e.Title, e.Status, e.RetryCount, e.FilesChanged)
		if e.ErrorMessage != "" {
			fmt.Fprintf(b, ": %s", e.ErrorMessage)
		}
		b.WriteString("\n")
	}
}
