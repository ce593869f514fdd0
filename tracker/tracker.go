package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"sprintd/log"
)

// ToolError reports a failed tracker CLI invocation, naming the command that
// failed. Tracker failures abort the affected issue, never the whole sprint.
type ToolError struct {
	Command string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tracker command %q failed: %s", e.Command, e.Message)
}

// Issue is the tracker's view of an issue.
type Issue struct {
	Number    int      `json:"number"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	State     string   `json:"state"`
	Labels    []string `json:"-"`
	Milestone string   `json:"-"`
}

// Milestone is a tracker milestone.
type Milestone struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
}

// PullRequest is the tracker's view of a pull request.
type PullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Base   string `json:"baseRefName"`
	Head   string `json:"headRefName"`
}

// IssueUpdate carries the optional fields of UpdateIssue.
type IssueUpdate struct {
	Title *string
	Body  *string
	// State is "open" or "closed".
	State *string
}

// ListFilter narrows ListIssues.
type ListFilter struct {
	Labels    []string
	State     string
	Milestone string
}

// Runner executes one external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execCommandRunner struct{}

func (execCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, err
	}
	return out, nil
}

// Client talks to the issue tracker through a gh-compatible CLI. Every method
// is one synchronous command invocation whose JSON output is parsed.
type Client struct {
	bin    string
	runner Runner
}

// NewClient creates a tracker client for the given CLI binary.
func NewClient(bin string) *Client {
	if bin == "" {
		bin = "gh"
	}
	return &Client{bin: bin, runner: execCommandRunner{}}
}

// SetRunner swaps the command runner; used by tests.
func (c *Client) SetRunner(r Runner) {
	c.runner = r
}

// run invokes the tracker CLI once, converting any failure into a *ToolError.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := c.runner.Run(ctx, c.bin, args...)
	if err != nil {
		command := c.bin + " " + strings.Join(args, " ")
		log.ErrorLog.Printf("tracker invocation failed: %s: %v", command, err)
		return nil, &ToolError{Command: command, Message: err.Error()}
	}
	return out, nil
}

// rawIssue matches gh's issue JSON shape.
type rawIssue struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	State     string `json:"state"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Milestone *struct {
		Title string `json:"title"`
	} `json:"milestone"`
}

func (r rawIssue) toIssue() Issue {
	issue := Issue{
		Number: r.Number,
		Title:  r.Title,
		Body:   r.Body,
		State:  strings.ToLower(r.State),
	}
	for _, l := range r.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	if r.Milestone != nil {
		issue.Milestone = r.Milestone.Title
	}
	return issue
}

const issueFields = "number,title,body,state,labels,milestone"

// GetIssue fetches a single issue.
func (c *Client) GetIssue(ctx context.Context, number int) (Issue, error) {
	out, err := c.run(ctx, "issue", "view", strconv.Itoa(number), "--json", issueFields)
	if err != nil {
		return Issue{}, err
	}
	var raw rawIssue
	if err := json.Unmarshal(out, &raw); err != nil {
		return Issue{}, fmt.Errorf("failed to parse issue %d: %w", number, err)
	}
	return raw.toIssue(), nil
}

// ListIssues lists issues matching the filter.
func (c *Client) ListIssues(ctx context.Context, filter ListFilter) ([]Issue, error) {
	args := []string{"issue", "list", "--json", issueFields}
	for _, l := range filter.Labels {
		args = append(args, "--label", l)
	}
	if filter.State != "" {
		args = append(args, "--state", filter.State)
	}
	if filter.Milestone != "" {
		args = append(args, "--milestone", filter.Milestone)
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var raws []rawIssue
	if err := json.Unmarshal(out, &raws); err != nil {
		return nil, fmt.Errorf("failed to parse issue list: %w", err)
	}
	issues := make([]Issue, 0, len(raws))
	for _, r := range raws {
		issues = append(issues, r.toIssue())
	}
	return issues, nil
}

var issueURLRegex = regexp.MustCompile(`/issues/(\d+)\s*$`)

// CreateIssue creates an issue and returns its number.
func (c *Client) CreateIssue(ctx context.Context, title, body string, labels ...string) (int, error) {
	args := []string{"issue", "create", "--title", title, "--body", body}
	for _, l := range labels {
		args = append(args, "--label", l)
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return 0, err
	}

	// gh prints the new issue URL.
	match := issueURLRegex.FindStringSubmatch(strings.TrimSpace(string(out)))
	if match == nil {
		return 0, fmt.Errorf("failed to parse created issue number from %q", strings.TrimSpace(string(out)))
	}
	number, _ := strconv.Atoi(match[1])
	return number, nil
}

// UpdateIssue applies the non-nil fields of update to an issue.
func (c *Client) UpdateIssue(ctx context.Context, number int, update IssueUpdate) error {
	if update.Title != nil || update.Body != nil {
		args := []string{"issue", "edit", strconv.Itoa(number)}
		if update.Title != nil {
			args = append(args, "--title", *update.Title)
		}
		if update.Body != nil {
			args = append(args, "--body", *update.Body)
		}
		if _, err := c.run(ctx, args...); err != nil {
			return err
		}
	}

	if update.State != nil {
		verb := "reopen"
		if *update.State == "closed" {
			verb = "close"
		}
		if _, err := c.run(ctx, "issue", verb, strconv.Itoa(number)); err != nil {
			return err
		}
	}

	return nil
}

// AddComment posts a comment on an issue.
func (c *Client) AddComment(ctx context.Context, number int, body string) error {
	_, err := c.run(ctx, "issue", "comment", strconv.Itoa(number), "--body", body)
	return err
}

// SetLabel adds a label to an issue.
func (c *Client) SetLabel(ctx context.Context, number int, label string) error {
	_, err := c.run(ctx, "issue", "edit", strconv.Itoa(number), "--add-label", label)
	return err
}

// RemoveLabel removes a label from an issue.
func (c *Client) RemoveLabel(ctx context.Context, number int, label string) error {
	_, err := c.run(ctx, "issue", "edit", strconv.Itoa(number), "--remove-label", label)
	return err
}

// GetLabels returns the labels currently on an issue.
func (c *Client) GetLabels(ctx context.Context, number int) ([]string, error) {
	issue, err := c.GetIssue(ctx, number)
	if err != nil {
		return nil, err
	}
	return issue.Labels, nil
}

// CreateMilestone creates a milestone and returns it.
func (c *Client) CreateMilestone(ctx context.Context, title string) (Milestone, error) {
	out, err := c.run(ctx, "api", "repos/{owner}/{repo}/milestones", "-f", "title="+title)
	if err != nil {
		return Milestone{}, err
	}
	var m Milestone
	if err := json.Unmarshal(out, &m); err != nil {
		return Milestone{}, fmt.Errorf("failed to parse created milestone: %w", err)
	}
	return m, nil
}

// GetMilestone finds a milestone by title.
func (c *Client) GetMilestone(ctx context.Context, title string) (Milestone, error) {
	out, err := c.run(ctx, "api", "repos/{owner}/{repo}/milestones?state=all")
	if err != nil {
		return Milestone{}, err
	}
	var milestones []Milestone
	if err := json.Unmarshal(out, &milestones); err != nil {
		return Milestone{}, fmt.Errorf("failed to parse milestones: %w", err)
	}
	for _, m := range milestones {
		if m.Title == title {
			return m, nil
		}
	}
	return Milestone{}, fmt.Errorf("milestone %q not found", title)
}

// SetMilestone assigns an issue to a milestone by title.
func (c *Client) SetMilestone(ctx context.Context, number int, title string) error {
	_, err := c.run(ctx, "issue", "edit", strconv.Itoa(number), "--milestone", title)
	return err
}

// CloseMilestone marks a milestone closed.
func (c *Client) CloseMilestone(ctx context.Context, milestoneNumber int) error {
	_, err := c.run(ctx, "api", "-X", "PATCH",
		fmt.Sprintf("repos/{owner}/{repo}/milestones/%d", milestoneNumber),
		"-f", "state=closed")
	return err
}

// PRFilter narrows ListPullRequests.
type PRFilter struct {
	State string
	Base  string
	Head  string
}

// ListPullRequests lists pull requests matching the filter.
func (c *Client) ListPullRequests(ctx context.Context, filter PRFilter) ([]PullRequest, error) {
	args := []string{"pr", "list", "--json", "number,title,state,baseRefName,headRefName"}
	if filter.State != "" {
		args = append(args, "--state", filter.State)
	}
	if filter.Base != "" {
		args = append(args, "--base", filter.Base)
	}
	if filter.Head != "" {
		args = append(args, "--head", filter.Head)
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var prs []PullRequest
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("failed to parse pull request list: %w", err)
	}
	return prs, nil
}
