package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"sprintd/state"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// sprintSummary is the JSON representation returned by list_sprints.
type sprintSummary struct {
	Slug           string `json:"slug"`
	Number         int    `json:"number"`
	Phase          string `json:"phase"`
	IssuesPlanned  int    `json:"issues_planned"`
	IssuesFinished int    `json:"issues_finished"`
}

// sprintStatusView is the JSON representation returned by sprint_status.
type sprintStatusView struct {
	Slug           string            `json:"slug"`
	Number         int               `json:"number"`
	Phase          string            `json:"phase"`
	PausedFrom     string            `json:"paused_from,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	DriftIncidents int               `json:"drift_incidents"`
	Groups         []groupStatusView `json:"groups"`
	Failed         []issueStatusView `json:"failed_issues,omitempty"`
}

type groupStatusView struct {
	Issues []issueStatusView `json:"issues"`
}

type issueStatusView struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Branch  string `json:"branch,omitempty"`
	Status  string `json:"status"`
	Retries int    `json:"retries,omitempty"`
}

// huddleView is the JSON representation returned by sprint_huddles.
type huddleView struct {
	IssueNumber  int                  `json:"issue_number"`
	Title        string               `json:"title"`
	Status       string               `json:"status"`
	Retries      int                  `json:"retries"`
	FilesChanged int                  `json:"files_changed"`
	DurationSecs float64              `json:"duration_seconds"`
	Timestamp    time.Time            `json:"timestamp"`
	Quality      *state.QualityResult `json:"quality,omitempty"`
	Review       *state.CodeReview    `json:"review,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// handleListSprints returns a summary line per persisted sprint.
func handleListSprints(store *state.Store) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		Log("tool call: list_sprints")
		sprints, err := store.List()
		if err != nil {
			Log("list_sprints error: %v", err)
			return gomcp.NewToolResultError("failed to list sprints: " + err.Error()), nil
		}
		if len(sprints) == 0 {
			return gomcp.NewToolResultText("No sprints found."), nil
		}

		views := make([]sprintSummary, 0, len(sprints))
		for _, st := range sprints {
			planned := 0
			if st.Plan != nil {
				for _, g := range st.Plan.Groups {
					planned += len(g.Issues)
				}
			}
			views = append(views, sprintSummary{
				Slug:           st.Slug,
				Number:         st.SprintNumber,
				Phase:          string(st.Phase),
				IssuesPlanned:  planned,
				IssuesFinished: len(st.Results),
			})
		}
		return marshalResult(views)
	}
}

// handleSprintStatus returns one sprint's phase and per-issue progress.
func handleSprintStatus(store *state.Store) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		st, errResult := loadRequestedSprint(store, req, "sprint_status")
		if errResult != nil {
			return errResult, nil
		}

		done := map[int]state.HuddleEntry{}
		for _, e := range st.Results {
			done[e.IssueNumber] = e
		}

		view := sprintStatusView{
			Slug:           st.Slug,
			Number:         st.SprintNumber,
			Phase:          string(st.Phase),
			PausedFrom:     string(st.PausedFrom),
			StartedAt:      st.StartedAt,
			DriftIncidents: st.DriftIncidents,
		}
		if st.Plan != nil {
			for _, g := range st.Plan.Groups {
				gv := groupStatusView{}
				for _, issue := range g.Issues {
					iv := issueStatusView{
						Number: issue.Number,
						Title:  issue.Title,
						Branch: issue.Branch,
						Status: "pending",
					}
					if e, ok := done[issue.Number]; ok {
						iv.Status = e.Status
						iv.Retries = e.RetryCount
						if e.Status == state.StatusFailed {
							view.Failed = append(view.Failed, iv)
						}
					}
					gv.Issues = append(gv.Issues, iv)
				}
				view.Groups = append(view.Groups, gv)
			}
		}
		return marshalResult(view)
	}
}

// handleSprintHuddles returns the per-issue huddle records, optionally
// filtered to one issue.
func handleSprintHuddles(store *state.Store) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		st, errResult := loadRequestedSprint(store, req, "sprint_huddles")
		if errResult != nil {
			return errResult, nil
		}

		issueFilter := req.GetInt("issue", 0)
		var views []huddleView
		for _, e := range st.Results {
			if issueFilter != 0 && e.IssueNumber != issueFilter {
				continue
			}
			views = append(views, huddleView{
				IssueNumber:  e.IssueNumber,
				Title:        e.Title,
				Status:       e.Status,
				Retries:      e.RetryCount,
				FilesChanged: e.FilesChanged,
				DurationSecs: e.Duration.Seconds(),
				Timestamp:    e.Timestamp,
				Quality:      e.QualityResult,
				Review:       e.CodeReview,
				Error:        e.ErrorMessage,
			})
		}
		if len(views) == 0 {
			if issueFilter != 0 {
				return gomcp.NewToolResultText(fmt.Sprintf("No huddle record for issue #%d.", issueFilter)), nil
			}
			return gomcp.NewToolResultText("No issues have finished yet."), nil
		}
		return marshalResult(views)
	}
}

// loadRequestedSprint resolves the slug/number arguments shared by the
// per-sprint tools. The second return value is a ready error result.
func loadRequestedSprint(store *state.Store, req gomcp.CallToolRequest, tool string) (*state.SprintState, *gomcp.CallToolResult) {
	slug := req.GetString("slug", "")
	number := req.GetInt("number", 0)
	Log("tool call: %s (slug=%s number=%d)", tool, slug, number)

	if slug == "" {
		return nil, gomcp.NewToolResultError("slug is required")
	}
	if number <= 0 {
		return nil, gomcp.NewToolResultError("number must be a positive sprint number")
	}

	st, err := store.LoadState(slug, number)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, gomcp.NewToolResultError(fmt.Sprintf("no state for sprint %s-%d", slug, number))
		}
		Log("%s error: %v", tool, err)
		return nil, gomcp.NewToolResultError("failed to load sprint state: " + err.Error())
	}
	return st, nil
}

func marshalResult(v any) (*gomcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return gomcp.NewToolResultError("failed to marshal result: " + err.Error()), nil
	}
	return gomcp.NewToolResultText(string(data)), nil
}
