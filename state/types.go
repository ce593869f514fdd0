package state

import "time"

// SprintPhase identifies where a sprint is in the delivery pipeline.
type SprintPhase string

const (
	PhaseInit     SprintPhase = "init"
	PhaseRefine   SprintPhase = "refine"
	PhasePlan     SprintPhase = "plan"
	PhaseExecute  SprintPhase = "execute"
	PhaseReview   SprintPhase = "review"
	PhaseRetro    SprintPhase = "retro"
	PhasePaused   SprintPhase = "paused"
	PhaseFailed   SprintPhase = "failed"
	PhaseComplete SprintPhase = "complete"
)

// next maps each pipeline phase to its successor.
var next = map[SprintPhase]SprintPhase{
	PhaseInit:    PhaseRefine,
	PhaseRefine:  PhasePlan,
	PhasePlan:    PhaseExecute,
	PhaseExecute: PhaseReview,
	PhaseReview:  PhaseRetro,
	PhaseRetro:   PhaseComplete,
}

// Next returns the pipeline phase that follows p, or empty if p is terminal
// or outside the pipeline.
func (p SprintPhase) Next() SprintPhase {
	return next[p]
}

// Terminal reports whether the phase accepts no further transitions.
func (p SprintPhase) Terminal() bool {
	return p == PhaseFailed || p == PhaseComplete
}

// CanTransitionTo reports whether moving from p to target is legal. The
// pipeline is one-directional except for pause/resume.
func (p SprintPhase) CanTransitionTo(target SprintPhase) bool {
	if p.Terminal() {
		return false
	}
	if target == PhaseFailed || target == PhasePaused {
		return p != PhasePaused || target == PhaseFailed
	}
	if p == PhasePaused {
		// Resume restores any non-terminal pipeline phase.
		return target != PhasePaused && !target.Terminal()
	}
	return next[p] == target
}

// PlannedIssue is a single issue scheduled into a sprint.
type PlannedIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	// Branch the agent works on for this issue.
	Branch string `json:"branch"`
	// ExpectedFiles is the declared scope; changes outside it count as drift.
	ExpectedFiles []string `json:"expected_files,omitempty"`
}

// ExecutionGroup is a set of issues eligible for concurrent dispatch.
type ExecutionGroup struct {
	Issues []PlannedIssue `json:"issues"`
}

// SprintPlan describes one sprint's worth of work.
type SprintPlan struct {
	Slug   string           `json:"slug"`
	Number int              `json:"number"`
	Groups []ExecutionGroup `json:"groups"`
}

// Issues returns every planned issue across all execution groups.
func (p *SprintPlan) Issues() []PlannedIssue {
	var out []PlannedIssue
	for _, g := range p.Groups {
		out = append(out, g.Issues...)
	}
	return out
}

// QualityCheck is the result of a single gate check.
type QualityCheck struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail,omitempty"`
	Category string `json:"category"`
}

// QualityResult aggregates one gate run. Passed is true only when every
// enabled check passed.
type QualityResult struct {
	Passed bool           `json:"passed"`
	Checks []QualityCheck `json:"checks"`
}

// DriftReport compares actually-changed files against an issue's declared
// expected files.
type DriftReport struct {
	TotalFilesChanged int      `json:"total_files_changed"`
	PlannedChanges    int      `json:"planned_changes"`
	UnplannedChanges  []string `json:"unplanned_changes,omitempty"`
	DriftPercentage   float64  `json:"drift_percentage"`
}

// CodeReview is the challenger verdict attached to a huddle entry.
type CodeReview struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// HuddleEntry is the per-issue post-execution record. It is created once the
// issue reaches a terminal status and never mutated afterwards.
type HuddleEntry struct {
	IssueNumber   int            `json:"issue_number"`
	Title         string         `json:"title"`
	Status        string         `json:"status"`
	QualityResult *QualityResult `json:"quality_result,omitempty"`
	CodeReview    *CodeReview    `json:"code_review,omitempty"`
	Duration      time.Duration  `json:"duration"`
	FilesChanged  int            `json:"files_changed"`
	Timestamp     time.Time      `json:"timestamp"`
	RetryCount    int            `json:"retry_count"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

// Huddle entry statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// SprintState is the full persisted record of a running sprint. It is owned
// by the sprint runner and mutated only through phase transitions.
type SprintState struct {
	SprintNumber int           `json:"sprint_number"`
	Slug         string        `json:"slug"`
	Phase        SprintPhase   `json:"phase"`
	StartedAt    time.Time     `json:"started_at"`
	Plan         *SprintPlan   `json:"plan,omitempty"`
	Results      []HuddleEntry `json:"results"`
	// DriftIncidents counts issues whose drift exceeded the threshold across
	// the whole sprint.
	DriftIncidents int `json:"drift_incidents"`
	// PausedFrom remembers the phase held when the sprint was paused.
	PausedFrom SprintPhase `json:"paused_from,omitempty"`
	Version    int         `json:"version"`
}
