package sprint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sprintd/bus"
	"sprintd/config"
	"sprintd/docs"
	"sprintd/drift"
	"sprintd/log"
	"sprintd/session"
	"sprintd/state"
)

// ErrDriftBudgetExceeded aborts a sprint whose cumulative drift incidents
// crossed the configured maximum.
var ErrDriftBudgetExceeded = errors.New("sprint drift incident budget exceeded")

// errSprintPaused signals that a pause won the race against a phase
// transition; the phase loop goes back to waiting instead of advancing.
var errSprintPaused = errors.New("sprint is paused")

// BlockedLabel is requested from the tracker when an issue exhausts its
// retries.
const BlockedLabel = "blocked"

// QualityGate runs the quality checks against a branch worktree.
type QualityGate interface {
	Run(ctx context.Context, dir, baseRef string) state.QualityResult
}

// Reviewer runs the adversarial challenger pass.
type Reviewer interface {
	Review(ctx context.Context, workDir string, issue state.PlannedIssue, diffStat string) (state.CodeReview, error)
}

// Tracker is the slice of the issue tracker the runner talks to.
type Tracker interface {
	AddComment(ctx context.Context, number int, body string) error
	SetLabel(ctx context.Context, number int, label string) error
}

// GitOps resolves branch changes and reverts drifted work.
type GitOps interface {
	ChangedFiles(repoPath, baseRef string) ([]string, error)
	RevertBranch(repoPath, baseRef string) error
}

// repoGitOps backs GitOps with the real repository.
type repoGitOps struct{}

func (repoGitOps) ChangedFiles(repoPath, baseRef string) ([]string, error) {
	return drift.ChangedFiles(repoPath, baseRef)
}

func (repoGitOps) RevertBranch(repoPath, baseRef string) error {
	return drift.RevertBranch(repoPath, baseRef)
}

// Deps wires a Runner's collaborators.
type Deps struct {
	Config    *config.Config
	Store     *state.Store
	Pool      *session.Pool
	Gate      QualityGate
	Detector  *drift.Detector
	Reviewer  Reviewer
	Tracker   Tracker
	Bus       *bus.Bus
	Git       GitOps
	SprintLog *docs.Logger
	// Workspaces provisions per-issue checkouts. Defaults to sharing
	// RepoPath, which is only safe with a single-session pool.
	Workspaces Workspaces
	// RepoPath is the repository the agents work in; BaseRef is what drift
	// and the gate diff against.
	RepoPath string
	BaseRef  string
}

// Runner owns the sprint phase state machine and the per-issue execution
// loop. All sprint state mutation goes through transition and is persisted
// immediately.
type Runner struct {
	cfg        *config.Config
	store      *state.Store
	pool       *session.Pool
	gate       QualityGate
	detector   *drift.Detector
	reviewer   Reviewer
	tracker    Tracker
	bus        *bus.Bus
	git        GitOps
	sprintLog  *docs.Logger
	workspaces Workspaces
	repoPath   string
	baseRef    string

	mu       sync.Mutex
	st       *state.SprintState
	resumeCh chan struct{}
}

// NewRunner creates a sprint runner from its dependencies.
func NewRunner(deps Deps) (*Runner, error) {
	if deps.Config == nil || deps.Store == nil || deps.Pool == nil {
		return nil, fmt.Errorf("config, store and pool are required")
	}
	if deps.Git == nil {
		deps.Git = repoGitOps{}
	}
	if deps.Bus == nil {
		deps.Bus = bus.New()
	}
	if deps.Workspaces == nil {
		deps.Workspaces = sharedWorkspace{dir: deps.RepoPath}
	}
	return &Runner{
		cfg:        deps.Config,
		store:      deps.Store,
		pool:       deps.Pool,
		gate:       deps.Gate,
		detector:   deps.Detector,
		reviewer:   deps.Reviewer,
		tracker:    deps.Tracker,
		bus:        deps.Bus,
		git:        deps.Git,
		sprintLog:  deps.SprintLog,
		workspaces: deps.Workspaces,
		repoPath:   deps.RepoPath,
		baseRef:    deps.BaseRef,
	}, nil
}

// Bus exposes the event bus; the only live-update surface collaborators may
// depend on besides GetState.
func (r *Runner) Bus() *bus.Bus {
	return r.bus
}

// GetState returns a point-in-time snapshot of the sprint state.
func (r *Runner) GetState() state.SprintState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st == nil {
		return state.SprintState{}
	}
	snapshot := *r.st
	snapshot.Results = append([]state.HuddleEntry(nil), r.st.Results...)
	return snapshot
}

// Start drives a sprint from the given plan to a terminal phase. If a state
// file for the sprint already exists, progression resumes from the persisted
// phase and already-recorded issues are not re-run.
func (r *Runner) Start(ctx context.Context, plan *state.SprintPlan) error {
	resumed, err := r.initState(plan)
	if err != nil {
		return err
	}

	if resumed {
		// The persisted phase was in progress when the previous process
		// stopped; finish its work before advancing. Issue results already
		// on disk are not re-run.
		r.mu.Lock()
		current := r.st.Phase
		r.mu.Unlock()
		if current == state.PhaseFailed {
			return fmt.Errorf("sprint %s-%d previously failed; reset it before restarting", r.slug(), r.sprintNumber())
		}
		if !current.Terminal() && current != state.PhaseInit {
			if err := r.runPhase(ctx, current); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				return r.fail(err.Error())
			}
		}
	}

	for {
		if err := r.waitIfPaused(ctx); err != nil {
			return err
		}

		r.mu.Lock()
		current := r.st.Phase
		r.mu.Unlock()

		if current.Terminal() {
			break
		}

		next := current.Next()
		if next == "" {
			return r.fail(fmt.Sprintf("sprint is in unknown phase %q", current))
		}
		if err := r.transition(next); err != nil {
			if errors.Is(err, errSprintPaused) {
				continue
			}
			return err
		}

		if err := r.runPhase(ctx, next); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return r.fail(err.Error())
		}

		if next == state.PhaseComplete {
			break
		}
	}

	r.mu.Lock()
	final := r.st.Phase
	r.mu.Unlock()
	if final == state.PhaseFailed {
		return fmt.Errorf("sprint %s-%d failed", r.slug(), r.sprintNumber())
	}

	r.bus.Emit(bus.SprintComplete, bus.ErrorPayload{SprintNumber: r.sprintNumber()})
	log.InfoLog.Printf("sprint %s-%d complete", r.slug(), r.sprintNumber())
	return nil
}

// Pause suspends phase progression at the current phase. In-flight per-issue
// work is never interrupted; it completes or fails naturally while the phase
// stays paused. Legal except when already paused or terminal.
func (r *Runner) Pause() error {
	r.mu.Lock()
	if r.st == nil {
		r.mu.Unlock()
		return fmt.Errorf("sprint has not been started")
	}
	current := r.st.Phase
	if current == state.PhasePaused {
		r.mu.Unlock()
		return fmt.Errorf("sprint is already paused")
	}
	if current.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("sprint is %s and cannot be paused", current)
	}
	r.st.PausedFrom = current
	r.st.Phase = state.PhasePaused
	r.resumeCh = make(chan struct{})
	err := r.store.SaveState(r.st)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.logPhase(current, state.PhasePaused)
	r.bus.Emit(bus.PhaseChange, bus.PhasePayload{From: string(current), To: string(state.PhasePaused)})
	r.bus.Emit(bus.SprintPaused, bus.PhasePayload{From: string(current), To: string(state.PhasePaused)})
	return nil
}

// Resume restores the phase held before pausing.
func (r *Runner) Resume() error {
	r.mu.Lock()
	if r.st == nil || r.st.Phase != state.PhasePaused {
		r.mu.Unlock()
		return fmt.Errorf("sprint is not paused")
	}
	restored := r.st.PausedFrom
	r.st.Phase = restored
	r.st.PausedFrom = ""
	ch := r.resumeCh
	r.resumeCh = nil
	err := r.store.SaveState(r.st)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if ch != nil {
		close(ch)
	}

	r.logPhase(state.PhasePaused, restored)
	r.bus.Emit(bus.PhaseChange, bus.PhasePayload{From: string(state.PhasePaused), To: string(restored)})
	r.bus.Emit(bus.SprintResumed, bus.PhasePayload{From: string(state.PhasePaused), To: string(restored)})
	return nil
}

// initState loads persisted sprint state or creates a fresh record. It
// reports whether an existing sprint was resumed.
func (r *Runner) initState(plan *state.SprintPlan) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store.StateExists(plan.Slug, plan.Number) {
		st, err := r.store.LoadState(plan.Slug, plan.Number)
		if err != nil {
			return false, err
		}
		if st.Phase == state.PhasePaused && st.PausedFrom != "" {
			// A restarted process resumes the phase held at suspension.
			st.Phase = st.PausedFrom
			st.PausedFrom = ""
		}
		r.st = st
		log.InfoLog.Printf("resuming sprint %s-%d at phase %s", st.Slug, st.SprintNumber, st.Phase)
		return true, nil
	}

	r.st = &state.SprintState{
		SprintNumber: plan.Number,
		Slug:         plan.Slug,
		Phase:        state.PhaseInit,
		StartedAt:    time.Now(),
		Plan:         plan,
		Results:      []state.HuddleEntry{},
	}
	return false, r.store.SaveState(r.st)
}

// transition is the sole mutation point for the sprint phase. It validates
// the move, persists the new state, and emits a phase-changed event.
// Transitions are serialized and never applied concurrently with themselves.
func (r *Runner) transition(next state.SprintPhase) error {
	r.mu.Lock()
	current := r.st.Phase
	if current == state.PhasePaused {
		// A pause landed after the caller read the phase. Leaving paused is
		// Resume's job; the caller goes back to waiting.
		r.mu.Unlock()
		return errSprintPaused
	}
	if !current.CanTransitionTo(next) {
		r.mu.Unlock()
		return fmt.Errorf("illegal phase transition %s -> %s", current, next)
	}
	r.st.Phase = next
	err := r.store.SaveState(r.st)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to persist phase %s: %w", next, err)
	}

	r.logPhase(current, next)
	r.bus.Emit(bus.PhaseChange, bus.PhasePayload{From: string(current), To: string(next)})
	log.InfoLog.Printf("sprint %s-%d phase %s -> %s", r.slug(), r.sprintNumber(), current, next)
	return nil
}

// fail moves the sprint to the failed phase and reports why.
func (r *Runner) fail(reason string) error {
	r.mu.Lock()
	current := r.st.Phase
	if !current.Terminal() {
		r.st.Phase = state.PhaseFailed
		if err := r.store.SaveState(r.st); err != nil {
			log.ErrorLog.Printf("failed to persist failed phase: %v", err)
		}
	}
	r.mu.Unlock()

	if !current.Terminal() {
		r.logPhase(current, state.PhaseFailed)
		r.bus.Emit(bus.PhaseChange, bus.PhasePayload{From: string(current), To: string(state.PhaseFailed)})
	}
	r.bus.Emit(bus.SprintError, bus.ErrorPayload{SprintNumber: r.sprintNumber(), Message: reason})
	log.ErrorLog.Printf("sprint %s-%d failed: %s", r.slug(), r.sprintNumber(), reason)
	return fmt.Errorf("sprint failed: %s", reason)
}

// waitIfPaused blocks until the sprint leaves the paused phase.
func (r *Runner) waitIfPaused(ctx context.Context) error {
	for {
		r.mu.Lock()
		if r.st == nil || r.st.Phase != state.PhasePaused {
			r.mu.Unlock()
			return nil
		}
		ch := r.resumeCh
		r.mu.Unlock()

		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runner) runPhase(ctx context.Context, phase state.SprintPhase) error {
	switch phase {
	case state.PhaseRefine:
		return r.runRefine(ctx)
	case state.PhasePlan:
		return r.runPlan(ctx)
	case state.PhaseExecute:
		return r.runExecute(ctx)
	case state.PhaseReview:
		return r.runReview(ctx)
	case state.PhaseRetro:
		return r.runRetro(ctx)
	case state.PhaseComplete:
		return nil
	default:
		return fmt.Errorf("no work defined for phase %s", phase)
	}
}

// runExecute drives every execution group in order. Issues within one group
// are dispatched concurrently, bounded by the session pool; a group must
// finish before the next starts.
func (r *Runner) runExecute(ctx context.Context) error {
	plan := r.plan()
	for _, group := range plan.Groups {
		var wg sync.WaitGroup
		for _, issue := range group.Issues {
			if r.issueDone(issue.Number) {
				log.InfoLog.Printf("issue #%d already recorded; skipping", issue.Number)
				continue
			}
			if err := r.waitIfPaused(ctx); err != nil {
				return err
			}
			if r.driftBudgetExceeded() {
				break
			}

			wg.Add(1)
			go func(issue state.PlannedIssue) {
				defer wg.Done()
				entry := r.executeIssue(ctx, issue)
				r.recordResult(ctx, issue, entry)
			}(issue)
		}
		wg.Wait()

		if r.driftBudgetExceeded() {
			return ErrDriftBudgetExceeded
		}
	}
	return nil
}

// recordResult appends a huddle entry in completion order, persists it, and
// performs the tracker and event side effects for the issue's terminal
// status. A single issue's failure never aborts the sprint.
func (r *Runner) recordResult(ctx context.Context, issue state.PlannedIssue, entry state.HuddleEntry) {
	r.mu.Lock()
	r.st.Results = append(r.st.Results, entry)
	if err := r.store.SaveState(r.st); err != nil {
		log.ErrorLog.Printf("failed to persist result for issue #%d: %v", issue.Number, err)
	}
	sprintNumber := r.st.SprintNumber
	r.mu.Unlock()

	if r.sprintLog != nil {
		if err := r.sprintLog.AppendHuddle(entry); err != nil {
			log.WarningLog.Printf("failed to append sprint log for issue #%d: %v", issue.Number, err)
		}
	}

	if r.tracker != nil {
		if err := r.tracker.AddComment(ctx, issue.Number, docs.FormatComment(entry)); err != nil {
			log.WarningLog.Printf("failed to comment on issue #%d: %v", issue.Number, err)
		}
	}

	payload := bus.IssuePayload{
		SprintNumber: sprintNumber,
		IssueNumber:  issue.Number,
		Title:        issue.Title,
		RetryCount:   entry.RetryCount,
	}
	if entry.Status == state.StatusCompleted {
		r.bus.Emit(bus.IssueSucceed, payload)
		return
	}

	payload.Reason = entry.ErrorMessage
	r.bus.Emit(bus.IssueFail, payload)
	if r.tracker != nil {
		if err := r.tracker.SetLabel(ctx, issue.Number, BlockedLabel); err != nil {
			log.WarningLog.Printf("failed to set %s label on issue #%d: %v", BlockedLabel, issue.Number, err)
		}
	}
}

// executeIssue runs the full per-issue pipeline: session work, drift check,
// quality gate and challenger review, retrying the whole sequence against
// one shared retry budget.
func (r *Runner) executeIssue(ctx context.Context, issue state.PlannedIssue) state.HuddleEntry {
	start := time.Now()
	entry := state.HuddleEntry{
		IssueNumber: issue.Number,
		Title:       issue.Title,
	}

	dir, err := r.workspaces.Acquire(issue)
	if err != nil {
		entry.Status = state.StatusFailed
		entry.ErrorMessage = fmt.Sprintf("failed to provision workspace: %v", err)
		entry.Duration = time.Since(start)
		entry.Timestamp = time.Now()
		return entry
	}
	defer func() {
		if err := r.workspaces.Release(issue); err != nil {
			log.WarningLog.Printf("failed to release workspace for issue #%d: %v", issue.Number, err)
		}
	}()

	var failReason string
	feedback := ""
	driftCounted := false

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		entry.RetryCount = attempt
		if attempt > 0 {
			log.InfoLog.Printf("retrying issue #%d (attempt %d of %d): %s",
				issue.Number, attempt+1, r.cfg.MaxRetries+1, failReason)
		}

		ok, reason, halt := r.attemptIssue(ctx, issue, feedback, dir, &entry, &driftCounted)
		if ok {
			entry.Status = state.StatusCompleted
			entry.Duration = time.Since(start)
			entry.Timestamp = time.Now()
			return entry
		}
		failReason = reason
		feedback = reason
		if halt || ctx.Err() != nil {
			break
		}
	}

	entry.Status = state.StatusFailed
	entry.ErrorMessage = failReason
	entry.Duration = time.Since(start)
	entry.Timestamp = time.Now()
	return entry
}

// attemptIssue runs one attempt of the pipeline. It reports success, the
// failure reason otherwise, and whether retrying is pointless (halt). An
// issue counts against the sprint's drift budget at most once, however many
// of its attempts drift; driftCounted tracks that across attempts.
func (r *Runner) attemptIssue(ctx context.Context, issue state.PlannedIssue, feedback, dir string, entry *state.HuddleEntry, driftCounted *bool) (bool, string, bool) {
	opts := session.Options{
		WorkDir: dir,
		Timeout: time.Duration(r.cfg.SessionTimeoutSeconds) * time.Second,
	}

	err := r.pool.ExecuteInSession(ctx, opts, func(ctx context.Context, s *session.PooledSession) error {
		_, err := s.Agent.Prompt(ctx, implementPrompt(issue, feedback))
		return err
	})
	if err != nil {
		return false, fmt.Sprintf("agent session failed: %v", err), false
	}

	changed, err := r.git.ChangedFiles(dir, r.baseRef)
	if err != nil {
		return false, fmt.Sprintf("failed to inspect branch changes: %v", err), false
	}
	entry.FilesChanged = len(changed)

	report := r.detector.Analyze(issue.ExpectedFiles, changed)
	if r.detector.Exceeded(report) {
		if !*driftCounted {
			*driftCounted = true
			r.recordDriftIncident(issue, report)
		}
		if !r.cfg.AutoRevertOnDrift {
			return false, fmt.Sprintf(
				"drift %.0f%% exceeds threshold (%d unplanned files); halting for human intervention",
				report.DriftPercentage*100, len(report.UnplannedChanges)), true
		}
		if err := r.git.RevertBranch(dir, r.baseRef); err != nil {
			return false, fmt.Sprintf("failed to revert drifted branch: %v", err), true
		}
		return false, fmt.Sprintf(
			"drift %.0f%% exceeds threshold (%d unplanned files); branch reverted",
			report.DriftPercentage*100, len(report.UnplannedChanges)), false
	}

	quality := r.gate.Run(ctx, dir, r.baseRef)
	entry.QualityResult = &quality
	if !quality.Passed {
		return false, "quality gate failed: " + failedCheckNames(quality), false
	}

	if r.cfg.ChallengerEnabled && r.reviewer != nil {
		diffStat := fmt.Sprintf("%d files changed relative to %s", len(changed), r.baseRef)
		verdict, err := r.reviewer.Review(ctx, dir, issue, diffStat)
		if err != nil {
			return false, fmt.Sprintf("challenger review failed: %v", err), false
		}
		entry.CodeReview = &verdict
		if !verdict.Approved {
			return false, "challenger rejected: " + verdict.Feedback, false
		}
	}

	return true, "", false
}

// recordDriftIncident bumps the sprint-wide incident counter and persists it.
func (r *Runner) recordDriftIncident(issue state.PlannedIssue, report state.DriftReport) {
	r.mu.Lock()
	r.st.DriftIncidents++
	count := r.st.DriftIncidents
	if err := r.store.SaveState(r.st); err != nil {
		log.ErrorLog.Printf("failed to persist drift incident: %v", err)
	}
	r.mu.Unlock()

	log.WarningLog.Printf("drift incident %d: issue #%d drifted %.0f%% (%d unplanned files)",
		count, issue.Number, report.DriftPercentage*100, len(report.UnplannedChanges))
}

func (r *Runner) driftBudgetExceeded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.DriftIncidents > r.cfg.MaxDriftIncidents
}

func (r *Runner) issueDone(number int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.st.Results {
		if e.IssueNumber == number {
			return true
		}
	}
	return false
}

func (r *Runner) plan() *state.SprintPlan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.Plan
}

func (r *Runner) sprintNumber() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st == nil {
		return 0
	}
	return r.st.SprintNumber
}

func (r *Runner) slug() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st == nil {
		return ""
	}
	return r.st.Slug
}

func (r *Runner) logPhase(from, to state.SprintPhase) {
	if r.sprintLog == nil {
		return
	}
	if err := r.sprintLog.AppendPhase(from, to); err != nil {
		log.WarningLog.Printf("failed to append phase transition to sprint log: %v", err)
	}
}

func failedCheckNames(q state.QualityResult) string {
	names := ""
	for _, c := range q.Checks {
		if c.Passed {
			continue
		}
		if names != "" {
			names += ", "
		}
		names += c.Name
	}
	return names
}
