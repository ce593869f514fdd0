package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"sprintd/bus"
	"sprintd/config"
	"sprintd/docs"
	"sprintd/drift"
	"sprintd/gate"
	"sprintd/log"
	"sprintd/mcp"
	"sprintd/notify"
	"sprintd/review"
	"sprintd/session"
	"sprintd/sprint"
	"sprintd/state"
	"sprintd/tracker"

	gogit "github.com/go-git/go-git/v5"
	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"

	baseRefFlag string
	agentFlag   string

	rootCmd = &cobra.Command{
		Use:          "sprintd",
		Short:        "Autonomous sprint orchestration engine",
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run <plan.json>",
		Short: "Run a sprint from a plan file to completion",
		Args:  cobra.ExactArgs(1),
		RunE:  runSprint,
	}

	statusCmd = &cobra.Command{
		Use:   "status <slug> <number>",
		Short: "Print the persisted state of a sprint",
		Args:  cobra.ExactArgs(2),
		RunE:  showStatus,
	}

	resetCmd = &cobra.Command{
		Use:   "reset <slug> <number>",
		Short: "Remove a sprint's state and lock files",
		Args:  cobra.ExactArgs(2),
		RunE:  resetSprint,
	}

	mcpCmd = &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only sprint state over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()
			mcp.SetLogger(log.InfoLog)

			store, err := openStore(config.LoadConfig())
			if err != nil {
				return err
			}
			return mcp.NewSprintMCPServer(store).Serve()
		},
	}

	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "Print debug information like config paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()

			configDir, err := config.GetConfigDir()
			if err != nil {
				return fmt.Errorf("failed to get config directory: %w", err)
			}
			configJSON, _ := json.MarshalIndent(cfg, "", "  ")

			fmt.Printf("Config: %s\n%s\n", filepath.Join(configDir, config.ConfigFileName), configJSON)
			fmt.Printf("Log: %s\n", log.Path())
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of sprintd",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sprintd version %s\n", version)
		},
	}
)

func init() {
	runCmd.Flags().StringVar(&baseRefFlag, "base", "main",
		"Base ref that drift detection and quality gates diff against")
	runCmd.Flags().StringVarP(&agentFlag, "program", "p", "",
		"Coding agent program to run sessions with (overrides config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSprint(cmd *cobra.Command, args []string) error {
	log.Initialize()
	defer log.Close()

	cfg := config.LoadConfig()
	if agentFlag != "" {
		cfg.AgentProgram = agentFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	repoPath, err := filepath.Abs(".")
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	if _, err := gogit.PlainOpen(repoPath); err != nil {
		return fmt.Errorf("sprintd must be run from within a git repository: %w", err)
	}

	plan, err := loadPlan(args[0])
	if err != nil {
		return err
	}

	store, err := state.NewStore(stateDir(cfg, repoPath))
	if err != nil {
		return err
	}

	lock, err := store.AcquireLock(plan.Slug, plan.Number)
	if err != nil {
		var held *state.LockHeldError
		if errors.As(err, &held) {
			return fmt.Errorf("sprint %s-%d is already being run by pid %d; stop that process or remove %s",
				plan.Slug, plan.Number, held.PID, held.Path)
		}
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.ErrorLog.Printf("failed to release sprint lock: %v", err)
		}
	}()

	provider, err := session.NewCLIProvider(cfg.AgentProgram)
	if err != nil {
		return err
	}
	pool, err := session.NewPool(provider, cfg.MaxConcurrentSessions)
	if err != nil {
		return err
	}
	defer pool.DrainAll()

	b := bus.New()
	notify.New(cfg.WebhookURL).Attach(b)

	var reviewer sprint.Reviewer
	if cfg.ChallengerEnabled {
		reviewer = review.New(provider, time.Duration(cfg.SessionTimeoutSeconds)*time.Second)
	}

	runner, err := sprint.NewRunner(sprint.Deps{
		Config:     cfg,
		Store:      store,
		Pool:       pool,
		Gate:       gate.New(cfg.Quality),
		Detector:   drift.NewDetector(cfg.DriftThreshold),
		Reviewer:   reviewer,
		Tracker:    tracker.NewClient(cfg.TrackerProgram),
		Bus:        b,
		SprintLog:  docs.NewLogger(store.LogPath(plan.Slug, plan.Number)),
		Workspaces: sprint.NewWorktreeWorkspaces(repoPath, baseRefFlag, filepath.Join(store.Dir(), "worktrees")),
		RepoPath:   repoPath,
		BaseRef:    baseRefFlag,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// First interrupt pauses the sprint so in-flight issues can finish;
	// a second one cancels outright.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "pausing sprint; interrupt again to abort")
		if err := runner.Pause(); err != nil {
			log.WarningLog.Printf("failed to pause on interrupt: %v", err)
			cancel()
			return
		}
		<-sigCh
		cancel()
	}()

	if err := runner.Start(ctx, plan); err != nil {
		return err
	}
	fmt.Printf("sprint %s-%d complete; log at %s\n", plan.Slug, plan.Number, store.LogPath(plan.Slug, plan.Number))
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	log.Initialize()
	defer log.Close()

	slug, number, err := sprintArgs(args)
	if err != nil {
		return err
	}

	store, err := openStore(config.LoadConfig())
	if err != nil {
		return err
	}

	st, err := store.LoadState(slug, number)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no state found for sprint %s-%d", slug, number)
		}
		return err
	}

	fmt.Printf("Sprint %s-%d\n", st.Slug, st.SprintNumber)
	fmt.Printf("  Phase:           %s", st.Phase)
	if st.PausedFrom != "" {
		fmt.Printf(" (paused from %s)", st.PausedFrom)
	}
	fmt.Println()
	fmt.Printf("  Started:         %s\n", st.StartedAt.Format(time.RFC1123))
	fmt.Printf("  Drift incidents: %d\n", st.DriftIncidents)

	if len(st.Results) == 0 {
		fmt.Println("  No issues have finished yet.")
		return nil
	}
	fmt.Println("  Issues:")
	for _, e := range st.Results {
		line := fmt.Sprintf("    #%-5d %-40s %s", e.IssueNumber, e.Title, e.Status)
		if e.RetryCount > 0 {
			line += fmt.Sprintf(" (%d retries)", e.RetryCount)
		}
		fmt.Println(line)
		if e.ErrorMessage != "" {
			fmt.Printf("           %s\n", e.ErrorMessage)
		}
	}
	return nil
}

func resetSprint(cmd *cobra.Command, args []string) error {
	log.Initialize()
	defer log.Close()

	slug, number, err := sprintArgs(args)
	if err != nil {
		return err
	}

	store, err := openStore(config.LoadConfig())
	if err != nil {
		return err
	}

	// Refuse to reset a sprint another live process is running.
	lock, err := store.AcquireLock(slug, number)
	if err != nil {
		var held *state.LockHeldError
		if errors.As(err, &held) {
			return fmt.Errorf("sprint %s-%d is being run by pid %d; stop it before resetting", slug, number, held.PID)
		}
		return err
	}
	if err := lock.Release(); err != nil {
		return err
	}

	if err := store.Remove(slug, number); err != nil {
		return err
	}
	fmt.Printf("sprint %s-%d state has been reset\n", slug, number)
	return nil
}

// stateDir resolves where sprint state lives: the configured directory, or
// docs/sprints under the repository root.
func stateDir(cfg *config.Config, repoPath string) string {
	if cfg.StateDir != "" {
		return cfg.StateDir
	}
	return filepath.Join(repoPath, "docs", "sprints")
}

// openStore opens the state store for commands that run outside the sprint
// pipeline, resolving the directory against the current repository.
func openStore(cfg *config.Config) (*state.Store, error) {
	repoPath, err := filepath.Abs(".")
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	return state.NewStore(stateDir(cfg, repoPath))
}

func sprintArgs(args []string) (string, int, error) {
	number, err := strconv.Atoi(args[1])
	if err != nil || number <= 0 {
		return "", 0, fmt.Errorf("sprint number must be a positive integer, got %q", args[1])
	}
	return args[0], number, nil
}

// loadPlan reads and validates a sprint plan file.
func loadPlan(path string) (*state.SprintPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	var plan state.SprintPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", path, err)
	}

	if plan.Slug == "" {
		return nil, fmt.Errorf("plan file %s has no slug", path)
	}
	if plan.Number <= 0 {
		return nil, fmt.Errorf("plan file %s has no sprint number", path)
	}
	if len(plan.Groups) == 0 {
		return nil, fmt.Errorf("plan file %s has no execution groups", path)
	}
	seen := map[int]bool{}
	for gi, group := range plan.Groups {
		for _, issue := range group.Issues {
			if issue.Number <= 0 {
				return nil, fmt.Errorf("plan group %d has an issue without a number", gi+1)
			}
			if seen[issue.Number] {
				return nil, fmt.Errorf("issue #%d appears more than once in the plan", issue.Number)
			}
			seen[issue.Number] = true
			if issue.Branch == "" {
				return nil, fmt.Errorf("issue #%d has no branch", issue.Number)
			}
		}
	}
	return &plan, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
