package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"sprintd/log"
)

const ConfigFileName = "config.json"

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".sprintd"), nil
}

// QualityChecks toggles the individual quality gate checks.
type QualityChecks struct {
	// Tests runs the project test suite.
	Tests bool `json:"tests"`
	// Lint runs the project linter.
	Lint bool `json:"lint"`
	// TypeCheck runs static type checking.
	TypeCheck bool `json:"type_check"`
	// Build compiles the project.
	Build bool `json:"build"`
	// DiffSize enforces MaxDiffLines against the branch diff.
	DiffSize bool `json:"diff_size"`
	// MaxDiffLines is the largest allowed branch diff (added+removed lines).
	MaxDiffLines int `json:"max_diff_lines"`

	// Commands override the default shell command for each check, keyed by
	// check name (tests, lint, type_check, build).
	Commands map[string]string `json:"commands,omitempty"`
}

// Config represents the application configuration
type Config struct {
	// AgentProgram is the coding agent CLI invoked for sessions.
	AgentProgram string `json:"agent_program"`
	// TrackerProgram is the issue tracker CLI (gh-compatible).
	TrackerProgram string `json:"tracker_program"`
	// StateDir is where sprint state, lock and log files live. Empty means
	// docs/sprints under the repository root.
	StateDir string `json:"state_dir"`

	// MaxConcurrentSessions bounds the session pool.
	MaxConcurrentSessions int `json:"max_concurrent_sessions"`
	// MaxRetries is the per-issue retry budget shared by gate failures,
	// drift reverts and challenger rejections.
	MaxRetries int `json:"max_retries"`
	// SessionTimeoutSeconds bounds each agent round trip.
	SessionTimeoutSeconds int `json:"session_timeout_seconds"`

	// DriftThreshold is the per-issue drift percentage (0..1) above which an
	// issue is treated as having drifted.
	DriftThreshold float64 `json:"drift_threshold"`
	// MaxDriftIncidents aborts the sprint once exceeded.
	MaxDriftIncidents int `json:"max_drift_incidents"`
	// AutoRevertOnDrift reverts the branch instead of halting for a human.
	AutoRevertOnDrift bool `json:"auto_revert_on_drift"`

	// ChallengerEnabled turns on the adversarial review pass.
	ChallengerEnabled bool `json:"challenger_enabled"`

	// Quality configures the gate checks.
	Quality QualityChecks `json:"quality"`

	// WebhookURL receives best-effort push notifications. Empty disables.
	WebhookURL string `json:"webhook_url"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		AgentProgram:          "claude",
		TrackerProgram:        "gh",
		MaxConcurrentSessions: 3,
		MaxRetries:            3,
		SessionTimeoutSeconds: 900,
		DriftThreshold:        0.5,
		MaxDriftIncidents:     3,
		AutoRevertOnDrift:     true,
		ChallengerEnabled:     true,
		Quality: QualityChecks{
			Tests:        true,
			Lint:         true,
			TypeCheck:    false,
			Build:        true,
			DiffSize:     true,
			MaxDiffLines: 2000,
		},
	}
}

// Validate rejects configurations the runner cannot operate with.
func (c *Config) Validate() error {
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("configuration error: max_concurrent_sessions must be positive, got %d", c.MaxConcurrentSessions)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("configuration error: max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.DriftThreshold < 0 || c.DriftThreshold > 1 {
		return fmt.Errorf("configuration error: drift_threshold must be within [0,1], got %v", c.DriftThreshold)
	}
	if c.MaxDriftIncidents < 0 {
		return fmt.Errorf("configuration error: max_drift_incidents must not be negative, got %d", c.MaxDriftIncidents)
	}
	if c.AgentProgram == "" {
		return fmt.Errorf("configuration error: agent_program must be set")
	}
	return nil
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := SaveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}

	return &config
}

// SaveConfig saves the configuration to disk
func SaveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return AtomicWriteFile(configPath, data, 0644)
}
