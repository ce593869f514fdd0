package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "claude", cfg.AgentProgram)
	assert.Equal(t, "gh", cfg.TrackerProgram)
	assert.True(t, cfg.Quality.Tests)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(c *Config) {}, true},
		{"zero sessions", func(c *Config) { c.MaxConcurrentSessions = 0 }, false},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, false},
		{"drift above one", func(c *Config) { c.DriftThreshold = 1.5 }, false},
		{"negative incidents", func(c *Config) { c.MaxDriftIncidents = -1 }, false},
		{"missing agent", func(c *Config) { c.AgentProgram = "" }, false},
		{"zero retries allowed", func(c *Config) { c.MaxRetries = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAtomicWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	require.NoError(t, AtomicWriteFile(path, []byte("first"), 0644))
	require.NoError(t, AtomicWriteFile(path, []byte("second"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
