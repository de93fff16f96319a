package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 25*time.Second, cfg.Server.HandlerTimeout)
	assert.Equal(t, 32, cfg.Scheduler.Workers)
	assert.Equal(t, 3, cfg.Scheduler.RetryMaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Approvals.DefaultDeadline)
	assert.Equal(t, 10.0, cfg.Budget.PerCaseUSD)
	assert.Equal(t, 300.0, cfg.Budget.DailyUSD)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.True(t, cfg.Observability.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Observability.Metrics.Path)

	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  handler_timeout: 10s
scheduler:
  workers: 8
  default_node_timeout: 45s
approvals:
  default_deadline: 2h
budget:
  per_case_usd: 25
  daily_usd: 500
manifests:
  directories: [./manifests]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.HandlerTimeout)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.DefaultNodeTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Approvals.DefaultDeadline)
	assert.Equal(t, 25.0, cfg.Budget.PerCaseUSD)
	assert.Equal(t, []string{"./manifests"}, cfg.Manifests.Directories)

	// Untouched fields keep their defaults.
	assert.Equal(t, 4, cfg.Scheduler.BranchConcurrency)
	assert.Equal(t, 1024, cfg.Scheduler.QueueSize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading")
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MISSIONCTL_SERVER_PORT", "7070")
	t.Setenv("MISSIONCTL_IDENTITY_ISSUER", "https://id.agi.run")
	t.Setenv("MISSIONCTL_STORE_DRIVER", "postgres")
	t.Setenv("MISSIONCTL_BUDGET_DAILY_USD", "750")
	t.Setenv("MISSIONCTL_LOG_LEVEL", "debug")

	path := writeConfig(t, `
server:
  port: 9090
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Environment wins over the file.
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "https://id.agi.run", cfg.Identity.Issuer)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 750.0, cfg.Budget.DailyUSD)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
}

func TestLoad_EnvOverrideIgnoresJunk(t *testing.T) {
	t.Setenv("MISSIONCTL_SERVER_PORT", "not-a-port")

	path := writeConfig(t, "server:\n  port: 9090\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"port too low", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"no workers", func(c *Config) { c.Scheduler.Workers = 0 }, "scheduler.workers"},
		{"no branch concurrency", func(c *Config) { c.Scheduler.BranchConcurrency = 0 }, "branch_concurrency"},
		{"no retries", func(c *Config) { c.Scheduler.RetryMaxAttempts = 0 }, "retry_max_attempts"},
		{"zero case budget", func(c *Config) { c.Budget.PerCaseUSD = 0 }, "per_case_usd"},
		{"zero daily budget", func(c *Config) { c.Budget.DailyUSD = 0 }, "daily_usd"},
		{"case budget above daily", func(c *Config) {
			c.Budget.PerCaseUSD = 500
			c.Budget.DailyUSD = 100
		}, "may not exceed"},
		{"unknown store driver", func(c *Config) { c.Store.Driver = "sqlite" }, "store.driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0
	cfg.Scheduler.Workers = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "scheduler.workers")
}
