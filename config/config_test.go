package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpool/monitor"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 50, cfg.Pool.MaxStandardAgents)
	assert.Equal(t, 10, cfg.Pool.MaxEnginesPerAgent)
	assert.InDelta(t, 0.1, cfg.Scaling.StepFraction, 1e-9)
	assert.InDelta(t, 0.7, cfg.Scaling.StandardShare, 1e-9)
	assert.Equal(t, "local", cfg.Inference.Provider)
	assert.InDelta(t, 0.85, cfg.Monitor.Thresholds[monitor.IndicatorCPU].Critical, 1e-9)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9999"
  broadcast_interval: 2s
pool:
  max_standard_agents: 5
  max_enhanced_agents: 3
  initial_standard: 1
monitor:
  sample_interval: 1s
  thresholds:
    cpu_fraction:
      warning: 0.5
      critical: 0.6
      emergency: 0.7
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Server.BroadcastInterval)
	assert.Equal(t, 5, cfg.Pool.MaxStandardAgents)
	assert.Equal(t, 3, cfg.Pool.MaxEnhancedAgents)
	assert.Equal(t, time.Second, cfg.Monitor.SampleInterval)
	assert.InDelta(t, 0.6, cfg.Monitor.Thresholds[monitor.IndicatorCPU].Critical, 1e-9)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10, cfg.Pool.MaxEnginesPerAgent)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("AGENTPOOL_SERVER_ADDR", ":7001")
	t.Setenv("AGENTPOOL_LEDGER_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7001", cfg.Server.Addr)
	assert.True(t, cfg.Ledger.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero engine ceiling", func(c *Config) { c.Pool.MaxEnginesPerAgent = 0 }},
		{"negative standard ceiling", func(c *Config) { c.Pool.MaxStandardAgents = -1 }},
		{"initial above ceiling", func(c *Config) { c.Pool.InitialStandard = 100 }},
		{"step fraction zero", func(c *Config) { c.Scaling.StepFraction = 0 }},
		{"standard share above one", func(c *Config) { c.Scaling.StandardShare = 1.5 }},
		{"zero sample interval", func(c *Config) { c.Monitor.SampleInterval = 0 }},
		{"unknown provider", func(c *Config) { c.Inference.Provider = "gemini" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
