package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "silentclaw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
version: 1
runtime:
  dry_run: false
  timeout_secs: 30
  max_parallel: 8
  max_iterations: 10
llm:
  provider: openai
`

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, t.TempDir(), validYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Runtime.DryRun)
	assert.Equal(t, 30, cfg.Runtime.TimeoutSecs)
	assert.Equal(t, 8, cfg.Runtime.MaxParallel)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	// Unspecified sections keep defaults.
	assert.True(t, cfg.Tools.Shell.Enabled)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Runtime.DryRun)
	assert.Equal(t, 60, cfg.Runtime.TimeoutSecs)
	assert.Equal(t, 200000, cfg.LLM.MaxContextTokens)
	assert.Empty(t, cfg.Policy.DryRunBypassTools)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.Runtime.TimeoutSecs = 0 }},
		{"zero parallel", func(c *Config) { c.Runtime.MaxParallel = 0 }},
		{"excessive parallel", func(c *Config) { c.Runtime.MaxParallel = 500 }},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "mystery" }},
		{"negative context window", func(c *Config) { c.LLM.MaxContextTokens = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SILENTCLAW_TIMEOUT", "120")
	t.Setenv("SILENTCLAW_DRY_RUN", "false")
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")

	cfg := Default()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, 120, cfg.Runtime.TimeoutSecs)
	assert.False(t, cfg.Runtime.DryRun)
	assert.Equal(t, "sk-env", cfg.LLM.AnthropicAPIKey)

	// File value wins over env for keys.
	cfg2 := Default()
	cfg2.LLM.AnthropicAPIKey = "sk-file"
	cfg2.ApplyEnvOverrides()
	assert.Equal(t, "sk-file", cfg2.LLM.AnthropicAPIKey)
}

func TestManagerReloadSwapsConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validYAML)

	mgr, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 30, mgr.Current().Runtime.TimeoutSecs)

	require.NoError(t, os.WriteFile(path, []byte(`
runtime:
  timeout_secs: 90
  max_parallel: 2
  max_iterations: 5
`), 0o644))

	ev := mgr.Reload()
	assert.True(t, ev.Success)
	assert.Equal(t, 90, mgr.Current().Runtime.TimeoutSecs)
}

func TestManagerKeepsOldConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validYAML)

	mgr, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)

	sub := mgr.Subscribe()
	require.NoError(t, os.WriteFile(path, []byte("runtime: {timeout_secs: 0}"), 0o644))

	ev := mgr.Reload()
	assert.False(t, ev.Success)
	assert.NotEmpty(t, ev.Reason)
	// Old value survives.
	assert.Equal(t, 30, mgr.Current().Runtime.TimeoutSecs)

	select {
	case got := <-sub:
		assert.False(t, got.Success)
	default:
		t.Fatal("expected a broadcast reload event")
	}
}

func TestManagerWatchPicksUpFileChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validYAML)

	mgr, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, mgr.Watch(t.Context()))
	defer mgr.Stop()

	sub := mgr.Subscribe()
	require.NoError(t, os.WriteFile(path, []byte(`
runtime:
  timeout_secs: 45
  max_parallel: 4
  max_iterations: 25
`), 0o644))

	select {
	case ev := <-sub:
		assert.True(t, ev.Success)
		assert.Equal(t, 45, mgr.Current().Runtime.TimeoutSecs)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload event")
	}
}
