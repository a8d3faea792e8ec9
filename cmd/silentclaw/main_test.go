package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tranhoangtu-it/silentclaw/internal/config"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	want := map[string]bool{"serve": false, "run": false, "index": false, "search": false, "version": false}
	for _, sub := range rootCmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, seen := range want {
		assert.True(t, seen, "missing subcommand %s", name)
	}
}

func TestPolicyConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.Policy.DisabledLayers = []string{"audit_log"}
	cfg.Policy.DryRunBypassTools = []string{"read_file"}
	cfg.Policy.RateLimitCapacity = 10
	cfg.Policy.RateLimitWindow = 30
	cfg.Runtime.TimeoutSecs = 15
	cfg.Tools.Timeouts = map[string]int{"shell": 5}

	pc := policyConfig(cfg)
	assert.True(t, pc.Disabled["audit_log"])
	assert.Equal(t, []string{"read_file"}, pc.DryRunBypassTools)
	assert.Equal(t, 10, pc.RateLimitCapacity)
	assert.Equal(t, 30*time.Second, pc.RateLimitWindow)
	assert.Equal(t, 15*time.Second, pc.DefaultTimeout)
	assert.Equal(t, 5*time.Second, pc.ToolTimeouts["shell"])
}

func TestBuildProviderRequiresKey(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.AnthropicAPIKey = ""
	cfg.LLM.OpenAIAPIKey = ""

	_, err := buildProvider(cfg, zap.NewNop())
	require.Error(t, err)
}

func TestBuildProviderChain(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.AnthropicAPIKey = "ak"
	cfg.LLM.OpenAIAPIKey = "ok"

	p, err := buildProvider(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestExpandHome(t *testing.T) {
	expanded := expandHome("~/x/y.db")
	assert.NotContains(t, expanded, "~")
	assert.Equal(t, filepath.Join("a", "b"), expandHome(filepath.Join("a", "b")))
}
