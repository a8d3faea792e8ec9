// Package config defines the runtime configuration shape and a
// hot-reloading manager around it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the full runtime configuration, loaded from YAML.
type Config struct {
	Version int           `yaml:"version"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Tools   ToolsConfig   `yaml:"tools"`
	LLM     LLMConfig     `yaml:"llm"`
	Memory  MemoryConfig  `yaml:"memory"`
	Policy  PolicyConfig  `yaml:"policy"`
	Gateway GatewayConfig `yaml:"gateway"`
	Plugins PluginsConfig `yaml:"plugins"`
}

type RuntimeConfig struct {
	DryRun      bool `yaml:"dry_run"`
	TimeoutSecs int  `yaml:"timeout_secs"`
	MaxParallel int  `yaml:"max_parallel"`
	// MaxIterations bounds the agent loop per user message.
	MaxIterations int `yaml:"max_iterations"`
}

type ToolsConfig struct {
	Shell      ShellConfig      `yaml:"shell"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
	// Timeouts holds per-tool timeout overrides in seconds.
	Timeouts map[string]int `yaml:"timeouts"`
}

type ShellConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Blocklist []string `yaml:"blocklist"`
	Allowlist []string `yaml:"allowlist"`
}

type FilesystemConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Workspace     string `yaml:"workspace"`
	MaxFileSizeMB int64  `yaml:"max_file_size_mb"`
}

type LLMConfig struct {
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	// MaxContextTokens is the model's context window; the agent loop
	// warns once it has used 80% of it. Zero disables the warning.
	MaxContextTokens int `yaml:"max_context_tokens"`
}

type MemoryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	DBPath            string `yaml:"db_path"`
	EmbeddingProvider string `yaml:"embedding_provider"`
	EmbeddingModel    string `yaml:"embedding_model"`
	AutoReindex       bool   `yaml:"auto_reindex"`
	IndexRoot         string `yaml:"index_root"`
}

type PolicyConfig struct {
	// DisabledLayers names pipeline layers to skip.
	DisabledLayers []string `yaml:"disabled_layers"`
	// DryRunBypassTools may execute for real in dry-run mode even when
	// their permission level exceeds read.
	DryRunBypassTools []string `yaml:"dry_run_bypass_tools"`
	RateLimitCapacity int      `yaml:"rate_limit_capacity"`
	RateLimitWindow   int      `yaml:"rate_limit_window_secs"`
	// GrantedPermission is the caller capability level: read, write,
	// execute, network, or admin.
	GrantedPermission string `yaml:"granted_permission"`
}

type GatewayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
	// RateLimitPerMin is the per-IP request budget per 60s window.
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
}

type PluginsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Version: 1,
		Runtime: RuntimeConfig{
			DryRun:        true,
			TimeoutSecs:   60,
			MaxParallel:   4,
			MaxIterations: 25,
		},
		Tools: ToolsConfig{
			Shell:      ShellConfig{Enabled: true},
			Filesystem: FilesystemConfig{Enabled: true, Workspace: ".", MaxFileSizeMB: 10},
		},
		LLM: LLMConfig{Provider: "anthropic", MaxContextTokens: 200000},
		Memory: MemoryConfig{
			DBPath:            "~/.silentclaw/memory.db",
			EmbeddingProvider: "openai",
			EmbeddingModel:    "text-embedding-3-small",
			AutoReindex:       true,
		},
		Policy: PolicyConfig{
			RateLimitCapacity: 30,
			RateLimitWindow:   60,
			GrantedPermission: "execute",
		},
		Gateway: GatewayConfig{Listen: "127.0.0.1:8787", RateLimitPerMin: 60},
		Plugins: PluginsConfig{Dir: "./plugins"},
	}
}

// Validate checks value ranges. Failures wrap ErrInvalid.
func (c *Config) Validate() error {
	if c.Runtime.TimeoutSecs <= 0 {
		return fmt.Errorf("%w: runtime.timeout_secs must be > 0", ErrInvalid)
	}
	if c.Runtime.MaxParallel < 1 || c.Runtime.MaxParallel > 100 {
		return fmt.Errorf("%w: runtime.max_parallel must be between 1 and 100", ErrInvalid)
	}
	if c.Runtime.MaxIterations <= 0 {
		return fmt.Errorf("%w: runtime.max_iterations must be > 0", ErrInvalid)
	}
	switch c.LLM.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("%w: unknown llm.provider %q", ErrInvalid, c.LLM.Provider)
	}
	if c.LLM.MaxContextTokens < 0 {
		return fmt.Errorf("%w: llm.max_context_tokens must be >= 0", ErrInvalid)
	}
	return nil
}

// ApplyEnvOverrides lets environment variables win over file values.
// API keys only fill empty fields so the file stays authoritative.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SILENTCLAW_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Runtime.TimeoutSecs = secs
		}
	}
	if v := os.Getenv("SILENTCLAW_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runtime.MaxParallel = n
		}
	}
	if v := os.Getenv("SILENTCLAW_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Runtime.DryRun = b
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && c.LLM.AnthropicAPIKey == "" {
		c.LLM.AnthropicAPIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.LLM.OpenAIAPIKey == "" {
		c.LLM.OpenAIAPIKey = key
	}
}

// Load reads, parses, overrides, and validates a config file. An empty
// path yields the defaults with env overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalid, err)
		}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
