package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tranhoangtu-it/silentclaw/internal/agent"
	"github.com/tranhoangtu-it/silentclaw/internal/config"
	"github.com/tranhoangtu-it/silentclaw/internal/hooks"
	"github.com/tranhoangtu-it/silentclaw/internal/llm"
	"github.com/tranhoangtu-it/silentclaw/internal/memory"
	"github.com/tranhoangtu-it/silentclaw/internal/plugin"
	"github.com/tranhoangtu-it/silentclaw/internal/policy"
	"github.com/tranhoangtu-it/silentclaw/internal/runtime"
	"github.com/tranhoangtu-it/silentclaw/internal/tools"
)

// app holds every wired component for one process.
type app struct {
	cfgMgr   *config.Manager
	hooks    *hooks.Registry
	registry *tools.Registry
	engine   *runtime.Engine
	provider llm.Provider
	plugins  *plugin.Loader
	logger   *zap.Logger
}

// newApp builds the runtime from configuration: registry and tools,
// policy pipeline, engine, provider chain, and plugins.
func newApp(configPath string, logger *zap.Logger) (*app, error) {
	cfgMgr, err := config.NewManager(configPath, logger)
	if err != nil {
		return nil, err
	}
	cfg := cfgMgr.Current()

	hookReg := hooks.NewRegistry(logger)
	registry := tools.NewRegistry()

	if cfg.Tools.Shell.Enabled {
		shell := &tools.ShellTool{
			Blocklist: cfg.Tools.Shell.Blocklist,
			Allowlist: cfg.Tools.Shell.Allowlist,
		}
		if err := registry.Register(shell); err != nil {
			return nil, err
		}
	}
	if cfg.Tools.Filesystem.Enabled {
		ws := cfg.Tools.Filesystem.Workspace
		for _, tool := range []tools.Tool{
			tools.NewReadFileTool(ws, cfg.Tools.Filesystem.MaxFileSizeMB),
			tools.NewWriteFileTool(ws),
			tools.NewListDirTool(ws),
		} {
			if err := registry.Register(tool); err != nil {
				return nil, err
			}
		}
	}

	loader := plugin.NewLoader(logger)
	if cfg.Plugins.Enabled {
		plugins, err := loader.LoadAll(cfg.Plugins.Dir)
		if err != nil {
			return nil, fmt.Errorf("load plugins: %w", err)
		}
		for _, p := range plugins {
			for _, tool := range p.Tools() {
				if err := registry.Register(tool); err != nil {
					logger.Warn("plugin tool rejected",
						zap.String("plugin", p.Name()),
						zap.String("tool", tool.Name()),
						zap.Error(err))
				}
			}
			plugin.RegisterHooks(hookReg, p)
		}
	}

	pipeline := policy.NewPipeline(registry, policyConfig(cfg), logger)
	granted := tools.ParsePermission(cfg.Policy.GrantedPermission)
	engine := runtime.NewEngine(registry, pipeline, hookReg, granted, cfg.Runtime.MaxParallel, logger)
	engine.DryRun = func() bool { return cfgMgr.Current().Runtime.DryRun }
	bypass := make(map[string]bool, len(cfg.Policy.DryRunBypassTools))
	for _, name := range cfg.Policy.DryRunBypassTools {
		bypass[name] = true
	}
	engine.DryRunBypass = bypass

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		cfgMgr:   cfgMgr,
		hooks:    hookReg,
		registry: registry,
		engine:   engine,
		provider: provider,
		plugins:  loader,
		logger:   logger,
	}, nil
}

func (a *app) close() {
	a.plugins.Shutdown()
	a.cfgMgr.Stop()
}

// newLoop builds an agent loop against the current configuration, so
// each turn sees the latest hot-reloaded settings.
func (a *app) newLoop() *agent.Loop {
	cfg := a.cfgMgr.Current()
	return agent.NewLoop(a.provider, a.engine, a.hooks, agent.Options{
		MaxIterations: cfg.Runtime.MaxIterations,
		ContextWindow: cfg.LLM.MaxContextTokens,
		Model:         cfg.LLM.Model,
		Tools:         toolSpecs(a.registry),
	}, a.logger)
}

// toolSpecs advertises every registered tool to the model.
func toolSpecs(registry *tools.Registry) []llm.ToolSpec {
	all := registry.All()
	specs := make([]llm.ToolSpec, 0, len(all))
	for _, t := range all {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema().AsInputSchema(),
		})
	}
	return specs
}

func policyConfig(cfg *config.Config) policy.Config {
	disabled := make(map[string]bool, len(cfg.Policy.DisabledLayers))
	for _, name := range cfg.Policy.DisabledLayers {
		disabled[name] = true
	}
	timeouts := make(map[string]time.Duration, len(cfg.Tools.Timeouts))
	for tool, secs := range cfg.Tools.Timeouts {
		timeouts[tool] = time.Duration(secs) * time.Second
	}
	return policy.Config{
		Disabled:          disabled,
		RateLimitCapacity: cfg.Policy.RateLimitCapacity,
		RateLimitWindow:   time.Duration(cfg.Policy.RateLimitWindow) * time.Second,
		DefaultTimeout:    time.Duration(cfg.Runtime.TimeoutSecs) * time.Second,
		ToolTimeouts:      timeouts,
		DryRunBypassTools: cfg.Policy.DryRunBypassTools,
	}
}

// buildProvider assembles the failover chain. The configured provider
// goes first; any other provider with a key becomes the fallback.
func buildProvider(cfg *config.Config, logger *zap.Logger) (llm.Provider, error) {
	var anthropic, openai llm.Provider
	if cfg.LLM.AnthropicAPIKey != "" {
		model := ""
		if cfg.LLM.Provider == "anthropic" {
			model = cfg.LLM.Model
		}
		anthropic = llm.NewAnthropicClient(cfg.LLM.AnthropicAPIKey, model, logger)
	}
	if cfg.LLM.OpenAIAPIKey != "" {
		model := ""
		if cfg.LLM.Provider == "openai" {
			model = cfg.LLM.Model
		}
		openai = llm.NewOpenAIClient(cfg.LLM.OpenAIAPIKey, model, logger)
	}

	var providers []llm.Provider
	switch cfg.LLM.Provider {
	case "openai":
		for _, p := range []llm.Provider{openai, anthropic} {
			if p != nil {
				providers = append(providers, p)
			}
		}
	default:
		for _, p := range []llm.Provider{anthropic, openai} {
			if p != nil {
				providers = append(providers, p)
			}
		}
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no provider available: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}
	return llm.NewChain(providers, logger), nil
}

// openMemory builds the store, embedder, and indexer from config.
func openMemory(cfg *config.Config, logger *zap.Logger) (*memory.Store, memory.Embedder, *memory.Indexer, error) {
	var embedder memory.Embedder
	switch cfg.Memory.EmbeddingProvider {
	case "openai":
		if cfg.LLM.OpenAIAPIKey != "" {
			embedder = memory.NewOpenAIEmbedder(cfg.LLM.OpenAIAPIKey, cfg.Memory.EmbeddingModel)
		} else {
			logger.Warn("no OpenAI key, using local embedder")
			embedder = memory.NewLocalEmbedder(0)
		}
	case "local", "":
		embedder = memory.NewLocalEmbedder(0)
	default:
		return nil, nil, nil, fmt.Errorf("unknown embedding provider %q", cfg.Memory.EmbeddingProvider)
	}

	store, err := memory.Open(expandHome(cfg.Memory.DBPath), embedder.Dimensions())
	if err != nil {
		return nil, nil, nil, err
	}

	root := cfg.Memory.IndexRoot
	if root == "" {
		root = cfg.Tools.Filesystem.Workspace
	}
	indexer := memory.NewIndexer(store, embedder, root, cfg.Runtime.MaxParallel, logger)
	return store, embedder, indexer, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
