package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tranhoangtu-it/silentclaw/internal/hooks"
	"github.com/tranhoangtu-it/silentclaw/internal/llm"
	"github.com/tranhoangtu-it/silentclaw/internal/policy"
	"github.com/tranhoangtu-it/silentclaw/internal/tools"
)

type testTool struct {
	name    string
	perm    tools.Permission
	execute func(ctx context.Context, input map[string]any) (string, error)
	calls   int
}

func (t *testTool) Name() string                         { return t.name }
func (t *testTool) Description() string                  { return "test tool" }
func (t *testTool) Schema() tools.Schema                 { return tools.Schema{} }
func (t *testTool) RequiredPermission() tools.Permission { return t.perm }
func (t *testTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	t.calls++
	if t.execute != nil {
		return t.execute(ctx, input)
	}
	return "ok", nil
}

func newTestEngine(t *testing.T, tt ...*testTool) (*Engine, *policy.RateLimitLayer) {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tool := range tt {
		require.NoError(t, reg.Register(tool))
	}

	limiter := policy.NewRateLimitLayer(100, time.Minute)
	pipeline := policy.NewCustomPipeline([]policy.Layer{
		&policy.ToolExistenceLayer{Registry: reg},
		&policy.PermissionCheckLayer{Registry: reg},
		limiter,
		&policy.InputValidationLayer{Registry: reg},
		&policy.DryRunGuardLayer{Registry: reg},
		&policy.TimeoutEnforceLayer{Default: 2 * time.Second},
	}, nil)

	return NewEngine(reg, pipeline, hooks.NewRegistry(zap.NewNop()), tools.PermAdmin, 4, zap.NewNop()), limiter
}

func TestExecuteSuccess(t *testing.T) {
	tool := &testTool{name: "echo"}
	engine, _ := newTestEngine(t, tool)

	out, err := engine.Execute(context.Background(), llm.ToolCall{
		ID: "call_1", Name: "echo", Input: json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestExecuteDryRunSynthesizesSideEffectfulTool(t *testing.T) {
	tool := &testTool{name: "deploy", perm: tools.PermExecute}
	engine, limiter := newTestEngine(t, tool)
	engine.DryRun = func() bool { return true }

	out, err := engine.Execute(context.Background(), llm.ToolCall{
		ID: "call_1", Name: "deploy", Input: json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, true, decoded["dry_run"])
	assert.Equal(t, "deploy", decoded["tool"])

	// The tool never ran and no rate-limit token was spent.
	assert.Zero(t, tool.calls)
	assert.Equal(t, 100, limiter.Remaining("deploy"))
}

func TestExecuteDryRunRunsReadLevelTool(t *testing.T) {
	tool := &testTool{
		name: "read_file",
		perm: tools.PermRead,
		execute: func(context.Context, map[string]any) (string, error) {
			return "actual content", nil
		},
	}
	engine, limiter := newTestEngine(t, tool)
	engine.DryRun = func() bool { return true }

	out, err := engine.Execute(context.Background(), llm.ToolCall{
		ID: "call_1", Name: "read_file",
	})
	require.NoError(t, err)
	assert.Equal(t, "actual content", out)

	// Real execution spends a rate-limit token.
	assert.Equal(t, 1, tool.calls)
	assert.Equal(t, 99, limiter.Remaining("read_file"))
}

func TestExecuteDryRunBypassedToolRuns(t *testing.T) {
	tool := &testTool{name: "deploy", perm: tools.PermExecute}
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tool))

	bypass := []string{"deploy"}
	pipeline := policy.NewPipeline(reg, policy.Config{DryRunBypassTools: bypass}, zap.NewNop())
	engine := NewEngine(reg, pipeline, nil, tools.PermAdmin, 4, zap.NewNop())
	engine.DryRun = func() bool { return true }
	engine.DryRunBypass = map[string]bool{"deploy": true}

	out, err := engine.Execute(context.Background(), llm.ToolCall{
		ID: "call_1", Name: "deploy",
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 1, tool.calls)
}

func TestExecuteDeniedByPolicy(t *testing.T) {
	tool := &testTool{name: "danger", perm: tools.PermAdmin}
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tool))
	pipeline := policy.NewPipeline(reg, policy.Config{}, zap.NewNop())
	engine := NewEngine(reg, pipeline, nil, tools.PermRead, 4, zap.NewNop())

	_, err := engine.Execute(context.Background(), llm.ToolCall{ID: "c", Name: "danger"})
	var denied *policy.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, policy.LayerPermissionCheck, denied.Layer)
	assert.Zero(t, tool.calls)
}

func TestExecuteTimeout(t *testing.T) {
	tool := &testTool{
		name: "slow",
		execute: func(ctx context.Context, _ map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tool))
	pipeline := policy.NewCustomPipeline([]policy.Layer{
		&policy.TimeoutEnforceLayer{Default: 30 * time.Millisecond},
	}, nil)
	engine := NewEngine(reg, pipeline, nil, tools.PermAdmin, 4, zap.NewNop())

	_, err := engine.Execute(context.Background(), llm.ToolCall{ID: "c", Name: "slow"})
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "slow", timeout.Tool)
	assert.GreaterOrEqual(t, timeout.Elapsed, 30*time.Millisecond)
}

func TestExecuteRecoversPanic(t *testing.T) {
	tool := &testTool{
		name: "crashy",
		execute: func(context.Context, map[string]any) (string, error) {
			panic("kaboom")
		},
	}
	engine, _ := newTestEngine(t, tool)

	_, err := engine.Execute(context.Background(), llm.ToolCall{ID: "c", Name: "crashy"})
	var crash *CrashError
	require.ErrorAs(t, err, &crash)
	assert.Equal(t, "kaboom", crash.Panic)
}

func TestExecuteToolFailure(t *testing.T) {
	tool := &testTool{
		name: "flaky",
		execute: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("disk full")
		},
	}
	engine, _ := newTestEngine(t, tool)

	_, err := engine.Execute(context.Background(), llm.ToolCall{ID: "c", Name: "flaky"})
	require.ErrorIs(t, err, ErrToolFailed)
}

func TestExecuteBadInputJSON(t *testing.T) {
	tool := &testTool{name: "echo"}
	engine, _ := newTestEngine(t, tool)

	_, err := engine.Execute(context.Background(), llm.ToolCall{
		ID: "call_7", Name: "echo", Input: json.RawMessage(`{"x":`),
	})
	var parseErr *InputParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "call_7", parseErr.CallID)
}

func TestCriticalBeforeHookAborts(t *testing.T) {
	tool := &testTool{name: "echo"}
	engine, _ := newTestEngine(t, tool)

	hookReg := hooks.NewRegistry(zap.NewNop())
	hookReg.Register(hooks.BeforeToolCall, hooks.Hook{
		Name:     "veto",
		Critical: true,
		Fn:       func(context.Context, hooks.Event) error { return errors.New("vetoed") },
	})
	engine.hooks = hookReg

	_, err := engine.Execute(context.Background(), llm.ToolCall{ID: "c", Name: "echo"})
	var critical *hooks.CriticalHookError
	require.ErrorAs(t, err, &critical)
	assert.Zero(t, tool.calls)
}

func TestExecuteParallelPreservesOrderAndIsolation(t *testing.T) {
	good := &testTool{name: "good"}
	bad := &testTool{
		name: "bad",
		execute: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("nope")
		},
	}
	engine, _ := newTestEngine(t, good, bad)

	results := engine.ExecuteParallel(context.Background(), []llm.ToolCall{
		{ID: "c1", Name: "good"},
		{ID: "c2", Name: "bad"},
		{ID: "c3", Name: "good"},
	})

	require.Len(t, results, 3)
	assert.Equal(t, "c1", results[0].CallID)
	assert.False(t, results[0].IsError)
	assert.Equal(t, "c2", results[1].CallID)
	assert.True(t, results[1].IsError)
	assert.Equal(t, "c3", results[2].CallID)
	assert.False(t, results[2].IsError)
}
