// Package runtime executes admitted tool calls with timeout
// enforcement, panic containment, and dry-run interception.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tranhoangtu-it/silentclaw/internal/hooks"
	"github.com/tranhoangtu-it/silentclaw/internal/llm"
	"github.com/tranhoangtu-it/silentclaw/internal/policy"
	"github.com/tranhoangtu-it/silentclaw/internal/tools"
)

// Engine runs tool calls. DryRun is consulted per call so a config
// hot-reload takes effect immediately.
type Engine struct {
	registry    *tools.Registry
	pipeline    *policy.Pipeline
	hooks       *hooks.Registry
	logger      *zap.Logger
	granted     tools.Permission
	maxParallel int

	// DryRun reports whether the runtime is in dry-run mode. Checked
	// before the pipeline so a synthesized call never spends a
	// rate-limit token.
	DryRun func() bool

	// DryRunBypass names tools that execute for real even in dry-run
	// mode. Read-level tools always execute.
	DryRunBypass map[string]bool
}

// NewEngine wires an engine. A nil dryRun func means never dry-run.
func NewEngine(registry *tools.Registry, pipeline *policy.Pipeline, hookReg *hooks.Registry, granted tools.Permission, maxParallel int, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hookReg == nil {
		hookReg = hooks.NewRegistry(logger)
	}
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Engine{
		registry:    registry,
		pipeline:    pipeline,
		hooks:       hookReg,
		logger:      logger,
		granted:     granted,
		maxParallel: maxParallel,
		DryRun:      func() bool { return false },
	}
}

// Execute runs a single tool call end to end: dry-run gate, hooks,
// policy pipeline, then the tool itself under its enforced timeout.
func (e *Engine) Execute(ctx context.Context, call llm.ToolCall) (string, error) {
	input := map[string]any{}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &input); err != nil {
			return "", &InputParseError{CallID: call.ID, Err: err}
		}
	}

	dry := e.DryRun != nil && e.DryRun()
	if dry && e.dryRunBlocked(call.Name) {
		return dryRunResult(call.Name, input)
	}

	ev := hooks.Event{
		Kind:     hooks.BeforeToolCall,
		ToolName: call.Name,
		CallID:   call.ID,
		Data:     map[string]any{"input": input},
	}
	if err := e.hooks.Fire(ctx, ev); err != nil {
		return "", err
	}

	req := &policy.Request{
		ToolName: call.Name,
		Input:    input,
		Granted:  e.granted,
		DryRun:   dry,
		CallID:   call.ID,
	}
	if err := e.pipeline.Evaluate(ctx, req); err != nil {
		return "", err
	}

	tool, err := e.registry.Get(call.Name)
	if err != nil {
		return "", err
	}

	result, execErr := e.runWithTimeout(ctx, tool, input, req.Timeout)

	after := hooks.Event{
		Kind:     hooks.AfterToolCall,
		ToolName: call.Name,
		CallID:   call.ID,
		Data:     map[string]any{"result": result, "error": execErr},
	}
	if hookErr := e.hooks.Fire(ctx, after); hookErr != nil {
		return "", hookErr
	}

	return result, execErr
}

// runWithTimeout executes the tool in its own goroutine so a hung tool
// cannot block the engine past the deadline, and a panicking tool is
// reported as a crash rather than taking the process down.
func (e *Engine) runWithTimeout(ctx context.Context, tool tools.Tool, input map[string]any, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: &CrashError{Tool: tool.Name(), Panic: rec}}
			}
		}()
		result, err := tool.Execute(execCtx, input)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			var crash *CrashError
			if errors.As(out.err, &crash) {
				e.logger.Error("tool crashed",
					zap.String("tool", tool.Name()),
					zap.Any("panic", crash.Panic))
				return "", out.err
			}
			if execCtx.Err() == context.DeadlineExceeded {
				return "", &TimeoutError{Tool: tool.Name(), Elapsed: time.Since(start)}
			}
			return out.result, fmt.Errorf("%w: %s: %v", ErrToolFailed, tool.Name(), out.err)
		}
		return out.result, nil
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return "", &TimeoutError{Tool: tool.Name(), Elapsed: time.Since(start)}
	}
}

// ExecuteParallel runs the calls with bounded concurrency and returns
// results in input order. Failures are independent: a failed call
// yields an error ToolResult and the rest still run.
func (e *Engine) ExecuteParallel(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)
	for i, call := range calls {
		g.Go(func() error {
			output, err := e.Execute(gctx, call)
			if err != nil {
				results[i] = llm.ToolResult{CallID: call.ID, Content: err.Error(), IsError: true}
				return nil
			}
			results[i] = llm.ToolResult{CallID: call.ID, Content: output}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// dryRunBlocked reports whether dry-run mode must synthesize the
// result. Read-level tools and bypass-listed tools execute for real,
// consuming their rate-limit token. Unknown tools fall through so the
// existence layer owns the denial.
func (e *Engine) dryRunBlocked(name string) bool {
	if e.DryRunBypass[name] {
		return false
	}
	tool, err := e.registry.Get(name)
	if err != nil {
		return false
	}
	return tool.RequiredPermission() > tools.PermRead
}

func dryRunResult(name string, input map[string]any) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"dry_run": true,
		"tool":    name,
		"input":   input,
	})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}
