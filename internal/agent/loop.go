// Package agent drives the conversation loop: stream a model response,
// execute any requested tools, feed results back, repeat until the
// model stops asking for tools.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tranhoangtu-it/silentclaw/internal/hooks"
	"github.com/tranhoangtu-it/silentclaw/internal/llm"
	"github.com/tranhoangtu-it/silentclaw/internal/runtime"
)

// State is the loop's position in its lifecycle.
type State int

const (
	StateWaitingForUser State = iota
	StateCallingLLM
	StateExecutingTools
	StateDone
)

func (s State) String() string {
	switch s {
	case StateWaitingForUser:
		return "waiting_for_user"
	case StateCallingLLM:
		return "calling_llm"
	case StateExecutingTools:
		return "executing_tools"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrCancelled is returned when the loop is cancelled mid-turn. The
// returned history is rolled back to just after the user message.
var ErrCancelled = errors.New("agent loop cancelled")

const (
	defaultMaxIterations = 25
	// contextWarnRatio is the fraction of the context window at which
	// the ContextWarning hook fires.
	contextWarnRatio = 0.8
)

// Options configures a Loop.
type Options struct {
	MaxIterations int
	// ContextWindow is the model's token window; zero disables the
	// budget warning.
	ContextWindow int
	System        string
	Tools         []llm.ToolSpec
	Model         string
	MaxTokens     int
}

// Result is the outcome of one user turn.
type Result struct {
	Messages   []llm.Message
	FinalText  string
	StopReason llm.StopReason
	Iterations int
	Usage      llm.Usage
}

// Loop owns no session state; callers pass history in and receive the
// extended history back.
type Loop struct {
	provider llm.Provider
	engine   *runtime.Engine
	hooks    *hooks.Registry
	logger   *zap.Logger
	opts     Options

	state State
}

// NewLoop builds a loop around a provider and an execution engine.
func NewLoop(provider llm.Provider, engine *runtime.Engine, hookReg *hooks.Registry, opts Options, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hookReg == nil {
		hookReg = hooks.NewRegistry(logger)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	return &Loop{
		provider: provider,
		engine:   engine,
		hooks:    hookReg,
		logger:   logger,
		opts:     opts,
		state:    StateWaitingForUser,
	}
}

// State reports the loop's current lifecycle position.
func (l *Loop) State() State { return l.state }

// Run processes one user message. On cancellation the history is
// rolled back to its state right after the user message, so a retry
// starts clean.
func (l *Loop) Run(ctx context.Context, history []llm.Message, userText string, sessionID string) (*Result, error) {
	messages := append(append([]llm.Message(nil), history...), llm.UserMessage(userText))
	checkpoint := len(messages)

	_ = l.hooks.Fire(ctx, hooks.Event{
		Kind:      hooks.MessageReceived,
		SessionID: sessionID,
		Data:      map[string]any{"text": userText},
	})

	var (
		totalUsage llm.Usage
		warned     bool
		finalText  string
		stopReason llm.StopReason
		iterations int
	)

	for iteration := 0; iteration < l.opts.MaxIterations; iteration++ {
		iterations = iteration + 1
		if err := ctx.Err(); err != nil {
			l.state = StateWaitingForUser
			return &Result{Messages: messages[:checkpoint], Iterations: iteration, Usage: totalUsage},
				fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		l.state = StateCallingLLM
		_ = l.hooks.Fire(ctx, hooks.Event{
			Kind:      hooks.BeforeStep,
			SessionID: sessionID,
			Data:      map[string]any{"iteration": iteration},
		})

		turn, err := l.streamOneTurn(ctx, messages)
		if err != nil {
			if ctx.Err() != nil {
				l.state = StateWaitingForUser
				return &Result{Messages: messages[:checkpoint], Iterations: iteration, Usage: totalUsage},
					fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
			l.state = StateDone
			return &Result{Messages: messages, Iterations: iteration, Usage: totalUsage}, err
		}

		totalUsage.Add(turn.usage)
		stopReason = turn.stopReason
		finalText = turn.text

		if !warned && l.opts.ContextWindow > 0 {
			used := totalUsage.InputTokens + totalUsage.OutputTokens
			if float64(used) >= contextWarnRatio*float64(l.opts.ContextWindow) {
				warned = true
				_ = l.hooks.Fire(ctx, hooks.Event{
					Kind:      hooks.ContextWarning,
					SessionID: sessionID,
					Data: map[string]any{
						"used_tokens":    used,
						"context_window": l.opts.ContextWindow,
					},
				})
			}
		}

		calls := turn.calls
		if turn.stopReason == llm.StopError {
			// An aborted stream may carry half-accumulated calls; they
			// never execute and must not enter the history.
			calls = nil
		}
		assistant := llm.Message{Role: llm.RoleAssistant, Text: turn.text, ToolCalls: calls}
		messages = append(messages, assistant)

		if turn.stopReason != llm.StopToolUse || len(turn.calls) == 0 {
			break
		}

		l.state = StateExecutingTools
		results := l.executeCalls(ctx, turn)
		if ctx.Err() != nil {
			l.state = StateWaitingForUser
			return &Result{Messages: messages[:checkpoint], Iterations: iteration, Usage: totalUsage},
				fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		messages = append(messages, llm.Message{Role: llm.RoleTool, ToolResults: results})

		_ = l.hooks.Fire(ctx, hooks.Event{
			Kind:      hooks.AfterStep,
			SessionID: sessionID,
			Data:      map[string]any{"iteration": iteration, "tool_calls": len(turn.calls)},
		})
	}

	// Running out of iterations forces an end of turn.
	if stopReason == llm.StopToolUse {
		stopReason = llm.StopEndTurn
	}

	l.state = StateDone
	_ = l.hooks.Fire(ctx, hooks.Event{
		Kind:      hooks.ResponseGenerated,
		SessionID: sessionID,
		Data:      map[string]any{"text": finalText},
	})
	l.state = StateWaitingForUser

	return &Result{
		Messages:   messages,
		FinalText:  finalText,
		StopReason: stopReason,
		Iterations: iterations,
		Usage:      totalUsage,
	}, nil
}

// turnOutput is one model turn accumulated from the stream.
type turnOutput struct {
	text       string
	calls      []llm.ToolCall
	parseErrs  map[string]*runtime.InputParseError
	stopReason llm.StopReason
	usage      llm.Usage
}

// streamOneTurn consumes a full response stream, accumulating text and
// per-call argument fragments keyed by call ID.
func (l *Loop) streamOneTurn(ctx context.Context, messages []llm.Message) (*turnOutput, error) {
	req := &llm.Request{
		Messages:  messages,
		Tools:     l.opts.Tools,
		System:    l.opts.System,
		Model:     l.opts.Model,
		MaxTokens: l.opts.MaxTokens,
	}

	stream, err := l.provider.GenerateStream(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		text      strings.Builder
		order     []string
		names     = make(map[string]string)
		fragments = make(map[string]*strings.Builder)
	)
	out := &turnOutput{stopReason: llm.StopEndTurn, parseErrs: make(map[string]*runtime.InputParseError)}

	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				out.text = text.String()
				out.calls = l.assembleCalls(order, names, fragments, out.parseErrs)
				return out, nil
			}
			switch chunk.Type {
			case llm.ChunkTextDelta:
				text.WriteString(chunk.Text)
			case llm.ChunkToolCallStart:
				if _, seen := fragments[chunk.CallID]; !seen {
					order = append(order, chunk.CallID)
					fragments[chunk.CallID] = &strings.Builder{}
				}
				names[chunk.CallID] = chunk.ToolName
			case llm.ChunkToolCallDelta:
				buf, seen := fragments[chunk.CallID]
				if !seen {
					buf = &strings.Builder{}
					fragments[chunk.CallID] = buf
					order = append(order, chunk.CallID)
				}
				buf.WriteString(chunk.Fragment)
			case llm.ChunkDone:
				out.stopReason = chunk.StopReason
				out.usage = chunk.Usage
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// assembleCalls finalizes accumulated fragments into ToolCalls in
// stream order. A fragment that is not valid JSON is kept in the call
// for history fidelity and recorded as a parse error.
func (l *Loop) assembleCalls(order []string, names map[string]string, fragments map[string]*strings.Builder, parseErrs map[string]*runtime.InputParseError) []llm.ToolCall {
	calls := make([]llm.ToolCall, 0, len(order))
	for _, id := range order {
		raw := fragments[id].String()
		if raw == "" {
			raw = "{}"
		}
		call := llm.ToolCall{ID: id, Name: names[id], Input: json.RawMessage(raw)}
		if !json.Valid([]byte(raw)) {
			parseErrs[id] = &runtime.InputParseError{
				CallID: id,
				Err:    errors.New("accumulated fragments are not valid JSON"),
			}
		}
		calls = append(calls, call)
	}
	return calls
}

// executeCalls runs the parseable calls and merges results back in
// tool_calls order; calls whose input never parsed become failed
// results without reaching the engine.
func (l *Loop) executeCalls(ctx context.Context, turn *turnOutput) []llm.ToolResult {
	executable := make([]llm.ToolCall, 0, len(turn.calls))
	for _, call := range turn.calls {
		if _, bad := turn.parseErrs[call.ID]; !bad {
			executable = append(executable, call)
		}
	}

	executed := l.engine.ExecuteParallel(ctx, executable)
	byID := make(map[string]llm.ToolResult, len(executed))
	for _, res := range executed {
		byID[res.CallID] = res
	}

	results := make([]llm.ToolResult, 0, len(turn.calls))
	for _, call := range turn.calls {
		if perr, bad := turn.parseErrs[call.ID]; bad {
			l.logger.Warn("tool call input failed to parse",
				zap.String("call_id", call.ID),
				zap.String("tool", call.Name))
			results = append(results, llm.ToolResult{CallID: call.ID, Content: perr.Error(), IsError: true})
			continue
		}
		results = append(results, byID[call.ID])
	}
	return results
}
