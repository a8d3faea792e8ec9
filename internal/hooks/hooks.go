// Package hooks provides lifecycle extension points. Hooks run
// synchronously at well-known events, each under its own timeout;
// critical hook failures abort the surrounding operation.
package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind names a lifecycle point.
type EventKind string

const (
	BeforeToolCall    EventKind = "before_tool_call"
	AfterToolCall     EventKind = "after_tool_call"
	BeforeStep        EventKind = "before_step"
	AfterStep         EventKind = "after_step"
	MessageReceived   EventKind = "message_received"
	ResponseGenerated EventKind = "response_generated"
	SessionCreated    EventKind = "session_created"
	SessionClosed     EventKind = "session_closed"
	ConfigReloaded    EventKind = "config_reloaded"
	ContextWarning    EventKind = "context_warning"
)

// Event carries the context of a lifecycle point. Fields are populated
// according to Kind; Data holds anything event-specific.
type Event struct {
	Kind      EventKind
	SessionID string
	ToolName  string
	CallID    string
	Data      map[string]any
}

// Func is a hook body.
type Func func(ctx context.Context, ev Event) error

// Hook is a registered handler. Critical hooks abort the operation on
// failure; non-critical failures are logged and skipped.
type Hook struct {
	Name     string
	Timeout  time.Duration
	Critical bool
	Fn       Func
}

const defaultHookTimeout = 5 * time.Second

// CriticalHookError wraps a critical hook failure so callers can
// distinguish it from the operation's own errors.
type CriticalHookError struct {
	Hook string
	Err  error
}

func (e *CriticalHookError) Error() string {
	return fmt.Sprintf("critical hook %q failed: %v", e.Hook, e.Err)
}

func (e *CriticalHookError) Unwrap() error { return e.Err }

// Registry dispatches events to hooks in registration order.
type Registry struct {
	logger *zap.Logger

	mu    sync.RWMutex
	hooks map[EventKind][]Hook
}

// NewRegistry creates an empty hook registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger, hooks: make(map[EventKind][]Hook)}
}

// Register adds a hook for an event kind.
func (r *Registry) Register(kind EventKind, h Hook) {
	if h.Timeout <= 0 {
		h.Timeout = defaultHookTimeout
	}
	r.mu.Lock()
	r.hooks[kind] = append(r.hooks[kind], h)
	r.mu.Unlock()
}

// Count returns the number of hooks registered for an event kind.
func (r *Registry) Count(kind EventKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[kind])
}

// Fire runs the hooks for the event in registration order. The first
// critical failure stops dispatch and is returned; non-critical
// failures and timeouts are logged and the remaining hooks still run.
func (r *Registry) Fire(ctx context.Context, ev Event) error {
	r.mu.RLock()
	hooks := make([]Hook, len(r.hooks[ev.Kind]))
	copy(hooks, r.hooks[ev.Kind])
	r.mu.RUnlock()

	for _, h := range hooks {
		if err := r.runOne(ctx, h, ev); err != nil {
			if h.Critical {
				return &CriticalHookError{Hook: h.Name, Err: err}
			}
			r.logger.Warn("hook failed",
				zap.String("hook", h.Name),
				zap.String("event", string(ev.Kind)),
				zap.Error(err))
		}
	}
	return nil
}

func (r *Registry) runOne(ctx context.Context, h Hook, ev Event) error {
	hookCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("hook panicked: %v", rec)
			}
		}()
		done <- h.Fn(hookCtx, ev)
	}()

	select {
	case err := <-done:
		return err
	case <-hookCtx.Done():
		return fmt.Errorf("hook timed out after %s", h.Timeout)
	}
}
