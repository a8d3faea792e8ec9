// Package policy implements the layered admission pipeline every tool
// call passes through before execution.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/tranhoangtu-it/silentclaw/internal/tools"
)

// Request is a tool call under evaluation. Layers may mutate it; the
// timeout layer attaches the effective deadline.
type Request struct {
	ToolName string
	Input    map[string]any
	// Granted is the caller's permission level.
	Granted tools.Permission
	// DryRun marks requests that must not reach a real tool.
	DryRun bool
	// Timeout is filled in by the timeout layer.
	Timeout time.Duration
	// CallID is carried through for audit logging.
	CallID string
}

// DeniedError reports which layer rejected a request and why.
type DeniedError struct {
	Layer  string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("policy denied by %s: %s", e.Layer, e.Reason)
}

// deny is returned by a layer to reject the request. The pipeline
// wraps it with the layer name.
type deny struct {
	reason string
}

func (d *deny) Error() string { return d.reason }

// Deny rejects the request with the given reason.
func Deny(format string, args ...any) error {
	return &deny{reason: fmt.Sprintf(format, args...)}
}

// Layer is one stage of the pipeline. A nil return allows the request;
// an error created by Deny rejects it. Any other error is an internal
// failure and also stops the pipeline.
type Layer interface {
	Name() string
	Check(ctx context.Context, req *Request) error
}
