package policy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tranhoangtu-it/silentclaw/internal/tools"
)

// Canonical layer names, in pipeline order.
const (
	LayerToolExistence   = "tool_existence"
	LayerPermissionCheck = "permission_check"
	LayerRateLimit       = "rate_limit"
	LayerInputValidation = "input_validation"
	LayerDryRunGuard     = "dry_run_guard"
	LayerAuditLog        = "audit_log"
	LayerTimeoutEnforce  = "timeout_enforce"
)

// ToolExistenceLayer rejects calls to tools the registry does not know.
type ToolExistenceLayer struct {
	Registry *tools.Registry
}

func (l *ToolExistenceLayer) Name() string { return LayerToolExistence }

func (l *ToolExistenceLayer) Check(_ context.Context, req *Request) error {
	if !l.Registry.Has(req.ToolName) {
		return Deny("unknown tool %q", req.ToolName)
	}
	return nil
}

// PermissionCheckLayer compares the caller's granted level against the
// tool's requirement. Tools that cannot be resolved default to
// requiring Read.
type PermissionCheckLayer struct {
	Registry *tools.Registry
}

func (l *PermissionCheckLayer) Name() string { return LayerPermissionCheck }

func (l *PermissionCheckLayer) Check(_ context.Context, req *Request) error {
	required := tools.PermRead
	if t, err := l.Registry.Get(req.ToolName); err == nil {
		required = t.RequiredPermission()
	}
	if req.Granted < required {
		return Deny("tool %q requires %s permission, caller has %s",
			req.ToolName, required, req.Granted)
	}
	return nil
}

// InputValidationLayer checks the input against the tool's schema.
type InputValidationLayer struct {
	Registry *tools.Registry
}

func (l *InputValidationLayer) Name() string { return LayerInputValidation }

func (l *InputValidationLayer) Check(_ context.Context, req *Request) error {
	t, err := l.Registry.Get(req.ToolName)
	if err != nil {
		return nil // existence layer owns this failure
	}
	if err := t.Schema().Validate(req.Input); err != nil {
		return Deny("invalid input: %v", err)
	}
	return nil
}

// DryRunGuardLayer blocks side-effectful tools in dry-run mode.
// Read-level tools and bypass-listed tools are allowed through and
// execute for real. The engine synthesizes blocked calls before the
// pipeline runs, so a denial here is defense in depth.
type DryRunGuardLayer struct {
	Registry *tools.Registry
	Bypass   map[string]bool
}

func (l *DryRunGuardLayer) Name() string { return LayerDryRunGuard }

func (l *DryRunGuardLayer) Check(_ context.Context, req *Request) error {
	if !req.DryRun || l.Bypass[req.ToolName] {
		return nil
	}
	required := tools.PermRead
	if l.Registry != nil {
		if t, err := l.Registry.Get(req.ToolName); err == nil {
			required = t.RequiredPermission()
		}
	}
	if required > tools.PermRead {
		return Deny("tool %q blocked in dry-run mode", req.ToolName)
	}
	return nil
}

// AuditLogLayer records every request that makes it this far. It never
// denies.
type AuditLogLayer struct {
	Logger *zap.Logger
}

func (l *AuditLogLayer) Name() string { return LayerAuditLog }

func (l *AuditLogLayer) Check(_ context.Context, req *Request) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("tool call admitted",
		zap.String("tool", req.ToolName),
		zap.String("call_id", req.CallID),
		zap.String("granted", req.Granted.String()))
	return nil
}

// TimeoutEnforceLayer attaches the effective execution timeout:
// the per-tool override when configured, the default otherwise.
type TimeoutEnforceLayer struct {
	Default time.Duration
	PerTool map[string]time.Duration
}

func (l *TimeoutEnforceLayer) Name() string { return LayerTimeoutEnforce }

func (l *TimeoutEnforceLayer) Check(_ context.Context, req *Request) error {
	timeout := l.Default
	if t, ok := l.PerTool[req.ToolName]; ok {
		timeout = t
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	req.Timeout = timeout
	return nil
}
