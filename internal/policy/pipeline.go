package policy

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tranhoangtu-it/silentclaw/internal/tools"
)

// Config controls which layers run and how the rate and timeout layers
// behave. The zero value enables everything with defaults.
type Config struct {
	Disabled          map[string]bool
	RateLimitCapacity int
	RateLimitWindow   time.Duration
	DefaultTimeout    time.Duration
	ToolTimeouts      map[string]time.Duration
	// DryRunBypassTools names tools allowed to execute in dry-run mode
	// regardless of their permission level.
	DryRunBypassTools []string
}

// Pipeline runs a tool call through its layers in order, stopping at
// the first denial.
type Pipeline struct {
	layers   []Layer
	disabled map[string]bool
}

// NewPipeline assembles the standard seven-layer pipeline.
func NewPipeline(registry *tools.Registry, cfg Config, logger *zap.Logger) *Pipeline {
	bypass := make(map[string]bool, len(cfg.DryRunBypassTools))
	for _, name := range cfg.DryRunBypassTools {
		bypass[name] = true
	}
	layers := []Layer{
		&ToolExistenceLayer{Registry: registry},
		&PermissionCheckLayer{Registry: registry},
		NewRateLimitLayer(cfg.RateLimitCapacity, cfg.RateLimitWindow),
		&InputValidationLayer{Registry: registry},
		&DryRunGuardLayer{Registry: registry, Bypass: bypass},
		&AuditLogLayer{Logger: logger},
		&TimeoutEnforceLayer{Default: cfg.DefaultTimeout, PerTool: cfg.ToolTimeouts},
	}
	return &Pipeline{layers: layers, disabled: cfg.Disabled}
}

// NewCustomPipeline builds a pipeline with an explicit layer order.
func NewCustomPipeline(layers []Layer, disabled map[string]bool) *Pipeline {
	return &Pipeline{layers: layers, disabled: disabled}
}

// Layers returns the active layer names in order.
func (p *Pipeline) Layers() []string {
	names := make([]string, 0, len(p.layers))
	for _, l := range p.layers {
		if !p.disabled[l.Name()] {
			names = append(names, l.Name())
		}
	}
	return names
}

// Evaluate runs the request through every enabled layer. The first
// denial is returned as a DeniedError naming the layer; internal layer
// failures are returned unwrapped.
func (p *Pipeline) Evaluate(ctx context.Context, req *Request) error {
	for _, layer := range p.layers {
		if p.disabled[layer.Name()] {
			continue
		}
		if err := layer.Check(ctx, req); err != nil {
			var d *deny
			if errors.As(err, &d) {
				return &DeniedError{Layer: layer.Name(), Reason: d.reason}
			}
			return err
		}
	}
	return nil
}
