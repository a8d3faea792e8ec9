// Package plugin loads native extensions. Each plugin ships as a
// directory holding a plugin.yaml manifest and a compiled shared
// object exposing a NewPlugin constructor.
package plugin

import (
	"fmt"

	"github.com/tranhoangtu-it/silentclaw/internal/hooks"
	"github.com/tranhoangtu-it/silentclaw/internal/tools"
)

// APIVersion is the plugin contract version this runtime speaks.
// Plugins declaring a different api_version are rejected at load time.
const APIVersion = 1

// HookRegistration binds a plugin hook to the event it fires on.
type HookRegistration struct {
	Event hooks.EventKind
	Hook  hooks.Hook
}

// Plugin is the contract a shared object's NewPlugin constructor must
// return. A plugin contributes tools, hooks, or both.
type Plugin interface {
	Name() string
	Init(config map[string]any) error
	Tools() []tools.Tool
	Hooks() []HookRegistration
	Shutdown() error
}

// RegisterHooks attaches every hook a plugin declares to the registry.
func RegisterHooks(reg *hooks.Registry, p Plugin) {
	for _, hr := range p.Hooks() {
		reg.Register(hr.Event, hr.Hook)
	}
}

// Constructor is the signature of the NewPlugin symbol.
type Constructor func() Plugin

// APIVersionError reports a manifest declaring an incompatible
// api_version.
type APIVersionError struct {
	Plugin   string
	Declared int
}

func (e *APIVersionError) Error() string {
	return fmt.Sprintf("plugin %s: api_version %d incompatible with runtime version %d",
		e.Plugin, e.Declared, APIVersion)
}

// SymbolError reports a shared object missing the NewPlugin symbol or
// exposing it with the wrong type.
type SymbolError struct {
	Plugin string
	Reason string
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("plugin %s: %s", e.Plugin, e.Reason)
}

// InitPanicError reports a plugin that panicked inside Init.
type InitPanicError struct {
	Plugin string
	Panic  any
}

func (e *InitPanicError) Error() string {
	return fmt.Sprintf("plugin %s panicked during init: %v", e.Plugin, e.Panic)
}

// ManifestError reports an unreadable or invalid plugin.yaml.
type ManifestError struct {
	Path   string
	Reason string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("invalid manifest %s: %s", e.Path, e.Reason)
}
