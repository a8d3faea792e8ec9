package plugin

import (
	"fmt"
	"path/filepath"
	goplugin "plugin"

	"go.uber.org/zap"
)

// Loader opens discovered plugins and tracks them for shutdown.
type Loader struct {
	logger *zap.Logger
	loaded []Plugin

	// open is swappable so loading can be tested without building
	// shared objects.
	open func(path string) (symbolSource, error)
}

type symbolSource interface {
	Lookup(name string) (goplugin.Symbol, error)
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		logger: logger,
		open: func(path string) (symbolSource, error) {
			return goplugin.Open(path)
		},
	}
}

// LoadAll discovers and loads every valid plugin under dir. A plugin
// that fails to load is logged and skipped; the rest still load.
func (l *Loader) LoadAll(dir string) ([]Plugin, error) {
	manifests, err := Discover(dir, l.logger)
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		p, err := l.Load(m)
		if err != nil {
			l.logger.Warn("plugin load failed",
				zap.String("plugin", m.Name), zap.Error(err))
			continue
		}
		l.logger.Info("plugin loaded",
			zap.String("plugin", p.Name()), zap.String("version", m.Version))
	}
	return l.loaded, nil
}

// Load opens one plugin's shared object, resolves NewPlugin, and runs
// Init under a recover so a panicking plugin cannot take the runtime
// down.
func (l *Loader) Load(m *Manifest) (Plugin, error) {
	so, err := l.open(filepath.Join(m.Dir, m.EntryPoint))
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", m.Name, err)
	}
	sym, err := so.Lookup("NewPlugin")
	if err != nil {
		return nil, &SymbolError{Plugin: m.Name, Reason: "missing NewPlugin symbol"}
	}
	ctor, ok := sym.(func() Plugin)
	if !ok {
		return nil, &SymbolError{
			Plugin: m.Name,
			Reason: fmt.Sprintf("NewPlugin has type %T, want func() Plugin", sym),
		}
	}

	p := ctor()
	if err := initPlugin(p, m.Config); err != nil {
		return nil, err
	}
	l.loaded = append(l.loaded, p)
	return p, nil
}

func initPlugin(p Plugin, config map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &InitPanicError{Plugin: p.Name(), Panic: r}
		}
	}()
	return p.Init(config)
}

// Loaded returns plugins in load order.
func (l *Loader) Loaded() []Plugin { return l.loaded }

// Shutdown stops plugins in reverse load order. Panics and errors are
// logged; shutdown always runs to completion.
func (l *Loader) Shutdown() {
	for i := len(l.loaded) - 1; i >= 0; i-- {
		p := l.loaded[i]
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("plugin panicked during shutdown",
						zap.String("plugin", p.Name()), zap.Any("panic", r))
				}
			}()
			if err := p.Shutdown(); err != nil {
				l.logger.Warn("plugin shutdown failed",
					zap.String("plugin", p.Name()), zap.Error(err))
			}
		}()
	}
	l.loaded = nil
}
