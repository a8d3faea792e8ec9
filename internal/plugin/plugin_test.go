package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goplugin "plugin"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tranhoangtu-it/silentclaw/internal/hooks"
	"github.com/tranhoangtu-it/silentclaw/internal/tools"
)

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	pdir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(pdir, 0o755))
	path := filepath.Join(pdir, manifestName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadManifest(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "greeter", `
name: greeter
version: 1.2.0
api_version: 1
entry_point: greeter.so
config:
  greeting: hello
`)
	m, err := ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "greeter", m.Name)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Equal(t, "greeter.so", m.EntryPoint)
	assert.Equal(t, "hello", m.Config["greeting"])
	assert.Equal(t, filepath.Dir(path), m.Dir)
}

func TestReadManifestValidation(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name    string
		content string
		target  any
	}{
		{"bad-yaml", "name: [unclosed", new(*ManifestError)},
		{"no-name", "api_version: 1\nentry_point: x.so", new(*ManifestError)},
		{"no-entry", "name: x\napi_version: 1", new(*ManifestError)},
		{"old-api", "name: x\napi_version: 0\nentry_point: x.so", new(*APIVersionError)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeManifest(t, dir, tc.name, tc.content)
			_, err := ReadManifest(path)
			require.Error(t, err)
			switch target := tc.target.(type) {
			case **ManifestError:
				assert.True(t, errors.As(err, target))
			case **APIVersionError:
				assert.True(t, errors.As(err, target))
			}
		})
	}
}

func TestDiscoverSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "good", "name: good\napi_version: 1\nentry_point: good.so")
	writeManifest(t, dir, "bad", "api_version: 1\nentry_point: bad.so")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0o644))

	manifests, err := Discover(dir, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, "good", manifests[0].Name)
}

func TestDiscoverMissingDir(t *testing.T) {
	manifests, err := Discover(filepath.Join(t.TempDir(), "nope"), zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, manifests)
}

// fakePlugin implements Plugin in-process for loader tests.
type fakePlugin struct {
	name         string
	initErr      error
	initPanic    bool
	shutdownDone *[]string
	gotConfig    map[string]any
	hookRegs     []HookRegistration
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) Init(config map[string]any) error {
	if p.initPanic {
		panic("init exploded")
	}
	p.gotConfig = config
	return p.initErr
}

func (p *fakePlugin) Tools() []tools.Tool       { return nil }
func (p *fakePlugin) Hooks() []HookRegistration { return p.hookRegs }

func (p *fakePlugin) Shutdown() error {
	if p.shutdownDone != nil {
		*p.shutdownDone = append(*p.shutdownDone, p.name)
	}
	return nil
}

type fakeSource struct {
	syms map[string]goplugin.Symbol
}

func (s *fakeSource) Lookup(name string) (goplugin.Symbol, error) {
	sym, ok := s.syms[name]
	if !ok {
		return nil, fmt.Errorf("symbol %s not found", name)
	}
	return sym, nil
}

func newTestLoader(plugins map[string]Plugin) *Loader {
	l := NewLoader(zap.NewNop())
	l.open = func(path string) (symbolSource, error) {
		base := filepath.Base(path)
		p, ok := plugins[base]
		if !ok {
			return nil, fmt.Errorf("no such object %s", base)
		}
		var ctor func() Plugin = func() Plugin { return p }
		return &fakeSource{syms: map[string]goplugin.Symbol{"NewPlugin": ctor}}, nil
	}
	return l
}

func TestLoaderLoadsAndPassesConfig(t *testing.T) {
	p := &fakePlugin{name: "greeter"}
	l := newTestLoader(map[string]Plugin{"greeter.so": p})

	got, err := l.Load(&Manifest{
		Name: "greeter", EntryPoint: "greeter.so", APIVersion: 1,
		Config: map[string]any{"greeting": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "greeter", got.Name())
	assert.Equal(t, "hi", p.gotConfig["greeting"])
	assert.Len(t, l.Loaded(), 1)
}

func TestLoaderMissingSymbol(t *testing.T) {
	l := NewLoader(zap.NewNop())
	l.open = func(string) (symbolSource, error) {
		return &fakeSource{syms: map[string]goplugin.Symbol{}}, nil
	}

	_, err := l.Load(&Manifest{Name: "broken", EntryPoint: "broken.so"})
	var symErr *SymbolError
	require.ErrorAs(t, err, &symErr)
}

func TestLoaderWrongSymbolType(t *testing.T) {
	l := NewLoader(zap.NewNop())
	l.open = func(string) (symbolSource, error) {
		notCtor := func() string { return "nope" }
		return &fakeSource{syms: map[string]goplugin.Symbol{"NewPlugin": notCtor}}, nil
	}

	_, err := l.Load(&Manifest{Name: "typed", EntryPoint: "typed.so"})
	var symErr *SymbolError
	require.ErrorAs(t, err, &symErr)
}

func TestLoaderInitPanicContained(t *testing.T) {
	p := &fakePlugin{name: "bomb", initPanic: true}
	l := newTestLoader(map[string]Plugin{"bomb.so": p})

	_, err := l.Load(&Manifest{Name: "bomb", EntryPoint: "bomb.so"})
	var panicErr *InitPanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Empty(t, l.Loaded(), "panicking plugin must not register")
}

func TestRegisterHooks(t *testing.T) {
	fired := 0
	p := &fakePlugin{
		name: "observer",
		hookRegs: []HookRegistration{
			{
				Event: hooks.BeforeToolCall,
				Hook: hooks.Hook{
					Name: "observer-before",
					Fn: func(context.Context, hooks.Event) error {
						fired++
						return nil
					},
				},
			},
		},
	}

	reg := hooks.NewRegistry(zap.NewNop())
	RegisterHooks(reg, p)
	require.Equal(t, 1, reg.Count(hooks.BeforeToolCall))

	require.NoError(t, reg.Fire(context.Background(), hooks.Event{Kind: hooks.BeforeToolCall}))
	assert.Equal(t, 1, fired)
}

func TestLoaderShutdownReverseOrder(t *testing.T) {
	var order []string
	first := &fakePlugin{name: "first", shutdownDone: &order}
	second := &fakePlugin{name: "second", shutdownDone: &order}
	l := newTestLoader(map[string]Plugin{"first.so": first, "second.so": second})

	_, err := l.Load(&Manifest{Name: "first", EntryPoint: "first.so"})
	require.NoError(t, err)
	_, err = l.Load(&Manifest{Name: "second", EntryPoint: "second.so"})
	require.NoError(t, err)

	l.Shutdown()
	assert.Equal(t, []string{"second", "first"}, order)
	assert.Empty(t, l.Loaded())
}
