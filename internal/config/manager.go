package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceInterval coalesces editor write bursts into one reload.
const debounceInterval = 500 * time.Millisecond

// ReloadEvent is broadcast to subscribers after every reload attempt.
type ReloadEvent struct {
	Success bool
	Reason  string
}

// Manager holds the live configuration and hot-reloads it when the
// file changes. A failed reload keeps the previous value.
type Manager struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current *Config

	subMu sync.Mutex
	subs  []chan ReloadEvent

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager loads the initial configuration from path. The file must
// be valid at startup; hot-reload tolerance only applies afterwards.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{
		path:    path,
		logger:  logger,
		current: cfg,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// NewStaticManager wraps an in-memory config with no file backing.
func NewStaticManager(cfg *Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:  logger,
		current: cfg,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Current returns the live configuration. The returned pointer must be
// treated as immutable.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe returns a channel receiving one event per reload attempt.
// The channel is buffered; a slow subscriber misses events rather than
// blocking the reloader.
func (m *Manager) Subscribe() <-chan ReloadEvent {
	ch := make(chan ReloadEvent, 8)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

func (m *Manager) broadcast(ev ReloadEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Watch starts the file watcher. It watches the parent directory so
// rename-based atomic saves are observed.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		close(m.doneCh)
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	go m.watchLoop(ctx)
	return nil
}

// Stop shuts down the watcher and waits for the loop to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	if m.watcher != nil {
		<-m.doneCh
	}
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer close(m.doneCh)
	defer m.watcher.Close()

	var timer *time.Timer
	var timerCh <-chan time.Time

	base := filepath.Base(m.path)
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceInterval)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceInterval)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			m.reload()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", zap.Error(err))
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

// Reload forces a synchronous reload attempt, returning the event that
// was broadcast.
func (m *Manager) Reload() ReloadEvent {
	return m.reload()
}

func (m *Manager) reload() ReloadEvent {
	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Warn("config reload failed, keeping previous config",
			zap.String("path", m.path),
			zap.Error(err))
		ev := ReloadEvent{Success: false, Reason: err.Error()}
		m.broadcast(ev)
		return ev
	}

	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()

	m.logger.Info("config reloaded", zap.String("path", m.path))
	ev := ReloadEvent{Success: true}
	m.broadcast(ev)
	return ev
}
