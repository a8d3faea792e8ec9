// Package gateway exposes sessions over HTTP and WebSocket and owns
// their lifecycle.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tranhoangtu-it/silentclaw/internal/agent"
	"github.com/tranhoangtu-it/silentclaw/internal/hooks"
	"github.com/tranhoangtu-it/silentclaw/internal/llm"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionBusy is returned while another turn holds the session.
	ErrSessionBusy = errors.New("session busy")
	// ErrSessionDeleted is returned when a session is deleted while a
	// turn was running on it.
	ErrSessionDeleted = errors.New("session deleted")
)

const defaultIdleTimeout = 5 * time.Minute

// Session is one conversation. While a turn runs, the value is removed
// from the manager's map and owned exclusively by the running
// goroutine; no lock is held during the turn.
type Session struct {
	ID         string
	Messages   []llm.Message
	CreatedAt  time.Time
	LastActive time.Time
}

// LoopFactory builds a fresh agent loop per turn so each turn sees the
// current configuration.
type LoopFactory func() *agent.Loop

// Manager owns sessions and their broadcast channels.
type Manager struct {
	newLoop     LoopFactory
	hooks       *hooks.Registry
	logger      *zap.Logger
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	channels map[string]*channelEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds a session manager.
func NewManager(newLoop LoopFactory, hookReg *hooks.Registry, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hookReg == nil {
		hookReg = hooks.NewRegistry(logger)
	}
	return &Manager{
		newLoop:     newLoop,
		hooks:       hookReg,
		logger:      logger,
		idleTimeout: defaultIdleTimeout,
		sessions:    make(map[string]*Session),
		channels:    make(map[string]*channelEntry),
		stopCh:      make(chan struct{}),
	}
}

// Create registers a new session and returns its ID.
func (m *Manager) Create(ctx context.Context) string {
	id := uuid.NewString()
	now := time.Now()
	sess := &Session{ID: id, CreatedAt: now, LastActive: now}

	m.mu.Lock()
	m.sessions[id] = sess
	m.channels[id] = newChannelEntry()
	m.mu.Unlock()

	m.logger.Info("session created", zap.String("session_id", id))
	_ = m.hooks.Fire(ctx, hooks.Event{Kind: hooks.SessionCreated, SessionID: id})
	return id
}

// Delete removes a session. If a turn is in flight, removing the
// channel entry is what tells it to abandon its re-insert.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.channels[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.channels, id)
	delete(m.sessions, id)
	m.mu.Unlock()

	entry.closeAll(Event{Type: EventSessionDeleted, SessionID: id})
	m.logger.Info("session deleted", zap.String("session_id", id))
	_ = m.hooks.Fire(ctx, hooks.Event{Kind: hooks.SessionClosed, SessionID: id})
	return nil
}

// Subscribe attaches a bounded event stream to a session.
func (m *Manager) Subscribe(id string) (<-chan Event, func(), error) {
	m.mu.Lock()
	entry, ok := m.channels[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	sub, cancel := entry.subscribe()
	return sub.ch, cancel, nil
}

// Len reports the number of sessions, counting any with a turn in
// flight.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// SendMessage runs one agent turn on the session. The session value is
// taken out of the map under a brief lock, the turn runs on the owned
// value with no lock held, and the result is re-inserted afterwards.
// If the session was deleted mid-turn the updated state is discarded.
func (m *Manager) SendMessage(ctx context.Context, id, text string) (*agent.Result, error) {
	m.mu.Lock()
	entry, live := m.channels[id]
	if !live {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	sess, idle := m.sessions[id]
	if !idle {
		m.mu.Unlock()
		return nil, ErrSessionBusy
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	loop := m.newLoop()
	result, runErr := loop.Run(ctx, sess.Messages, text, id)
	if result != nil {
		sess.Messages = result.Messages
	}
	sess.LastActive = time.Now()

	m.mu.Lock()
	_, stillLive := m.channels[id]
	if stillLive {
		m.sessions[id] = sess
	}
	m.mu.Unlock()

	if !stillLive {
		return nil, ErrSessionDeleted
	}
	if runErr != nil {
		return result, runErr
	}

	entry.publish(Event{Type: EventResponse, SessionID: id, Payload: result.FinalText})
	return result, nil
}

// StartReaper closes sessions idle past the timeout. Call Stop to shut
// it down.
func (m *Manager) StartReaper(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.reapIdle(ctx)
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the reaper.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) reapIdle(ctx context.Context) {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var expired []string
	for id, sess := range m.sessions {
		if sess.LastActive.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Info("reaping idle session", zap.String("session_id", id))
		_ = m.Delete(ctx, id)
	}
}
