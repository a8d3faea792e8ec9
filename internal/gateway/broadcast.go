package gateway

import (
	"sync"
)

// Event types fanned out to session subscribers.
const (
	EventResponse       = "response"
	EventToolCall       = "tool_call"
	EventLag            = "lag"
	EventSessionDeleted = "session_deleted"
)

// Event is one item on a session's fan-out stream.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Payload   any    `json:"payload,omitempty"`
}

const subscriberBuffer = 16

// subscriber is one bounded consumer. When its buffer overflows the
// oldest event is dropped and a single lag marker is injected so the
// consumer learns it missed something.
type subscriber struct {
	ch     chan Event
	lagged bool
}

func (s *subscriber) publish(ev Event) {
	select {
	case s.ch <- ev:
		s.lagged = false
		return
	default:
	}

	// Buffer full: drop the oldest entry to make room.
	select {
	case <-s.ch:
	default:
	}
	if !s.lagged {
		s.lagged = true
		select {
		case s.ch <- Event{Type: EventLag, SessionID: ev.SessionID}:
		default:
		}
	}
	select {
	case s.ch <- ev:
	default:
	}
}

// channelEntry is the broadcast registration for one session. Its
// presence in the manager's channel map is the session's liveness
// marker: a concurrent Delete removes it, and a turn in flight detects
// the deletion at re-insert time.
type channelEntry struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newChannelEntry() *channelEntry {
	return &channelEntry{subs: make(map[*subscriber]struct{})}
}

func (c *channelEntry) subscribe() (*subscriber, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subs[sub]; ok {
			delete(c.subs, sub)
			close(sub.ch)
		}
		c.mu.Unlock()
	}
	return sub, cancel
}

func (c *channelEntry) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs {
		sub.publish(ev)
	}
}

// closeAll sends a final event and closes every subscriber.
func (c *channelEntry) closeAll(final Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs {
		sub.publish(final)
		close(sub.ch)
		delete(c.subs, sub)
	}
}
