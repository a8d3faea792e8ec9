package policy

import (
	"context"
	"sync"
	"time"
)

// RateLimitLayer applies a per-tool token bucket. Tokens refill
// continuously at Capacity per Window. A dry run never reaches this
// layer, so it never spends a token.
type RateLimitLayer struct {
	Capacity int
	Window   time.Duration

	// now is injectable for tests.
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimitLayer builds a limiter allowing capacity calls per tool
// per window.
func NewRateLimitLayer(capacity int, window time.Duration) *RateLimitLayer {
	if capacity <= 0 {
		capacity = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimitLayer{
		Capacity: capacity,
		Window:   window,
		now:      time.Now,
		buckets:  make(map[string]*bucket),
	}
}

func (l *RateLimitLayer) Name() string { return LayerRateLimit }

func (l *RateLimitLayer) Check(_ context.Context, req *Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[req.ToolName]
	if !ok {
		b = &bucket{tokens: float64(l.Capacity), last: now}
		l.buckets[req.ToolName] = b
	} else {
		elapsed := now.Sub(b.last)
		b.tokens += elapsed.Seconds() * float64(l.Capacity) / l.Window.Seconds()
		if b.tokens > float64(l.Capacity) {
			b.tokens = float64(l.Capacity)
		}
		b.last = now
	}

	if b.tokens < 1 {
		return Deny("rate limit exceeded for tool %q", req.ToolName)
	}
	b.tokens--
	return nil
}

// Remaining reports the whole tokens left for a tool without spending
// any. Used by tests and diagnostics.
func (l *RateLimitLayer) Remaining(tool string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[tool]
	if !ok {
		return l.Capacity
	}
	elapsed := l.now().Sub(b.last)
	tokens := b.tokens + elapsed.Seconds()*float64(l.Capacity)/l.Window.Seconds()
	if tokens > float64(l.Capacity) {
		tokens = float64(l.Capacity)
	}
	return int(tokens)
}
