package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// ipLimiter is a fixed-window per-IP request counter.
type ipLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*ipWindow
}

type ipWindow struct {
	start time.Time
	count int
}

func newIPLimiter(limit int) *ipLimiter {
	if limit <= 0 {
		limit = 60
	}
	return &ipLimiter{
		limit:   limit,
		window:  time.Minute,
		now:     time.Now,
		windows: make(map[string]*ipWindow),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[ip]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[ip] = &ipWindow{start: now, count: 1}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// rateLimitMiddleware rejects clients over their per-IP budget.
// /health is exempt so probes never starve real traffic.
func rateLimitMiddleware(l *ipLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !l.allow(ip) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
