package hub

import (
	"net"
	"net/http"
	"slices"
	"sync"
	"time"
)

// RateLimiter tracks WebSocket handshakes per remote IP in a sliding window.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter creates a limiter allowing limit handshakes per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow records a handshake from ip and reports whether it is under the limit.
// Refused handshakes are not recorded, so a client that keeps retrying is
// admitted again once its accepted handshakes age out of the window.
func (r *RateLimiter) Allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	accepted := slices.DeleteFunc(r.attempts[ip], func(at time.Time) bool {
		return !at.After(cutoff)
	})
	r.attempts[ip] = accepted

	if len(accepted) >= r.limit {
		return false
	}
	r.attempts[ip] = append(accepted, now)
	return true
}

// Prune forgets IPs with no attempts inside the window.
func (r *RateLimiter) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	for ip, attempts := range r.attempts {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(cutoff) {
			delete(r.attempts, ip)
		}
	}
}

// remoteIP strips the port from RemoteAddr. middleware.RealIP may already
// have replaced it with a bare address.
func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
