package auth

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AuthWindow and AuthLimit bound login/register attempts per client IP.
const (
	AuthWindow = 15 * time.Minute
	AuthLimit  = 5
)

// FixedWindowLimiter counts hits per key inside a fixed window. The window
// resets fully on expiry; there is no gradual refill.
type FixedWindowLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	windows map[string]*windowCount
	now     func() time.Time
}

type windowCount struct {
	start time.Time
	hits  int
}

// NewFixedWindowLimiter creates a limiter allowing limit hits per window.
func NewFixedWindowLimiter(window time.Duration, limit int) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		window:  window,
		limit:   limit,
		windows: make(map[string]*windowCount),
		now:     time.Now,
	}
}

// Allow records a hit for key and reports whether it is within the limit.
func (l *FixedWindowLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	wc, ok := l.windows[key]
	if !ok || now.Sub(wc.start) >= l.window {
		l.windows[key] = &windowCount{start: now, hits: 1}
		return true
	}
	wc.hits++
	return wc.hits <= l.limit
}

// RetryAfter returns how long key must wait before the window resets.
func (l *FixedWindowLimiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	wc, ok := l.windows[key]
	if !ok {
		return 0
	}
	remaining := l.window - l.now().Sub(wc.start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ClientIP extracts the client address for limiter keys.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// GlobalRateLimiter applies a token-bucket limit per client IP across the
// whole surface, independent of the fixed auth window.
type GlobalRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter creates the per-IP limiter and starts its cleanup
// goroutine.
func NewGlobalRateLimiter(rps, burst int) *GlobalRateLimiter {
	rl := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanupVisitors()
	return rl
}

func (rl *GlobalRateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.visitors[ip] = &visitor{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupVisitors removes stale entries to bound memory.
func (rl *GlobalRateLimiter) cleanupVisitors() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *GlobalRateLimiter) Allow(ip string) bool {
	return rl.getVisitor(ip).Allow()
}
