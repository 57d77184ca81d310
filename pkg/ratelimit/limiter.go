package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"warden/pkg/authz"
	"warden/pkg/httpx"
)

// Decision is the outcome of one Allow call. Count includes the call that
// produced the decision.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// Memory is a fixed-window counter keyed by caller identity. It backs the
// HTTP throttle directly in single-node deployments and serves as the
// fallback when Redis is unreachable.
type Memory struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewMemory(window time.Duration) *Memory {
	if window <= 0 {
		window = time.Minute
	}
	return &Memory{
		window: window,
		items:  make(map[string]bucket),
	}
}

func (m *Memory) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep(now)
	b, ok := m.items[key]
	if !ok || now.After(b.resetAt) {
		b = bucket{resetAt: now.Add(m.window)}
	}
	b.count++
	m.items[key] = b
	remaining := limit - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   b.count <= limit,
		Count:     b.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   b.resetAt,
	}
}

func (m *Memory) sweep(now time.Time) {
	for k, b := range m.items {
		if now.After(b.resetAt) {
			delete(m.items, k)
		}
	}
}

// Middleware throttles requests per caller. Authenticated callers are keyed
// by subject so a noisy operator cannot starve others behind the same NAT;
// anonymous callers fall back to the remote host.
func Middleware(limiter Limiter, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := limiter.Allow(callerKey(r), limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				retry := int(time.Until(decision.ResetAt).Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request) string {
	if actor, ok := authz.ActorFromContext(r.Context()); ok && actor.Subject != "" {
		return "subject:" + actor.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "host:" + host
}
