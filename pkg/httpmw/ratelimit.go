// Package httpmw provides the XRPC frontend's ambient HTTP middleware:
// request IDs, CORS, access logging, and per-route/per-client-address
// rate limiting, with an optional Redis-backed limiter so multiple
// replicas share limiter state.
package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/nikwyss/poltrMVP/pkg/xrpcerr"
)

// Limiter enforces a requests-per-window budget per client address.
type Limiter interface {
	Allow(ctx context.Context, clientAddr string) bool
}

// InMemoryLimiter is a per-IP token bucket, cleaned up periodically.
// Each rate-limited route (send magic link ≤5/min, verify ≤10/min,
// registration ≤10/min) gets its own instance.
type InMemoryLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewInMemoryLimiter builds a limiter allowing perMinute requests per
// client address, with a burst equal to perMinute.
func NewInMemoryLimiter(perMinute int) *InMemoryLimiter {
	l := &InMemoryLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
	go l.cleanupLoop()
	return l
}

func (l *InMemoryLimiter) Allow(_ context.Context, clientAddr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[clientAddr]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[clientAddr] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (l *InMemoryLimiter) cleanupLoop() {
	for range time.Tick(time.Minute) {
		l.mu.Lock()
		for addr, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, addr)
			}
		}
		l.mu.Unlock()
	}
}

// RedisLimiter backs the same per-route budget with a shared Redis INCR +
// EXPIRE counter, so multiple poltr replicas share limiter state. Used
// when REDIS_URL is configured; falls back to InMemoryLimiter otherwise.
type RedisLimiter struct {
	client    *redis.Client
	keyPrefix string
	limit     int
	window    time.Duration
}

// NewRedisLimiter builds a limiter allowing limit requests per window per
// client address, namespaced by keyPrefix (e.g. "ratelimit:sendlink").
func NewRedisLimiter(client *redis.Client, keyPrefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, keyPrefix: keyPrefix, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, clientAddr string) bool {
	key := l.keyPrefix + ":" + clientAddr
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		// Fail open: a Redis outage must not take down auth flows.
		return true
	}
	if n == 1 {
		l.client.Expire(ctx, key, l.window)
	}
	return n <= int64(l.limit)
}

// RateLimit wraps next with a Limiter, keyed by the request's client
// address (X-Forwarded-For if present, else RemoteAddr).
func RateLimit(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientAddr(r)
			if !limiter.Allow(r.Context(), addr) {
				xrpcerr.WriteRateLimited(w, 5)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
