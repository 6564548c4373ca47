package admin

import (
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// overrideRate allows ten override or resume calls per minute per client.
	overrideRate  = rate.Limit(10.0 / 60)
	overrideBurst = 3

	// staleLimiterTTL is how long a per-client limiter can be idle before it
	// is dropped.
	staleLimiterTTL = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter rate limits per remote address. Stale entries are swept on
// access so no background goroutine is needed.
type clientLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rps       rate.Limit
	burst     int
	nowFunc   func() time.Time
	lastSweep time.Time
}

func newClientLimiter(rps rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{
		limiters: make(map[string]*limiterEntry),
		rps:      rps,
		burst:    burst,
		nowFunc:  time.Now,
	}
}

func (l *clientLimiter) allow(client string) bool {
	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > staleLimiterTTL {
		for key, e := range l.limiters {
			if now.Sub(e.lastSeen) > staleLimiterTTL {
				delete(l.limiters, key)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.limiters[client]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[client] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *clientLimiter) middleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientIP(r)
			if !l.allow(client) {
				w.Header().Set("Retry-After", "60")
				writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
				logger.Warn("Admin API rate limit exceeded",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("client_ip", client))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
