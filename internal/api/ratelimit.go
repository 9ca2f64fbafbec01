package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long a client may stay quiet before its bucket is dropped.
const limiterIdle = 5 * time.Minute

type bucket struct {
	tokens *rate.Limiter
	seen   time.Time
}

// Limiter keeps one token bucket per client key. Burst equals the per-second rate.
type Limiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewLimiter(rps int) *Limiter {
	return &Limiter{
		limit:   rate.Limit(rps),
		burst:   rps,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes a token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.tokens.AllowN(now, 1)
}

// Sweep forgets clients idle longer than limiterIdle and returns how many remain.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-limiterIdle)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	return len(l.buckets)
}

// Run sweeps periodically until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	t := time.NewTicker(limiterIdle)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}

// RateLimit throttles state-changing job requests (submit, cancel, delete) to
// rps per client IP. rps <= 0 disables it.
func RateLimit(ctx context.Context, rps int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	l := NewLimiter(rps)
	go l.Run(ctx)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if mutatesJobs(r) {
				if ip := clientIP(r); !l.Allow(ip) {
					slog.Debug("rate limited", "client", ip, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
					w.Header().Set("Retry-After", "1")
					writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func mutatesJobs(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodDelete:
		return strings.HasPrefix(r.URL.Path, "/api/v1/jobs")
	}
	return false
}

// clientIP prefers the first X-Forwarded-For hop, then the peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
