package gateway

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"
)

// bucket is one client's token bucket. Guarded by RateLimitMiddleware.mu.
type bucket struct {
	tokens float64
	filled time.Time
	seen   time.Time
}

// RateLimitMiddleware limits POST requests per client IP with a token
// bucket refilled continuously. Reads are served from the mirror and are
// never limited.
type RateLimitMiddleware struct {
	perSecond float64
	burst     float64
	now       func() time.Time

	mu      sync.Mutex
	clients map[string]*bucket
}

// NewRateLimitMiddleware allows requestsPerMinute per IP after an initial
// burst. burst <= 0 picks a tenth of a minute's allowance.
// requestsPerMinute <= 0 disables limiting.
func NewRateLimitMiddleware(requestsPerMinute, burst int) *RateLimitMiddleware {
	if burst <= 0 {
		burst = max(requestsPerMinute/6, 1)
	}
	return &RateLimitMiddleware{
		perSecond: float64(requestsPerMinute) / 60,
		burst:     float64(burst),
		now:       time.Now,
		clients:   make(map[string]*bucket),
	}
}

// Enabled reports whether requests are limited.
func (rl *RateLimitMiddleware) Enabled() bool { return rl.perSecond > 0 }

// allow spends one token of ip's bucket.
func (rl *RateLimitMiddleware) allow(ip string) bool {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.clients[ip]
	if !ok {
		b = &bucket{tokens: rl.burst, filled: now}
		rl.clients[ip] = b
	}
	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.filled).Seconds()*rl.perSecond)
	b.filled = now
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// StartEviction drops idle clients every interval until ctx is done.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale forgets clients not seen within maxAge.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := rl.now().Add(-maxAge)
	rl.mu.Lock()
	before := len(rl.clients)
	for ip, b := range rl.clients {
		if !b.seen.After(cutoff) {
			delete(rl.clients, ip)
		}
	}
	after := len(rl.clients)
	rl.mu.Unlock()
	if before != after {
		slog.Debug("rate limiter eviction", "evicted", before-after, "remaining", after)
	}
}

// BucketCount returns the number of tracked clients.
func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Wrap applies the limit to POST requests.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && !rl.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
