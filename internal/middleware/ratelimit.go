package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sakif/submission-runner/internal/metrics"
)

// RateLimiter applies a token bucket per client address. It guards the
// endpoints that start containers.
type RateLimiter struct {
	rps     rate.Limit
	burst   int
	clients sync.Map // client address -> *client
}

type client struct {
	limiter *rate.Limiter
	mu      sync.Mutex
	seen    time.Time
}

// NewRateLimiter allows rps requests per second per client, with bursts of
// up to burst. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{rps: rate.Limit(rps), burst: max(burst, 1)}
}

// Allow reports whether a request from addr may proceed.
func (rl *RateLimiter) Allow(addr string) bool {
	if rl.rps <= 0 {
		return true
	}
	v, _ := rl.clients.LoadOrStore(addr, &client{limiter: rate.NewLimiter(rl.rps, rl.burst)})
	c := v.(*client)
	c.mu.Lock()
	c.seen = time.Now()
	c.mu.Unlock()
	if !c.limiter.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}
	return true
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientAddr(r)) {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited","message":"too many requests"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Sweep forgets clients idle for longer than idle and returns how many were
// removed.
func (rl *RateLimiter) Sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	removed := 0
	rl.clients.Range(func(key, value any) bool {
		c := value.(*client)
		c.mu.Lock()
		stale := c.seen.Before(cutoff)
		c.mu.Unlock()
		if stale {
			rl.clients.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// StartCleanup sweeps idle clients every interval until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Sweep(interval)
			}
		}
	}()
}

// clientAddr is the host part of RemoteAddr, which chi's RealIP middleware
// has already replaced with the forwarded address when present.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
