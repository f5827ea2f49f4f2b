package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/vx11/internal/apierr"
	vxotel "github.com/basket/vx11/internal/otel"
	"github.com/basket/vx11/internal/shared"
)

// DefaultRateLimitPerMinute applies when the config leaves the limit unset.
const DefaultRateLimitPerMinute = 100

// windowCounter counts requests inside one fixed window.
type windowCounter struct {
	start time.Time
	count int
}

// RateLimiter enforces a fixed-window request limit per submitter. Windows
// are aligned to multiples of the window length.
type RateLimiter struct {
	limit   int
	window  time.Duration
	clock   shared.Clock
	metrics *vxotel.Metrics

	mu       sync.Mutex
	counters map[string]*windowCounter
}

func NewRateLimiter(perMinute int, clock shared.Clock, metrics *vxotel.Metrics) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultRateLimitPerMinute
	}
	if clock == nil {
		clock = shared.RealClock()
	}
	if metrics == nil {
		metrics = vxotel.NopMetrics()
	}
	return &RateLimiter{
		limit:    perMinute,
		window:   time.Minute,
		clock:    clock,
		metrics:  metrics,
		counters: make(map[string]*windowCounter),
	}
}

// Allow counts one request for key. When the window is used up it returns
// false and the time until the next window starts.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := rl.clock.Now()
	start := now.Truncate(rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	c, ok := rl.counters[key]
	if !ok || !c.start.Equal(start) {
		c = &windowCounter{start: start}
		rl.counters[key] = c
	}
	if c.count >= rl.limit {
		return false, start.Add(rl.window).Sub(now)
	}
	c.count++
	return true, 0
}

// StartEviction periodically drops counters of past windows so the map does
// not grow with every submitter ever seen.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale()
			}
		}
	}()
}

// EvictStale removes counters whose window has ended.
func (rl *RateLimiter) EvictStale() int {
	current := rl.clock.Now().Truncate(rl.window)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, c := range rl.counters {
		if c.start.Before(current) {
			delete(rl.counters, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.counters))
	}
	return evicted
}

// Len returns the number of tracked counters.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.counters)
}

// Wrap rejects over-limit requests with rate_limited. It must run after
// AuthMiddleware so the submitter is known.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		key := Submitter(r.Context())
		if key == "" {
			key = "anon:" + remoteHost(r)
		}
		ok, wait := rl.Allow(key)
		if !ok {
			rl.metrics.RateLimitRejects.Add(r.Context(), 1)
			err := apierr.New(apierr.CodeRateLimited, "rate limit of %d requests per minute exceeded", rl.limit).
				WithRetryAfter(wait)
			apierr.Write(w, err, shared.CorrelationID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}
