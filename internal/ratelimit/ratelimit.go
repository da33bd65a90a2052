package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"marketprism-collector/internal/metrics"
	"marketprism-collector/internal/types"
)

// Registry holds one token bucket per (exchange, endpoint class). Callers
// acquire a token before issuing REST requests; the caller's context
// deadline bounds the wait.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	defaults rate.Limit
	burst    int
}

// NewRegistry creates a registry. Buckets not explicitly configured fall
// back to the given defaults.
func NewRegistry(defaultRefill float64, defaultBurst int) *Registry {
	return &Registry{
		limiters: make(map[string]*rate.Limiter),
		defaults: rate.Limit(defaultRefill),
		burst:    defaultBurst,
	}
}

// Configure installs a bucket for an (exchange, class) pair.
func (r *Registry) Configure(exchange types.Exchange, class string, capacity int, refillPerSecond float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[key(exchange, class)] = rate.NewLimiter(rate.Limit(refillPerSecond), capacity)
}

func (r *Registry) limiter(exchange types.Exchange, class string) *rate.Limiter {
	k := key(exchange, class)

	r.mu.RLock()
	lim, ok := r.limiters[k]
	r.mu.RUnlock()
	if ok {
		return lim
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if lim, ok = r.limiters[k]; ok {
		return lim
	}
	lim = rate.NewLimiter(r.defaults, r.burst)
	r.limiters[k] = lim
	return lim
}

// Acquire blocks until a token is available or the context deadline
// passes. Deadline exceeded surfaces as ErrRateLimited.
func (r *Registry) Acquire(ctx context.Context, exchange types.Exchange, class string) error {
	if err := r.limiter(exchange, class).Wait(ctx); err != nil {
		metrics.RateLimited.WithLabelValues(string(exchange), class).Inc()
		return fmt.Errorf("%s/%s: %w", exchange, class, types.ErrRateLimited)
	}
	return nil
}

// Allow reports whether a token is immediately available, consuming it if
// so.
func (r *Registry) Allow(exchange types.Exchange, class string) bool {
	return r.limiter(exchange, class).Allow()
}

func key(exchange types.Exchange, class string) string {
	return string(exchange) + "/" + class
}
