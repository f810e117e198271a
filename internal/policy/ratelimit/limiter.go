// Package ratelimit paces fetches per remote host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/media-fetcher/internal/metrics"
)

// Limiter manages one token bucket per host.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	hosts    map[string]rate.Limit
}

// Config holds rate limiter configuration. A non-positive PerHostRPS
// disables pacing. Hosts overrides the rate for specific hosts.
type Config struct {
	PerHostRPS float64
	Burst      int
	Hosts      map[string]float64
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.PerHostRPS)
	if cfg.PerHostRPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	hosts := make(map[string]rate.Limit, len(cfg.Hosts))
	for host, rps := range cfg.Hosts {
		if rps > 0 {
			hosts[host] = rate.Limit(rps)
		}
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
		hosts:    hosts,
	}
}

// Wait blocks until the host of rawURL may be fetched again.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	if l == nil {
		return nil
	}
	host := metrics.SanitizeSite(rawURL)
	limiter := l.bucket(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limit := l.limit
		if override, found := l.hosts[host]; found {
			limit = override
		}
		limiter = rate.NewLimiter(limit, l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}
