// Package ratelimit implements a token bucket rate limiter shared by every outbound fetch.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/episode-sync/internal/metrics"
)

// Scope values select how limiter buckets are keyed.
const (
	ScopeGlobal = "global"
	ScopeDomain = "domain"
)

// Limiter manages rate limits either globally or per domain.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	scope    string
}

// Config holds rate limiter configuration.
type Config struct {
	RPS   float64
	Burst int
	Scope string
}

// New creates a new Limiter. A non-positive RPS disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	scope := cfg.Scope
	if scope != ScopeDomain {
		scope = ScopeGlobal
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
		scope:    scope,
	}
}

// Wait blocks until a token is available for the URL's bucket, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	key := l.bucketKey(rawURL)
	l.mu.Lock()
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(l.scope, waited)
	}
	return nil
}

func (l *Limiter) bucketKey(rawURL string) string {
	if l.scope == ScopeGlobal {
		return ScopeGlobal
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
