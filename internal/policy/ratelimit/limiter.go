// Package ratelimit implements a token bucket rate limiter per chat sender.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages per-sender rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	// PerSenderRPS is the sustained rate per sender; <= 0 disables limiting.
	PerSenderRPS float64
	Burst        int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PerSenderRPS)
	if cfg.PerSenderRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Allow reports whether senderKey may be served now, consuming a token if so.
func (l *Limiter) Allow(senderKey string) bool {
	return l.limiter(senderKey).Allow()
}

// Wait blocks until a token is available for senderKey, respecting the context.
func (l *Limiter) Wait(ctx context.Context, senderKey string) error {
	if err := l.limiter(senderKey).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func (l *Limiter) limiter(senderKey string) *rate.Limiter {
	if senderKey == "" {
		senderKey = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[senderKey]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[senderKey] = limiter
	}
	return limiter
}
