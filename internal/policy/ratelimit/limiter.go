// Package ratelimit paces source requests with a token bucket per host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// minRPS is the floor ReportRateLimited will slow a host to.
const minRPS = 0.1

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	logger       *zap.Logger
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	Logger       *zap.Logger
}

// New creates a new Limiter. A non-positive DefaultRPS disables pacing.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		logger:       logger,
	}
}

// Wait blocks until a token is available for the host of rawURL.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	limiter := l.limiter(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		l.logger.Debug("rate limit delay", zap.String("host", host), zap.Duration("waited", waited))
	}
	return nil
}

// ReportRateLimited halves the request rate for the host of rawURL after the
// source answered 429. Unlimited hosts are left alone.
func (l *Limiter) ReportRateLimited(rawURL string) {
	host := hostOf(rawURL)
	limiter := l.limiter(host)
	current := limiter.Limit()
	if current == rate.Inf {
		return
	}
	next := max(current/2, rate.Limit(minRPS))
	limiter.SetLimit(next)
	l.logger.Info("host rate reduced", zap.String("host", host), zap.Float64("rps", float64(next)))
}

// Limit returns the current rate for the host of rawURL.
func (l *Limiter) Limit(rawURL string) rate.Limit {
	return l.limiter(hostOf(rawURL)).Limit()
}

func (l *Limiter) limiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	return limiter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
