// Package retry decides whether a failed harvest attempt is tried again and
// how long to wait first.
package retry

import (
	"time"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// Defaults applied when Config fields are unset.
const (
	DefaultBaseDelay = 250 * time.Millisecond
	DefaultMaxWait   = 30 * time.Second
)

// DelaySource reports the pacing delay the wait is scaled from.
type DelaySource interface {
	CurrentDelay() time.Duration
}

// Config tunes a Policy. MaxRetries below zero selects the default.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxWait    time.Duration
}

func (c Config) normalized() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = harvest.DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.MaxWait < c.BaseDelay {
		c.MaxWait = c.BaseDelay
	}
	return c
}

// Policy retries transient and rate-limited failures with a linear backoff
// scaled from the governor delay.
type Policy struct {
	cfg   Config
	delay DelaySource
}

var _ harvest.RetryPolicy = (*Policy)(nil)

// New builds a Policy. A nil delay source backs off from BaseDelay alone.
func New(cfg Config, delay DelaySource) *Policy {
	return &Policy{cfg: cfg.normalized(), delay: delay}
}

// MaxRetries returns the configured retry budget.
func (p *Policy) MaxRetries() int {
	return p.cfg.MaxRetries
}

// Decide is called after attempt (1-based) failed with err.
func (p *Policy) Decide(_ harvest.WorkItem, err error, attempt int) harvest.RetryDecision {
	if err == nil || attempt < 1 {
		return harvest.RetryDecision{}
	}
	if !harvest.Classify(err).Retryable() {
		return harvest.RetryDecision{}
	}
	if attempt > p.cfg.MaxRetries {
		return harvest.RetryDecision{}
	}
	return harvest.RetryDecision{Retry: true, Delay: p.Backoff(attempt)}
}

// Backoff returns the wait before the attempt following attempt.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var base time.Duration
	if p.delay != nil {
		base = p.delay.CurrentDelay()
	}
	wait := base * time.Duration(attempt)
	if wait < p.cfg.BaseDelay {
		wait = p.cfg.BaseDelay
	}
	if wait > p.cfg.MaxWait {
		wait = p.cfg.MaxWait
	}
	return wait
}
