// Package governor bounds in-flight work and paces operations for the harvest
// controller. Concurrency shrinks multiplicatively on throttle and grows
// additively on restore; the inter-operation delay moves the opposite way.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// Defaults applied by Config.normalized.
const (
	DefaultWindow   = 20
	DefaultFactor   = 1.5
	DefaultMaxDelay = 30 * time.Second
)

// Config tunes a Governor.
type Config struct {
	Concurrency    int
	MaxConcurrency int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Window         int
	Factor         float64
}

func (c Config) normalized() Config {
	if c.Concurrency < 1 {
		c.Concurrency = harvest.DefaultConcurrency
	}
	if c.MaxConcurrency < c.Concurrency {
		c.MaxConcurrency = c.Concurrency
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Window < 1 {
		c.Window = DefaultWindow
	}
	if c.Factor <= 1 {
		c.Factor = DefaultFactor
	}
	return c
}

// Governor implements harvest.Governor with a mutex and condition variable.
type Governor struct {
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	cond        *sync.Cond
	concurrency int
	delay       time.Duration
	inFlight    int
	seq         uint64
	held        map[uint64]struct{}

	window []bool
	next   int
	filled int
}

var _ harvest.Governor = (*Governor)(nil)

// Option customizes a Governor.
type Option func(*Governor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Governor) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithSleep overrides how Pause waits (primarily for testing).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Governor) {
		if fn != nil {
			g.sleep = fn
		}
	}
}

// New constructs a Governor from cfg.
func New(cfg Config, opts ...Option) *Governor {
	cfg = cfg.normalized()
	g := &Governor{
		cfg:         cfg,
		logger:      zap.NewNop(),
		sleep:       sleepCtx,
		concurrency: cfg.Concurrency,
		delay:       cfg.BaseDelay,
		held:        make(map[uint64]struct{}),
		window:      make([]bool, cfg.Window),
	}
	g.cond = sync.NewCond(&g.mu)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Governor) Acquire(ctx context.Context) (harvest.Permit, error) {
	if err := ctx.Err(); err != nil {
		return harvest.Permit{}, fmt.Errorf("acquire permit: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.inFlight >= g.concurrency {
		if err := ctx.Err(); err != nil {
			return harvest.Permit{}, fmt.Errorf("acquire permit: %w", err)
		}
		g.cond.Wait()
	}
	g.inFlight++
	g.seq++
	g.held[g.seq] = struct{}{}
	return harvest.Permit{Seq: g.seq}, nil
}

// Release returns a permit. Unknown or already released permits are ignored.
func (g *Governor) Release(p harvest.Permit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[p.Seq]; !ok {
		return
	}
	delete(g.held, p.Seq)
	g.inFlight--
	g.cond.Broadcast()
}

// Pause sleeps for the current delay.
func (g *Governor) Pause(ctx context.Context) error {
	d := g.CurrentDelay()
	if d <= 0 {
		return nil
	}
	return g.sleep(ctx, d)
}

// CurrentDelay returns the pacing delay.
func (g *Governor) CurrentDelay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delay
}

// Concurrency returns the current permit limit.
func (g *Governor) Concurrency() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.concurrency
}

// SetConcurrency rewrites the limit. Held permits stay valid; no new permit is
// granted until in-flight work drops below n.
func (g *Governor) SetConcurrency(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setConcurrencyLocked(n)
}

func (g *Governor) setConcurrencyLocked(n int) {
	if n < 1 {
		n = 1
	}
	if n > g.cfg.MaxConcurrency {
		n = g.cfg.MaxConcurrency
	}
	g.concurrency = n
	g.cond.Broadcast()
}

// Record appends one operation outcome to the rolling window.
func (g *Governor) Record(success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.window[g.next] = !success
	g.next = (g.next + 1) % len(g.window)
	if g.filled < len(g.window) {
		g.filled++
	}
}

// Throttle halves concurrency (floor 1) and stretches the delay.
func (g *Governor) Throttle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setConcurrencyLocked(g.concurrency / 2)
	next := time.Duration(float64(g.delay) * g.cfg.Factor)
	if next <= g.delay {
		// A zero delay would otherwise never grow.
		next = g.delay + time.Duration(float64(100*time.Millisecond)*g.cfg.Factor)
	}
	if next > g.cfg.MaxDelay {
		next = g.cfg.MaxDelay
	}
	g.delay = next
	g.logger.Info("governor throttled",
		zap.Int("concurrency", g.concurrency),
		zap.Duration("delay", g.delay))
}

// Restore grows concurrency by one and shrinks the delay toward the base.
func (g *Governor) Restore() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.concurrency >= g.cfg.MaxConcurrency && g.delay <= g.cfg.BaseDelay {
		return
	}
	g.setConcurrencyLocked(g.concurrency + 1)
	next := time.Duration(float64(g.delay) / g.cfg.Factor)
	if next < g.cfg.BaseDelay {
		next = g.cfg.BaseDelay
	}
	g.delay = next
	g.logger.Info("governor restored",
		zap.Int("concurrency", g.concurrency),
		zap.Duration("delay", g.delay))
}

// State returns a snapshot of the governor.
func (g *Governor) State() harvest.RateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	errs := 0
	for i := 0; i < g.filled; i++ {
		if g.window[i] {
			errs++
		}
	}
	return harvest.RateState{
		Concurrency:    g.concurrency,
		MaxConcurrency: g.cfg.MaxConcurrency,
		Delay:          g.delay,
		InFlight:       g.inFlight,
		WindowOps:      g.filled,
		WindowErrors:   errs,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
