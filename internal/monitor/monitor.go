// Package monitor evaluates a running job after each batch. It throttles the
// governor when the rolling error rate climbs, restores it once the rate
// settles, and watches process memory against soft and hard ceilings.
package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-harvester/internal/clock/system"
	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// Defaults applied when Config fields are unset.
const (
	DefaultErrorThreshold = 0.10
	// lowSystemMemory flags hosts with under 5% of memory available.
	lowSystemMemory = 0.05
)

// Tunable is the part of the governor the monitor drives.
type Tunable interface {
	State() harvest.RateState
	Throttle()
	Restore()
}

// Config tunes the Monitor. Zero ceilings disable the memory checks.
type Config struct {
	ErrorThreshold float64
	SoftMemory     uint64
	HardMemory     uint64
}

// Monitor implements harvest.Monitor.
type Monitor struct {
	cfg    Config
	gov    Tunable
	mem    MemoryReader
	clock  harvest.Clock
	logger *zap.Logger
	start  time.Time
}

var _ harvest.Monitor = (*Monitor)(nil)

// New constructs a Monitor. mem may be nil to skip memory checks; clock
// defaults to the system clock.
func New(cfg Config, gov Tunable, mem MemoryReader, clock harvest.Clock, logger *zap.Logger) *Monitor {
	if cfg.ErrorThreshold <= 0 || cfg.ErrorThreshold >= 1 {
		cfg.ErrorThreshold = DefaultErrorThreshold
	}
	if cfg.HardMemory > 0 && cfg.SoftMemory > cfg.HardMemory {
		cfg.SoftMemory = cfg.HardMemory
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{cfg: cfg, gov: gov, mem: mem, clock: clock, logger: logger, start: clock.Now()}
}

// Reset marks the start of the measured run.
func (m *Monitor) Reset() {
	m.start = m.clock.Now()
}

// Evaluate inspects the governor window and memory, re-tunes the governor and
// returns what it saw. processed is the number of items finished so far.
func (m *Monitor) Evaluate(ctx context.Context, processed int) harvest.Evaluation {
	before := m.gov.State()
	ev := harvest.Evaluation{ErrorRate: before.ErrorRate()}

	if elapsed := m.clock.Now().Sub(m.start); elapsed > 0 {
		ev.Throughput = float64(processed) / elapsed.Seconds()
	}

	memHealthy := true
	if m.mem != nil {
		rss, err := m.mem.ProcessRSS(ctx)
		if err != nil {
			m.logger.Warn("memory read failed", zap.Error(err))
		} else {
			ev.MemoryBytes = rss
			switch {
			case m.cfg.HardMemory > 0 && rss >= m.cfg.HardMemory:
				ev.Abort = true
				ev.AbortReason = fmt.Sprintf("process memory %d bytes reached hard ceiling %d", rss, m.cfg.HardMemory)
				memHealthy = false
			case m.cfg.SoftMemory > 0 && rss >= m.cfg.SoftMemory:
				ev.Alerts = append(ev.Alerts, fmt.Sprintf("process memory %d bytes above soft ceiling %d", rss, m.cfg.SoftMemory))
				memHealthy = false
			}
		}
		if avail, total, err := m.mem.SystemAvailable(ctx); err == nil && total > 0 &&
			float64(avail)/float64(total) < lowSystemMemory {
			ev.Alerts = append(ev.Alerts, fmt.Sprintf("host memory low: %d of %d bytes available", avail, total))
		}
	}

	switch {
	case before.WindowOps > 0 && ev.ErrorRate > m.cfg.ErrorThreshold:
		m.gov.Throttle()
		ev.Throttled = true
		ev.Alerts = append(ev.Alerts, fmt.Sprintf("error rate %.2f above threshold %.2f", ev.ErrorRate, m.cfg.ErrorThreshold))
	case ev.ErrorRate <= m.cfg.ErrorThreshold/2 && memHealthy && !ev.Abort:
		m.gov.Restore()
		after := m.gov.State()
		ev.Restored = after.Concurrency != before.Concurrency || after.Delay != before.Delay
	}

	for _, a := range ev.Alerts {
		m.logger.Warn("monitor alert", zap.String("alert", a))
	}
	if ev.Abort {
		m.logger.Error("monitor requested abort", zap.String("reason", ev.AbortReason))
	}
	return ev
}
