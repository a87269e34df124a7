// Package controller drives a harvest job: it seeds the work queue from the
// progress store, runs batches through source, extractor, encoder and sink
// under the rate governor, and flushes progress after every batch.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-harvester/internal/clock/system"
	"github.com/JakeFAU/artifact-harvester/internal/events"
	"github.com/JakeFAU/artifact-harvester/internal/harvest"
	"github.com/JakeFAU/artifact-harvester/internal/id/uuid"
	"github.com/JakeFAU/artifact-harvester/internal/queue"
)

// Deps are the collaborators a Controller drives. Source, Extractor, Sink,
// Store, Governor and Retry are required.
type Deps struct {
	Source    harvest.Source
	Extractor harvest.Extractor
	Sink      harvest.Sink
	Fitter    harvest.Fitter
	Store     harvest.ProgressStore
	Governor  harvest.Governor
	Retry     harvest.RetryPolicy
	Monitor   harvest.Monitor
	Events    events.Emitter
	Clock     harvest.Clock
	IDs       harvest.IDGenerator
	// Tracer defaults to the otel global tracer provider.
	Tracer trace.Tracer
	Logger *zap.Logger
}

const tracerName = "github.com/JakeFAU/artifact-harvester/internal/controller"

// Config describes one job.
type Config struct {
	Items  []harvest.WorkItem
	Target int
	Tuning harvest.Tuning
}

// Controller runs a single job at a time.
type Controller struct {
	deps   Deps
	cfg    Config
	tuning harvest.Tuning
	logger *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	job     harvest.Job
	running bool
}

// New validates deps and returns a Controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case deps.Source == nil:
		return nil, fmt.Errorf("source is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	case deps.Sink == nil:
		return nil, fmt.Errorf("sink is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("progress store is required")
	case deps.Governor == nil:
		return nil, fmt.Errorf("governor is required")
	case deps.Retry == nil:
		return nil, fmt.Errorf("retry policy is required")
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	return &Controller{
		deps:   deps,
		cfg:    cfg,
		tuning: cfg.Tuning.WithDefaults(),
		logger: deps.Logger,
		sleep:  sleepCtx,
		job:    harvest.Job{Phase: harvest.PhaseIdle},
	}, nil
}

// Job returns a snapshot of the current job.
func (c *Controller) Job() harvest.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.job
}

// RateState returns the governor state.
func (c *Controller) RateState() harvest.RateState {
	return c.deps.Governor.State()
}

var transitions = map[harvest.Phase][]harvest.Phase{
	harvest.PhaseIdle:       {harvest.PhaseCollecting},
	harvest.PhaseCollecting: {harvest.PhaseHarvesting},
	harvest.PhaseHarvesting: {harvest.PhaseStoring, harvest.PhaseOptimizing},
	harvest.PhaseStoring:    {harvest.PhaseHarvesting, harvest.PhaseOptimizing},
	harvest.PhaseOptimizing: {harvest.PhaseCompleted},
}

// ErrIllegalTransition is returned when the phase machine is driven out of order.
var ErrIllegalTransition = fmt.Errorf("illegal phase transition")

func (c *Controller) transition(to harvest.Phase) error {
	c.mu.Lock()
	from := c.job.Phase
	allowed := to == harvest.PhaseAborted && !from.Terminal()
	for _, p := range transitions[from] {
		if p == to {
			allowed = true
		}
	}
	if !allowed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	c.job.Phase = to
	job := c.job
	c.mu.Unlock()

	c.logger.Info("job phase", zap.String("job_id", job.ID), zap.String("from", string(from)), zap.String("to", string(to)))
	c.emit(events.Event{JobID: job.ID, Type: events.TypePhase, Phase: to})
	return nil
}

func (c *Controller) update(fn func(j *harvest.Job)) {
	c.mu.Lock()
	fn(&c.job)
	c.mu.Unlock()
}

func (c *Controller) emit(evt events.Event) {
	if evt.TS.IsZero() {
		evt.TS = c.deps.Clock.Now()
	}
	c.deps.Events.Emit(evt)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

// seed builds the work queue from the configured items minus everything the
// progress store says is finished. It returns the queue and how many ids were
// skipped.
func (c *Controller) seed(records map[string]harvest.ProgressRecord) (*queue.Queue, int) {
	q := queue.New(c.cfg.Items...)
	budget := c.tuning.MaxRetries + 1
	skipped := q.Exclude(func(id string) bool {
		rec, ok := records[id]
		if !ok {
			return false
		}
		switch rec.Status {
		case harvest.StatusCompleted:
			return true
		case harvest.StatusFailed:
			if c.tuning.ResumeFailed {
				return false
			}
			return !harvest.Kind(rec.LastError).Retryable() || rec.Attempts >= budget
		default:
			return false
		}
	})
	if c.cfg.Target > 0 {
		q.Truncate(c.cfg.Target)
	}
	return q, skipped
}
