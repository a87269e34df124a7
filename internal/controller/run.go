package controller

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-harvester/internal/events"
	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// ErrAlreadyRunning is returned when Run is called on a busy Controller.
var ErrAlreadyRunning = fmt.Errorf("job already running")

// Run executes the job to a terminal phase. A report is returned whenever the
// job started, including on abort; the error is non-nil only for an abort
// or a misuse of the controller.
func (c *Controller) Run(ctx context.Context) (harvest.JobReport, error) {
	c.mu.Lock()
	if c.running || c.job.Phase.Terminal() {
		c.mu.Unlock()
		return harvest.JobReport{}, ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	jobID, err := c.deps.IDs.NewID()
	if err != nil {
		return harvest.JobReport{}, fmt.Errorf("generate job id: %w", err)
	}
	start := c.deps.Clock.Now()
	c.update(func(j *harvest.Job) {
		j.ID = jobID
		j.StartedAt = start
	})
	c.emit(events.Event{JobID: jobID, Type: events.TypeJobStarted, Phase: harvest.PhaseIdle})

	ctx, span := c.deps.Tracer.Start(ctx, "harvest.job", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	r := &run{c: c, jobID: jobID}
	r.execute(ctx)
	report, err := r.finish(ctx)
	span.SetAttributes(
		attribute.Int("job.total", report.Total),
		attribute.Int("job.succeeded", report.Succeeded),
		attribute.Int("job.failed", report.Failed),
		attribute.Int("job.skipped", report.Skipped),
	)
	if err != nil {
		span.SetStatus(codes.Error, report.AbortReason)
	}
	return report, err
}

type run struct {
	c       *Controller
	jobID   string
	abort   string
	cause   error
	skipped int
	failed  map[string]harvest.Outcome
}

func (r *run) aborting(reason string) {
	if r.abort == "" {
		r.abort = reason
		r.c.logger.Error("job aborting", zap.String("job_id", r.jobID), zap.String("reason", reason))
	}
}

func (r *run) execute(ctx context.Context) {
	c := r.c
	must := func(p harvest.Phase) bool {
		if err := c.transition(p); err != nil {
			r.aborting(err.Error())
			return false
		}
		return true
	}

	if !must(harvest.PhaseCollecting) {
		return
	}
	records, err := c.deps.Store.Load(ctx)
	if err != nil {
		r.aborting(fmt.Sprintf("progress store unreadable: %v", err))
		return
	}
	q, skipped := c.seed(records)
	r.skipped = skipped
	c.update(func(j *harvest.Job) {
		j.Target = q.Len()
		j.Skipped = skipped
	})
	c.logger.Info("work queue seeded",
		zap.String("job_id", r.jobID),
		zap.Int("queued", q.Len()),
		zap.Int("skipped", skipped))

	if !must(harvest.PhaseHarvesting) {
		return
	}
	// Throughput is measured from the start of harvesting.
	if m, ok := c.deps.Monitor.(interface{ Reset() }); ok {
		m.Reset()
	}
	r.failed = make(map[string]harvest.Outcome)
	for q.Len() > 0 {
		if r.abort != "" {
			return
		}
		if err := ctx.Err(); err != nil {
			r.aborting(fmt.Sprintf("canceled: %v", err))
			r.cause = err
			return
		}
		r.batch(ctx, q.NextBatch(c.tuning.BatchSize))
	}

	if !must(harvest.PhaseOptimizing) {
		return
	}
	if c.tuning.SweepFailed && r.abort == "" && ctx.Err() == nil {
		r.sweep(ctx)
	}
}

// batch dispatches items, waits for all of them, applies outcomes to the store,
// flushes and asks the monitor to re-tune.
func (r *run) batch(ctx context.Context, items []harvest.WorkItem) {
	c := r.c
	if len(items) == 0 {
		return
	}
	ctx, span := c.deps.Tracer.Start(ctx, "harvest.batch", trace.WithAttributes(attribute.Int("batch.items", len(items))))
	defer span.End()
	started := c.deps.Clock.Now()
	for _, it := range items {
		c.deps.Store.Upsert(it.ID, harvest.ProgressRecord{Status: harvest.StatusInProgress, UpdatedAt: started})
	}

	// In-flight items are never canceled; abort is only honored between batches.
	itemCtx := context.WithoutCancel(ctx)
	outcomes := make([]harvest.Outcome, len(items))
	var wg sync.WaitGroup
	for i, it := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = c.ProcessItem(itemCtx, it)
		}()
	}
	wg.Wait()

	for _, o := range outcomes {
		r.apply(o)
	}
	if err := c.deps.Store.Flush(ctx); err != nil {
		r.aborting(fmt.Sprintf("progress store unwritable: %v", err))
	}

	job := c.Job()
	if c.deps.Monitor != nil {
		ev := c.deps.Monitor.Evaluate(ctx, job.Processed)
		for _, a := range ev.Alerts {
			c.emit(events.Event{JobID: r.jobID, Type: events.TypeAlert, Note: a})
		}
		if ev.Abort {
			r.aborting(ev.AbortReason)
		}
	}
	c.emit(events.Event{
		JobID: r.jobID,
		Type:  events.TypeBatchDone,
		Rate:  c.deps.Governor.State(),
		Dur:   c.deps.Clock.Now().Sub(started),
	})
	c.logger.Info("batch done",
		zap.String("job_id", r.jobID),
		zap.Int("items", len(items)),
		zap.Int("processed", job.Processed),
		zap.Int("succeeded", job.Succeeded),
		zap.Int("failed", job.Failed))
}

func (r *run) apply(o harvest.Outcome) {
	c := r.c
	now := c.deps.Clock.Now()
	rec := harvest.ProgressRecord{UpdatedAt: now, Attempts: o.Attempts}
	_, wasFailed := r.failed[o.Item.ID]
	if o.Succeeded() {
		rec.Status = harvest.StatusCompleted
		rec.Location = o.Location
		delete(r.failed, o.Item.ID)
	} else {
		rec.Status = harvest.StatusFailed
		rec.LastError = string(o.Kind)
		r.failed[o.Item.ID] = o
	}
	c.deps.Store.Upsert(o.Item.ID, rec)
	c.update(func(j *harvest.Job) {
		switch {
		case wasFailed && o.Succeeded():
			j.Failed--
			j.Succeeded++
		case wasFailed:
		case o.Succeeded():
			j.Processed++
			j.Succeeded++
		default:
			j.Processed++
			j.Failed++
		}
	})

	evt := events.Event{
		JobID:    r.jobID,
		Type:     events.TypeItemDone,
		ItemID:   o.Item.ID,
		Outcome:  o.Class,
		Kind:     o.Kind,
		Location: o.Location,
		Bytes:    int64(o.Bytes),
		Attempts: o.Attempts,
		Encoded:  o.Encoded,
		Rounds:   o.Rounds,
		Dur:      o.Duration,
	}
	c.emit(evt)
}

// sweep gives items that ended the main pass with a retryable failure one more
// attempt cycle after the governor has been restored.
func (r *run) sweep(ctx context.Context) {
	c := r.c
	var items []harvest.WorkItem
	for _, o := range r.failed {
		if o.Class == harvest.OutcomeRetryable {
			items = append(items, o.Item)
		}
	}
	if len(items) == 0 {
		return
	}
	c.deps.Governor.Restore()
	c.logger.Info("sweeping failed items", zap.String("job_id", r.jobID), zap.Int("items", len(items)))
	for start := 0; start < len(items) && r.abort == ""; start += c.tuning.BatchSize {
		end := min(start+c.tuning.BatchSize, len(items))
		r.batch(ctx, items[start:end])
	}
}

func (r *run) finish(ctx context.Context) (harvest.JobReport, error) {
	c := r.c
	if err := c.deps.Store.Flush(context.WithoutCancel(ctx)); err != nil {
		r.aborting(fmt.Sprintf("final flush failed: %v", err))
	}
	final := harvest.PhaseCompleted
	if r.abort != "" {
		final = harvest.PhaseAborted
	}
	if err := c.transition(final); err != nil {
		// Completed is only legal from optimizing; anything else aborts.
		final = harvest.PhaseAborted
		r.aborting(err.Error())
		_ = c.transition(final)
	}

	end := c.deps.Clock.Now()
	c.update(func(j *harvest.Job) { j.FinishedAt = end })
	job := c.Job()
	report := harvest.JobReport{
		JobID:          job.ID,
		Phase:          job.Phase,
		StartTime:      job.StartedAt,
		EndTime:        end,
		Total:          job.Target + job.Skipped,
		Succeeded:      job.Succeeded,
		Failed:         job.Failed,
		Skipped:        job.Skipped,
		AbortReason:    r.abort,
		FinalRateState: c.deps.Governor.State(),
	}
	c.emit(events.Event{
		JobID: job.ID,
		Type:  events.TypeJobFinished,
		Phase: job.Phase,
		Rate:  report.FinalRateState,
		Dur:   report.Duration(),
		Note:  r.abort,
	})
	c.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("phase", string(job.Phase)),
		zap.Int("total", report.Total),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("duration", report.Duration()))
	if r.abort != "" {
		if r.cause != nil {
			return report, fmt.Errorf("job aborted: %w", r.cause)
		}
		return report, fmt.Errorf("job aborted: %s", r.abort)
	}
	return report, nil
}
