package controller

import (
	"context"
	"fmt"
	"maps"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// oversizeShrink is the fraction of the current payload targeted when the sink
// rejects a payload that was already under the configured ceiling.
const oversizeShrink = 0.9

// ProcessItem runs one item to a classified outcome, retrying per the retry
// policy. Adapter errors and panics never escape.
func (c *Controller) ProcessItem(ctx context.Context, item harvest.WorkItem) harvest.Outcome {
	ctx, span := c.deps.Tracer.Start(ctx, "harvest.item", trace.WithAttributes(attribute.String("item.id", item.ID)))
	defer span.End()

	start := c.deps.Clock.Now()
	out := harvest.Outcome{Item: item}
	for attempt := 1; ; attempt++ {
		res, err := c.attempt(ctx, item)
		out.Attempts = attempt
		c.deps.Governor.Record(err == nil)
		if err == nil {
			out.Class = harvest.OutcomeSuccess
			out.Location = res.location
			out.Bytes = res.bytes
			out.Encoded = res.fit.Changed
			out.Rounds = res.fit.Rounds
			out.Duplicate = res.duplicate
			out.Err = nil
			out.Kind = harvest.KindNone
			break
		}

		kind := harvest.Classify(err)
		out.Err = err
		out.Kind = kind
		if kind == harvest.KindRateLimited {
			c.deps.Governor.Throttle()
		}
		dec := c.deps.Retry.Decide(item, err, attempt)
		c.logger.Debug("attempt failed",
			zap.String("item_id", item.ID),
			zap.Int("attempt", attempt),
			zap.String("kind", string(kind)),
			zap.Bool("retry", dec.Retry),
			zap.Duration("wait", dec.Delay),
			zap.Error(err))
		if !dec.Retry {
			out.Class = harvest.OutcomePermanent
			if kind.Retryable() {
				out.Class = harvest.OutcomeRetryable
			}
			break
		}
		if err := c.sleep(ctx, dec.Delay); err != nil {
			out.Class = harvest.OutcomeRetryable
			break
		}
	}
	out.Duration = c.deps.Clock.Now().Sub(start)
	span.SetAttributes(
		attribute.Int("item.attempts", out.Attempts),
		attribute.String("item.outcome", string(out.Class)),
	)
	if !out.Succeeded() {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, string(out.Kind))
		c.logger.Warn("item failed",
			zap.String("item_id", item.ID),
			zap.String("kind", string(out.Kind)),
			zap.Int("attempts", out.Attempts),
			zap.Error(out.Err))
	}
	return out
}

type attemptResult struct {
	location  string
	bytes     int
	fit       harvest.FitResult
	duplicate bool
}

// attempt performs fetch, extract, fit and store once while holding a permit,
// then pauses for the governor delay.
func (c *Controller) attempt(ctx context.Context, item harvest.WorkItem) (res attemptResult, err error) {
	permit, err := c.deps.Governor.Acquire(ctx)
	if err != nil {
		return res, harvest.NewError(harvest.KindTransient, "acquire permit", err)
	}
	defer c.deps.Governor.Release(permit)
	defer func() {
		if perr := c.deps.Governor.Pause(ctx); perr != nil {
			c.logger.Debug("pause interrupted", zap.Error(perr))
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = harvest.NewError(harvest.KindInvalidPayload, "process item", fmt.Errorf("panic: %v", r))
		}
	}()

	raw, err := c.deps.Source.Fetch(ctx, item.ID)
	if err != nil {
		return res, fmt.Errorf("fetch %s: %w", item.ID, err)
	}
	art, err := c.deps.Extractor.Extract(ctx, item, raw)
	if err != nil {
		return res, fmt.Errorf("extract %s: %w", item.ID, err)
	}
	payload := art.Payload
	if ceiling := c.tuning.ByteCeiling; len(payload) > ceiling {
		if payload, res.fit, err = c.fit(payload, ceiling); err != nil {
			return res, err
		}
	}

	meta := maps.Clone(art.Metadata)
	if meta == nil {
		meta = map[string]string{}
	}
	if art.ContentType != "" {
		meta["content_type"] = art.ContentType
	}
	c.logger.Debug("storing item", zap.String("item_id", item.ID), zap.String("phase", string(harvest.PhaseStoring)), zap.Int("bytes", len(payload)))
	loc, err := c.deps.Sink.Store(ctx, item.ID, payload, meta)
	if harvest.Classify(err) == harvest.KindOversized && len(payload) > 1 {
		target := int(float64(len(payload)) * oversizeShrink)
		var fitted harvest.FitResult
		if payload, fitted, err = c.fit(payload, target); err != nil {
			return res, err
		}
		fitted.Rounds += res.fit.Rounds
		res.fit = fitted
		loc, err = c.deps.Sink.Store(ctx, item.ID, payload, meta)
	}
	switch harvest.Classify(err) {
	case harvest.KindNone:
	case harvest.KindDuplicate:
		res.duplicate = true
	default:
		return res, fmt.Errorf("store %s: %w", item.ID, err)
	}
	res.location = loc
	res.bytes = len(payload)
	return res, nil
}

func (c *Controller) fit(payload []byte, ceiling int) ([]byte, harvest.FitResult, error) {
	if c.deps.Fitter == nil {
		return nil, harvest.FitResult{}, harvest.NewError(harvest.KindUnfittable, "fit",
			fmt.Errorf("%d bytes over ceiling %d and no encoder configured", len(payload), ceiling))
	}
	out, res, err := c.deps.Fitter.Fit(payload, ceiling)
	if err != nil {
		return nil, res, fmt.Errorf("fit payload: %w", err)
	}
	return out, res, nil
}
