// Package promote chains a cheap source with a headless one, re-fetching only
// the records whose cheap body looks like an unrendered page.
package promote

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// Source fetches through fast and promotes to slow when the detector asks.
type Source struct {
	fast     harvest.Source
	slow     harvest.Source
	detector *Detector
	logger   *zap.Logger

	promoted atomic.Int64
}

var _ harvest.Source = (*Source)(nil)

// New returns a promoting Source. A nil detector uses NewDetector(0).
func New(fast, slow harvest.Source, detector *Detector, logger *zap.Logger) *Source {
	if detector == nil {
		detector = NewDetector(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{fast: fast, slow: slow, detector: detector, logger: logger}
}

// Fetch returns the fast result unless it needs rendering. When the headless
// fetch fails with anything but a rate limit, the fast body is kept.
func (s *Source) Fetch(ctx context.Context, id string) (harvest.Raw, error) {
	raw, err := s.fast.Fetch(ctx, id)
	if err != nil || s.slow == nil || !s.detector.ShouldPromote(raw) {
		return raw, err
	}
	s.promoted.Add(1)
	rendered, rerr := s.slow.Fetch(ctx, id)
	if rerr == nil {
		return rendered, nil
	}
	if harvest.Classify(rerr) == harvest.KindRateLimited {
		return harvest.Raw{}, rerr
	}
	s.logger.Warn("headless fetch failed, keeping http body", zap.String("item_id", id), zap.Error(rerr))
	if len(raw.Body) == 0 {
		return harvest.Raw{}, rerr
	}
	return raw, nil
}

// Promoted returns how many fetches went to the headless source.
func (s *Source) Promoted() int64 {
	return s.promoted.Load()
}
