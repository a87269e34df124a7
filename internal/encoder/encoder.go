// Package encoder shrinks payloads that exceed a sink's byte ceiling. It first
// walks a quality ladder and then, if the floor still does not fit, reduces the
// linear dimensions for a bounded number of rounds.
package encoder

import (
	"fmt"
	"image"
	"math"

	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// Ladder defaults.
const (
	DefaultQuality         = 90
	DefaultStep            = 5
	DefaultFloor           = 50
	DefaultModerateQuality = 75
	DefaultMaxRounds       = 3

	scaleHeadroom = 0.95
	minScale      = 0.1
	maxScale      = 0.95
)

// Codec decodes, encodes and resizes images. Implementations must be
// deterministic for the ladder to be.
type Codec interface {
	Decode(data []byte) (image.Image, error)
	Encode(img image.Image, quality int) ([]byte, error)
	Scale(img image.Image, factor float64) image.Image
}

// Config tunes the ladder.
type Config struct {
	Quality         int `mapstructure:"quality"`
	Step            int `mapstructure:"step"`
	Floor           int `mapstructure:"floor"`
	ModerateQuality int `mapstructure:"moderate_quality"`
	MaxRounds       int `mapstructure:"max_rounds"`
}

func (c Config) normalized() Config {
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = DefaultQuality
	}
	if c.Step <= 0 {
		c.Step = DefaultStep
	}
	if c.Floor <= 0 || c.Floor > c.Quality {
		c.Floor = min(DefaultFloor, c.Quality)
	}
	if c.ModerateQuality <= 0 || c.ModerateQuality > 100 {
		c.ModerateQuality = DefaultModerateQuality
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	return c
}

// Encoder implements harvest.Fitter.
type Encoder struct {
	cfg    Config
	codec  Codec
	logger *zap.Logger
}

var _ harvest.Fitter = (*Encoder)(nil)

// New returns an Encoder. A nil codec selects the JPEG codec.
func New(cfg Config, codec Codec, logger *zap.Logger) *Encoder {
	if codec == nil {
		codec = JPEG{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Encoder{cfg: cfg.normalized(), codec: codec, logger: logger}
}

// Fit returns payload unchanged when it already fits. Otherwise the result is
// either at most ceiling bytes or the error wraps harvest.ErrUnfittable.
func (e *Encoder) Fit(payload []byte, ceiling int) ([]byte, harvest.FitResult, error) {
	if len(payload) <= ceiling {
		return payload, harvest.FitResult{Bytes: len(payload)}, nil
	}
	if ceiling <= 0 {
		return nil, harvest.FitResult{}, harvest.NewError(harvest.KindUnfittable, "fit",
			fmt.Errorf("ceiling %d", ceiling))
	}
	img, err := e.codec.Decode(payload)
	if err != nil {
		return nil, harvest.FitResult{}, harvest.NewError(harvest.KindInvalidPayload, "decode payload", err)
	}

	res := harvest.FitResult{Changed: true}
	var out []byte
	for _, q := range Ladder(e.cfg) {
		out, err = e.codec.Encode(img, q)
		if err != nil {
			return nil, res, harvest.NewError(harvest.KindInvalidPayload, "encode payload", err)
		}
		res.Quality = q
		if len(out) <= ceiling {
			res = describe(res, out, img)
			e.logFitted(res)
			return out, res, nil
		}
	}

	for round := 1; round <= e.cfg.MaxRounds; round++ {
		factor := ScaleFactor(len(out), ceiling)
		img = e.codec.Scale(img, factor)
		out, err = e.codec.Encode(img, e.cfg.ModerateQuality)
		if err != nil {
			return nil, res, harvest.NewError(harvest.KindInvalidPayload, "encode payload", err)
		}
		res.Rounds = round
		res.Quality = e.cfg.ModerateQuality
		e.logger.Debug("dimension round",
			zap.Int("round", round),
			zap.Float64("factor", factor),
			zap.Int("bytes", len(out)),
			zap.Int("ceiling", ceiling))
		if len(out) <= ceiling {
			res = describe(res, out, img)
			e.logFitted(res)
			return out, res, nil
		}
	}
	res = describe(res, out, img)
	return nil, res, harvest.NewError(harvest.KindUnfittable, "fit",
		fmt.Errorf("%d bytes after %d rounds, ceiling %d", len(out), res.Rounds, ceiling))
}

// Ladder lists the qualities tried before dimension rounds. It always ends on
// the floor, even when the step does not divide the range.
func Ladder(cfg Config) []int {
	cfg = cfg.normalized()
	var out []int
	for q := cfg.Quality; q > cfg.Floor; q -= cfg.Step {
		out = append(out, q)
	}
	return append(out, cfg.Floor)
}

func (e *Encoder) logFitted(res harvest.FitResult) {
	e.logger.Debug("payload fitted",
		zap.Int("bytes", res.Bytes),
		zap.Int("quality", res.Quality),
		zap.Int("rounds", res.Rounds),
		zap.Int("width", res.Width),
		zap.Int("height", res.Height))
}

func describe(res harvest.FitResult, out []byte, img image.Image) harvest.FitResult {
	b := img.Bounds()
	res.Bytes = len(out)
	res.Width = b.Dx()
	res.Height = b.Dy()
	return res
}

// ScaleFactor returns the linear scale applied in a dimension round:
// sqrt(ceiling/size) with headroom, clamped to [0.1, 0.95].
func ScaleFactor(size, ceiling int) float64 {
	if size <= 0 {
		return maxScale
	}
	f := math.Sqrt(float64(ceiling)/float64(size)) * scaleHeadroom
	return math.Max(minScale, math.Min(maxScale, f))
}
