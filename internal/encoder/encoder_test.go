package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

const mb = 1 << 20

// dims is a zero-cost image carrying only its bounds.
type dims struct{ w, h int }

func (d dims) ColorModel() color.Model { return color.GrayModel }
func (d dims) Bounds() image.Rectangle { return image.Rect(0, 0, d.w, d.h) }
func (d dims) At(int, int) color.Color { return color.Gray{} }

// sizeCodec produces payloads whose length is pixels * bytesPerPixel(quality).
type sizeCodec struct {
	w, h      int
	perPixel  func(q int) float64
	encodes   []int
	decodeErr error
}

func (c *sizeCodec) Decode([]byte) (image.Image, error) {
	if c.decodeErr != nil {
		return nil, c.decodeErr
	}
	return dims{c.w, c.h}, nil
}

func (c *sizeCodec) Encode(img image.Image, q int) ([]byte, error) {
	c.encodes = append(c.encodes, q)
	b := img.Bounds()
	n := int(float64(b.Dx()*b.Dy()) * c.perPixel(q))
	return make([]byte, n), nil
}

func (c *sizeCodec) Scale(img image.Image, f float64) image.Image {
	b := img.Bounds()
	return dims{int(math.Round(float64(b.Dx()) * f)), int(math.Round(float64(b.Dy()) * f))}
}

func TestFitReturnsSmallPayloadUnchanged(t *testing.T) {
	t.Parallel()

	codec := &sizeCodec{w: 1, h: 1, perPixel: func(int) float64 { return 1 }}
	e := New(Config{}, codec, nil)
	in := []byte("tiny")
	out, res, err := e.Fit(in, 10)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.False(t, res.Changed)
	assert.Empty(t, codec.encodes)
}

func TestFitQualityLadderOnly(t *testing.T) {
	t.Parallel()

	// 1000x1000 pixels; size drops 0.2 bytes/pixel per quality step.
	codec := &sizeCodec{w: 1000, h: 1000, perPixel: func(q int) float64 { return float64(q) / 50 }}
	e := New(Config{}, codec, nil)
	out, res, err := e.Fit(make([]byte, 2*mb), int(1.6*1e6))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), int(1.6*1e6))
	assert.Equal(t, []int{90, 85, 80}, codec.encodes)
	assert.Equal(t, 80, res.Quality)
	assert.Zero(t, res.Rounds)
}

func TestLadderEndsOnFloor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []int{90, 85, 80, 75, 70, 65, 60, 55, 50}, Ladder(Config{}))
	assert.Equal(t, []int{90, 83, 76, 69, 62, 55, 50}, Ladder(Config{Step: 7}))
	assert.Equal(t, []int{60}, Ladder(Config{Quality: 60, Floor: 60}))
}

func TestFitTriesFloorWithUnevenStep(t *testing.T) {
	t.Parallel()

	// Only quality 50 fits: 1000x1000 at q/50 bytes per pixel.
	codec := &sizeCodec{w: 1000, h: 1000, perPixel: func(q int) float64 { return float64(q) / 50 }}
	e := New(Config{Step: 7}, codec, nil)
	out, res, err := e.Fit(make([]byte, 2*mb), 1_000_000)
	require.NoError(t, err)
	assert.Len(t, out, 1_000_000)
	assert.Equal(t, 50, res.Quality)
	assert.Zero(t, res.Rounds, "floor reached before any dimension round")
	assert.Equal(t, []int{90, 83, 76, 69, 62, 55, 50}, codec.encodes)
}

// 12 MB input, 10 MB ceiling, the floor does not fit and one dimension
// round does.
func TestFitTwelveMegabytesIntoTen(t *testing.T) {
	t.Parallel()

	// 4000x3000 = 12M pixels, 1 byte/pixel at every quality: the ladder cannot help.
	codec := &sizeCodec{w: 4000, h: 3000, perPixel: func(int) float64 { return 1 }}
	e := New(Config{}, codec, nil)
	ceiling := 10 * mb
	out, res, err := e.Fit(make([]byte, 12*mb), ceiling)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), ceiling)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, DefaultModerateQuality, res.Quality)
	assert.Equal(t, []int{90, 85, 80, 75, 70, 65, 60, 55, 50, DefaultModerateQuality}, codec.encodes)

	firstFactor := ScaleFactor(12_000_000, ceiling)
	assert.Equal(t, int(math.Round(4000*firstFactor)), res.Width)
}

func TestFitUnfittableAfterMaxRounds(t *testing.T) {
	t.Parallel()

	// Every encode is at least 5 MB regardless of dimensions.
	codec := &fixedCodec{size: 5 * mb}
	e := New(Config{}, codec, nil)
	_, res, err := e.Fit(make([]byte, 6*mb), mb)
	require.Error(t, err)
	assert.True(t, errors.Is(err, harvest.ErrUnfittable))
	assert.Equal(t, harvest.KindUnfittable, harvest.Classify(err))
	assert.Equal(t, DefaultMaxRounds, res.Rounds)
	assert.Equal(t, 9+DefaultMaxRounds, codec.calls)
}

func TestFitUndecodablePayload(t *testing.T) {
	t.Parallel()

	codec := &sizeCodec{decodeErr: fmt.Errorf("garbage")}
	e := New(Config{}, codec, nil)
	_, _, err := e.Fit(make([]byte, 100), 10)
	assert.Equal(t, harvest.KindInvalidPayload, harvest.Classify(err))
}

// For random sizes and ceilings the result either fits or is unfittable, and
// the number of encodes is bounded by the ladder.
func TestFitConvergesOrFails(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	maxEncodes := (DefaultQuality-DefaultFloor)/DefaultStep + 1 + DefaultMaxRounds
	for i := 0; i < 300; i++ {
		w, h := 50+rng.Intn(500), 50+rng.Intn(500)
		bpp := 0.2 + rng.Float64()*2
		codec := &sizeCodec{w: w, h: h, perPixel: func(q int) float64 { return bpp * float64(q) / 90 }}
		ceiling := 1 + rng.Intn(w*h)
		out, _, err := New(Config{}, codec, nil).Fit(make([]byte, ceiling+1), ceiling)
		if err != nil {
			require.ErrorIs(t, err, harvest.ErrUnfittable)
		} else {
			require.LessOrEqual(t, len(out), ceiling)
		}
		require.LessOrEqual(t, len(codec.encodes), maxEncodes)
	}
}

func TestFitDeterministic(t *testing.T) {
	t.Parallel()

	run := func() (int, harvest.FitResult) {
		codec := &sizeCodec{w: 4000, h: 3000, perPixel: func(q int) float64 { return float64(q) / 80 }}
		out, res, err := New(Config{}, codec, nil).Fit(make([]byte, 14*mb), 6*mb)
		require.NoError(t, err)
		return len(out), res
	}
	n1, r1 := run()
	n2, r2 := run()
	assert.Equal(t, n1, n2)
	assert.Equal(t, r1, r2)
}

func TestScaleFactorClamped(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.95, ScaleFactor(10, 1000), 1e-9)
	assert.InDelta(t, 0.1, ScaleFactor(1_000_000, 1), 1e-9)
	assert.InDelta(t, math.Sqrt(0.5)*0.95, ScaleFactor(200, 100), 1e-9)
}

func TestJPEGCodecShrinksRealImage(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	rng := rand.New(rand.NewSource(1))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			img.Set(x, y, color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(x), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	payload := buf.Bytes()

	ceiling := len(payload) / 8
	out, res, err := New(Config{}, nil, nil).Fit(payload, ceiling)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), ceiling)
	assert.True(t, res.Changed)

	decoded, err := JPEG{}.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, res.Width, decoded.Bounds().Dx())
}

type fixedCodec struct {
	size  int
	calls int
}

func (c *fixedCodec) Decode([]byte) (image.Image, error) { return dims{100, 100}, nil }
func (c *fixedCodec) Encode(image.Image, int) ([]byte, error) {
	c.calls++
	return make([]byte, c.size), nil
}
func (c *fixedCodec) Scale(img image.Image, f float64) image.Image { return img }
