package encoder

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	// Decoders for the formats sources commonly return.
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// JPEG re-encodes any decodable image as baseline JPEG.
type JPEG struct{}

var _ Codec = JPEG{}

// Decode parses JPEG, PNG, GIF or WebP data.
func (JPEG) Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// Encode writes img at quality (1-100).
func (JPEG) Encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Scale resizes img by factor with Catmull-Rom resampling. Each side keeps at
// least one pixel.
func (JPEG) Scale(img image.Image, factor float64) image.Image {
	b := img.Bounds()
	w := max(1, int(math.Round(float64(b.Dx())*factor)))
	h := max(1, int(math.Round(float64(b.Dy())*factor)))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
