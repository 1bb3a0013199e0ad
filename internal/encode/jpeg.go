package encode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync/atomic"

	"golang.org/x/image/draw"

	"asicast/internal/frame"
)

// DefaultQuality is used when no JPEG quality is configured
const DefaultQuality = 80

// JPEGEncoder encodes frames as JPEG, downscaling frames wider than the
// configured maximum. Quality and width can be changed while encoding.
type JPEGEncoder struct {
	quality  atomic.Int32
	maxWidth atomic.Int32
}

// NewJPEGEncoder creates an encoder. maxWidth <= 0 disables downscaling.
func NewJPEGEncoder(quality, maxWidth int) *JPEGEncoder {
	e := &JPEGEncoder{}
	e.SetQuality(quality)
	e.SetMaxWidth(maxWidth)
	return e
}

// SetQuality changes the JPEG quality, clamped to 1..100
func (e *JPEGEncoder) SetQuality(q int) {
	switch {
	case q <= 0:
		q = DefaultQuality
	case q > 100:
		q = 100
	}
	e.quality.Store(int32(q))
}

// Quality returns the current JPEG quality
func (e *JPEGEncoder) Quality() int {
	return int(e.quality.Load())
}

// SetMaxWidth changes the preview width limit
func (e *JPEGEncoder) SetMaxWidth(w int) {
	if w < 0 {
		w = 0
	}
	e.maxWidth.Store(int32(w))
}

func (e *JPEGEncoder) Encode(f *frame.Frame) ([]byte, error) {
	if err := checkFrame(f); err != nil {
		return nil, err
	}

	var img image.Image = f.ToRGBA()
	if limit := int(e.maxWidth.Load()); limit > 0 && f.Width > limit {
		img = downscale(img, limit)
	}
	return e.encodeImage(img)
}

func (e *JPEGEncoder) encodeImage(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.Quality()}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *JPEGEncoder) TextSafe(b []byte) string {
	return TextSafe(b)
}

// downscale resizes img to width, keeping the aspect ratio
func downscale(img image.Image, width int) image.Image {
	b := img.Bounds()
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
