package encode

import (
	"image"
	"image/color"
	"strconv"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"asicast/internal/frame"
)

// Plot geometry
const (
	HistogramWidth  = 960
	HistogramHeight = 540
	labelArea       = 40
	gridLines       = 8
)

var (
	plotBackground = color.RGBA{255, 255, 255, 255}
	plotGrid       = color.RGBA{220, 220, 220, 255}
	plotAxis       = color.RGBA{0, 0, 0, 255}
	channelColors  = [3]color.RGBA{
		{255, 0, 0, 255},
		{0, 160, 0, 255},
		{0, 0, 255, 255},
	}
)

// Histogram holds per-channel value counts in R, G, B order
type Histogram [3][256]uint32

// ComputeHistogram counts channel values of f, honouring its pixel order
func ComputeHistogram(f *frame.Frame) Histogram {
	var h Histogram
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			r, g, b := f.RGB(x, y)
			h[0][r]++
			h[1][g]++
			h[2][b]++
		}
	}
	return h
}

// Max returns the largest bin over all channels, at least 1
func (h *Histogram) Max() uint32 {
	var m uint32 = 1
	for c := range h {
		for _, v := range h[c] {
			if v > m {
				m = v
			}
		}
	}
	return m
}

// HistogramEncoder renders a per-channel histogram plot of the frame and
// encodes the plot as JPEG
type HistogramEncoder struct {
	jpeg *JPEGEncoder
}

// NewHistogramEncoder creates a histogram encoder sharing quality settings with j
func NewHistogramEncoder(j *JPEGEncoder) *HistogramEncoder {
	return &HistogramEncoder{jpeg: j}
}

func (e *HistogramEncoder) Encode(f *frame.Frame) ([]byte, error) {
	if err := checkFrame(f); err != nil {
		return nil, err
	}
	h := ComputeHistogram(f)
	return e.jpeg.encodeImage(Plot(&h))
}

func (e *HistogramEncoder) TextSafe(b []byte) string {
	return TextSafe(b)
}

// Plot draws h as three line series on a white chart with axis labels
func Plot(h *Histogram) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, HistogramWidth, HistogramHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(plotBackground), image.Point{}, draw.Src)

	area := image.Rect(labelArea, 10, HistogramWidth-10, HistogramHeight-labelArea)

	for i := 0; i <= gridLines; i++ {
		x := area.Min.X + i*area.Dx()/gridLines
		y := area.Min.Y + i*area.Dy()/gridLines
		vline(img, x, area.Min.Y, area.Max.Y, plotGrid)
		hline(img, area.Min.X, area.Max.X, y, plotGrid)
	}
	vline(img, area.Min.X, area.Min.Y, area.Max.Y, plotAxis)
	hline(img, area.Min.X, area.Max.X, area.Max.Y, plotAxis)

	peak := h.Max()
	for c := range h {
		prevX, prevY := -1, -1
		for v, count := range h[c] {
			x := area.Min.X + v*area.Dx()/255
			y := area.Max.Y - int(uint64(count)*uint64(area.Dy())/uint64(peak))
			if prevX >= 0 {
				line(img, prevX, prevY, x, y, channelColors[c])
			}
			prevX, prevY = x, y
		}
	}

	drawLabel(img, area.Min.X-3, area.Max.Y+6, "0")
	drawLabel(img, area.Max.X-21, area.Max.Y+6, "255")
	drawLabel(img, 2, area.Min.Y, strconv.FormatUint(uint64(peak), 10))
	return img
}

func hline(img *image.RGBA, x0, x1, y int, c color.RGBA) {
	for x := x0; x <= x1; x++ {
		img.SetRGBA(x, y, c)
	}
}

func vline(img *image.RGBA, x, y0, y1 int, c color.RGBA) {
	for y := y0; y <= y1; y++ {
		img.SetRGBA(x, y, c)
	}
}

// line draws a straight segment with Bresenham's algorithm
func line(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		img.SetRGBA(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// drawLabel draws text with its top left corner at x, y
func drawLabel(img *image.RGBA, x, y int, label string) {
	if x < 0 {
		x = 0
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(plotAxis),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
