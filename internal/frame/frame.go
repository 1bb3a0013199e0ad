package frame

import (
	"fmt"
	"image"
	"time"
)

// Channels is the number of interleaved 8-bit channels in every frame
const Channels = 3

// PixelOrder defines the channel order of the interleaved pixel data
type PixelOrder uint8

const (
	// OrderBGR is what the camera SDK delivers for RGB24 captures
	OrderBGR PixelOrder = 0
	// OrderRGB is the order produced by ffmpeg rgb24 and the synthetic source
	OrderRGB PixelOrder = 1
)

func (o PixelOrder) String() string {
	if o == OrderBGR {
		return "bgr"
	}
	return "rgb"
}

// Frame represents one captured image
type Frame struct {
	Width      int        // Frame width in pixels
	Height     int        // Frame height in pixels
	Order      PixelOrder // Channel order of Pix
	Pix        []byte     // Interleaved pixel data, Width*Height*Channels bytes
	Seq        uint64     // Capture sequence number
	CapturedAt time.Time  // Capture timestamp
}

// New allocates a zeroed frame of the given size
func New(width, height int, order PixelOrder) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Order:  order,
		Pix:    make([]byte, width*height*Channels),
	}
}

// Size returns the expected length of Pix for the frame dimensions
func (f *Frame) Size() int {
	return f.Width * f.Height * Channels
}

// Empty reports whether the frame carries no usable pixels
func (f *Frame) Empty() bool {
	return f == nil || f.Width <= 0 || f.Height <= 0 || len(f.Pix) == 0
}

// Validate checks that Pix matches the declared dimensions
func (f *Frame) Validate() error {
	if f.Empty() {
		return fmt.Errorf("frame is empty")
	}
	if len(f.Pix) != f.Size() {
		return fmt.Errorf("frame buffer is %d bytes, want %d for %dx%d", len(f.Pix), f.Size(), f.Width, f.Height)
	}
	return nil
}

// Resize reallocates Pix when the dimensions change, keeping the buffer otherwise
func (f *Frame) Resize(width, height int) {
	f.Width = width
	f.Height = height
	if cap(f.Pix) >= f.Size() {
		f.Pix = f.Pix[:f.Size()]
		return
	}
	f.Pix = make([]byte, f.Size())
}

// Clone returns a deep copy that shares no memory with f
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.Pix = make([]byte, len(f.Pix))
	copy(c.Pix, f.Pix)
	return &c
}

// ToRGBA converts the frame into an *image.RGBA, swapping channels for BGR data
func (f *Frame) ToRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	n := f.Width * f.Height
	if len(f.Pix) < n*Channels {
		n = len(f.Pix) / Channels
	}

	src, dst := f.Pix, img.Pix
	for i := 0; i < n; i++ {
		s, d := i*Channels, i*4
		if f.Order == OrderBGR {
			dst[d], dst[d+1], dst[d+2] = src[s+2], src[s+1], src[s]
		} else {
			dst[d], dst[d+1], dst[d+2] = src[s], src[s+1], src[s+2]
		}
		dst[d+3] = 0xff
	}
	return img
}

// RGB returns the red, green and blue values of the pixel at x, y
func (f *Frame) RGB(x, y int) (r, g, b uint8) {
	i := (y*f.Width + x) * Channels
	if f.Order == OrderBGR {
		return f.Pix[i+2], f.Pix[i+1], f.Pix[i]
	}
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2]
}
