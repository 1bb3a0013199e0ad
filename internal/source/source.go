package source

import (
	"context"
	"errors"
	"time"

	"asicast/internal/control"
	"asicast/internal/frame"
)

var (
	// ErrTimeout is returned by AcquireFrame when no frame arrived in time
	ErrTimeout = errors.New("frame acquisition timed out")
	// ErrNotStreaming is returned by AcquireFrame before StartStreaming
	ErrNotStreaming = errors.New("source is not streaming")
	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("source is closed")
	// ErrUnsupportedControl is returned for controls the backend cannot set
	ErrUnsupportedControl = errors.New("control not supported by source")
)

// Mode selects how a source produces frames
type Mode string

const (
	// ModeVideo streams continuously; AcquireFrame waits for the next frame
	ModeVideo Mode = "video"
	// ModeExposure takes one exposure per AcquireFrame
	ModeExposure Mode = "exposure"
)

// Info describes an opened source
type Info struct {
	Name   string           `json:"name"`
	Driver string           `json:"driver"`
	Mode   Mode             `json:"mode"`
	Width  int              `json:"width"`
	Height int              `json:"height"`
	Order  frame.PixelOrder `json:"pixel_order"`
}

// FrameSource is a capture device
type FrameSource interface {
	// Open initializes the device; failure is fatal for the process
	Open(ctx context.Context) error

	// StartStreaming begins frame production
	StartStreaming() error

	// StopStreaming halts frame production; AcquireFrame then returns ErrNotStreaming
	StopStreaming() error

	// AcquireFrame blocks until a new frame is copied into buf, timeout elapses
	// (ErrTimeout) or ctx is done. buf is resized to the source dimensions.
	AcquireFrame(ctx context.Context, buf *frame.Frame, timeout time.Duration) error

	// SetControlValue pushes a control setting to the device
	SetControlValue(id control.ID, value int64) error

	// Info returns the source description
	Info() Info

	// Close releases the device
	Close() error
}
