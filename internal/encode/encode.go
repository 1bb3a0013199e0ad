package encode

import (
	"encoding/base64"
	"errors"

	"asicast/internal/frame"
)

// ErrEmptyFrame is returned when there is nothing to encode
var ErrEmptyFrame = errors.New("frame is empty")

// Encoder turns a frame into a payload for subscribers
type Encoder interface {
	// Encode compresses f. It must not retain f after returning.
	Encode(f *frame.Frame) ([]byte, error)

	// TextSafe makes an encoded payload safe for text transports
	TextSafe(b []byte) string
}

// TextSafe returns the standard padded base64 form of b
func TextSafe(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func checkFrame(f *frame.Frame) error {
	if f.Empty() {
		return ErrEmptyFrame
	}
	return f.Validate()
}
