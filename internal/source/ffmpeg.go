package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"asicast/internal/control"
)

// DeviceConfig describes an ffmpeg-backed capture device
type DeviceConfig struct {
	Name   string
	Device string // /dev/videoN, rtsp:// or http(s):// URL
	Width  int
	Height int
	FPS    int
	FFmpeg string // ffmpeg binary, defaults to "ffmpeg"
	V4L2   string // v4l2-ctl binary, defaults to "v4l2-ctl"
}

func (c DeviceConfig) ffmpegBin() string {
	if c.FFmpeg != "" {
		return c.FFmpeg
	}
	return "ffmpeg"
}

func (c DeviceConfig) v4l2Bin() string {
	if c.V4L2 != "" {
		return c.V4L2
	}
	return "v4l2-ctl"
}

// isNetworkSource checks if device is an HTTP/RTSP URL
func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

// deviceAccessible checks that a local device node exists and can be opened
func deviceAccessible(device string) error {
	// Network sources are verified when capturing
	if isNetworkSource(device) {
		return nil
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("camera device %s is not accessible: %w", device, err)
	}
	return file.Close()
}

// inputArgs returns the ffmpeg input options for the device
func (c DeviceConfig) inputArgs() []string {
	switch {
	case strings.HasPrefix(c.Device, "rtsp://"):
		return []string{"-rtsp_transport", "tcp", "-i", c.Device}
	case isNetworkSource(c.Device):
		return []string{"-i", c.Device}
	default:
		args := []string{"-f", "v4l2"}
		if c.Width > 0 && c.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height))
		}
		if c.FPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(c.FPS))
		}
		return append(args, "-i", c.Device)
	}
}

// rawOutputArgs makes ffmpeg write packed rgb24 frames of a fixed size to stdout
func (c DeviceConfig) rawOutputArgs(frames int) []string {
	args := []string{"-an"}
	if frames > 0 {
		args = append(args, "-frames:v", strconv.Itoa(frames))
	}
	args = append(args,
		"-vf", fmt.Sprintf("scale=%d:%d", c.Width, c.Height),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)
	return args
}

// captureArgs builds the complete ffmpeg argument list.
// frames == 0 streams until killed.
func (c DeviceConfig) captureArgs(frames int) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	args = append(args, c.inputArgs()...)
	return append(args, c.rawOutputArgs(frames)...)
}

// v4l2Controls maps control ids to V4L2 control names
var v4l2Controls = map[control.ID]string{
	control.Gain:     "gain",
	control.Exposure: "exposure_time_absolute",
	control.WBRed:    "red_balance",
	control.WBBlue:   "blue_balance",
}

// v4l2Value converts a control value into V4L2 units
func v4l2Value(id control.ID, value int64) int64 {
	if id == control.Exposure {
		// exposure_time_absolute counts 100µs steps
		v := value / 100
		if v < 1 {
			v = 1
		}
		return v
	}
	return value
}

// commandRunner runs an external command and returns its combined output
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// deviceControls applies controls to a V4L2 device through v4l2-ctl
type deviceControls struct {
	cfg    DeviceConfig
	run    commandRunner
	logger zerolog.Logger
}

func (d *deviceControls) set(id control.ID, value int64) error {
	if isNetworkSource(d.cfg.Device) {
		return fmt.Errorf("%w: %s on network source", ErrUnsupportedControl, id)
	}
	name, ok := v4l2Controls[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedControl, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	arg := fmt.Sprintf("--set-ctrl=%s=%d", name, v4l2Value(id, value))
	out, err := d.run(ctx, d.cfg.v4l2Bin(), "-d", d.cfg.Device, arg)
	if err != nil {
		return fmt.Errorf("v4l2-ctl %s: %w (output: %s)", arg, err, strings.TrimSpace(string(out)))
	}
	d.logger.Debug().Str("control", string(id)).Int64("value", value).Msg("control applied")
	return nil
}

// drainStderr logs ffmpeg diagnostics at debug level
func drainStderr(r io.Reader, logger zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug().Str("stderr", scanner.Text()).Msg("ffmpeg")
	}
}
