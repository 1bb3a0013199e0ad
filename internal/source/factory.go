package source

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Drivers
const (
	DriverSynthetic = "synthetic"
	DriverFFmpeg    = "ffmpeg"
)

// Config selects and configures a frame source
type Config struct {
	Driver string
	Mode   Mode
	DeviceConfig
}

// New builds the source described by cfg
func New(cfg Config, logger zerolog.Logger) (FrameSource, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeVideo
	}
	if mode != ModeVideo && mode != ModeExposure {
		return nil, fmt.Errorf("unknown source mode %q", cfg.Mode)
	}

	switch cfg.Driver {
	case DriverSynthetic, "":
		return NewSyntheticSource(cfg.Name, mode, cfg.Width, cfg.Height, cfg.FPS), nil
	case DriverFFmpeg:
		if cfg.Device == "" {
			return nil, fmt.Errorf("ffmpeg source %s has no device", cfg.Name)
		}
		if mode == ModeExposure {
			return NewExposureSource(cfg.DeviceConfig, logger), nil
		}
		return NewVideoSource(cfg.DeviceConfig, logger), nil
	default:
		return nil, fmt.Errorf("unknown source driver %q", cfg.Driver)
	}
}
