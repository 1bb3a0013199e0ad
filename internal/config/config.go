// Package config loads the asicast configuration from a YAML file, the
// environment and command line flags, and watches the file for changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"asicast/internal/control"
	"asicast/internal/source"
	"asicast/internal/store"
)

// Config is the complete service configuration
type Config struct {
	Server   ServerConfig     `yaml:"server"`
	Source   SourceConfig     `yaml:"source"`
	Stream   StreamConfig     `yaml:"stream"`
	Controls map[string]int64 `yaml:"controls"`
	Store    StoreConfig      `yaml:"store"`
	Auth     AuthConfig       `yaml:"auth"`
	Log      LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Listen          string `yaml:"listen"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

type SourceConfig struct {
	Driver         string `yaml:"driver"` // synthetic | ffmpeg
	Mode           string `yaml:"mode"`   // video | exposure
	Name           string `yaml:"name"`
	Device         string `yaml:"device"`
	Width          int    `yaml:"width"`
	Height         int    `yaml:"height"`
	FPS            int    `yaml:"fps"`
	FFmpeg         string `yaml:"ffmpeg"`
	V4L2           string `yaml:"v4l2_ctl"`
	AcquireTimeout string `yaml:"acquire_timeout"`
	OnDemand       bool   `yaml:"on_demand"`
}

// StreamConfig holds broadcast tunables. Fields marked hot are applied to a
// running session when the file changes.
type StreamConfig struct {
	Topic           string  `yaml:"topic"`
	PublishInterval string  `yaml:"publish_interval"` // hot
	TickInterval    string  `yaml:"tick_interval"`
	JPEGQuality     int     `yaml:"jpeg_quality"`  // hot
	PreviewWidth    int     `yaml:"preview_width"` // hot
	MessageRate     float64 `yaml:"message_rate"`
	MessageBurst    int     `yaml:"message_burst"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`           // empty disables persistence
	Retention     string `yaml:"retention"`      // empty keeps sessions forever
	PruneSchedule string `yaml:"prune_schedule"` // cron expression or descriptor
}

type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"` // plaintext or bcrypt hash
	JWTSecret string `yaml:"jwt_secret"`
	TokenTTL  string `yaml:"token_ttl"`
}

type LogConfig struct {
	Level   string `yaml:"level"` // hot
	Console bool   `yaml:"console"`
	File    string `yaml:"file"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":9002",
			ShutdownTimeout: "5s",
		},
		Source: SourceConfig{
			Driver:         source.DriverSynthetic,
			Mode:           string(source.ModeVideo),
			Name:           "camera",
			Device:         "/dev/video0",
			Width:          1280,
			Height:         720,
			FPS:            30,
			AcquireTimeout: "500ms",
		},
		Stream: StreamConfig{
			Topic:           "images",
			PublishInterval: "1s",
			TickInterval:    "10ms",
			JPEGQuality:     80,
			PreviewWidth:    0,
			MessageRate:     20,
			MessageBurst:    40,
		},
		Store: StoreConfig{
			Path:          "asicast.db",
			Retention:     "720h",
			PruneSchedule: "@hourly",
		},
		Auth: AuthConfig{
			Username: "admin",
			TokenTTL: "24h",
		},
		Log: LogConfig{Level: "info", Console: true},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays YAML onto cfg, rejecting unknown fields
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("ASICAST_LISTEN", &c.Server.Listen)
	str("ASICAST_SOURCE_DRIVER", &c.Source.Driver)
	str("ASICAST_SOURCE_MODE", &c.Source.Mode)
	str("ASICAST_DEVICE", &c.Source.Device)
	num("ASICAST_WIDTH", &c.Source.Width)
	num("ASICAST_HEIGHT", &c.Source.Height)
	num("ASICAST_FPS", &c.Source.FPS)
	flag("ASICAST_ON_DEMAND", &c.Source.OnDemand)
	str("ASICAST_PUBLISH_INTERVAL", &c.Stream.PublishInterval)
	num("ASICAST_JPEG_QUALITY", &c.Stream.JPEGQuality)
	str("ASICAST_DB_PATH", &c.Store.Path)
	str("ASICAST_DB_RETENTION", &c.Store.Retention)
	str("ASICAST_LOG_LEVEL", &c.Log.Level)
	flag("AUTH_ENABLED", &c.Auth.Enabled)
	str("AUTH_USERNAME", &c.Auth.Username)
	str("AUTH_PASSWORD", &c.Auth.Password)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("JWT_EXPIRY", &c.Auth.TokenTTL)

	return errors.Join(errs...)
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen: must not be empty"))
	}
	switch c.Source.Driver {
	case source.DriverSynthetic, source.DriverFFmpeg:
	default:
		errs = append(errs, fmt.Errorf("source.driver: unknown driver %q", c.Source.Driver))
	}
	switch source.Mode(c.Source.Mode) {
	case source.ModeVideo, source.ModeExposure:
	default:
		errs = append(errs, fmt.Errorf("source.mode: unknown mode %q", c.Source.Mode))
	}
	if c.Source.Width <= 0 || c.Source.Height <= 0 {
		errs = append(errs, fmt.Errorf("source: invalid frame size %dx%d", c.Source.Width, c.Source.Height))
	}
	if c.Source.Driver == source.DriverFFmpeg && c.Source.Device == "" {
		errs = append(errs, errors.New("source.device: required for the ffmpeg driver"))
	}
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("stream.jpeg_quality: %d out of range 1..100", c.Stream.JPEGQuality))
	}
	if c.Stream.PreviewWidth < 0 {
		errs = append(errs, errors.New("stream.preview_width: must be >= 0"))
	}
	if c.Stream.MessageRate < 0 {
		errs = append(errs, errors.New("stream.message_rate: must be >= 0"))
	}
	for name := range c.Controls {
		if !control.ID(strings.ToLower(name)).Valid() {
			errs = append(errs, fmt.Errorf("controls.%s: unknown control", name))
		}
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		errs = append(errs, errors.New("auth.password: required when auth is enabled"))
	}
	if c.Retention() > 0 {
		if _, err := store.ParseSchedule(c.Store.PruneSchedule); err != nil {
			errs = append(errs, fmt.Errorf("store.prune_schedule: %w", err))
		}
	}

	for path, raw := range map[string]string{
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"source.acquire_timeout":  c.Source.AcquireTimeout,
		"stream.publish_interval": c.Stream.PublishInterval,
		"stream.tick_interval":    c.Stream.TickInterval,
		"auth.token_ttl":          c.Auth.TokenTTL,
		"store.retention":         c.Store.Retention,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// SourceOptions converts the source section for the source factory
func (c *Config) SourceOptions() source.Config {
	return source.Config{
		Driver: c.Source.Driver,
		Mode:   source.Mode(c.Source.Mode),
		DeviceConfig: source.DeviceConfig{
			Name:   c.Source.Name,
			Device: c.Source.Device,
			Width:  c.Source.Width,
			Height: c.Source.Height,
			FPS:    c.Source.FPS,
			FFmpeg: c.Source.FFmpeg,
			V4L2:   c.Source.V4L2,
		},
	}
}

// InitialControls returns the configured control overrides
func (c *Config) InitialControls() map[control.ID]int64 {
	out := make(map[control.ID]int64, len(c.Controls))
	for name, v := range c.Controls {
		out[control.ID(strings.ToLower(name))] = v
	}
	return out
}

func (c *Config) ShutdownTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("server.shutdown_timeout", c.Server.ShutdownTimeout, 5*time.Second)
	return d
}

func (c *Config) AcquireTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("source.acquire_timeout", c.Source.AcquireTimeout, 500*time.Millisecond)
	return d
}

// PublishInterval may be zero, which publishes every frame
func (c *Config) PublishInterval() time.Duration {
	d, _ := ParseDurationField("stream.publish_interval", c.Stream.PublishInterval)
	return d
}

func (c *Config) TickInterval() time.Duration {
	d, _ := ParseDurationOrDefault("stream.tick_interval", c.Stream.TickInterval, 10*time.Millisecond)
	return d
}

// Retention is zero when old sessions are kept
func (c *Config) Retention() time.Duration {
	d, _ := ParseDurationField("store.retention", c.Store.Retention)
	return d
}

func (c *Config) TokenTTL() time.Duration {
	d, _ := ParseDurationOrDefault("auth.token_ttl", c.Auth.TokenTTL, 24*time.Hour)
	return d
}
