// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "15:04:05.000"

// Config configures the logger
type Config struct {
	Level   string
	Console bool   // human readable output instead of JSON
	File    string // optional log file, appended to
}

// Logger is a zerolog logger plus the resources it holds
type Logger struct {
	zerolog.Logger
	file *os.File
}

// New creates a logger writing to stdout and, if configured, a file
func New(cfg Config) (*Logger, error) {
	zerolog.ErrorFieldName = "err"

	var out io.Writer = os.Stdout
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}
	}

	l := &Logger{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		out = zerolog.MultiLevelWriter(out, f)
	}

	SetLevel(cfg.Level)
	l.Logger = zerolog.New(out).With().Timestamp().Logger()
	return l, nil
}

// SetLevel changes the level of every logger in the process
func SetLevel(level string) zerolog.Level {
	lvl := ParseLevel(level, zerolog.InfoLevel)
	zerolog.SetGlobalLevel(lvl)
	return lvl
}

// ParseLevel maps a level name to a zerolog level, def when unknown
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
