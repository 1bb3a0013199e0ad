package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes and hands every valid,
// changed config to the callback
type Watcher struct {
	path   string
	apply  func(*Config)
	logger zerolog.Logger

	mu      sync.Mutex
	current *Config
}

// NewWatcher creates a watcher for path starting from current
func NewWatcher(path string, current *Config, apply func(*Config), logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:    path,
		apply:   apply,
		current: current,
		logger:  logger.With().Str("component", "Config").Str("path", path).Logger(),
	}
}

// Run watches until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer fw.Close()

	// Watch the directory so editors that replace the file are seen
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	file := filepath.Base(w.path)

	// Reloads run on this goroutine, so none is in flight once Run returns
	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()
	var reload <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(reloadDebounce)
			reload = timer.C
		case <-reload:
			reload = nil
			w.Reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("config watch error")
		}
	}
}

// Reload reads the file and applies it if it is valid and differs from the
// current config
func (w *Watcher) Reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("config reload rejected")
		return
	}

	w.mu.Lock()
	unchanged := reflect.DeepEqual(cfg, w.current)
	if !unchanged {
		w.current = cfg
	}
	w.mu.Unlock()

	if unchanged {
		w.logger.Debug().Msg("config unchanged")
		return
	}
	w.logger.Info().Msg("config reloaded")
	w.apply(cfg)
}

// Current returns the last applied config
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}
