package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc receives a freshly loaded and validated configuration.
type ReloadFunc func(cfg *Config)

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Path               string
	StabilityThreshold time.Duration
	OnReload           ReloadFunc
	Logger             zerolog.Logger
}

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	watcher            *fsnotify.Watcher
	loader             *Loader
	path               string
	stabilityThreshold time.Duration
	onReload           ReloadFunc
	logger             zerolog.Logger
	done               chan struct{}
	timer              *time.Timer
	timerMu            sync.Mutex
	stopOnce           sync.Once
}

// NewWatcher creates a config watcher. The parent directory is watched
// rather than the file so editors that replace the file are still seen.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 100 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		watcher:            watcher,
		loader:             NewLoader(cfg.Path),
		path:               filepath.Clean(cfg.Path),
		stabilityThreshold: cfg.StabilityThreshold,
		onReload:           cfg.OnReload,
		logger:             cfg.Logger.With().Str("component", "config-watcher").Logger(),
		done:               make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

// scheduleReload coalesces bursts of writes into one reload.
func (w *Watcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.stabilityThreshold, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn().Err(err).Msg("Reloaded config is invalid, keeping previous config")
		return
	}

	w.logger.Info().Str("logLevel", cfg.Logging.Level).Msg("Config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
