package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultSettle is how long the watcher waits after the last write before
// reloading, so an editor's save sequence produces one reload.
const DefaultSettle = 250 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path   string
	load   func(path string) (*Config, error)
	settle time.Duration
	logger *zap.Logger
}

// NewWatcher watches path. load parses and validates the file; a nil load
// uses Load followed by Validate.
func NewWatcher(path string, load func(path string) (*Config, error), logger *zap.Logger) *Watcher {
	if load == nil {
		load = func(p string) (*Config, error) {
			cfg, err := Load(p)
			if err != nil {
				return nil, err
			}
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
	}
	return &Watcher{
		path:   filepath.Clean(path),
		load:   load,
		settle: DefaultSettle,
		logger: logger.Named("config"),
	}
}

// Run calls onChange with each successfully reloaded config until ctx is
// cancelled. A config that fails to load is logged and ignored; the previous
// one stays in effect.
func (w *Watcher) Run(ctx context.Context, onChange func(*Config)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer fw.Close()

	// Watch the directory: editors and config management replace the file
	// by rename, which drops a watch on the file itself.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("Watching config file", zap.String("path", w.path))

	timer := time.NewTimer(w.settle)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.settle)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		case <-timer.C:
			cfg, err := w.load(w.path)
			if err != nil {
				w.logger.Warn("Ignoring invalid config change", zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.logger.Info("Config reloaded", zap.String("path", w.path))
			onChange(cfg)
		}
	}
}
