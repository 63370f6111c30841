package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads the config file whenever it changes and publishes the latest
// snapshot. Readers call Current on every cycle, so edits take effect without a
// restart. A snapshot that fails to parse is discarded and the previous one
// stays in effect.
type Watcher struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]
	onSwap  func(*Config)
}

// NewWatcher wraps an initial snapshot. onSwap may be nil; when set it runs
// after each successful reload.
func NewWatcher(path string, initial *Config, logger *slog.Logger, onSwap func(*Config)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{path: path, logger: logger, onSwap: onSwap}
	w.current.Store(initial)
	return w
}

// Current returns the most recent valid snapshot.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Run watches the config file until ctx is cancelled. Editors replace files on
// save, so the parent directory is watched and events are debounced.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", slog.Any("error", err))
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous snapshot",
			slog.String("path", w.path), slog.Any("error", err))
		return
	}
	w.current.Store(cfg)
	w.logger.Info("config reloaded", slog.String("path", w.path))
	if w.onSwap != nil {
		w.onSwap(cfg)
	}
}
