package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of filesystem events editors produce
// when saving a file.
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk and hands
// each validated result to the registered callback. A file that fails to
// parse or validate is logged and ignored; the previous configuration stays
// in effect.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onReload func(*Config)
}

// NewWatcher creates a watcher for the given config file. onReload is
// invoked from the watch goroutine with each successfully validated reload.
func NewWatcher(path string, logger *slog.Logger, onReload func(*Config)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		logger:   logger,
		onReload: onReload,
	}
}

// Watch blocks until ctx is cancelled, reloading the config file on change.
// The parent directory is watched rather than the file itself so that
// rename-over-save editors keep triggering events.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", dir, err)
	}

	base := filepath.Base(w.path)

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce == nil {
					debounce = time.NewTimer(reloadDebounce)
					fire = debounce.C
				} else {
					debounce.Reset(reloadDebounce)
				}
			}

		case <-fire:
			debounce = nil
			fire = nil
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Config reload rejected, keeping previous configuration",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}

	w.logger.Info("Config reloaded", slog.String("path", w.path))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
