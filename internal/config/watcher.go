package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes and hands the new value to
// onChange. Only settings that are safe to swap at runtime (the group
// allow-list) are expected to be applied by the callback.
type Watcher struct {
	path     string
	onChange func(*Config)
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, onChange func(*Config)) *Watcher {
	return &Watcher{path: path, onChange: onChange}
}

// Run blocks until ctx is cancelled. The parent directory is watched so that
// editors replacing the file atomically are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	slog.Info("config.watch_started", "path", abs)

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config.watch_error", "error", err)

		case <-reload:
			cfg, err := Load(w.path)
			if err != nil {
				slog.Warn("config.reload_failed", "path", abs, "error", err)
				continue
			}
			slog.Info("config.reloaded", "path", abs, "allowed_groups", len(cfg.Pipeline.AllowedGroups))
			if w.onChange != nil {
				w.onChange(cfg)
			}
		}
	}
}
