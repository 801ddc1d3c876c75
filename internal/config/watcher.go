package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the burst of filesystem events editors emit when
// saving a file.
const debounceDelay = 250 * time.Millisecond

// ReloadFunc receives each validated configuration after a file change.
// Only credential and policy changes take effect at runtime; callers apply
// those sections and ignore the rest until restart.
type ReloadFunc func(cfg *Config)

// Watcher re-reads the configuration file on change and hands validated
// documents to the reload callback. Documents that fail validation are
// logged and dropped; the running configuration stays in effect.
type Watcher struct {
	path     string
	onReload ReloadFunc
	logger   *slog.Logger

	fsw *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by rename,
	// which drops a watch placed on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{path: path, onReload: onReload, logger: logger, fsw: fsw}, nil
}

// Run processes filesystem events until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceDelay)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

// relevant reports whether the event concerns the watched config file.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename)
}

// reload parses and validates the file, delivering it only when sound.
func (w *Watcher) reload() {
	cfg, err := ParseFile(w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping current configuration",
			"path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(cfg)
}
