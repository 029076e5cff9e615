package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var watchLog = logging.ForComponent(logging.CompConfig)

// Watcher reloads the config file when it changes on disk and hands the
// fresh Config to the registered callback. Editors often write via
// rename-over, so the parent directory is watched rather than the file.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(Config)

	cancel context.CancelFunc
}

// NewWatcher creates a watcher for the config file at path. onReload is
// invoked from the watcher goroutine with each successfully parsed config.
func NewWatcher(path string, onReload func(Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{path: path, watcher: fsw, onReload: onReload}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
}

// Stop halts the watcher and releases its OS resources.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	_ = w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	// Debounce timer: editors emit several events per save
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			watchLog.Warn("config_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// A bad edit keeps the previous config in effect
		watchLog.Warn("config_reload_rejected", slog.String("error", err.Error()))
		return
	}
	watchLog.Info("config_reloaded", slog.String("path", w.path))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
