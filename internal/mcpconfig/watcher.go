package mcpconfig

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a YAML config file whenever it changes on disk, calling
// onChange with the freshly parsed document. Many editors replace a file
// rather than writing in place, so both Write and Create/Rename events on
// the path are treated as a reload trigger.
type Watcher struct {
	path     string
	loader   *Loader
	logger   *slog.Logger
	onChange func(*Document)

	watcher *fsnotify.Watcher
}

// NewWatcher builds a watcher for path. Call Start to begin watching.
func NewWatcher(path string, loader *Loader, logger *slog.Logger, onChange func(*Document)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, loader: loader, logger: logger, onChange: onChange}
}

// Start begins watching the config file's directory (fsnotify doesn't
// reliably track a single path across editor rename-swap saves) and runs
// until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("mcpconfig: create watcher: %w", err)
	}
	w.watcher = fw

	dir := dirOf(w.path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("mcpconfig: watch %s: %w", dir, err)
	}

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("mcpconfig: watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	w.loader.ClearCache()
	doc, err := w.loader.LoadFromFile(w.path)
	if err != nil {
		w.logger.Warn("mcpconfig: reload failed", "path", w.path, "error", err)
		return
	}
	if errs := ValidateConfig(doc); len(errs) > 0 {
		w.logger.Warn("mcpconfig: reloaded config is invalid, keeping previous", "path", w.path, "errors", len(errs))
		return
	}
	w.onChange(doc)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
