package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a budget file for changes and re-applies it to a
// registrar. It debounces bursts of filesystem events to prevent
// reload storms, and keeps the last good configuration when a reload
// fails to parse or validate.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	debounceInterval time.Duration
	debounceMu       sync.Mutex
	debounceTimer    *time.Timer

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// WatcherConfig contains configuration for the budget file watcher.
type WatcherConfig struct {
	// Path is the budget file to watch.
	Path string

	// DebounceInterval is the time to wait after a change before
	// reloading (default: 100ms).
	DebounceInterval time.Duration

	// Logger receives reload progress and failures. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// NewWatcher creates a watcher for the given budget file.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	if cfg.DebounceInterval == 0 {
		cfg.DebounceInterval = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		path:             cfg.Path,
		watcher:          fsw,
		logger:           cfg.Logger.With("component", "budgetgate.config"),
		debounceInterval: cfg.DebounceInterval,
		stopCh:           make(chan struct{}),
	}, nil
}

// Watch loads the file once, applies it, then blocks re-applying on
// every change until the context is cancelled or Stop is called.
// Reload failures are logged and the previously applied budgets stay
// in effect.
func (w *Watcher) Watch(ctx context.Context, registrar Registrar) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if err := w.reload(registrar); err != nil {
		return fmt.Errorf("initial load failed: %w", err)
	}

	// Watch the parent directory so replace-by-rename (the common
	// atomic-write pattern) is still observed.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", w.path, err)
	}

	w.logger.Info("budget file watcher started",
		"path", w.path,
		"debounce_ms", w.debounceInterval.Milliseconds(),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("budget file watcher stopped (context cancelled)")
			return nil

		case <-w.stopCh:
			w.logger.Info("budget file watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !w.shouldProcessEvent(event) {
				continue
			}

			w.logger.Debug("budget file event detected",
				"path", event.Name,
				"op", event.Op.String(),
			)

			w.trigger(func() {
				if err := w.reload(registrar); err != nil {
					w.logger.Error("budget reload failed, keeping previous budgets",
						"error", err,
					)
					return
				}
				w.logger.Info("budgets reloaded", "path", w.path)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// Stop stops a running Watch and releases the filesystem watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		close(w.stopCh)
		w.running = false
	}
	return w.watcher.Close()
}

// reload loads and applies the budget file.
func (w *Watcher) reload(registrar Registrar) error {
	f, err := Load(w.path)
	if err != nil {
		return err
	}
	return f.Apply(registrar)
}

// shouldProcessEvent filters directory events down to writes of the
// watched file.
func (w *Watcher) shouldProcessEvent(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename)
}

// trigger runs fn after the debounce interval, restarting the timer
// on every call.
func (w *Watcher) trigger(fn func()) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceInterval, fn)
}
