package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/recipebox/recipebox/internal/watch"
)

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets how long the file must be quiet before a reload.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithOnReload registers a callback invoked after every published reload.
func WithOnReload(fn func(old, cur *Config, version uint64)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// Watcher reloads a config file on change and publishes each valid version
// into a watch channel. Invalid files are logged and the previous version
// stays current.
type Watcher struct {
	path     string
	ch       *watch.Channel[*Config]
	debounce time.Duration
	logger   *slog.Logger
	onReload func(old, cur *Config, version uint64)

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// mu serializes reloads and guards lastHash and pendingAt
	mu        sync.Mutex
	lastHash  [sha256.Size]byte
	pendingAt time.Time
}

// NewWatcher creates a Watcher for path publishing into ch.
func NewWatcher(path string, ch *watch.Channel[*Config], opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		ch:       ch,
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "config_watcher")
	return w
}

// Path returns the watched file.
func (w *Watcher) Path() string {
	return w.path
}

// Start records the current file hash and begins watching the file's
// directory, which also catches editors that save by renaming over the file.
func (w *Watcher) Start() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("config watcher: initial read: %w", err)
	}
	w.mu.Lock()
	w.lastHash = Fingerprint(data)
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: create fsnotify: %w", err)
	}
	w.fsWatcher = fsw

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("config watcher: watch %s: %w", dir, err)
	}

	w.wg.Add(1)
	go w.loop()
	w.logger.Info("watching config file", "path", w.path)
	return nil
}

// Stop terminates the watcher and waits for its goroutine. It is safe to
// call Stop multiple times.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

// Reload re-reads the file now. It reports whether a new version was
// published; an unchanged file is not an error.
func (w *Watcher) Reload() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, fmt.Errorf("read config: %w", err)
	}

	hash := Fingerprint(data)
	if hash == w.lastHash {
		w.logger.Debug("config content unchanged, skipping", "path", w.path)
		return false, nil
	}

	cfg, err := Parse(data)
	if err != nil {
		return false, err
	}

	old := w.ch.Current()
	w.lastHash = hash
	w.ch.Publish(cfg)
	version := w.ch.Version()

	w.logger.Info("config reloaded",
		"path", w.path,
		"version", version,
		"hash", fmt.Sprintf("%x", hash[:4]),
	)
	if w.onReload != nil {
		w.onReload(old, cfg, version)
	}
	return true, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	target := filepath.Clean(w.path)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// ConfigMap style symlink swaps touch other names in the directory
			if filepath.Clean(event.Name) != target && filepath.Base(event.Name) != "..data" {
				continue
			}
			w.mu.Lock()
			w.pendingAt = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)

		case <-ticker.C:
			w.processPending()
		}
	}
}

func (w *Watcher) processPending() {
	w.mu.Lock()
	ready := !w.pendingAt.IsZero() && time.Since(w.pendingAt) >= w.debounce
	if ready {
		w.pendingAt = time.Time{}
	}
	w.mu.Unlock()

	if !ready {
		return
	}
	if _, err := w.Reload(); err != nil {
		w.logger.Error("config reload rejected, keeping previous version", "path", w.path, "error", err)
	}
}
