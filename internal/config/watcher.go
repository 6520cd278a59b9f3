package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher monitors a config file for changes and publishes each valid new
// revision into a [Store]. It uses polling (mtime first, then a content
// hash) to keep dependencies minimal.
type Watcher struct {
	path     string
	interval time.Duration
	store    *Store
	onChange func(old, new *Snapshot)

	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithOnChange registers a callback invoked after each successful swap.
func WithOnChange(fn func(old, new *Snapshot)) WatcherOption {
	return func(w *Watcher) {
		w.onChange = fn
	}
}

// NewWatcher creates a config file watcher that feeds store. It records the
// file's current state immediately (without re-swapping; the caller seeded
// the store) and starts polling in a background goroutine.
func NewWatcher(path string, store *Store, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		store:    store,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, info, err := readFileWithInfo(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial stat: %w", err)
	}
	w.lastHash = sha256.Sum256(data)
	w.lastMtime = info.ModTime()

	go w.poll()
	return w, nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

// poll runs in a background goroutine, checking the config file periodically.
func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reads the config file and, if it has changed and is valid, swaps the
// store snapshot.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.lastMtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	data, info, err := readFileWithInfo(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return
	}
	hash := sha256.Sum256(data)

	w.mu.Lock()
	if hash == w.lastHash {
		// Touched but identical content.
		w.lastMtime = info.ModTime()
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		// Keep serving the previous snapshot; a broken file must not take
		// down a running service.
		slog.Warn("config watcher: invalid config, keeping previous snapshot",
			"path", w.path, "err", err)
		return
	}

	old := w.store.Snapshot()
	version, err := w.store.Swap(cfg)
	if err != nil {
		slog.Warn("config watcher: snapshot swap rejected", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	w.lastHash = hash
	w.lastMtime = info.ModTime()
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded",
		"path", w.path, "version", version)

	if w.onChange != nil {
		w.onChange(old, w.store.Snapshot())
	}
}

// readFileWithInfo reads the whole file and returns its contents together
// with the FileInfo captured from the same open handle.
func readFileWithInfo(path string) ([]byte, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, err
	}
	return data, info, nil
}
