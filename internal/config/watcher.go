package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls when no interval is
// given.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives a freshly loaded config together with what differs from
// the previous one. It is only called when the diff reports changes.
type ChangeFunc func(cfg *Config, d ConfigDiff)

// Watcher reloads the config file when it changes. Polling compares the
// modification time first and the SHA-256 of the content second, so editors
// that replace the file atomically and plain touches are both handled. An
// edit that fails to parse or validate is logged and the previous config
// stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu      sync.Mutex
	current *Config
	file    fileState
}

// fileState identifies one version of the config file.
type fileState struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Values ≤ 0 keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and returns a watcher for it. onChange may be nil.
// Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.file = cfg, st
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is cancelled. It always returns nil so it can
// run inside an errgroup without tearing the group down.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if info, err := os.Stat(w.path); err != nil {
				slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
			} else if w.changedSince(info.ModTime()) {
				if _, err := w.Reload(); err != nil {
					slog.Warn("config watcher: reload rejected", "path", w.path, "err", err)
				}
			}
		}
	}
}

// changedSince reports whether mtime differs from the last seen version.
func (w *Watcher) changedSince(mtime time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !mtime.Equal(w.file.mtime)
}

// Reload reads the file now, regardless of its modification time, and
// applies it if the content changed. It returns the diff against the previous
// config; an empty diff means nothing was applied.
func (w *Watcher) Reload() (ConfigDiff, error) {
	cfg, st, err := w.read()
	if err != nil {
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	if st.hash == w.file.hash {
		w.file.mtime = st.mtime
		w.mu.Unlock()
		return ConfigDiff{}, nil
	}
	old := w.current
	w.current, w.file = cfg, st
	w.mu.Unlock()

	d := Diff(old, cfg)
	if !d.HasChanges() {
		slog.Debug("config watcher: file rewritten without effective changes", "path", w.path)
		return d, nil
	}
	slog.Info("config watcher: configuration reloaded", "path", w.path,
		"log_level", d.LogLevelChanged, "vad", d.VADChanged, "vocabulary", d.VocabularyChanged)

	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(cfg, d)
	}
	return d, nil
}

// read parses and validates the file and identifies its version.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
