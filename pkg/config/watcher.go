// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Watcher polls the configuration file, its profile overlay and any extra
// directories, and reloads the configuration when their content changes.
// Listeners get the new snapshot; runs in flight keep the one they started
// with.
type Watcher struct {
	opts     LoadOptions
	interval time.Duration
	logger   *slog.Logger
	files    []string
	dirs     []watchedDir

	mu        sync.RWMutex
	config    *Config
	digests   map[string][sha256.Size]byte
	listeners []func(*Config)

	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

type watchedDir struct {
	path string
	exts []string
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithWatchInterval sets the polling interval.
func WithWatchInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithWatchDir also watches the files directly under dir whose extension is
// one of exts (all files when exts is empty). Added, removed and edited
// files all count as a change.
func WithWatchDir(dir string, exts ...string) WatcherOption {
	return func(w *Watcher) {
		if dir != "" {
			w.dirs = append(w.dirs, watchedDir{path: dir, exts: exts})
		}
	}
}

// NewWatcher performs the initial load and records the current content of
// every watched file.
func NewWatcher(opts LoadOptions, wopts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		opts:     opts,
		interval: time.Second,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range wopts {
		opt(w)
	}
	if opts.Path != "" {
		w.files = append(w.files, opts.Path)
		if opts.Profile != "" {
			w.files = append(w.files, ProfilePath(opts.Path, opts.Profile))
		}
	}

	cfg, err := LoadWithOptions(opts)
	if err != nil {
		return nil, err
	}
	w.config = cfg
	w.digests = w.snapshot()
	return w, nil
}

// OnChange registers a listener. Listeners run on the polling goroutine in
// registration order.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Config returns the latest successfully loaded configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Start begins polling until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.watch(ctx)
}

// Stop ends polling and waits for an in-progress reload to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.mu.RLock()
	started := w.started
	w.mu.RUnlock()
	if started {
		<-w.doneCh
	}
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if changed := w.poll(); len(changed) > 0 {
				w.reload(changed)
			}
		}
	}
}

// poll returns the paths whose content differs from the last poll.
func (w *Watcher) poll() []string {
	current := w.snapshot()

	w.mu.Lock()
	defer w.mu.Unlock()
	var changed []string
	for path, sum := range current {
		if prev, ok := w.digests[path]; !ok || prev != sum {
			changed = append(changed, path)
		}
	}
	for path := range w.digests {
		if _, ok := current[path]; !ok {
			changed = append(changed, path)
		}
	}
	w.digests = current
	sort.Strings(changed)
	return changed
}

// snapshot hashes every watched file that currently exists.
func (w *Watcher) snapshot() map[string][sha256.Size]byte {
	out := make(map[string][sha256.Size]byte)
	add := func(path string) {
		if data, err := os.ReadFile(path); err == nil {
			out[path] = sha256.Sum256(data)
		}
	}
	for _, path := range w.files {
		add(path)
	}
	for _, d := range w.dirs {
		entries, err := os.ReadDir(d.path)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && d.matches(e.Name()) {
				add(filepath.Join(d.path, e.Name()))
			}
		}
	}
	return out
}

func (d watchedDir) matches(name string) bool {
	if len(d.exts) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range d.exts {
		if ext == want {
			return true
		}
	}
	return false
}

func (w *Watcher) reload(changed []string) {
	cfg, err := LoadWithOptions(w.opts)
	if err != nil {
		w.logger.Error("config.reload.failed", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	w.config = cfg
	listeners := slices.Clone(w.listeners)
	w.mu.Unlock()

	w.logger.Info("config.reload.ok", slog.Any("changed", changed))
	for _, fn := range listeners {
		fn(cfg)
	}
}
