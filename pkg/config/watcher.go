// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Watcher polls configuration files and reloads when their content changes.
// Touching a file without changing it does not trigger a reload.
type Watcher struct {
	mu        sync.RWMutex
	paths     []string
	profile   string
	interval  time.Duration
	digests   map[string]uint64
	config    *Config
	listeners []func(*Config)
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
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

func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithWatchProfile applies the config.<profile>.yaml overlay on every load.
func WithWatchProfile(profile string) WatcherOption {
	return func(w *Watcher) {
		w.profile = profile
	}
}

// NewWatcher loads the configuration from paths. The first path is the base
// file; the rest are watched only.
func NewWatcher(paths []string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		paths:    paths,
		interval: time.Second,
		digests:  make(map[string]uint64, len(paths)),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.changed()

	cfg, err := w.load()
	if err != nil {
		return nil, err
	}
	w.config = cfg
	return w, nil
}

// OnChange registers fn to receive every successfully reloaded config.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Config returns the last loaded configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Start polls until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.watch(ctx)
}

// Stop ends polling and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.changed() {
				w.reload()
			}
		}
	}
}

// changed refreshes the content digests and reports whether any differ.
// Missing files are skipped.
func (w *Watcher) changed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	changed := false
	for _, path := range w.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		sum := xxhash.Sum64(data)
		if prev, ok := w.digests[path]; !ok || prev != sum {
			w.digests[path] = sum
			changed = true
		}
	}
	return changed
}

func (w *Watcher) reload() {
	cfg, err := w.load()
	if err != nil {
		w.logger.Error("config.reload.failed", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	prev := w.config
	w.config = cfg
	listeners := append([]func(*Config){}, w.listeners...)
	w.mu.Unlock()

	if keys := RestartRequired(prev, cfg); len(keys) > 0 {
		w.logger.Warn("config.reload.restart_required", slog.Any("sections", keys))
	}
	w.logger.Info("config.reload.complete",
		slog.Any("paths", w.paths),
		slog.Int("listeners", len(listeners)),
	)
	for _, fn := range listeners {
		fn(cfg)
	}
}

func (w *Watcher) load() (*Config, error) {
	if len(w.paths) == 0 {
		return Load("")
	}
	return LoadWithProfile(w.paths[0], w.profile)
}

// RestartRequired lists the sections that differ between prev and next but
// are only read when a session opens. Host policies and retention are
// applied live and never reported.
func RestartRequired(prev, next *Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var keys []string
	for _, s := range []struct {
		name string
		a, b any
	}{
		{"checkpoint", prev.Checkpoint, next.Checkpoint},
		{"audit", prev.Audit, next.Audit},
		{"mcp", prev.MCP, next.MCP},
		{"telemetry", prev.Telemetry, next.Telemetry},
		{"context", prev.Context, next.Context},
	} {
		if !reflect.DeepEqual(s.a, s.b) {
			keys = append(keys, s.name)
		}
	}
	return keys
}

// WatchConfig watches configPath and its profile overlay and starts
// polling. It returns the watcher and the initial config.
func WatchConfig(ctx context.Context, configPath, profile string, opts ...WatcherOption) (*Watcher, *Config, error) {
	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
		if overlay := profileConfigPath(configPath, profile); overlay != "" {
			paths = append(paths, overlay)
		}
	}

	watcher, err := NewWatcher(paths, append(opts, WithWatchProfile(profile))...)
	if err != nil {
		return nil, nil, err
	}
	watcher.Start(ctx)
	return watcher, watcher.Config(), nil
}

// ReloadableConfig is a Config that can be swapped while readers hold it.
type ReloadableConfig struct {
	mu     sync.RWMutex
	config *Config
}

func NewReloadableConfig(cfg *Config) *ReloadableConfig {
	return &ReloadableConfig{config: cfg}
}

func (r *ReloadableConfig) Get() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

func (r *ReloadableConfig) Update(cfg *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = cfg
}

// Host returns the host section.
func (r *ReloadableConfig) Host() HostConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.Host
}

// Retention returns the retention section.
func (r *ReloadableConfig) Retention() RetentionConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.Retention
}
