// Package config holds the typed configuration snapshot the host exposes to
// the observability core, plus an OnChange subscription for live updates
// (logging level, forensic capture) without a restart.
//
// Grounded on agent/config.go's ConfigOption functional-options shape,
// adapted here to a mutable snapshot with change notification rather than
// agent construction, since the core's config changes live under a running
// session instead of being fixed at construction time.
package config

import (
	"strings"
	"sync"

	"github.com/outpostdev/agentlens/logging"
)

// Non-user-configurable inference defaults.
const (
	DefaultTemperature     = 0.1
	DefaultTopP            = 1.0
	DefaultMaxOutputTokens = 16384
	DefaultTimeoutMs       = 60000
)

// Config is the typed snapshot of host-recognized settings.
type Config struct {
	Endpoint          string
	DefaultModel      string
	LoggingLevel      logging.Level
	ForensicCapture   bool
}

// normalizeEndpoint strips trailing slashes, per the host's recognized-key
// contract.
func normalizeEndpoint(endpoint string) string {
	return strings.TrimRight(endpoint, "/")
}

// Option mutates a Config during construction, in the functional-options
// style used elsewhere in this module's packages.
type Option func(*Config)

func WithEndpoint(endpoint string) Option {
	return func(c *Config) { c.Endpoint = normalizeEndpoint(endpoint) }
}

func WithDefaultModel(modelID string) Option {
	return func(c *Config) { c.DefaultModel = modelID }
}

func WithLoggingLevel(level string) Option {
	return func(c *Config) { c.LoggingLevel = logging.ParseLevel(level) }
}

func WithForensicCapture(enabled bool) Option {
	return func(c *Config) { c.ForensicCapture = enabled }
}

// New builds a Config from options, defaulting logging to info and
// forensic capture to off.
func New(opts ...Option) Config {
	c := Config{LoggingLevel: logging.LevelInfo}
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	return c
}

// Watcher holds the current Config and notifies subscribers on change, the
// way the host's configuration-changed event is expected to be wired.
type Watcher struct {
	mu        sync.RWMutex
	current   Config
	listeners map[int]func(Config)
	nextID    int
}

// NewWatcher creates a Watcher seeded with an initial Config.
func NewWatcher(initial Config) *Watcher {
	return &Watcher{current: initial, listeners: make(map[int]func(Config))}
}

// Current returns the current Config snapshot.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Set replaces the current Config and notifies every subscriber with the
// new snapshot.
func (w *Watcher) Set(next Config) {
	w.mu.Lock()
	w.current = next
	listeners := make([]func(Config), 0, len(w.listeners))
	for _, fn := range w.listeners {
		listeners = append(listeners, fn)
	}
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
}

// Subscription is a disposable OnChange registration.
type Subscription struct {
	id      int
	watcher *Watcher
}

// Dispose removes the subscription; safe to call more than once.
func (s *Subscription) Dispose() {
	if s == nil || s.watcher == nil {
		return
	}
	s.watcher.mu.Lock()
	delete(s.watcher.listeners, s.id)
	s.watcher.mu.Unlock()
	s.watcher = nil
}

// OnChange registers fn to be called with every subsequent Config snapshot.
func (w *Watcher) OnChange(fn func(Config)) *Subscription {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = fn
	return &Subscription{id: id, watcher: w}
}
