// Package connwatch tracks whether the agent's outside dependencies, the
// product catalog MCP server and the model provider, are reachable.
//
// Each Watcher probes one service. At startup it retries with
// exponential backoff so a catalog container that starts after the
// agent is picked up quickly; afterwards it polls at a fixed interval.
// Transitions are logged, published on the event bus, and reported to
// optional callbacks. The health endpoint reads cached results instead
// of probing on every request.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/cartwright/internal/events"
)

// ErrNotChecked is reported by a watcher whose first probe has not
// completed.
var ErrNotChecked = errors.New("not checked yet")

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls startup retries and background polling.
type BackoffConfig struct {
	InitialDelay time.Duration // first retry delay (default 1s)
	MaxDelay     time.Duration // backoff ceiling (default 30s)
	Multiplier   float64       // growth per retry (default 2)
	MaxRetries   int           // startup attempts (default 8)
	PollInterval time.Duration // steady-state interval (default 30s)
	ProbeTimeout time.Duration // per-probe limit (default 10s)
}

// DefaultBackoffConfig returns 1s, 2s, 4s ... capped at 30s, with 8
// startup attempts and 30-second polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   8,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs, events and health output.
	Name  string
	Probe ProbeFunc
	// Backoff zero fields take DefaultBackoffConfig values.
	Backoff BackoffConfig

	// OnReady runs in its own goroutine on each down-to-ready
	// transition, including the first successful probe.
	OnReady func()
	// OnDown runs in its own goroutine on each ready-to-down transition.
	OnDown func(err error)
}

// ServiceStatus is one service's health for JSON output.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	config WatcherConfig
	bus    *events.Bus
	logger *slog.Logger
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Check returns the cached health without probing. Its signature fits
// api.Pinger.
func (w *Watcher) Check(context.Context) error {
	if w.ready.Load() {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastCheck.IsZero() {
		return ErrNotChecked
	}
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	cfg := w.config.Backoff

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.observe(err)
		if err == nil {
			w.logger.Debug("service reachable at startup", "service", w.config.Name, "attempt", attempt)
			break
		}
		if attempt == cfg.MaxRetries {
			w.logger.Warn("service unreachable at startup, polling in background",
				"service", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}
		w.logger.Debug("startup probe failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.observe(w.probe(ctx))
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// observe records a probe result and fires transition side effects.
func (w *Watcher) observe(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	wasReady := w.ready.Swap(err == nil)
	switch {
	case err == nil && !wasReady:
		w.logger.Info("service ready", "service", w.config.Name)
		w.bus.Publish(events.Event{
			Source: events.SourceWatch,
			Kind:   events.KindServiceReady,
			Data:   map[string]any{"service": w.config.Name},
		})
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case err != nil && wasReady:
		w.logger.Warn("service became unreachable", "service", w.config.Name, "error", err)
		w.bus.Publish(events.Event{
			Source: events.SourceWatch,
			Kind:   events.KindServiceDown,
			Data:   map[string]any{"service": w.config.Name, "error": err.Error()},
		})
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	bus      *events.Bus
	logger   *slog.Logger
}

// NewManager creates a manager. bus may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. It panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		bus:    m.bus,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns the health of every watched service.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
