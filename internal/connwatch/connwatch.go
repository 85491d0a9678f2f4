// Package connwatch tracks whether the services Troupe depends on are
// reachable: the completion endpoint and each agent's MQTT broker. A
// watcher probes with growing delays until the first success or until
// its retries run out, then settles into periodic polling. Status feeds
// the front-end /health endpoint.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc returns nil when the service is reachable.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing. Zero fields take DefaultBackoff values.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoff doubles from 2s to a 60s ceiling over 10 startup
// probes, then polls every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Status is the JSON view of one watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one service.
type Watcher struct {
	name    string
	probeFn ProbeFunc
	backoff Backoff
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
}

// Status returns the current view.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{Name: w.name, Ready: w.ready, LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Stop ends the watcher and waits for it.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.InitialDelay
	for attempt := 1; attempt <= w.backoff.MaxRetries; attempt++ {
		if w.check(ctx) == nil {
			break
		}
		if attempt == w.backoff.MaxRetries {
			w.logger.Info("service unreachable at startup, polling in background",
				"service", w.name, "attempts", attempt)
			break
		}
		if !sleep(ctx, delay) {
			return
		}
		delay = min(delay*2, w.backoff.MaxDelay)
	}

	ticker := time.NewTicker(w.backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check probes once and logs readiness transitions.
func (w *Watcher) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.probeFn(pctx)
	cancel()

	w.mu.Lock()
	was := w.ready
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	switch {
	case err == nil && !was:
		w.logger.Info("service reachable", "service", w.name)
	case err != nil && was:
		w.logger.Warn("service unreachable", "service", w.name, "error", err)
	case err != nil:
		w.logger.Debug("service probe failed", "service", w.name, "error", err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns a set of watchers keyed by name.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts probing a service. A watcher already registered under
// name is replaced.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, b Backoff) (*Watcher, error) {
	if name == "" {
		return nil, errors.New("connwatch: name is required")
	}
	if probe == nil {
		return nil, errors.New("connwatch: probe is required")
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:    name,
		probeFn: probe,
		backoff: b.withDefaults(),
		logger:  m.logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(wctx)
	return w, nil
}

// Status returns every watcher's status, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AllReady reports whether every watched service is reachable. A
// manager with no watchers is ready.
func (m *Manager) AllReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.Ready() {
			return false
		}
	}
	return true
}

// Stop stops all watchers.
func (m *Manager) Stop() {
	m.mu.Lock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for name, w := range m.watchers {
		ws = append(ws, w)
		delete(m.watchers, name)
	}
	m.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}
