// Package connwatch tracks whether the messaging gateway and the MQTT
// broker are reachable.
//
// httpkit already retries sub-second dial errors on each request.
// connwatch covers longer outages: a gateway restart, a broker that is
// down for minutes, a token the gateway stopped accepting. Its state
// feeds /health, the gateway sensor, the service_up metric and, through
// [EmitTo], the event bus.
//
// A Watcher probes quickly with exponential backoff until the service
// first answers (or refuses), then settles into periodic polling.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/habitual/internal/events"
	"github.com/nugget/habitual/internal/metrics"
)

// State is the health of one watched service.
type State string

const (
	// StateUnknown means no probe has finished yet.
	StateUnknown State = "unknown"
	// StateReady means the last probe succeeded.
	StateReady State = "ready"
	// StateUnavailable means the service could not be reached.
	StateUnavailable State = "unavailable"
	// StateRejected means the service answered but refused us, e.g. a
	// revoked token. Fast retries cannot fix that.
	StateRejected State = "rejected"
	// StateUnconfigured is reported for services nobody watches.
	StateUnconfigured State = "unconfigured"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// ClassifyFunc maps a failed probe to StateUnavailable or StateRejected.
type ClassifyFunc func(err error) State

// Change describes one state transition.
type Change struct {
	Service string
	From    State
	To      State
	Err     error // probe error behind To; nil when To is ready
}

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	InitialDelay time.Duration // first startup retry delay
	MaxDelay     time.Duration // ceiling for startup retry delays
	Multiplier   float64
	MaxRetries   int           // startup attempts before settling into polling
	PollInterval time.Duration // steady-state probe interval
	ProbeTimeout time.Duration // per probe
}

// DefaultBackoffConfig retries at 2s, 4s, 8s, ... capped at 60s for up
// to 10 attempts, then polls every minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
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

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	Name  string // "gateway", "mqtt"
	Probe ProbeFunc

	// Classify decides what a probe error means. Nil treats every
	// error as StateUnavailable.
	Classify ClassifyFunc

	Backoff BackoffConfig

	// OnChange is called from the watcher goroutine on every state
	// transition, including the first probe result. It must not block.
	OnChange func(Change)

	Logger *slog.Logger
}

// ServiceStatus is the JSON shape of one service in /health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	config WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     State
	lastErr   error
	lastCheck time.Time
}

// State returns the service's current state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.State() == StateReady
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns a snapshot for health endpoints.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		State:     w.state,
		Ready:     w.state == StateReady,
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

	b := w.config.Backoff
	delay := b.InitialDelay
	for attempt := 1; ; attempt++ {
		state := w.check(ctx)
		if ctx.Err() != nil {
			return
		}
		// Only an unreachable service is worth retrying quickly.
		if state != StateUnavailable || attempt >= b.MaxRetries {
			break
		}
		w.config.Logger.Debug("startup probe failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
	}

	ticker := time.NewTicker(b.PollInterval)
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

// check probes once and records the result. A probe cut short by
// cancellation is not recorded.
func (w *Watcher) check(ctx context.Context) State {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	err := w.config.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return w.State()
	}

	next := StateReady
	if err != nil {
		next = StateUnavailable
		if w.config.Classify != nil {
			if s := w.config.Classify(err); s == StateRejected {
				next = s
			}
		}
	}

	w.mu.Lock()
	prev := w.state
	w.state = next
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	up := 0.0
	if next == StateReady {
		up = 1
	}
	metrics.ServiceUp.WithLabelValues(w.config.Name).Set(up)

	if prev != next {
		w.transition(Change{Service: w.config.Name, From: prev, To: next, Err: err})
	}
	return next
}

func (w *Watcher) transition(c Change) {
	log := w.config.Logger.With("service", c.Service, "from", string(c.From))
	switch c.To {
	case StateReady:
		log.Info("service ready")
	case StateRejected:
		log.Warn("service rejected probe", "error", c.Err)
	default:
		if c.From == StateUnknown {
			log.Debug("service not reachable yet", "error", c.Err)
		} else {
			log.Info("service became unreachable", "error", c.Err)
		}
	}
	if w.config.OnChange != nil {
		w.config.OnChange(c)
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

// EmitTo returns an OnChange callback that publishes transitions on
// bus as service_up or service_down events.
func EmitTo(bus *events.Bus) func(Change) {
	return func(c Change) {
		kind := events.KindServiceDown
		if c.To == StateReady {
			kind = events.KindServiceUp
		}
		data := map[string]any{
			"service": c.Service,
			"state":   string(c.To),
			"from":    string(c.From),
		}
		if c.Err != nil {
			data["error"] = c.Err.Error()
		}
		bus.Emit(events.SourceHealth, kind, data)
	}
}

// Manager owns the watchers of all services.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher that runs until ctx is
// cancelled or Stop is called. Zero backoff fields take defaults.
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateUnknown,
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns the health status of all watched services.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Watcher returns the watcher registered under name, or nil.
func (m *Manager) Watcher(name string) *Watcher {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watchers[name]
}

// State returns the state of one service. A service nobody registered
// is unconfigured.
func (m *Manager) State(name string) State {
	w := m.Watcher(name)
	if w == nil {
		return StateUnconfigured
	}
	return w.State()
}

// Healthy reports whether every registered service is ready.
func (m *Manager) Healthy() bool {
	if m == nil {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for their goroutines to exit.
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
