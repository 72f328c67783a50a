// Package health holds the Health Monitor (spec §4.B): a circuit breaker per
// backend plus a ticker-driven probe loop, generalizing the resilience
// package's sliding-window breaker to the orchestrator's three-state
// Healthy/Degraded/Open(breaker) record.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/itsneelabh/orchestra/backend"
	"github.com/itsneelabh/orchestra/logging"
	"github.com/itsneelabh/orchestra/telemetry"
)

// State is the externally visible health of one backend.
type State string

const (
	Healthy  State = "healthy"
	Degraded State = "degraded"
	Open     State = "open" // breaker tripped, excluded from auto-routing
)

// Record is the Backend Health Record data model: mutated only by the
// Monitor, safe to read from anywhere via Snapshot/Get.
type Record struct {
	Backend       string
	State         State
	LastProbeTime time.Time
	FailureCount  int
	LastLatency   time.Duration
}

// Monitor periodically probes every registered backend and keeps one
// CircuitBreaker per backend.
type Monitor struct {
	registry  *backend.Registry
	interval  time.Duration
	logger    logging.Logger
	telemetry telemetry.Telemetry

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	records  map[string]*Record

	stop chan struct{}
	once sync.Once
}

type Option func(*Monitor)

func WithProbeInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

func WithLogger(l logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func WithTelemetry(t telemetry.Telemetry) Option {
	return func(m *Monitor) { m.telemetry = t }
}

func NewMonitor(reg *backend.Registry, opts ...Option) *Monitor {
	m := &Monitor{
		registry: reg,
		interval: 15 * time.Second,
		logger:   logging.NoOpLogger{},
		telemetry: telemetry.NoOp{},
		breakers: make(map[string]*CircuitBreaker),
		records:  make(map[string]*Record),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	for _, d := range reg.Iterate() {
		m.breakers[d.Key] = NewCircuitBreaker(0, 0, 0)
		m.records[d.Key] = &Record{Backend: d.Key, State: Healthy}
	}
	return m
}

// Start launches the probe loop; it returns when ctx is cancelled or Stop
// is called.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Monitor) probeAll(ctx context.Context) {
	for _, d := range m.registry.Iterate() {
		m.probeOne(ctx, d)
	}
}

func (m *Monitor) probeOne(ctx context.Context, d *backend.Descriptor) {
	spanCtx, span := m.telemetry.StartSpan(ctx, "health.probe")
	span.SetAttribute("backend", d.Key)
	defer span.End()

	start := time.Now()
	var healthy bool
	if probe, ok := d.Adapter.(backend.HealthProbe); ok {
		healthy = probe.IsHealthy(spanCtx)
	} else {
		probeCtx, cancel := context.WithTimeout(spanCtx, 5*time.Second)
		defer cancel()
		_, err := d.Adapter.Send(probeCtx, "ping", backend.Options{MaxTokens: 1, TimeoutMs: 5000})
		healthy = err == nil
	}
	latency := time.Since(start)

	cb := m.breakerFor(d.Key)
	if healthy {
		cb.RecordSuccess()
	} else {
		cb.RecordFailure()
		span.RecordError(errProbe(d.Key))
	}

	m.mu.Lock()
	rec := m.records[d.Key]
	if rec == nil {
		rec = &Record{Backend: d.Key}
		m.records[d.Key] = rec
	}
	rec.LastProbeTime = start
	rec.LastLatency = latency
	rec.FailureCount = cb.FailureCount()
	rec.State = stateFor(cb, rec.FailureCount)
	m.mu.Unlock()

	m.logger.Debug("health probe completed", map[string]interface{}{
		"backend":     d.Key,
		"healthy":     healthy,
		"latency_ms":  latency.Milliseconds(),
		"state":       rec.State,
	})
	m.telemetry.RecordMetric("health.probe.latency_ms", float64(latency.Milliseconds()), map[string]string{"backend": d.Key})
}

func stateFor(cb *CircuitBreaker, failures int) State {
	switch cb.State() {
	case StateOpen:
		return Open
	case StateHalfOpen:
		return Degraded
	default:
		if failures > 0 {
			return Degraded
		}
		return Healthy
	}
}

func (m *Monitor) breakerFor(key string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(0, 0, 0)
		m.breakers[key] = cb
	}
	return cb
}

// RecordOutcome lets the Execution Loop report the result of a real request
// (not a probe) so the breaker reacts to production traffic too.
func (m *Monitor) RecordOutcome(key string, err error) {
	cb := m.breakerFor(key)
	if err == nil {
		cb.RecordSuccess()
	} else {
		cb.RecordFailure()
	}
	m.mu.Lock()
	if rec, ok := m.records[key]; ok {
		rec.FailureCount = cb.FailureCount()
		rec.State = stateFor(cb, rec.FailureCount)
	}
	m.mu.Unlock()
}

// Allow reports whether the breaker for key currently admits traffic. A
// backend with no breaker yet (never probed) is allowed through.
func (m *Monitor) Allow(key string) bool {
	cb := m.breakerFor(key)
	return cb.Allow()
}

// Get returns a copy of the current record for key.
func (m *Monitor) Get(key string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns every known health record, keyed by backend.
func (m *Monitor) Snapshot() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Record, len(m.records))
	for k, v := range m.records {
		out[k] = *v
	}
	return out
}

// AvailableBackends returns the keys of backends whose breaker is not open,
// in registry order. The Router and Council filter candidates with Allow
// instead. This is a read-only check against breaker state; it does not consume a
// half-open probe slot the way Allow does.
func (m *Monitor) AvailableBackends() []string {
	var out []string
	for _, d := range m.registry.Iterate() {
		if m.breakerFor(d.Key).State() != StateOpen {
			out = append(out, d.Key)
		}
	}
	return out
}

type probeErr string

func (e probeErr) Error() string { return string(e) }

func errProbe(backendKey string) error {
	return probeErr("health probe failed for backend " + backendKey)
}
