package tokenquota

import (
	"sync"
	"time"
)

// HealthState describes the health of a model provider.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthConfig tunes the circuit breaker.
type HealthConfig struct {
	// FailureThreshold failures inside FailureWindow open the circuit.
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	// UnhealthyPeriod is how long an open circuit rejects calls before a
	// single trial call is let through.
	UnhealthyPeriod time.Duration `yaml:"unhealthy_period"`
}

// DefaultHealthConfig is used when a zero HealthConfig is given.
var DefaultHealthConfig = HealthConfig{
	FailureThreshold: 3,
	FailureWindow:    5 * time.Minute,
	UnhealthyPeriod:  30 * time.Second,
}

// HealthTracker tracks per-provider health using a circuit breaker pattern.
// An open circuit makes the Invoker fail fast with ErrServiceUnavailable
// instead of calling a provider that keeps failing.
type HealthTracker struct {
	mu        sync.Mutex
	cfg       HealthConfig
	now       func() time.Time
	providers map[string]*providerHealth
}

type providerHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
	trial       bool // a half-open trial call is in flight
}

// NewHealthTracker creates a HealthTracker with DefaultHealthConfig.
func NewHealthTracker() *HealthTracker {
	return NewHealthTrackerWithConfig(DefaultHealthConfig)
}

// NewHealthTrackerWithConfig creates a HealthTracker. Zero fields fall back
// to DefaultHealthConfig.
func NewHealthTrackerWithConfig(cfg HealthConfig) *HealthTracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultHealthConfig.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultHealthConfig.FailureWindow
	}
	if cfg.UnhealthyPeriod <= 0 {
		cfg.UnhealthyPeriod = DefaultHealthConfig.UnhealthyPeriod
	}
	return &HealthTracker{
		cfg:       cfg,
		now:       time.Now,
		providers: make(map[string]*providerHealth),
	}
}

// GetHealth returns the current health state for a provider.
func (h *HealthTracker) GetHealth(provider string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph, ok := h.providers[provider]
	if !ok {
		return HealthHealthy
	}

	h.expire(ph)
	return ph.state
}

// Allow reports whether a call to provider may go ahead. A half-open
// circuit admits exactly one trial call; later callers are refused until
// its outcome is recorded.
func (h *HealthTracker) Allow(provider string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph, ok := h.providers[provider]
	if !ok {
		return true
	}
	h.expire(ph)

	switch ph.state {
	case HealthHealthy:
		return true
	case HealthHalfOpen:
		if ph.trial {
			return false
		}
		ph.trial = true
		return true
	default:
		return false
	}
}

// expire moves an open circuit to half-open once UnhealthyPeriod elapsed.
func (h *HealthTracker) expire(ph *providerHealth) {
	if ph.state == HealthUnhealthy && h.now().Sub(ph.unhealthyAt) >= h.cfg.UnhealthyPeriod {
		ph.state = HealthHalfOpen
		ph.trial = false
	}
}

// RecordSuccess closes the circuit for a provider.
func (h *HealthTracker) RecordSuccess(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	ph.state = HealthHealthy
	ph.trial = false
	ph.failures = ph.failures[:0]
}

// RecordFailure records a failed call. A failure while half-open reopens
// the circuit immediately.
func (h *HealthTracker) RecordFailure(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	now := h.now()

	switch ph.state {
	case HealthUnhealthy:
		return
	case HealthHalfOpen:
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
		ph.trial = false
		return
	}

	cutoff := now.Add(-h.cfg.FailureWindow)
	valid := ph.failures[:0]
	for _, t := range ph.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	ph.failures = append(valid, now)

	if len(ph.failures) >= h.cfg.FailureThreshold {
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(provider string) *providerHealth {
	ph, ok := h.providers[provider]
	if !ok {
		ph = &providerHealth{state: HealthHealthy}
		h.providers[provider] = ph
	}
	return ph
}
