// Package health passively tracks per-provider outcomes reported by the
// dispatcher. It does not gate routing; the circuit breakers do that.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/dialtone/internal/events"
)

type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Stats is a provider's health record.
type Stats struct {
	Provider      string    `json:"provider"`
	State         State     `json:"state"`
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	ConsecErrors  int       `json:"consec_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorAt   time.Time `json:"last_error_at,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// ErrorRate is TotalErrors over TotalRequests.
func (s Stats) ErrorRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalErrors) / float64(s.TotalRequests)
}

type TrackerConfig struct {
	// ConsecErrorsForDegraded and ConsecErrorsForDown are consecutive error
	// counts that move a provider into those states.
	ConsecErrorsForDegraded int
	ConsecErrorsForDown     int
	// CooldownDuration is how long a down provider reports unavailable.
	CooldownDuration time.Duration
}

func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
		CooldownDuration:        30 * time.Second,
	}
}

// Tracker satisfies the router's HealthChecker.
type Tracker struct {
	cfg      TrackerConfig
	bus      *events.Bus
	onUpdate func(provider string, state State)
	now      func() time.Time

	mu    sync.RWMutex
	stats map[string]*Stats
}

type TrackerOption func(*Tracker)

// WithEventBus publishes state transitions as health_change events.
func WithEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) { t.bus = bus }
}

// WithOnUpdate registers a callback run after every recorded outcome.
func WithOnUpdate(fn func(provider string, state State)) TrackerOption {
	return func(t *Tracker) { t.onUpdate = fn }
}

func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		now:   time.Now,
		stats: make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess resets the provider to healthy and folds latencyMs into an
// exponential moving average.
func (t *Tracker) RecordSuccess(provider string, latencyMs float64) {
	t.mu.Lock()
	s := t.getOrCreate(provider)
	old := s.State

	s.TotalRequests++
	s.ConsecErrors = 0
	s.LastSuccessAt = t.now()
	s.State = StateHealthy
	s.CooldownUntil = time.Time{}
	if s.TotalRequests == 1 {
		s.AvgLatencyMs = latencyMs
	} else {
		s.AvgLatencyMs = s.AvgLatencyMs*0.9 + latencyMs*0.1
	}
	t.mu.Unlock()

	t.notify(provider, old, StateHealthy, "success recorded")
}

func (t *Tracker) RecordError(provider string, errMsg string) {
	t.mu.Lock()
	s := t.getOrCreate(provider)
	old := s.State

	s.TotalRequests++
	s.TotalErrors++
	s.ConsecErrors++
	s.LastError = errMsg
	s.LastErrorAt = t.now()
	switch {
	case s.ConsecErrors >= t.cfg.ConsecErrorsForDown:
		s.State = StateDown
		s.CooldownUntil = t.now().Add(t.cfg.CooldownDuration)
	case s.ConsecErrors >= t.cfg.ConsecErrorsForDegraded:
		s.State = StateDegraded
	}
	state := s.State
	t.mu.Unlock()

	t.notify(provider, old, state, errMsg)
}

func (t *Tracker) notify(provider string, old, state State, reason string) {
	if t.onUpdate != nil {
		t.onUpdate(provider, state)
	}
	if old != state && t.bus != nil {
		t.bus.Publish(events.Event{
			Type:     events.EventHealthChange,
			Provider: provider,
			OldState: string(old),
			NewState: string(state),
			Reason:   reason,
		})
	}
}

// IsAvailable is false while a down provider is cooling down.
func (t *Tracker) IsAvailable(provider string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[provider]
	if !ok {
		return true
	}
	return s.State != StateDown || !t.now().Before(s.CooldownUntil)
}

// Get returns a copy of the provider's stats; unknown providers are healthy.
func (t *Tracker) Get(provider string) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[provider]; ok {
		return *s
	}
	return Stats{Provider: provider, State: StateHealthy}
}

// All returns copies of every provider's stats, sorted by provider.
func (t *Tracker) All() []Stats {
	t.mu.RLock()
	out := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, *s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func (t *Tracker) getOrCreate(provider string) *Stats {
	s, ok := t.stats[provider]
	if !ok {
		s = &Stats{Provider: provider, State: StateHealthy}
		t.stats[provider] = s
	}
	return s
}
