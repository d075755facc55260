// Package circuitbreaker trips per-provider breakers after consecutive
// retryable failures so dispatch skips a backend that keeps failing until a
// cooldown passes and a single probe succeeds.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	// HalfOpen admits one probe call.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold = 5
	defaultCooldown  = 30 * time.Second
)

// Breaker is a goroutine-safe Closed/Open/HalfOpen state machine.
type Breaker struct {
	mu               sync.Mutex
	state            State
	probing          bool
	failureCount     int
	failureThreshold int
	cooldown         time.Duration
	lastTripped      time.Time
	onStateChange    func(from, to State)

	nowFunc func() time.Time
}

type Option func(*Breaker)

// WithThreshold sets the consecutive failures that trip the breaker.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays Open before probing.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithOnStateChange registers a transition callback. It runs with the
// breaker locked and must not call back into it.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

func withClock(now func() time.Time) Option {
	return func(b *Breaker) { b.nowFunc = now }
}

func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:            Closed,
		failureThreshold: defaultThreshold,
		cooldown:         defaultCooldown,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether a call may proceed. After the cooldown an Open
// breaker moves to HalfOpen and admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if !b.nowFunc().After(b.lastTripped.Add(b.cooldown)) {
			return false
		}
		b.setState(HalfOpen)
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess closes a probing breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.probing = false
	if b.state == HalfOpen {
		b.setState(Closed)
	}
}

// RecordFailure counts a failure; a failed probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.probing = false
	switch b.state {
	case Closed:
		if b.failureCount >= b.failureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

// RecordAbandoned releases the probe slot of a call that ended without a
// verdict, leaving state and counts unchanged.
func (b *Breaker) RecordAbandoned() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// CurrentState returns the state without advancing Open to HalfOpen.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) trip() {
	b.setState(Open)
	b.lastTripped = b.nowFunc()
}

// setState must be called with b.mu held.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}

// Set holds one Breaker per provider, created on first use. It satisfies the
// router's Breakers interface.
type Set struct {
	opts     []Option
	onChange func(provider string, from, to State)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// SetOption configures a Set.
type SetOption func(*Set)

// WithBreakerOptions applies opts to every breaker in the set.
func WithBreakerOptions(opts ...Option) SetOption {
	return func(s *Set) { s.opts = append(s.opts, opts...) }
}

// WithOnProviderChange registers a per-provider transition callback.
func WithOnProviderChange(fn func(provider string, from, to State)) SetOption {
	return func(s *Set) { s.onChange = fn }
}

func NewSet(opts ...SetOption) *Set {
	s := &Set{breakers: make(map[string]*Breaker)}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Set) get(provider string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[provider]; ok {
		return b
	}
	opts := s.opts
	if s.onChange != nil {
		fn := s.onChange
		opts = append(append([]Option{}, opts...), WithOnStateChange(func(from, to State) { fn(provider, from, to) }))
	}
	b := New(opts...)
	s.breakers[provider] = b
	return b
}

func (s *Set) Allow(provider string) bool      { return s.get(provider).Allow() }
func (s *Set) RecordSuccess(provider string)   { s.get(provider).RecordSuccess() }
func (s *Set) RecordFailure(provider string)   { s.get(provider).RecordFailure() }
func (s *Set) RecordAbandoned(provider string) { s.get(provider).RecordAbandoned() }

// State returns the provider's breaker state; unknown providers are Closed.
func (s *Set) State(provider string) State {
	s.mu.Lock()
	b, ok := s.breakers[provider]
	s.mu.Unlock()
	if !ok {
		return Closed
	}
	return b.CurrentState()
}

// ProviderState pairs a provider with its breaker state.
type ProviderState struct {
	Provider string `json:"provider"`
	State    string `json:"state"`
}

// States lists every known breaker, sorted by provider.
func (s *Set) States() []ProviderState {
	s.mu.Lock()
	names := make([]string, 0, len(s.breakers))
	for p := range s.breakers {
		names = append(names, p)
	}
	s.mu.Unlock()
	sort.Strings(names)

	out := make([]ProviderState, len(names))
	for i, p := range names {
		out[i] = ProviderState{Provider: p, State: s.State(p).String()}
	}
	return out
}
