// Package events is an in-process pub/sub bus for dispatch and health
// events. The admin SSE endpoint is its main subscriber.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventAttemptFailed     EventType = "attempt_failed"
	EventRequestCompleted  EventType = "request_completed"
	EventRequestFailed     EventType = "request_failed"
	EventStreamInterrupted EventType = "stream_interrupted"
	EventHealthChange      EventType = "health_change"
	EventBreakerChange     EventType = "breaker_change"
	EventCatalogReload     EventType = "catalog_reload"
)

// Event is one published occurrence. Fields not relevant to a type are empty.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	RequestID string  `json:"request_id,omitempty"`
	Model     string  `json:"model,omitempty"`
	Provider  string  `json:"provider,omitempty"`
	Attempt   int     `json:"attempt,omitempty"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
	Kind      string  `json:"kind,omitempty"`
	Error     string  `json:"error,omitempty"`
	Skipped   bool    `json:"skipped,omitempty"`
	Chunks    int     `json:"chunks,omitempty"`

	// health_change and breaker_change
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// catalog_reload
	CatalogVersion string `json:"catalog_version,omitempty"`
}

// JSON returns the event encoded as JSON.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on C until Unsubscribe.
type Subscriber struct {
	C       chan Event
	dropped atomic.Uint64
}

// Dropped reports how many events were discarded because C was full.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Bus fans events out to subscribers without blocking publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe registers a subscriber with a buffer of bufSize (64 if <= 0).
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{C: make(chan Event, bufSize)}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel. Calling it twice is a no-op.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[s]; !ok {
		return
	}
	delete(b.subscribers, s)
	close(s.C)
}

// Publish delivers e to every subscriber with room; slow subscribers lose it.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
