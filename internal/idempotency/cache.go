// Package idempotency replays stored chat completion responses for requests
// that repeat an Idempotency-Key, so a client retry after a dropped
// connection does not reach a backend twice.
package idempotency

import (
	"net/http"
	"sync"
	"time"
)

// Response is a stored HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Outcome is the result of claiming a key.
type Outcome int

const (
	// Claimed: the key was unused and the caller now owns it until Complete
	// or Release.
	Claimed Outcome = iota
	// Replay: a stored response exists for the same request body.
	Replay
	// InFlight: another request holding the key has not finished.
	InFlight
	// Mismatch: the key was used with a different request body.
	Mismatch
)

type slot struct {
	fingerprint [32]byte
	resp        *Response // nil while in flight
	created     time.Time
}

// Cache holds claimed keys and completed responses for ttl. When maxEntries
// is reached the oldest completed entry is evicted.
type Cache struct {
	mu         sync.Mutex
	slots      map[string]*slot
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	stop chan struct{}
	once sync.Once
}

// New creates a Cache and starts a goroutine that prunes expired entries
// every ttl/2 until Stop.
func New(ttl time.Duration, maxEntries int) *Cache {
	c := &Cache{
		slots:      make(map[string]*slot),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Claim reserves key for a request whose body hashes to fp. On Replay the
// stored response is returned.
func (c *Cache) Claim(key string, fp [32]byte) (*Response, Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if s, ok := c.slots[key]; ok {
		if now.Sub(s.created) <= c.ttl || s.resp == nil {
			switch {
			case s.fingerprint != fp:
				return nil, Mismatch
			case s.resp == nil:
				return nil, InFlight
			default:
				return s.resp, Replay
			}
		}
		delete(c.slots, key)
	}

	if len(c.slots) >= c.maxEntries {
		c.evictOldest()
	}
	c.slots[key] = &slot{fingerprint: fp, created: now}
	return nil, Claimed
}

// Complete stores resp for a claimed key.
func (c *Cache) Complete(key string, resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[key]; ok && s.resp == nil {
		s.resp = resp
		s.created = c.now()
	}
}

// Release drops a claim without storing a response, so the key can be
// retried.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[key]; ok && s.resp == nil {
		delete(c.slots, key)
	}
}

// Len reports the number of claimed and completed keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// Stop terminates the background cleanup goroutine.
func (c *Cache) Stop() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache) cleanupLoop() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.prune()
		case <-c.stop:
			return
		}
	}
}

// prune removes expired completed entries. In-flight claims are left to
// their owner.
func (c *Cache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, s := range c.slots {
		if s.resp != nil && now.Sub(s.created) > c.ttl {
			delete(c.slots, k)
		}
	}
}

// evictOldest removes the completed entry with the earliest creation time.
// Caller must hold c.mu.
func (c *Cache) evictOldest() {
	var (
		oldestKey  string
		oldestTime time.Time
		found      bool
	)
	for k, s := range c.slots {
		if s.resp == nil {
			continue
		}
		if !found || s.created.Before(oldestTime) {
			oldestKey, oldestTime, found = k, s.created, true
		}
	}
	if found {
		delete(c.slots, oldestKey)
	}
}
