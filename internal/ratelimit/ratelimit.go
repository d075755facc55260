// Package ratelimit provides per-client token bucket middleware for
// net/http, built on golang.org/x/time/rate.
package ratelimit

import (
	"container/list"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per client key, evicting the least
// recently used key once maxKeys is reached.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List // front is most recently used
	limit   rate.Limit
	burst   int
	maxKeys int
	idle    time.Duration
	keyFunc func(*http.Request) string
	now     func() time.Time
	counter prometheus.Counter
	stop    chan struct{}
	once    sync.Once
}

type entry struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a counter incremented on each rejected request.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// WithMaxKeys caps the number of tracked clients.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxKeys = n
		}
	}
}

// WithKeyFunc overrides how requests map to buckets. The default is the
// X-Real-IP header, falling back to the remote host.
func WithKeyFunc(fn func(*http.Request) string) Option {
	return func(l *Limiter) { l.keyFunc = fn }
}

// New creates a limiter admitting n requests per interval per client,
// with bursts of up to burst.
func New(n, burst int, interval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*list.Element),
		lru:     list.New(),
		limit:   rate.Limit(float64(n) / interval.Seconds()),
		burst:   burst,
		maxKeys: 100000,
		idle:    10 * time.Minute,
		keyFunc: ClientIP,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup()
	return l
}

// ClientIP returns X-Real-IP when set, otherwise the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rejection matches the router's OpenAI-style error envelope.
const rejection = `{"error":{"message":"rate limit exceeded","type":"rate_limit_error","code":"rate_limited"}}`

// Middleware rejects requests over the limit with 429 and a Retry-After
// hint in seconds.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wait, ok := l.reserve(l.keyFunc(r)); !ok {
			if l.counter != nil {
				l.counter.Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(rejection))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(key string) bool {
	_, ok := l.reserve(key)
	return ok
}

// reserve takes a token for key. When none is available it reports how
// long until one would be, never less than a second.
func (l *Limiter) reserve(key string) (time.Duration, bool) {
	now := l.now()
	r := l.get(key, now).ReserveN(now, 1)
	if !r.OK() {
		return time.Second, false
	}
	wait := r.DelayFrom(now)
	if wait == 0 {
		return 0, true
	}
	r.CancelAt(now)
	return max(wait, time.Second), false
}

func (l *Limiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(el)
		e := el.Value.(*entry)
		e.lastSeen = now
		return e.limiter
	}
	if len(l.buckets) >= l.maxKeys {
		if back := l.lru.Back(); back != nil {
			delete(l.buckets, back.Value.(*entry).key)
			l.lru.Remove(back)
		}
	}
	e := &entry{key: key, limiter: rate.NewLimiter(l.limit, l.burst), lastSeen: now}
	l.buckets[key] = l.lru.PushFront(e)
	return e.limiter
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle(l.now().Add(-l.idle))
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for el := l.lru.Back(); el != nil; {
		e := el.Value.(*entry)
		if !e.lastSeen.Before(cutoff) {
			return
		}
		prev := el.Prev()
		delete(l.buckets, e.key)
		l.lru.Remove(el)
		el = prev
	}
}
