// Package stats keeps a short in-memory history of finished requests and
// summarizes it over rolling windows per routed pair.
package stats

import (
	"sort"
	"sync"
	"time"
)

// Sample is one finished chat request.
type Sample struct {
	Time             time.Time
	Model            string
	Provider         string
	Latency          time.Duration
	CostUSD          float64
	OK               bool
	Attempts         int
	PromptTokens     int
	CompletionTokens int
}

// Window is a named look-back period.
type Window struct {
	Name     string
	Duration time.Duration
}

func DefaultWindows() []Window {
	return []Window{
		{Name: "1m", Duration: time.Minute},
		{Name: "5m", Duration: 5 * time.Minute},
		{Name: "1h", Duration: time.Hour},
	}
}

// Aggregate summarizes the samples of one window. Model and Provider are
// empty for the all-traffic row.
type Aggregate struct {
	Window           string  `json:"window"`
	Model            string  `json:"model,omitempty"`
	Provider         string  `json:"provider,omitempty"`
	Requests         int     `json:"requests"`
	Errors           int     `json:"errors"`
	ErrorRate        float64 `json:"error_rate"`
	Fallbacks        int     `json:"fallbacks"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	P95LatencyMs     float64 `json:"p95_latency_ms"`
	CostUSD          float64 `json:"cost_usd"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
}

// Summary is the result of Collector.Summary.
type Summary struct {
	Total []Aggregate `json:"total"`
	Pairs []Aggregate `json:"pairs"`
}

type Option func(*Collector)

// WithWindows replaces the default windows.
func WithWindows(ws ...Window) Option {
	return func(c *Collector) { c.windows = ws }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// Collector is safe for concurrent use. Samples older than the longest
// window are dropped on the next read or write.
type Collector struct {
	mu      sync.Mutex
	samples []Sample
	windows []Window
	maxAge  time.Duration
	now     func() time.Time
}

func NewCollector(opts ...Option) *Collector {
	c := &Collector{windows: DefaultWindows(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	for _, w := range c.windows {
		if w.Duration > c.maxAge {
			c.maxAge = w.Duration
		}
	}
	return c
}

// Record adds a sample. A zero Time is stamped with the collector clock.
// Samples must arrive in roughly chronological order for pruning to be
// exact; late samples are kept until they age out.
func (c *Collector) Record(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Time.IsZero() {
		s.Time = c.now()
	}
	c.pruneLocked(c.now())
	c.samples = append(c.samples, s)
}

// Len returns the number of retained samples.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// Summary aggregates every window, both overall and per model/provider
// pair. Pair rows are sorted by window order, then model, then provider.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	now := c.now()
	c.pruneLocked(now)
	samples := make([]Sample, len(c.samples))
	copy(samples, c.samples)
	c.mu.Unlock()

	out := Summary{Total: []Aggregate{}, Pairs: []Aggregate{}}
	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)
		var all []Sample
		byPair := make(map[[2]string][]Sample)
		for _, s := range samples {
			if !s.Time.After(cutoff) {
				continue
			}
			all = append(all, s)
			k := [2]string{s.Model, s.Provider}
			byPair[k] = append(byPair[k], s)
		}
		if len(all) == 0 {
			continue
		}
		out.Total = append(out.Total, aggregate(w.Name, "", "", all))

		keys := make([][2]string, 0, len(byPair))
		for k := range byPair {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i][0] != keys[j][0] {
				return keys[i][0] < keys[j][0]
			}
			return keys[i][1] < keys[j][1]
		})
		for _, k := range keys {
			out.Pairs = append(out.Pairs, aggregate(w.Name, k[0], k[1], byPair[k]))
		}
	}
	return out
}

// pruneLocked drops samples that fell out of every window. Caller holds c.mu.
func (c *Collector) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.maxAge)
	i := 0
	for i < len(c.samples) && !c.samples[i].Time.After(cutoff) {
		i++
	}
	if i > 0 {
		c.samples = append(c.samples[:0], c.samples[i:]...)
	}
}

func aggregate(window, model, provider string, samples []Sample) Aggregate {
	a := Aggregate{Window: window, Model: model, Provider: provider, Requests: len(samples)}

	var total time.Duration
	latencies := make([]float64, 0, len(samples))
	for _, s := range samples {
		total += s.Latency
		latencies = append(latencies, float64(s.Latency.Milliseconds()))
		a.CostUSD += s.CostUSD
		a.PromptTokens += s.PromptTokens
		a.CompletionTokens += s.CompletionTokens
		if !s.OK {
			a.Errors++
		}
		if s.Attempts > 1 {
			a.Fallbacks++
		}
	}
	a.AvgLatencyMs = float64(total.Milliseconds()) / float64(a.Requests)
	a.ErrorRate = float64(a.Errors) / float64(a.Requests)

	sort.Float64s(latencies)
	idx := int(float64(len(latencies)) * 0.95)
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	a.P95LatencyMs = latencies[idx]
	return a
}
