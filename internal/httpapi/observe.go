package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jordanhubbard/dialtone/internal/catalog"
	"github.com/jordanhubbard/dialtone/internal/events"
	"github.com/jordanhubbard/dialtone/internal/metrics"
	"github.com/jordanhubbard/dialtone/internal/router"
	"github.com/jordanhubbard/dialtone/internal/stats"
	"github.com/jordanhubbard/dialtone/internal/store"
)

// Observer feeds dispatch outcomes to metrics and the event bus, and keeps a
// per-request tally the handlers read back for the request log. Either sink
// may be nil.
type Observer struct {
	metrics *metrics.Registry
	bus     *events.Bus

	mu      sync.Mutex
	tallies map[string]*tally
}

type tally struct {
	candidates int
	strategy   string
	attempts   int
}

var (
	_ router.Observer     = (*Observer)(nil)
	_ router.PlanObserver = (*Observer)(nil)
)

func NewObserver(m *metrics.Registry, bus *events.Bus) *Observer {
	return &Observer{metrics: m, bus: bus, tallies: make(map[string]*tally)}
}

func (o *Observer) ObservePlan(requestID string, candidates int, strategy string) {
	if o.metrics != nil {
		o.metrics.Candidates.Observe(float64(candidates))
	}
	if requestID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tallies[requestID] = &tally{candidates: candidates, strategy: strategy}
}

func (o *Observer) ObserveAttempt(a router.Attempt) {
	if !a.Skipped && a.RequestID != "" {
		o.mu.Lock()
		if t, ok := o.tallies[a.RequestID]; ok {
			t.attempts++
		}
		o.mu.Unlock()
	}

	outcome := "ok"
	switch {
	case a.Skipped:
		outcome = "skipped"
	case a.Err != nil:
		outcome = string(a.Kind)
	}
	if o.metrics != nil {
		o.metrics.AttemptsTotal.WithLabelValues(string(a.Pair.Model), string(a.Pair.Provider), outcome).Inc()
		if !a.Skipped {
			o.metrics.AttemptLatency.WithLabelValues(string(a.Pair.Provider)).Observe(float64(a.Latency.Milliseconds()))
		}
		if a.FellBack {
			kind := string(a.Kind)
			if a.Skipped {
				kind = "skipped"
			}
			o.metrics.FallbacksTotal.WithLabelValues(string(a.Pair.Provider), kind).Inc()
		}
	}
	if a.Err != nil && o.bus != nil {
		o.bus.Publish(events.Event{
			Type:      events.EventAttemptFailed,
			RequestID: a.RequestID,
			Model:     string(a.Pair.Model),
			Provider:  string(a.Pair.Provider),
			Attempt:   a.Number,
			LatencyMs: float64(a.Latency.Milliseconds()),
			Kind:      string(a.Kind),
			Error:     a.Err.Error(),
			Skipped:   a.Skipped,
		})
	}
}

func (o *Observer) ObserveStreamEnd(requestID string, p catalog.Pair, chunks int, err error) {
	if err == nil {
		return
	}
	if o.metrics != nil {
		o.metrics.StreamInterruptions.WithLabelValues(string(p.Model), string(p.Provider)).Inc()
	}
	if o.bus != nil {
		o.bus.Publish(events.Event{
			Type:      events.EventStreamInterrupted,
			RequestID: requestID,
			Model:     string(p.Model),
			Provider:  string(p.Provider),
			Chunks:    chunks,
			Kind:      string(router.KindOf(err)),
			Error:     err.Error(),
		})
	}
}

// take removes and returns the tally for a request.
func (o *Observer) take(requestID string) tally {
	if o == nil {
		return tally{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tallies[requestID]
	if !ok {
		return tally{}
	}
	delete(o.tallies, requestID)
	return *t
}

// Request modes recorded in metrics and the request log.
const (
	modeChat   = "chat"
	modeStream = "stream"
	modeRoute  = "route"
)

// requestRecord is the outcome of one HTTP request.
type requestRecord struct {
	RequestID string
	Mode      string
	Pair      catalog.Pair
	Usage     router.Usage
	Latency   time.Duration
	Status    int
	Err       error
}

// recordRequest writes a finished request to every configured sink.
func recordRequest(ctx context.Context, d Dependencies, rec requestRecord) {
	t := d.Observer.take(rec.RequestID)
	code := errorCode(rec.Err)

	var cost float64
	if rec.Err == nil && rec.Pair.Provider != "" {
		if e, ok := d.Engine.Catalog().Snapshot().Lookup(rec.Pair); ok {
			cost = e.EstimateCostUSD(rec.Usage.PromptTokens, rec.Usage.CompletionTokens)
		}
	}

	if d.Metrics != nil {
		status := "ok"
		if code != "" {
			status = code
		}
		d.Metrics.RequestsTotal.WithLabelValues(rec.Mode, string(rec.Pair.Model), string(rec.Pair.Provider), status).Inc()
		d.Metrics.RequestLatency.WithLabelValues(rec.Mode).Observe(float64(rec.Latency.Milliseconds()))
		if cost > 0 {
			d.Metrics.CostUSD.WithLabelValues(string(rec.Pair.Model), string(rec.Pair.Provider)).Add(cost)
		}
	}

	if d.Store != nil {
		// The caller may be gone; the log entry should still land.
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		status := rec.Status
		if status == 0 {
			status = http.StatusOK
		}
		if err := d.Store.LogRequest(storeCtx, store.RequestLog{
			Timestamp:        time.Now().UTC(),
			RequestID:        rec.RequestID,
			Mode:             rec.Mode,
			Model:            string(rec.Pair.Model),
			Provider:         string(rec.Pair.Provider),
			Strategy:         t.strategy,
			Candidates:       t.candidates,
			Attempts:         t.attempts,
			PromptTokens:     rec.Usage.PromptTokens,
			CompletionTokens: rec.Usage.CompletionTokens,
			EstimatedCostUSD: cost,
			LatencyMs:        rec.Latency.Milliseconds(),
			StatusCode:       status,
			ErrorKind:        code,
		}); err != nil {
			slog.Warn("request log write failed", slog.String("request_id", rec.RequestID), slog.String("error", err.Error()))
		}
	}

	if d.Stats != nil && rec.Mode != modeRoute {
		d.Stats.Record(stats.Sample{
			Model:            string(rec.Pair.Model),
			Provider:         string(rec.Pair.Provider),
			Latency:          rec.Latency,
			CostUSD:          cost,
			OK:               rec.Err == nil,
			Attempts:         t.attempts,
			PromptTokens:     rec.Usage.PromptTokens,
			CompletionTokens: rec.Usage.CompletionTokens,
		})
	}

	if d.EventBus != nil && rec.Mode != modeRoute {
		ev := events.Event{
			Type:      events.EventRequestCompleted,
			RequestID: rec.RequestID,
			Model:     string(rec.Pair.Model),
			Provider:  string(rec.Pair.Provider),
			Attempt:   t.attempts,
			LatencyMs: float64(rec.Latency.Milliseconds()),
			CostUSD:   cost,
		}
		if rec.Err != nil {
			ev.Type = events.EventRequestFailed
			ev.Kind = code
			ev.Error = rec.Err.Error()
		}
		d.EventBus.Publish(ev)
	}
}
