package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/dialtone/internal/catalog"
)

// Sender is the interface that provider adapters must implement for the engine.
// Defined here to avoid an import cycle with the providers package.
//
// The model argument is the backend's own model name. Connection and HTTP
// status failures are returned synchronously from SendStream; failures after
// the response started arrive as a StreamEvent with Err set. The channel is
// closed when the stream ends or ctx is done.
type Sender interface {
	ID() catalog.Provider
	Send(ctx context.Context, model string, req Request) (*ChatCompletion, error)
	SendStream(ctx context.Context, model string, req Request) (<-chan StreamEvent, error)
	ClassifyError(err error) *AdapterError
}

// AdapterSet resolves the adapter for a provider.
type AdapterSet interface {
	Adapter(p catalog.Provider) (Sender, bool)
}

// HealthChecker records per-provider outcomes.
// Defined here to avoid import cycles with the health package.
type HealthChecker interface {
	RecordSuccess(providerID string, latencyMs float64)
	RecordError(providerID string, errMsg string)
}

// Breakers gates calls per provider. RecordAbandoned releases a call that
// ended without a verdict, such as a cancelled request.
type Breakers interface {
	Allow(providerID string) bool
	RecordSuccess(providerID string)
	RecordFailure(providerID string)
	RecordAbandoned(providerID string)
}

// Attempt describes one candidate's outcome during dispatch.
type Attempt struct {
	RequestID string
	Pair      catalog.Pair
	Number    int
	Stream    bool
	Latency   time.Duration
	Err       error
	Kind      ErrorKind
	Skipped   bool
	// FellBack is set when dispatch moves on to another candidate.
	FellBack bool
}

// Observer receives dispatch outcomes. Calls happen on the dispatching
// goroutine and must not block.
type Observer interface {
	ObserveAttempt(a Attempt)
	ObserveStreamEnd(requestID string, p catalog.Pair, chunks int, err error)
}

// DispatchConfig bounds a dispatch run.
type DispatchConfig struct {
	// CallTimeout bounds one backend call. For streams it bounds the time to
	// the first chunk.
	CallTimeout time.Duration
	// RequestTimeout bounds the whole run, across fallbacks. Zero means only
	// the caller's context applies. For streams it stops applying once a
	// candidate is bound.
	RequestTimeout time.Duration
	// MaxAttempts caps backend calls per request. Zero means no cap.
	MaxAttempts int
	// MaxAttemptCostUSD caps the summed estimated cost of attempted calls.
	// Zero means no cap.
	MaxAttemptCostUSD float64
	// ExpectedOutputTokens is used for cost estimates when the request sets
	// no max_tokens.
	ExpectedOutputTokens int
}

// DefaultDispatchConfig returns the defaults used by NewEngine.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		CallTimeout:          30 * time.Second,
		ExpectedOutputTokens: 512,
	}
}

// Dispatcher tries ranked candidates in order until one succeeds, a fatal
// error occurs, or the candidates run out.
type Dispatcher struct {
	cfg      DispatchConfig
	adapters AdapterSet
	health   HealthChecker
	breakers Breakers
	observer Observer

	// afterFunc arms the per-call timer of a streaming attempt and returns
	// its stop function, which reports false once the timer has fired.
	afterFunc func(time.Duration, func()) func() bool
}

// DispatchOption configures a Dispatcher.
type DispatchOption func(*Dispatcher)

// WithHealth attaches a health tracker.
func WithHealth(h HealthChecker) DispatchOption {
	return func(d *Dispatcher) { d.health = h }
}

// WithBreakers attaches per-provider circuit breakers.
func WithBreakers(b Breakers) DispatchOption {
	return func(d *Dispatcher) { d.breakers = b }
}

// WithObserver attaches a dispatch observer.
func WithObserver(o Observer) DispatchOption {
	return func(d *Dispatcher) { d.observer = o }
}

// NewDispatcher creates a dispatcher over the given adapters.
func NewDispatcher(cfg DispatchConfig, adapters AdapterSet, opts ...DispatchOption) *Dispatcher {
	def := DefaultDispatchConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.ExpectedOutputTokens <= 0 {
		cfg.ExpectedOutputTokens = def.ExpectedOutputTokens
	}
	d := &Dispatcher{cfg: cfg, adapters: adapters, afterFunc: func(after time.Duration, f func()) func() bool {
		return time.AfterFunc(after, f).Stop
	}}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Config returns the dispatcher's effective configuration.
func (d *Dispatcher) Config() DispatchConfig { return d.cfg }

// run carries the per-request bookkeeping shared by Send and Stream.
type run struct {
	req       Request
	stream    bool
	inTokens  int
	outTokens int
	attempts  int
	spentUSD  float64
	failures  []CandidateFailure
}

func (d *Dispatcher) newRun(req Request, stream bool) *run {
	out := d.cfg.ExpectedOutputTokens
	if req.MaxTokens != nil {
		out = *req.MaxTokens
	}
	return &run{req: req, stream: stream, inTokens: EstimateTokens(req), outTokens: out}
}

// admit decides whether candidate c may be called. On refusal it records a
// skipped failure and returns false.
func (d *Dispatcher) admit(r *run, c Candidate) (Sender, bool) {
	skip := func(err error) (Sender, bool) {
		r.failures = append(r.failures, CandidateFailure{Pair: c.Pair, Err: err, Skipped: true})
		d.observe(Attempt{RequestID: r.req.ID, Pair: c.Pair, Stream: r.stream, Err: err, Skipped: true, FellBack: true})
		return nil, false
	}

	if d.cfg.MaxAttempts > 0 && r.attempts >= d.cfg.MaxAttempts {
		return skip(ErrAttemptLimit)
	}
	cost := c.EstimateCostUSD(r.inTokens, r.outTokens)
	if d.cfg.MaxAttemptCostUSD > 0 && r.spentUSD+cost > d.cfg.MaxAttemptCostUSD {
		return skip(ErrAttemptBudget)
	}
	adapter, ok := d.adapters.Adapter(c.Provider)
	if !ok {
		return skip(ErrNoAdapter)
	}
	if d.breakers != nil && !d.breakers.Allow(string(c.Provider)) {
		return skip(&AdapterError{Provider: c.Provider, Model: c.Model, Kind: KindTransient, Err: ErrCircuitOpen})
	}

	r.attempts++
	r.spentUSD += cost
	return adapter, true
}

// Send dispatches a non-streaming request across the ranked candidates.
func (d *Dispatcher) Send(ctx context.Context, req Request, cands []Candidate) (*ChatCompletion, error) {
	if d.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer cancel()
	}

	r := d.newRun(req, false)
	for i, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, aborted(r, err)
		}
		adapter, ok := d.admit(r, c)
		if !ok {
			continue
		}

		slog.Info("routing request",
			slog.String("request_id", req.ID),
			slog.String("provider", string(c.Provider)),
			slog.String("model", string(c.Model)),
			slog.Int("attempt", r.attempts),
			slog.Int("rank", i+1),
			slog.Int("total", len(cands)),
		)

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		resp, err := adapter.Send(callCtx, c.ProviderModel, req)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()
		latency := time.Since(start)

		if err == nil && resp == nil {
			err = fmt.Errorf("adapter returned no response")
		}
		if err == nil {
			finishCompletion(resp, c.Pair)
			d.succeeded(r, c, latency)
			return resp, nil
		}

		if ctx.Err() != nil {
			d.abandoned(c)
			return nil, aborted(r, ctx.Err())
		}

		ae := classify(adapter, c, err, timedOut)
		r.failures = append(r.failures, CandidateFailure{Pair: c.Pair, Err: ae})
		d.failed(r, c, ae, latency, i < len(cands)-1)
		if !ae.Retryable() {
			return nil, ae
		}
	}
	return nil, &AllCandidatesFailedError{Failures: r.failures}
}

// errCallTimeout is the cancellation cause for a per-call timeout.
var errCallTimeout = errors.New("per-call timeout")

// errRequestTimeout is the cancellation cause for the overall deadline.
var errRequestTimeout = errors.New("request deadline exceeded")

// Stream dispatches a streaming request. Fallback is possible only until a
// candidate yields its first chunk; after that the stream is bound to that
// candidate and later failures surface as StreamInterruptedError.
func (d *Dispatcher) Stream(ctx context.Context, req Request, cands []Candidate) (*ChunkStream, error) {
	streamCtx, cancelStream := context.WithCancelCause(ctx)
	var deadline *time.Timer
	if d.cfg.RequestTimeout > 0 {
		deadline = time.AfterFunc(d.cfg.RequestTimeout, func() { cancelStream(errRequestTimeout) })
	}
	fail := func(err error) (*ChunkStream, error) {
		if deadline != nil {
			deadline.Stop()
		}
		cancelStream(nil)
		return nil, err
	}

	r := d.newRun(req, true)
	for i, c := range cands {
		if err := streamCtx.Err(); err != nil {
			return fail(aborted(r, causeOf(streamCtx)))
		}
		adapter, ok := d.admit(r, c)
		if !ok {
			continue
		}

		slog.Info("routing stream",
			slog.String("request_id", req.ID),
			slog.String("provider", string(c.Provider)),
			slog.String("model", string(c.Model)),
			slog.Int("attempt", r.attempts),
			slog.Int("rank", i+1),
			slog.Int("total", len(cands)),
		)

		start := time.Now()
		callCtx, cancelCall := context.WithCancelCause(streamCtx)
		stopCall := d.afterFunc(d.cfg.CallTimeout, func() { cancelCall(errCallTimeout) })

		first, events, err := firstEvent(callCtx, adapter, c.ProviderModel, req)
		fired := !stopCall()
		if fired && err == nil {
			// The call timer fired as the first chunk arrived. callCtx is
			// cancelled, so binding would cut the stream on the next Recv.
			err = errCallTimeout
		}
		timedOut := fired || errors.Is(context.Cause(callCtx), errCallTimeout)

		if err == nil {
			if deadline != nil && !deadline.Stop() {
				// The overall deadline fired while the first chunk arrived.
				cancelCall(nil)
				d.abandoned(c)
				return fail(aborted(r, errRequestTimeout))
			}
			d.succeeded(r, c, time.Since(start))
			return newChunkStream(req.ID, c.Pair, first, events, func() {
				cancelCall(nil)
				cancelStream(nil)
			}, d.observer), nil
		}

		cancelCall(nil)
		if streamCtx.Err() != nil {
			d.abandoned(c)
			return fail(aborted(r, causeOf(streamCtx)))
		}

		ae := classify(adapter, c, err, timedOut)
		r.failures = append(r.failures, CandidateFailure{Pair: c.Pair, Err: ae})
		d.failed(r, c, ae, time.Since(start), i < len(cands)-1)
		if !ae.Retryable() {
			return fail(ae)
		}
	}
	return fail(&AllCandidatesFailedError{Failures: r.failures})
}

// firstEvent opens a stream and waits for its first chunk.
func firstEvent(ctx context.Context, a Sender, model string, req Request) (*ChatCompletionChunk, <-chan StreamEvent, error) {
	events, err := a.SendStream(ctx, model, req)
	if err != nil {
		return nil, nil, err
	}
	select {
	case ev, ok := <-events:
		switch {
		case !ok:
			return nil, nil, fmt.Errorf("stream closed before the first chunk: %w", errStreamEnded)
		case ev.Err != nil:
			return nil, nil, ev.Err
		case ev.Chunk == nil:
			return nil, nil, fmt.Errorf("adapter sent an empty event")
		}
		return ev.Chunk, events, nil
	case <-ctx.Done():
		return nil, nil, context.Cause(ctx)
	}
}

// classify turns an adapter error into an AdapterError. A per-call timeout
// is always a Timeout regardless of how the adapter saw it.
func classify(a Sender, c Candidate, err error, timedOut bool) *AdapterError {
	var ae *AdapterError
	switch {
	case timedOut:
		ae = &AdapterError{Kind: KindTimeout, Err: err}
	case errors.As(err, &ae):
		cp := *ae
		ae = &cp
	default:
		ae = a.ClassifyError(err)
		if ae == nil {
			ae = &AdapterError{Kind: KindTransient, Err: err}
		}
	}
	ae.Provider = c.Provider
	ae.Model = c.Model
	return ae
}

func (d *Dispatcher) succeeded(r *run, c Candidate, latency time.Duration) {
	if d.health != nil {
		d.health.RecordSuccess(string(c.Provider), float64(latency.Milliseconds()))
	}
	if d.breakers != nil {
		d.breakers.RecordSuccess(string(c.Provider))
	}
	d.observe(Attempt{RequestID: r.req.ID, Pair: c.Pair, Number: r.attempts, Stream: r.stream, Latency: latency})
}

func (d *Dispatcher) failed(r *run, c Candidate, ae *AdapterError, latency time.Duration, more bool) {
	if d.health != nil {
		d.health.RecordError(string(c.Provider), ae.Error())
	}
	if d.breakers != nil {
		// Fatal kinds prove the backend answered; only retryable ones count.
		if ae.Retryable() {
			d.breakers.RecordFailure(string(c.Provider))
		} else {
			d.breakers.RecordSuccess(string(c.Provider))
		}
	}
	fellBack := ae.Retryable() && more
	d.observe(Attempt{
		RequestID: r.req.ID,
		Pair:      c.Pair,
		Number:    r.attempts,
		Stream:    r.stream,
		Latency:   latency,
		Err:       ae,
		Kind:      ae.Kind,
		FellBack:  fellBack,
	})

	attrs := []any{
		slog.String("request_id", r.req.ID),
		slog.String("provider", string(c.Provider)),
		slog.String("model", string(c.Model)),
		slog.String("error", ae.Error()),
		slog.String("class", string(ae.Kind)),
	}
	if ae.RetryAfter > 0 {
		attrs = append(attrs, slog.Duration("retry_after", ae.RetryAfter))
	}
	if fellBack {
		slog.Warn("provider failed, falling back", attrs...)
	} else {
		slog.Warn("provider failed", attrs...)
	}
}

func (d *Dispatcher) abandoned(c Candidate) {
	if d.breakers != nil {
		d.breakers.RecordAbandoned(string(c.Provider))
	}
}

func (d *Dispatcher) observe(a Attempt) {
	if d.observer != nil {
		d.observer.ObserveAttempt(a)
	}
}

// DispatchAbortedError reports a run stopped by cancellation or deadline.
// Failures holds what was recorded before the stop.
type DispatchAbortedError struct {
	Attempts int
	Failures []CandidateFailure
	Err      error
}

func (e *DispatchAbortedError) Error() string {
	return fmt.Sprintf("dispatch aborted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *DispatchAbortedError) Unwrap() error { return e.Err }

// Timeout reports whether the run hit a deadline rather than a cancellation.
func (e *DispatchAbortedError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded) || errors.Is(e.Err, errRequestTimeout)
}

func aborted(r *run, err error) error {
	return &DispatchAbortedError{Attempts: r.attempts, Failures: r.failures, Err: err}
}

func causeOf(ctx context.Context) error {
	if c := context.Cause(ctx); c != nil {
		return c
	}
	return ctx.Err()
}

// finishCompletion stamps routing identity on a backend response.
func finishCompletion(resp *ChatCompletion, p catalog.Pair) {
	resp.Model = p.Model
	resp.Provider = p.Provider
	if resp.ID == "" {
		resp.ID = NewCompletionID()
	}
	if resp.Object == "" {
		resp.Object = "chat.completion"
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
}

// NewCompletionID returns an OpenAI-style completion id.
func NewCompletionID() string { return "chatcmpl-" + uuid.NewString() }
