package router

import (
	"context"
	"sort"
	"sync"

	"github.com/jordanhubbard/dialtone/internal/catalog"
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	Dispatch DispatchConfig
}

// Engine ranks catalog pairs for a request and dispatches it across them.
type Engine struct {
	catalog *catalog.Registry
	scorer  Scorer

	dispatchOpts []DispatchOption
	dispatcher   *Dispatcher

	mu       sync.RWMutex
	adapters map[catalog.Provider]Sender
	defaults catalog.ProviderConfig
}

// Option configures an Engine.
type Option func(*Engine)

// WithScorer replaces the default TableScorer.
func WithScorer(s Scorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithDispatchOptions passes options through to the engine's Dispatcher.
func WithDispatchOptions(opts ...DispatchOption) Option {
	return func(e *Engine) { e.dispatchOpts = append(e.dispatchOpts, opts...) }
}

// WithDefaultCredentials sets operator credentials that callers' own
// provider configuration overrides.
func WithDefaultCredentials(c catalog.ProviderConfig) Option {
	return func(e *Engine) { e.defaults = c }
}

// NewEngine creates an engine reading pairs from reg.
func NewEngine(reg *catalog.Registry, cfg EngineConfig, opts ...Option) *Engine {
	e := &Engine{
		catalog:  reg,
		scorer:   TableScorer{},
		adapters: make(map[catalog.Provider]Sender),
	}
	for _, o := range opts {
		o(e)
	}
	e.dispatcher = NewDispatcher(cfg.Dispatch, e, e.dispatchOpts...)
	return e
}

// RegisterAdapter registers a provider adapter.
func (e *Engine) RegisterAdapter(a Sender) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[a.ID()] = a
}

// Adapter implements AdapterSet.
func (e *Engine) Adapter(p catalog.Provider) (Sender, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.adapters[p]
	return a, ok
}

// ListAdapterIDs returns the registered providers, sorted.
func (e *Engine) ListAdapterIDs() []catalog.Provider {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]catalog.Provider, 0, len(e.adapters))
	for id := range e.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SetDefaultCredentials replaces the operator credentials.
func (e *Engine) SetDefaultCredentials(c catalog.ProviderConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaults = c
}

// DefaultProviders lists the providers with operator credentials.
func (e *Engine) DefaultProviders() []catalog.Provider {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaults.Providers()
}

// Catalog returns the registry the engine reads.
func (e *Engine) Catalog() *catalog.Registry { return e.catalog }

// Scorer returns the scorer in use.
func (e *Engine) Scorer() Scorer { return e.scorer }

// Dispatcher returns the engine's dispatcher.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// EstimateTokens approximates the prompt size at four characters per token.
func EstimateTokens(req Request) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content.String()) + len(m.Name)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Function.Name) + len(tc.Function.Arguments)
		}
	}
	for _, t := range req.Tools {
		chars += len(t.Function.Name) + len(t.Function.Description) + len(t.Function.Parameters)
	}
	return chars / 4
}

// PlanObserver is an optional Observer extension told how each request was
// ranked before dispatch starts.
type PlanObserver interface {
	ObservePlan(requestID string, candidates int, strategy string)
}

// routePlan is a ranked candidate list for one request.
type routePlan struct {
	snapshot   *catalog.Snapshot
	req        Request
	dials      Dials
	candidates []Candidate
	strategy   string
}

func (e *Engine) plan(req Request) (*routePlan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	snap := e.catalog.Snapshot()

	e.mu.RLock()
	creds := e.defaults.Merge(req.Credentials)
	e.mu.RUnlock()
	req.Credentials = creds

	pairs, err := catalog.Eligible(snap, catalog.Requirements{
		Tools:        req.HasTools(),
		Stream:       req.Stream,
		PromptTokens: EstimateTokens(req),
	}, req.RouterModelConfig, creds)
	if err != nil {
		return nil, err
	}

	d := req.EffectiveDials()
	cands := Rank(snap, pairs, req, d, e.scorer)
	cands, hinted := applyHint(cands, req.ModelHint)
	p := &routePlan{
		snapshot:   snap,
		req:        req,
		dials:      d,
		candidates: cands,
		strategy:   strategyName(e.scorer, d, hinted),
	}
	if po, ok := e.dispatcher.observer.(PlanObserver); ok {
		po.ObservePlan(req.ID, len(cands), p.strategy)
	}
	return p, nil
}

// Route ranks the eligible pairs for req without calling any backend.
func (e *Engine) Route(_ context.Context, req Request) (RouteResult, error) {
	p, err := e.plan(req)
	if err != nil {
		return RouteResult{}, err
	}
	res := RouteResult{
		Providers:          make([]catalog.Pair, len(p.candidates)),
		QualityPredictions: make(map[string]float64, len(p.candidates)),
		RoutingStrategy:    p.strategy,
		Scores:             make([]CandidateScore, len(p.candidates)),
		CatalogVersion:     p.snapshot.Version(),
	}
	for i, c := range p.candidates {
		res.Providers[i] = c.Pair
		res.QualityPredictions[c.Pair.String()] = c.Score.Quality
		res.Scores[i] = CandidateScore{Pair: c.Pair, Quality: c.Score.Quality, Cost: c.Score.Cost, Composite: c.Composite}
	}
	if len(p.candidates) > 0 {
		res.Model = p.candidates[0].Model
	}
	return res, nil
}

// CreateChatCompletion routes req and returns the first successful
// completion. Only the winning candidate's response is returned.
func (e *Engine) CreateChatCompletion(ctx context.Context, req Request) (*ChatCompletion, error) {
	req.Stream = false
	p, err := e.plan(req)
	if err != nil {
		return nil, err
	}
	return e.dispatcher.Send(ctx, p.req, p.candidates)
}

// StreamChatCompletion routes req and returns a stream bound to the first
// candidate that produces a chunk. The caller must Close the stream.
func (e *Engine) StreamChatCompletion(ctx context.Context, req Request) (*ChunkStream, error) {
	req.Stream = true
	p, err := e.plan(req)
	if err != nil {
		return nil, err
	}
	return e.dispatcher.Stream(ctx, p.req, p.candidates)
}
