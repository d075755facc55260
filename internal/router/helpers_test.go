package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/dialtone/internal/catalog"
)

type sendFunc func(ctx context.Context, model string, req Request) (*ChatCompletion, error)
type streamFunc func(ctx context.Context, model string, req Request) (<-chan StreamEvent, error)

// fakeSender is a scripted adapter that records the backend model of every call.
type fakeSender struct {
	id     catalog.Provider
	send   sendFunc
	stream streamFunc

	mu    sync.Mutex
	calls []string
	reqs  []Request
}

func newFake(id catalog.Provider) *fakeSender {
	return &fakeSender{
		id: id,
		send: func(context.Context, string, Request) (*ChatCompletion, error) {
			return textCompletion("hello from " + string(id)), nil
		},
		stream: func(ctx context.Context, _ string, _ Request) (<-chan StreamEvent, error) {
			return emit(ctx, []*ChatCompletionChunk{deltaChunk("hi"), stopChunk()}, nil), nil
		},
	}
}

func (f *fakeSender) ID() catalog.Provider { return f.id }

func (f *fakeSender) record(model string, req Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, model)
	f.reqs = append(f.reqs, req)
}

func (f *fakeSender) Send(ctx context.Context, model string, req Request) (*ChatCompletion, error) {
	f.record(model, req)
	return f.send(ctx, model, req)
}

func (f *fakeSender) SendStream(ctx context.Context, model string, req Request) (<-chan StreamEvent, error) {
	f.record(model, req)
	return f.stream(ctx, model, req)
}

func (f *fakeSender) ClassifyError(err error) *AdapterError {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae
	}
	return &AdapterError{Kind: KindInvalidRequest, Err: err}
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func failWith(kind ErrorKind) sendFunc {
	return func(context.Context, string, Request) (*ChatCompletion, error) {
		return nil, &AdapterError{Kind: kind, Err: errors.New(string(kind))}
	}
}

func textCompletion(s string) *ChatCompletion {
	return &ChatCompletion{
		Choices: []Choice{{Message: Message{Role: RoleAssistant, Content: Text(s)}, FinishReason: FinishStop}},
		Usage:   Usage{PromptTokens: 3, CompletionTokens: 4},
	}
}

func deltaChunk(s string) *ChatCompletionChunk {
	return &ChatCompletionChunk{Choices: []ChunkChoice{{Delta: Delta{Content: s}}}}
}

func stopChunk() *ChatCompletionChunk {
	return &ChatCompletionChunk{Choices: []ChunkChoice{{FinishReason: FinishStop}}}
}

// emit streams chunks and then, if tail is non-nil, an error. It honors ctx
// like a real adapter.
func emit(ctx context.Context, chunks []*ChatCompletionChunk, tail error) <-chan StreamEvent {
	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- StreamEvent{Chunk: c}:
			case <-ctx.Done():
				return
			}
		}
		if tail != nil {
			select {
			case ch <- StreamEvent{Err: tail}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}

var (
	pairA = catalog.Pair{Model: "model-a", Provider: catalog.ProviderOpenAI}
	pairB = catalog.Pair{Model: "model-b", Provider: catalog.ProviderGroq}
	pairC = catalog.Pair{Model: "model-c", Provider: catalog.ProviderAnthropic}
)

func threePairSnapshot(t *testing.T) *catalog.Snapshot {
	t.Helper()
	caps := catalog.Capability{SupportsTools: true, SupportsStreaming: true, MaxContextTokens: 100000}
	s, err := catalog.New([]catalog.Entry{
		{Pair: pairA, Capability: caps, ProviderModel: "backend-a", InputPer1M: 1, OutputPer1M: 1, Quality: 0.9},
		{Pair: pairB, Capability: caps, ProviderModel: "backend-b", InputPer1M: 1, OutputPer1M: 1, Quality: 0.8},
		{Pair: pairC, Capability: caps, ProviderModel: "backend-c", InputPer1M: 1, OutputPer1M: 1, Quality: 0.7},
	})
	require.NoError(t, err)
	return s
}

func allCreds() catalog.ProviderConfig {
	c := catalog.ProviderConfig{}
	for _, p := range catalog.AllProviders() {
		c[p] = catalog.ProviderCredential{APIKey: "key-" + string(p)}
	}
	return c
}

// testEngine builds an engine over three pairs ranked A, B, C under the
// default dials, with one fake adapter per provider.
func testEngine(t *testing.T, cfg DispatchConfig, opts ...Option) (*Engine, map[catalog.Provider]*fakeSender) {
	t.Helper()
	scorer := FixedScorer{
		pairA: {Quality: 0.9, Cost: 0.1},
		pairB: {Quality: 0.8, Cost: 0.1},
		pairC: {Quality: 0.7, Cost: 0.1},
	}
	opts = append([]Option{WithScorer(scorer), WithDefaultCredentials(allCreds())}, opts...)
	e := NewEngine(catalog.NewStaticRegistry(threePairSnapshot(t)), EngineConfig{Dispatch: cfg}, opts...)
	fakes := map[catalog.Provider]*fakeSender{}
	for _, p := range []catalog.Pair{pairA, pairB, pairC} {
		f := newFake(p.Provider)
		fakes[p.Provider] = f
		e.RegisterAdapter(f)
	}
	return e, fakes
}

func userRequest(s string) Request {
	return Request{Messages: []Message{{Role: RoleUser, Content: Text(s)}}}
}

// recordingObserver captures dispatch events.
type recordingObserver struct {
	mu       sync.Mutex
	attempts []Attempt
	ends     []error
}

func (o *recordingObserver) ObserveAttempt(a Attempt) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, a)
}

func (o *recordingObserver) ObserveStreamEnd(_ string, _ catalog.Pair, _ int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ends = append(o.ends, err)
}

// stubBreakers refuses the listed providers and counts verdicts.
type stubBreakers struct {
	mu        sync.Mutex
	open      map[string]bool
	successes map[string]int
	failures  map[string]int
	abandoned map[string]int
}

func newStubBreakers(open ...catalog.Provider) *stubBreakers {
	b := &stubBreakers{open: map[string]bool{}, successes: map[string]int{}, failures: map[string]int{}, abandoned: map[string]int{}}
	for _, p := range open {
		b.open[string(p)] = true
	}
	return b
}

func (b *stubBreakers) Allow(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open[id]
}

func (b *stubBreakers) RecordSuccess(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes[id]++
}

func (b *stubBreakers) RecordFailure(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[id]++
}

func (b *stubBreakers) RecordAbandoned(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abandoned[id]++
}
