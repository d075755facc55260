package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/dialtone/internal/catalog"
)

func TestEstimateTokens(t *testing.T) {
	req := userRequest("hello world test message")
	// 24 chars / 4
	assert.Equal(t, 6, EstimateTokens(req))
}

func TestRouteRanksWithoutDispatch(t *testing.T) {
	e, fakes := testEngine(t, DispatchConfig{})
	res, err := e.Route(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	assert.Equal(t, pairA.Model, res.Model)
	assert.Equal(t, []catalog.Pair{pairA, pairB, pairC}, res.Providers)
	assert.InDelta(t, 0.9, res.QualityPredictions[pairA.String()], 1e-9)
	assert.Equal(t, "fixed:quality=0.50,cost=0.50", res.RoutingStrategy)
	assert.NotEmpty(t, res.CatalogVersion)
	for _, f := range fakes {
		assert.Zero(t, f.callCount(), "route must not call any backend")
	}
}

func TestRouteEndToEndDialFlip(t *testing.T) {
	scorer := FixedScorer{
		pairA: {Quality: 0.9, Cost: 0.5},
		pairB: {Quality: 0.5, Cost: 0.1},
	}
	e, _ := testEngine(t, DispatchConfig{}, WithScorer(scorer))
	cfg := catalog.RouterModelConfig{IncludeModels: []catalog.Model{pairA.Model, pairB.Model}}

	req := userRequest("hi")
	req.RouterModelConfig = cfg
	req.Dials = &Dials{Quality: 1, Cost: 0}
	res, err := e.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []catalog.Pair{pairA, pairB}, res.Providers)

	req.Dials = &Dials{Quality: 0, Cost: 1}
	res, err = e.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []catalog.Pair{pairB, pairA}, res.Providers)
}

func TestRouteSingleToolCapablePair(t *testing.T) {
	s, err := catalog.New([]catalog.Entry{
		{Pair: catalog.Pair{Model: "M1", Provider: catalog.ProviderOpenAI}, Capability: catalog.Capability{SupportsTools: false, MaxContextTokens: 1000}, Quality: 0.99},
		{Pair: catalog.Pair{Model: "M1", Provider: catalog.ProviderGroq}, Capability: catalog.Capability{SupportsTools: true, MaxContextTokens: 1000}, Quality: 0.1},
	})
	require.NoError(t, err)
	e := NewEngine(catalog.NewStaticRegistry(s), EngineConfig{}, WithDefaultCredentials(allCreds()))

	req := userRequest("what's the weather?")
	req.Tools = []Tool{{Type: "function", Function: FunctionSpec{Name: "get_weather"}}}
	res, err := e.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []catalog.Pair{{Model: "M1", Provider: catalog.ProviderGroq}}, res.Providers)
}

func TestRouteToolsNeverRankUnsupportedPairs(t *testing.T) {
	snap := catalog.Default()
	e := NewEngine(catalog.NewStaticRegistry(snap), EngineConfig{}, WithDefaultCredentials(allCreds()))

	for _, d := range []Dials{{Quality: 1}, {Cost: 1}, DefaultDials, {Quality: 0.3, Cost: 0.7}} {
		req := userRequest("call a tool")
		req.Tools = []Tool{{Type: "function", Function: FunctionSpec{Name: "lookup"}}}
		req.Dials = &d
		res, err := e.Route(context.Background(), req)
		require.NoError(t, err)
		for _, p := range res.Providers {
			entry, ok := snap.Lookup(p)
			require.True(t, ok)
			assert.True(t, entry.SupportsTools, "%s ranked for a tool request", p)
		}
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	e := NewEngine(catalog.NewStaticRegistry(catalog.Default()), EngineConfig{}, WithDefaultCredentials(allCreds()))
	req := userRequest("same input, same output")
	first, err := e.Route(context.Background(), req)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := e.Route(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestRouteModelHint(t *testing.T) {
	e, _ := testEngine(t, DispatchConfig{})
	req := userRequest("hi")
	req.ModelHint = pairC.Model
	res, err := e.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []catalog.Pair{pairC, pairA, pairB}, res.Providers)
	assert.Equal(t, pairC.Model, res.Model)
	assert.Contains(t, res.RoutingStrategy, "+hint")
}

func TestRouteRejectsInvalidRequests(t *testing.T) {
	e, _ := testEngine(t, DispatchConfig{})

	_, err := e.Route(context.Background(), Request{})
	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "messages", re.Field)

	req := userRequest("hi")
	req.Dials = &Dials{Quality: 0.7, Cost: 0.7}
	_, err = e.Route(context.Background(), req)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "dials", re.Field)
}

func TestRouteNoEligibleCandidates(t *testing.T) {
	e := NewEngine(catalog.NewStaticRegistry(threePairSnapshot(t)), EngineConfig{})
	_, err := e.Route(context.Background(), userRequest("hi"))
	var ne *NoEligibleCandidatesError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, catalog.StageCredentials, ne.Stage)
}

func TestRouteCallerCredentials(t *testing.T) {
	e := NewEngine(catalog.NewStaticRegistry(threePairSnapshot(t)), EngineConfig{}, WithScorer(FixedScorer{}))
	req := userRequest("hi")
	req.Credentials = catalog.ProviderConfig{catalog.ProviderGroq: {APIKey: "caller"}}
	res, err := e.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []catalog.Pair{pairB}, res.Providers)
}

func TestCreateChatCompletionFirstCandidate(t *testing.T) {
	e, fakes := testEngine(t, DispatchConfig{})
	resp, err := e.CreateChatCompletion(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	assert.Equal(t, pairA.Provider, resp.Provider)
	assert.Equal(t, pairA.Model, resp.Model)
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Contains(t, resp.ID, "chatcmpl-")
	assert.Equal(t, 7, resp.Usage.TotalTokens)
	assert.Equal(t, []string{"backend-a"}, fakes[pairA.Provider].calls)
	assert.Equal(t, "key-openai", fakes[pairA.Provider].reqs[0].Credentials.APIKey(catalog.ProviderOpenAI))
}

func TestCreateChatCompletionFallsBackOnRetryable(t *testing.T) {
	for _, kind := range []ErrorKind{KindRateLimited, KindTimeout, KindTransient} {
		t.Run(string(kind), func(t *testing.T) {
			e, fakes := testEngine(t, DispatchConfig{})
			fakes[pairA.Provider].send = failWith(kind)

			resp, err := e.CreateChatCompletion(context.Background(), userRequest("hi"))
			require.NoError(t, err)
			assert.Equal(t, pairB.Provider, resp.Provider)
			assert.NotEqual(t, pairA.Provider, resp.Provider)
			assert.Equal(t, 1, fakes[pairA.Provider].callCount())
			assert.Zero(t, fakes[pairC.Provider].callCount())
		})
	}
}

func TestCreateChatCompletionAllCandidatesFail(t *testing.T) {
	obs := &recordingObserver{}
	e, fakes := testEngine(t, DispatchConfig{}, WithDispatchOptions(WithObserver(obs)))
	fakes[pairA.Provider].send = failWith(KindTransient)
	fakes[pairB.Provider].send = failWith(KindRateLimited)
	fakes[pairC.Provider].send = failWith(KindTimeout)

	_, err := e.CreateChatCompletion(context.Background(), userRequest("hi"))
	var all *AllCandidatesFailedError
	require.ErrorAs(t, err, &all)
	require.Len(t, all.Failures, 3)
	assert.Equal(t, pairA, all.Failures[0].Pair)
	assert.Equal(t, pairB, all.Failures[1].Pair)
	assert.Equal(t, pairC, all.Failures[2].Pair)
	assert.Equal(t, KindTransient, KindOf(all.Failures[0].Err))
	assert.Equal(t, KindRateLimited, KindOf(all.Failures[1].Err))
	assert.Equal(t, KindTimeout, KindOf(all.Failures[2].Err))
	assert.Equal(t, KindTimeout, KindOf(all.Last()))

	require.Len(t, obs.attempts, 3)
	assert.True(t, obs.attempts[0].FellBack)
	assert.False(t, obs.attempts[2].FellBack, "nothing left to fall back to")
}

func TestCreateChatCompletionFatalStopsFallback(t *testing.T) {
	for _, kind := range []ErrorKind{KindInvalidRequest, KindAuthFailure, KindUnsupportedCapability} {
		t.Run(string(kind), func(t *testing.T) {
			e, fakes := testEngine(t, DispatchConfig{})
			fakes[pairA.Provider].send = failWith(kind)

			_, err := e.CreateChatCompletion(context.Background(), userRequest("hi"))
			var ae *AdapterError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, kind, ae.Kind)
			assert.Equal(t, pairA.Provider, ae.Provider)
			assert.False(t, ae.Retryable())
			assert.Zero(t, fakes[pairB.Provider].callCount())
		})
	}
}

func TestCreateChatCompletionUnclassifiedErrorUsesAdapter(t *testing.T) {
	e, fakes := testEngine(t, DispatchConfig{})
	fakes[pairA.Provider].send = func(context.Context, string, Request) (*ChatCompletion, error) {
		return nil, errors.New("bad payload")
	}
	_, err := e.CreateChatCompletion(context.Background(), userRequest("hi"))
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestCreateChatCompletionPerCallTimeout(t *testing.T) {
	e, fakes := testEngine(t, DispatchConfig{CallTimeout: 20 * time.Millisecond})
	fakes[pairA.Provider].send = func(ctx context.Context, _ string, _ Request) (*ChatCompletion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	resp, err := e.CreateChatCompletion(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, pairB.Provider, resp.Provider)
}

func TestCreateChatCompletionRequestDeadline(t *testing.T) {
	e, fakes := testEngine(t, DispatchConfig{CallTimeout: time.Second, RequestTimeout: 30 * time.Millisecond})
	slow := func(ctx context.Context, _ string, _ Request) (*ChatCompletion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	fakes[pairA.Provider].send = slow

	_, err := e.CreateChatCompletion(context.Background(), userRequest("hi"))
	var ab *DispatchAbortedError
	require.ErrorAs(t, err, &ab)
	assert.True(t, ab.Timeout())
	assert.Zero(t, fakes[pairB.Provider].callCount())
}

func TestCreateChatCompletionCancellationAbortsLoop(t *testing.T) {
	breakers := newStubBreakers()
	e, fakes := testEngine(t, DispatchConfig{}, WithDispatchOptions(WithBreakers(breakers)))
	ctx, cancel := context.WithCancel(context.Background())
	fakes[pairA.Provider].send = func(ctx context.Context, _ string, _ Request) (*ChatCompletion, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := e.CreateChatCompletion(ctx, userRequest("hi"))
	require.ErrorIs(t, err, context.Canceled)
	var ab *DispatchAbortedError
	require.ErrorAs(t, err, &ab)
	assert.False(t, ab.Timeout())
	assert.Zero(t, fakes[pairB.Provider].callCount(), "no further candidates after cancellation")
	assert.Equal(t, 1, breakers.abandoned[string(pairA.Provider)])
}

func TestCreateChatCompletionAttemptLimit(t *testing.T) {
	e, fakes := testEngine(t, DispatchConfig{MaxAttempts: 1})
	fakes[pairA.Provider].send = failWith(KindTransient)

	_, err := e.CreateChatCompletion(context.Background(), userRequest("hi"))
	var all *AllCandidatesFailedError
	require.ErrorAs(t, err, &all)
	require.Len(t, all.Failures, 3)
	assert.False(t, all.Failures[0].Skipped)
	assert.True(t, all.Failures[1].Skipped)
	assert.ErrorIs(t, all.Failures[1].Err, ErrAttemptLimit)
	assert.ErrorIs(t, all.Failures[2].Err, ErrAttemptLimit)
	assert.Zero(t, fakes[pairB.Provider].callCount())
}

func TestCreateChatCompletionCostBudget(t *testing.T) {
	// Every pair costs $1 per 1M tokens either way, so 512 output tokens plus
	// a tiny prompt is ~0.0005 USD per attempt.
	e, fakes := testEngine(t, DispatchConfig{MaxAttemptCostUSD: 0.0008})
	fakes[pairA.Provider].send = failWith(KindTransient)

	_, err := e.CreateChatCompletion(context.Background(), userRequest("hi"))
	var all *AllCandidatesFailedError
	require.ErrorAs(t, err, &all)
	assert.ErrorIs(t, all.Failures[1].Err, ErrAttemptBudget)
	assert.Zero(t, fakes[pairB.Provider].callCount())
}

func TestCreateChatCompletionSkipsOpenBreaker(t *testing.T) {
	breakers := newStubBreakers(pairA.Provider)
	e, fakes := testEngine(t, DispatchConfig{}, WithDispatchOptions(WithBreakers(breakers)))
	fakes[pairB.Provider].send = failWith(KindRateLimited)

	resp, err := e.CreateChatCompletion(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, pairC.Provider, resp.Provider)
	assert.Zero(t, fakes[pairA.Provider].callCount())
	assert.Equal(t, 1, breakers.failures[string(pairB.Provider)])
	assert.Equal(t, 1, breakers.successes[string(pairC.Provider)])
}

func TestCreateChatCompletionOpenBreakerRecordedAsFailure(t *testing.T) {
	breakers := newStubBreakers(pairA.Provider, pairB.Provider, pairC.Provider)
	e, _ := testEngine(t, DispatchConfig{}, WithDispatchOptions(WithBreakers(breakers)))

	_, err := e.CreateChatCompletion(context.Background(), userRequest("hi"))
	var all *AllCandidatesFailedError
	require.ErrorAs(t, err, &all)
	for _, f := range all.Failures {
		assert.True(t, f.Skipped)
		assert.ErrorIs(t, f.Err, ErrCircuitOpen)
		assert.Equal(t, KindTransient, KindOf(f.Err))
	}
}

func TestCreateChatCompletionMissingAdapter(t *testing.T) {
	e := NewEngine(catalog.NewStaticRegistry(threePairSnapshot(t)), EngineConfig{},
		WithScorer(FixedScorer{pairA: {Quality: 1}}), WithDefaultCredentials(allCreds()))
	b := newFake(pairB.Provider)
	e.RegisterAdapter(b)

	resp, err := e.CreateChatCompletion(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, pairB.Provider, resp.Provider)
}

func TestListAdapterIDs(t *testing.T) {
	e, _ := testEngine(t, DispatchConfig{})
	assert.Equal(t, []catalog.Provider{catalog.ProviderAnthropic, catalog.ProviderGroq, catalog.ProviderOpenAI}, e.ListAdapterIDs())
}

func TestConcurrentRoutingDuringReload(t *testing.T) {
	e, _ := testEngine(t, DispatchConfig{})
	alt, err := catalog.New([]catalog.Entry{{Pair: pairC, Capability: catalog.Capability{MaxContextTokens: 100}}})
	require.NoError(t, err)
	orig := e.Catalog().Snapshot()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if i%2 == 0 {
				e.Catalog().Swap(alt)
			} else {
				e.Catalog().Swap(orig)
			}
		}
	}()
	for i := 0; i < 100; i++ {
		res, err := e.Route(context.Background(), userRequest("hi"))
		require.NoError(t, err)
		n := len(res.Providers)
		require.True(t, n == 1 || n == 3, "inconsistent snapshot: %d providers", n)
	}
	<-done
}

type planObserver struct {
	recordingObserver
	requestID  string
	candidates int
	strategy   string
}

func (o *planObserver) ObservePlan(requestID string, candidates int, strategy string) {
	o.requestID, o.candidates, o.strategy = requestID, candidates, strategy
}

func TestPlanObserverSeesRanking(t *testing.T) {
	obs := &planObserver{}
	e, _ := testEngine(t, DispatchConfig{}, WithDispatchOptions(WithObserver(obs)))

	req := userRequest("hi")
	req.ID = "req-7"
	_, err := e.CreateChatCompletion(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "req-7", obs.requestID)
	assert.Equal(t, 3, obs.candidates)
	assert.Equal(t, "fixed:quality=0.50,cost=0.50", obs.strategy)
}
