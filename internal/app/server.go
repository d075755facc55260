package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/dialtone/internal/catalog"
	"github.com/jordanhubbard/dialtone/internal/circuitbreaker"
	"github.com/jordanhubbard/dialtone/internal/events"
	"github.com/jordanhubbard/dialtone/internal/health"
	"github.com/jordanhubbard/dialtone/internal/httpapi"
	"github.com/jordanhubbard/dialtone/internal/idempotency"
	"github.com/jordanhubbard/dialtone/internal/logging"
	"github.com/jordanhubbard/dialtone/internal/metrics"
	"github.com/jordanhubbard/dialtone/internal/providers"
	"github.com/jordanhubbard/dialtone/internal/providers/anthropic"
	"github.com/jordanhubbard/dialtone/internal/providers/cohere"
	"github.com/jordanhubbard/dialtone/internal/providers/google"
	"github.com/jordanhubbard/dialtone/internal/providers/openai"
	"github.com/jordanhubbard/dialtone/internal/providers/replicate"
	"github.com/jordanhubbard/dialtone/internal/ratelimit"
	"github.com/jordanhubbard/dialtone/internal/router"
	"github.com/jordanhubbard/dialtone/internal/stats"
	"github.com/jordanhubbard/dialtone/internal/store"
	"github.com/jordanhubbard/dialtone/internal/tracing"
)

// defaultBaseURLs are the public endpoints used when no
// DIALTONE_<PROVIDER>_BASE_URL override is set.
var defaultBaseURLs = map[catalog.Provider]string{
	catalog.ProviderOpenAI:    "https://api.openai.com/v1",
	catalog.ProviderGroq:      "https://api.groq.com/openai/v1",
	catalog.ProviderFireworks: "https://api.fireworks.ai/inference/v1",
	catalog.ProviderDeepInfra: "https://api.deepinfra.com/v1/openai",
	catalog.ProviderTogether:  "https://api.together.xyz/v1",
	catalog.ProviderAnthropic: "https://api.anthropic.com",
	catalog.ProviderGoogle:    "https://generativelanguage.googleapis.com",
	catalog.ProviderCohere:    "https://api.cohere.com",
	catalog.ProviderReplicate: "https://api.replicate.com",
}

type Server struct {
	cfg     Config
	version string

	r *chi.Mux

	engine   *router.Engine
	registry *catalog.Registry
	store    store.Store
	limiter  *ratelimit.Limiter
	replay   *idempotency.Cache
	metrics  *metrics.Registry
	bus      *events.Bus
	logger   *slog.Logger

	shutdownTracing func(context.Context) error
}

// NewServer assembles the router, its adapters and the HTTP surface.
func NewServer(cfg Config, version string) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Exporter:    cfg.OTelExporter,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		Version:     version,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:             cfg,
		version:         version,
		metrics:         metrics.New(),
		bus:             events.NewBus(),
		logger:          logger,
		shutdownTracing: shutdownTracing,
	}

	s.registry, err = catalog.NewRegistry(cfg.CatalogPath)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return nil, err
	}
	snap := s.registry.Snapshot()
	logger.Info("catalog loaded",
		slog.String("source", snap.Source()),
		slog.String("version", snap.Version()),
		slog.Int("entries", snap.Len()))

	if cfg.DBDSN != "" {
		db, err := store.NewSQLite(cfg.DBDSN)
		if err != nil {
			_ = shutdownTracing(context.Background())
			return nil, err
		}
		if err := db.Migrate(context.Background()); err != nil {
			_ = db.Close()
			_ = shutdownTracing(context.Background())
			return nil, err
		}
		s.store = db
		logger.Info("request log initialized", slog.String("dsn", cfg.DBDSN))
	}

	breakers := circuitbreaker.NewSet(
		circuitbreaker.WithBreakerOptions(
			circuitbreaker.WithThreshold(cfg.BreakerThreshold),
			circuitbreaker.WithCooldown(cfg.BreakerCooldown),
		),
		circuitbreaker.WithOnProviderChange(s.onBreakerChange),
	)
	ht := health.NewTracker(health.DefaultConfig(), health.WithEventBus(s.bus))
	observer := httpapi.NewObserver(s.metrics, s.bus)

	dispatch := router.DefaultDispatchConfig()
	dispatch.CallTimeout = cfg.CallTimeout
	dispatch.RequestTimeout = cfg.RequestTimeout
	dispatch.MaxAttempts = cfg.MaxAttempts
	dispatch.MaxAttemptCostUSD = cfg.MaxAttemptCostUSD

	s.engine = router.NewEngine(s.registry, router.EngineConfig{Dispatch: dispatch},
		router.WithDispatchOptions(
			router.WithObserver(observer),
			router.WithBreakers(breakers),
			router.WithHealth(ht),
		),
		router.WithDefaultCredentials(cfg.DefaultCredentials()),
	)
	registerProviders(s.engine, cfg, logger)

	s.limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(s.metrics.RateLimited))

	if cfg.IdempotencyTTL > 0 {
		s.replay = idempotency.New(cfg.IdempotencyTTL, cfg.IdempotencyMaxEntries)
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing.Middleware())
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", idempotency.HeaderKey},
		ExposedHeaders:   []string{"X-Dialtone-Model", "X-Dialtone-Provider", "X-Request-ID", idempotency.HeaderReplay},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	s.r = r

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Engine:       s.engine,
		Observer:     observer,
		Metrics:      s.metrics,
		Store:        s.store,
		Health:       ht,
		Breakers:     breakers,
		EventBus:     s.bus,
		Stats:        stats.NewCollector(),
		AdminToken:   cfg.AdminToken,
		Reload:       s.ReloadCatalog,
		LogRetention: cfg.LogRetention,
		Version:      version,
		RateLimit:    s.limiter.Middleware,
		Idempotency:  s.replay,
	})

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Engine exposes the routing engine, mainly for tests.
func (s *Server) Engine() *router.Engine { return s.engine }

// ReloadCatalog re-reads the catalog source and swaps it in. On error the
// current catalog stays in effect.
func (s *Server) ReloadCatalog() (*catalog.Snapshot, error) {
	snap, err := s.registry.Reload()
	if err != nil {
		s.metrics.CatalogReloads.WithLabelValues("error").Inc()
		s.logger.Warn("catalog reload failed", slog.String("error", err.Error()))
		return nil, err
	}
	s.metrics.CatalogReloads.WithLabelValues("ok").Inc()
	s.bus.Publish(events.Event{Type: events.EventCatalogReload, CatalogVersion: snap.Version()})
	s.logger.Info("catalog reloaded",
		slog.String("version", snap.Version()),
		slog.Int("entries", snap.Len()))
	return snap, nil
}

func (s *Server) onBreakerChange(provider string, from, to circuitbreaker.State) {
	s.metrics.BreakerState.WithLabelValues(provider).Set(float64(to))
	s.bus.Publish(events.Event{
		Type:     events.EventBreakerChange,
		Provider: provider,
		OldState: from.String(),
		NewState: to.String(),
	})
	s.logger.Warn("circuit breaker state change",
		slog.String("provider", provider),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

// Close stops background goroutines, closes the store and flushes pending
// spans.
func (s *Server) Close() error {
	var errs []error
	s.limiter.Stop()
	if s.replay != nil {
		s.replay.Stop()
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = append(errs, s.shutdownTracing(ctx))
	return errors.Join(errs...)
}

// registerProviders installs an adapter for every known provider. Providers
// without an operator key remain usable with caller-supplied credentials.
func registerProviders(eng *router.Engine, cfg Config, logger *slog.Logger) {
	client := providers.WithHTTPClient(providers.NewHTTPClient())
	for _, p := range catalog.AllProviders() {
		settings := cfg.Providers[p]
		urls := settings.BaseURLs
		if len(urls) == 0 {
			urls = []string{defaultBaseURLs[p]}
		}
		a := newAdapter(p, settings.APIKey, urls, client)
		if a == nil {
			continue
		}
		eng.RegisterAdapter(a)
		logger.Info("registered provider",
			slog.String("provider", string(p)),
			slog.Any("endpoints", urls),
			slog.Bool("operator_key", settings.APIKey != ""))
	}
}

func newAdapter(p catalog.Provider, apiKey string, urls []string, client providers.Option) router.Sender {
	switch p {
	case catalog.ProviderOpenAI, catalog.ProviderGroq, catalog.ProviderFireworks,
		catalog.ProviderDeepInfra, catalog.ProviderTogether:
		return openai.NewWithEndpoints(p, apiKey, urls, client)
	case catalog.ProviderAnthropic:
		return anthropic.New(apiKey, urls[0], client)
	case catalog.ProviderGoogle:
		return google.New(apiKey, urls[0], client)
	case catalog.ProviderCohere:
		return cohere.New(apiKey, urls[0], client)
	case catalog.ProviderReplicate:
		return replicate.New(apiKey, urls[0], client)
	}
	return nil
}
