package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/dialtone/internal/catalog"
	"github.com/jordanhubbard/dialtone/internal/circuitbreaker"
	"github.com/jordanhubbard/dialtone/internal/events"
	"github.com/jordanhubbard/dialtone/internal/health"
	"github.com/jordanhubbard/dialtone/internal/idempotency"
	"github.com/jordanhubbard/dialtone/internal/metrics"
	"github.com/jordanhubbard/dialtone/internal/router"
	"github.com/jordanhubbard/dialtone/internal/stats"
	"github.com/jordanhubbard/dialtone/internal/store"
)

// Dependencies are the collaborators the handlers read. Only Engine is
// required; the rest are skipped when nil.
type Dependencies struct {
	Engine   *router.Engine
	Observer *Observer
	Metrics  *metrics.Registry
	Store    store.Store
	Health   *health.Tracker
	Breakers *circuitbreaker.Set
	EventBus *events.Bus
	Stats    *stats.Collector

	// AdminToken guards /admin/v1 when non-empty.
	AdminToken string
	// Reload re-reads the catalog. Nil disables POST /admin/v1/reload.
	Reload func() (*catalog.Snapshot, error)
	// LogRetention is the age POST /admin/v1/logs/prune deletes past.
	// Zero disables the endpoint.
	LogRetention time.Duration
	// Version is reported by /healthz.
	Version string
	// RateLimit wraps the /v1 routes when set.
	RateLimit func(http.Handler) http.Handler
	// Idempotency enables Idempotency-Key replay on chat completions.
	Idempotency *idempotency.Cache
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		// Healthy means a request could be routed somewhere.
		pairs := d.Engine.Catalog().Snapshot().Len()
		adapters := len(d.Engine.ListAdapterIDs())
		status, code := "ok", http.StatusOK
		if adapters == 0 || pairs == 0 {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   status,
			"adapters": adapters,
			"pairs":    pairs,
			"version":  d.Version,
		})
	})

	r.Route("/v1", func(r chi.Router) {
		if d.RateLimit != nil {
			r.Use(d.RateLimit)
		}
		completions := r
		if d.Idempotency != nil {
			completions = r.With(idempotency.Middleware(d.Idempotency))
		}
		completions.Post("/chat/completions", ChatCompletionsHandler(d))
		r.Post("/chat/route", RouteHandler(d))
		r.Get("/models", ModelsHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(AdminAuth(d.AdminToken))
		r.Get("/health", HealthHandler(d))
		r.Get("/catalog", CatalogHandler(d))
		r.Get("/logs", RequestLogsHandler(d))
		if d.Store != nil && d.LogRetention > 0 {
			r.Post("/logs/prune", PruneLogsHandler(d))
		}
		if d.Stats != nil {
			r.Get("/stats", StatsHandler(d.Stats))
		}
		if d.Reload != nil {
			r.Post("/reload", ReloadHandler(d))
		}
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}
