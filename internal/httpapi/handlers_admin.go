package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jordanhubbard/dialtone/internal/stats"
	"github.com/jordanhubbard/dialtone/internal/store"
)

// AdminAuth requires "Authorization: Bearer <token>". An empty token
// leaves the admin API open, which is only sensible on a private listener.
func AdminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeErrorBody(w, http.StatusUnauthorized, errorDetail{Message: "admin token required", Code: codeUnauthorized})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HealthHandler reports passive health, breaker states and which providers
// have adapters and operator credentials. With a store it adds a 24h
// per-provider summary from the request log.
func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"adapters":    d.Engine.ListAdapterIDs(),
			"credentials": d.Engine.DefaultProviders(),
		}
		if d.Health != nil {
			out["providers"] = d.Health.All()
		}
		if d.Breakers != nil {
			out["breakers"] = d.Breakers.States()
		}
		if d.Store != nil {
			sum, err := d.Store.ProviderSummary(r.Context(), time.Now().Add(-24*time.Hour))
			if err != nil {
				writeErrorBody(w, http.StatusInternalServerError, errorDetail{Message: "store error: " + err.Error(), Code: codeInternal})
				return
			}
			out["last_24h"] = sum
		}
		writeJSON(w, out)
	}
}

// CatalogHandler returns the active snapshot.
func CatalogHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := d.Engine.Catalog().Snapshot()
		writeJSON(w, map[string]any{
			"version":   snap.Version(),
			"source":    snap.Source(),
			"loaded_at": snap.LoadedAt(),
			"entries":   snap.Entries(),
		})
	}
}

// ReloadHandler re-reads the catalog file and swaps it in. A bad file
// leaves the previous snapshot active.
func ReloadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap, err := d.Reload()
		if err != nil {
			writeErrorBody(w, http.StatusUnprocessableEntity, errorDetail{Message: err.Error(), Code: codeReloadFailed})
			return
		}
		writeJSON(w, map[string]any{
			"version": snap.Version(),
			"entries": snap.Len(),
		})
	}
}

// RequestLogsHandler handles GET /admin/v1/logs?limit=N&offset=N&provider=P&model=M&errors=true
func RequestLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeJSON(w, map[string]any{"logs": []any{}})
			return
		}
		q := r.URL.Query()
		f := store.LogFilter{
			Limit:    100,
			Provider: q.Get("provider"),
			Model:    q.Get("model"),
		}
		if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
			f.Limit = min(n, 1000)
		}
		if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
			f.Offset = n
		}
		f.Errors, _ = strconv.ParseBool(q.Get("errors"))

		logs, err := d.Store.ListRequestLogs(r.Context(), f)
		if err != nil {
			writeErrorBody(w, http.StatusInternalServerError, errorDetail{Message: "store error: " + err.Error(), Code: codeInternal})
			return
		}
		if logs == nil {
			logs = []store.RequestLog{}
		}
		writeJSON(w, map[string]any{"logs": logs, "limit": f.Limit, "offset": f.Offset})
	}
}

// PruneLogsHandler deletes request log entries older than the configured
// retention.
func PruneLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		before := time.Now().Add(-d.LogRetention)
		deleted, err := d.Store.Prune(r.Context(), before)
		if err != nil {
			writeErrorBody(w, http.StatusInternalServerError, errorDetail{Message: "prune error: " + err.Error(), Code: codeInternal})
			return
		}
		writeJSON(w, map[string]any{"deleted": deleted, "before": before.UTC()})
	}
}

// StatsHandler returns rolling-window aggregates of recent chat requests.
func StatsHandler(c *stats.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, c.Summary())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
