package app

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/dialtone/internal/catalog"
)

// clearEnv unsets every DIALTONE_ variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, envPrefix) {
			t.Setenv(key, "")
			_ = os.Unsetenv(key)
		}
	}
	t.Setenv("DIALTONE_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.DBDSN)
	assert.Empty(t, cfg.CatalogPath)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
	assert.Zero(t, cfg.RequestTimeout)
	assert.Zero(t, cfg.MaxAttempts)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Equal(t, 60, cfg.RateLimitRPS)
	assert.Equal(t, 120, cfg.RateLimitBurst)
	assert.False(t, cfg.OTelEnabled)
	assert.Equal(t, "otlphttp", cfg.OTelExporter)
	assert.Equal(t, 10*time.Minute, cfg.IdempotencyTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.LogRetention)
	assert.Empty(t, cfg.Providers)
}

func TestLoadConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DIALTONE_LISTEN_ADDR", ":9090")
	t.Setenv("DIALTONE_LOG_LEVEL", "debug")
	t.Setenv("DIALTONE_LOG_FORMAT", "text")
	t.Setenv("DIALTONE_DB_DSN", "file::memory:")
	t.Setenv("DIALTONE_CALL_TIMEOUT", "45s")
	t.Setenv("DIALTONE_REQUEST_TIMEOUT", "120")
	t.Setenv("DIALTONE_MAX_ATTEMPTS", "3")
	t.Setenv("DIALTONE_MAX_ATTEMPT_COST_USD", "0.25")
	t.Setenv("DIALTONE_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DIALTONE_OTEL_EXPORTER", "stdout")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "file::memory:", cfg.DBDSN)
	assert.Equal(t, 45*time.Second, cfg.CallTimeout)
	assert.Equal(t, 2*time.Minute, cfg.RequestTimeout)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.InDelta(t, 0.25, cfg.MaxAttemptCostUSD, 1e-9)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "stdout", cfg.OTelExporter)
}

func TestLoadConfigProviders(t *testing.T) {
	clearEnv(t)
	t.Setenv("DIALTONE_OPENAI_API_KEY", "sk-op")
	t.Setenv("DIALTONE_TOGETHER_BASE_URL", "http://a:8000/v1, http://b:8000/v1")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "sk-op", cfg.Providers[catalog.ProviderOpenAI].APIKey)
	assert.Equal(t, []string{"http://a:8000/v1", "http://b:8000/v1"}, cfg.Providers[catalog.ProviderTogether].BaseURLs)

	creds := cfg.DefaultCredentials()
	assert.True(t, creds.Has(catalog.ProviderOpenAI))
	assert.False(t, creds.Has(catalog.ProviderTogether), "a base URL alone is not a credential")
}

func TestLoadConfigEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "dialtone.env")
	require.NoError(t, os.WriteFile(path, []byte("DIALTONE_LISTEN_ADDR=:7000\nDIALTONE_ANTHROPIC_API_KEY=sk-ant\n"), 0o600))
	t.Setenv("DIALTONE_ENV_FILE", path)
	// Registered for cleanup; the file must not override it.
	t.Setenv("DIALTONE_LOG_LEVEL", "warn")
	t.Setenv("DIALTONE_LISTEN_ADDR", "")
	_ = os.Unsetenv("DIALTONE_LISTEN_ADDR")
	t.Setenv("DIALTONE_ANTHROPIC_API_KEY", "")
	_ = os.Unsetenv("DIALTONE_ANTHROPIC_API_KEY")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "sk-ant", cfg.Providers[catalog.ProviderAnthropic].APIKey)
}

func TestConfigValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"rate limit":       func(c *Config) { c.RateLimitRPS = 0 },
		"burst":            func(c *Config) { c.RateLimitBurst = -1 },
		"call timeout":     func(c *Config) { c.CallTimeout = 0 },
		"request timeout":  func(c *Config) { c.RequestTimeout = -time.Second },
		"max attempts":     func(c *Config) { c.MaxAttempts = -1 },
		"attempt cost":     func(c *Config) { c.MaxAttemptCostUSD = -0.5 },
		"breaker":          func(c *Config) { c.BreakerThreshold = 0 },
		"breaker cooldown": func(c *Config) { c.BreakerCooldown = 0 },
		"log format":       func(c *Config) { c.LogFormat = "xml" },
		"exporter":         func(c *Config) { c.OTelExporter = "zipkin" },
		"idempotency ttl":  func(c *Config) { c.IdempotencyTTL = -time.Second },
		"idempotency size": func(c *Config) { c.IdempotencyTTL, c.IdempotencyMaxEntries = time.Minute, 0 },
		"log retention":    func(c *Config) { c.LogRetention = -time.Hour },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, testConfig().Validate())
}

func testConfig() Config {
	return Config{
		ListenAddr:       ":0",
		LogLevel:         "error",
		LogFormat:        "json",
		DBDSN:            ":memory:",
		CallTimeout:      5 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Second,
		RateLimitRPS:     100,
		RateLimitBurst:   100,
		OTelExporter:     "otlphttp",
		Providers:        map[catalog.Provider]ProviderSettings{},
	}
}

const testCatalog = `
models:
  - id: m1
    quality: 0.9
    deployments:
      - provider: openai
        name: backend-m1
        supports_streaming: true
        max_context_tokens: 8000
        input_per_1m: 1
        output_per_1m: 2
`

// fakeOpenAI answers chat completions. The returned func lists the backend
// model names it was asked for.
func fakeOpenAI(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()
	var (
		mu     sync.Mutex
		models []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer sk-op" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		models = append(models, body.Model)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"backend-m1","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`)
	}))
	t.Cleanup(ts.Close)
	return ts, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), models...)
	}
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))

	cfg := testConfig()
	cfg.CatalogPath = path
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestServerRoutesToConfiguredBackend(t *testing.T) {
	backend, models := fakeOpenAI(t)
	_, ts := newTestServer(t, func(c *Config) {
		c.Providers[catalog.ProviderOpenAI] = ProviderSettings{APIKey: "sk-op", BaseURLs: []string{backend.URL}}
	})

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"hello"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "m1", resp.Header.Get("X-Dialtone-Model"))
	assert.Equal(t, "openai", resp.Header.Get("X-Dialtone-Provider"))
	assert.Equal(t, []string{"backend-m1"}, models())

	var body struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "m1", body.Model)
	require.Len(t, body.Choices, 1)
	assert.Equal(t, "hi there", body.Choices[0].Message.Content)

	mresp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	text, _ := io.ReadAll(mresp.Body)
	assert.Contains(t, string(text), `dialtone_requests_total{mode="chat",model="m1",provider="openai",status="ok"} 1`)
}

func TestServerWithoutCredentialsHasNoCandidates(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"hello"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestServerHealthz(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Adapters int    `json:"adapters"`
		Pairs    int    `json:"pairs"`
		Version  string `json:"version"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, len(catalog.AllProviders()), body.Adapters)
	assert.Equal(t, 1, body.Pairs)
	assert.Equal(t, "test", body.Version)
}

func TestServerAdminToken(t *testing.T) {
	_, ts := newTestServer(t, func(c *Config) { c.AdminToken = "s3cret" })

	resp, err := http.Get(ts.URL + "/admin/v1/catalog")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/admin/v1/catalog", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerPruneLogsAndStats(t *testing.T) {
	backend, _ := fakeOpenAI(t)
	_, ts := newTestServer(t, func(c *Config) {
		c.LogRetention = time.Hour
		c.Providers[catalog.ProviderOpenAI] = ProviderSettings{APIKey: "sk-op", BaseURLs: []string{backend.URL}}
	})

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/admin/v1/stats")
	require.NoError(t, err)
	var sum struct {
		Total []struct {
			Window   string `json:"window"`
			Requests int    `json:"requests"`
		} `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sum))
	resp.Body.Close()
	require.NotEmpty(t, sum.Total)
	assert.Equal(t, 1, sum.Total[0].Requests)

	// The entry is younger than the retention, so nothing goes.
	resp, err = http.Post(ts.URL+"/admin/v1/logs/prune", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pruned struct {
		Deleted int64 `json:"deleted"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pruned))
	assert.Zero(t, pruned.Deleted)
}

func TestServerRateLimitCoversAPIOnly(t *testing.T) {
	_, ts := newTestServer(t, func(c *Config) {
		c.RateLimitRPS = 1
		c.RateLimitBurst = 1
	})

	get := func(path string) int {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, get("/v1/models"))
	assert.Equal(t, http.StatusTooManyRequests, get("/v1/models"))
	assert.Equal(t, http.StatusOK, get("/healthz"))
}

func TestServerReloadCatalog(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	path := srv.cfg.CatalogPath
	before := srv.Engine().Catalog().Snapshot()

	require.NoError(t, os.WriteFile(path, []byte(`models: [`), 0o600))
	_, err := srv.ReloadCatalog()
	require.Error(t, err)
	assert.Same(t, before, srv.Engine().Catalog().Snapshot())

	sub := srv.bus.Subscribe(4)
	defer srv.bus.Unsubscribe(sub)

	require.NoError(t, os.WriteFile(path, []byte(testCatalog+`
  - id: m2
    quality: 0.5
    deployments:
      - provider: groq
        max_context_tokens: 8000
`), 0o600))
	snap, err := srv.ReloadCatalog()
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Len())
	assert.NotEqual(t, before.Version(), snap.Version())

	select {
	case ev := <-sub.C:
		assert.Equal(t, "catalog_reload", string(ev.Type))
		assert.Equal(t, snap.Version(), ev.CatalogVersion)
	case <-time.After(time.Second):
		t.Fatal("no catalog_reload event")
	}
}

func TestRegisterProvidersUsesDefaults(t *testing.T) {
	srv, _ := newTestServer(t, func(c *Config) {
		c.Providers[catalog.ProviderGroq] = ProviderSettings{BaseURLs: []string{"http://a/v1", "http://b/v1"}}
	})
	for _, p := range catalog.AllProviders() {
		_, ok := srv.Engine().Adapter(p)
		assert.True(t, ok, "adapter for %s", p)
	}
	for p := range defaultBaseURLs {
		assert.True(t, p.Valid(), "%s", p)
	}
	assert.Len(t, defaultBaseURLs, len(catalog.AllProviders()))
}

func TestServerIdempotentReplay(t *testing.T) {
	backend, models := fakeOpenAI(t)
	_, ts := newTestServer(t, func(c *Config) {
		c.Providers[catalog.ProviderOpenAI] = ProviderSettings{APIKey: "sk-op", BaseURLs: []string{backend.URL}}
		c.IdempotencyTTL = time.Minute
		c.IdempotencyMaxEntries = 10
	})

	send := func() *http.Response {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/chat/completions",
			strings.NewReader(`{"messages":[{"role":"user","content":"hello"}]}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "order-42")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}
	first, second := send(), send()

	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotency-Replay"))
	assert.Len(t, models(), 1, "the retry must not reach the backend")
}
