package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jordanhubbard/dialtone/internal/catalog"
	"github.com/jordanhubbard/dialtone/internal/tracing"
)

const envPrefix = "DIALTONE_"

type Config struct {
	ListenAddr string
	LogLevel   string
	LogFormat  string

	// DBDSN is the sqlite request log. Empty disables request logging.
	DBDSN string
	// LogRetention bounds POST /admin/v1/logs/prune. Zero disables pruning.
	LogRetention time.Duration

	// CatalogPath is a YAML catalog file. Empty selects the built-in catalog.
	CatalogPath string

	CallTimeout       time.Duration
	RequestTimeout    time.Duration // zero: only the caller's context applies
	MaxAttempts       int           // zero: no cap
	MaxAttemptCostUSD float64       // zero: no cap

	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Security & hardening.
	AdminToken     string   // empty leaves /admin/v1 open
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// IdempotencyTTL is how long chat responses are kept for Idempotency-Key
	// replay. Zero disables replay.
	IdempotencyTTL        time.Duration
	IdempotencyMaxEntries int

	// OpenTelemetry.
	OTelEnabled     bool
	OTelExporter    string
	OTelEndpoint    string
	OTelServiceName string

	// Providers holds operator keys and base URL overrides, keyed by provider.
	Providers map[catalog.Provider]ProviderSettings
}

// ProviderSettings is the operator configuration for one backend.
type ProviderSettings struct {
	APIKey   string
	BaseURLs []string
}

// LoadConfig reads DIALTONE_* variables, after loading the .env file named
// by DIALTONE_ENV_FILE (default .env). Variables already set in the process
// environment win over the file.
func LoadConfig() (Config, error) {
	if err := loadEnvFile(getEnv("DIALTONE_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:  getEnv("DIALTONE_LISTEN_ADDR", ":8090"),
		LogLevel:    getEnv("DIALTONE_LOG_LEVEL", "info"),
		LogFormat:   getEnv("DIALTONE_LOG_FORMAT", "json"),
		DBDSN:       getEnv("DIALTONE_DB_DSN", ""),
		CatalogPath: getEnv("DIALTONE_CATALOG_PATH", ""),

		LogRetention: getEnvDuration("DIALTONE_LOG_RETENTION", 7*24*time.Hour),

		CallTimeout:       getEnvDuration("DIALTONE_CALL_TIMEOUT", 30*time.Second),
		RequestTimeout:    getEnvDuration("DIALTONE_REQUEST_TIMEOUT", 0),
		MaxAttempts:       getEnvInt("DIALTONE_MAX_ATTEMPTS", 0),
		MaxAttemptCostUSD: getEnvFloat("DIALTONE_MAX_ATTEMPT_COST_USD", 0),

		BreakerThreshold: getEnvInt("DIALTONE_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  getEnvDuration("DIALTONE_BREAKER_COOLDOWN", 30*time.Second),

		AdminToken:     getEnv("DIALTONE_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("DIALTONE_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("DIALTONE_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("DIALTONE_RATE_LIMIT_BURST", 120),

		IdempotencyTTL:        getEnvDuration("DIALTONE_IDEMPOTENCY_TTL", 10*time.Minute),
		IdempotencyMaxEntries: getEnvInt("DIALTONE_IDEMPOTENCY_MAX_ENTRIES", 10000),

		OTelEnabled:     getEnvBool("DIALTONE_OTEL_ENABLED", false),
		OTelExporter:    getEnv("DIALTONE_OTEL_EXPORTER", tracing.ExporterOTLPHTTP),
		OTelEndpoint:    getEnv("DIALTONE_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("DIALTONE_OTEL_SERVICE_NAME", "dialtone"),

		Providers: loadProviders(),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadEnvFile applies a dotenv file. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// providerEnv is the variable stem for a provider: DIALTONE_<STEM>_API_KEY.
func providerEnv(p catalog.Provider) string {
	return envPrefix + strings.ToUpper(string(p))
}

func loadProviders() map[catalog.Provider]ProviderSettings {
	out := make(map[catalog.Provider]ProviderSettings)
	for _, p := range catalog.AllProviders() {
		stem := providerEnv(p)
		s := ProviderSettings{
			APIKey:   getEnv(stem+"_API_KEY", ""),
			BaseURLs: getEnvStringSlice(stem+"_BASE_URL", nil),
		}
		if s.APIKey != "" || len(s.BaseURLs) > 0 {
			out[p] = s
		}
	}
	return out
}

// DefaultCredentials returns the operator keys as router credentials.
func (c Config) DefaultCredentials() catalog.ProviderConfig {
	out := make(catalog.ProviderConfig)
	for p, s := range c.Providers {
		if s.APIKey != "" {
			out[p] = catalog.ProviderCredential{APIKey: s.APIKey}
		}
	}
	return out
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("DIALTONE_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("DIALTONE_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.IdempotencyTTL < 0 {
		return fmt.Errorf("DIALTONE_IDEMPOTENCY_TTL must be >= 0, got %s", c.IdempotencyTTL)
	}
	if c.IdempotencyTTL > 0 && c.IdempotencyMaxEntries <= 0 {
		return fmt.Errorf("DIALTONE_IDEMPOTENCY_MAX_ENTRIES must be > 0, got %d", c.IdempotencyMaxEntries)
	}
	if c.LogRetention < 0 {
		return fmt.Errorf("DIALTONE_LOG_RETENTION must be >= 0, got %s", c.LogRetention)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("DIALTONE_CALL_TIMEOUT must be > 0, got %s", c.CallTimeout)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("DIALTONE_REQUEST_TIMEOUT must be >= 0, got %s", c.RequestTimeout)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("DIALTONE_MAX_ATTEMPTS must be >= 0, got %d", c.MaxAttempts)
	}
	if c.MaxAttemptCostUSD < 0 {
		return fmt.Errorf("DIALTONE_MAX_ATTEMPT_COST_USD must be >= 0, got %f", c.MaxAttemptCostUSD)
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("DIALTONE_BREAKER_THRESHOLD must be > 0, got %d", c.BreakerThreshold)
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("DIALTONE_BREAKER_COOLDOWN must be > 0, got %s", c.BreakerCooldown)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("DIALTONE_LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	switch c.OTelExporter {
	case tracing.ExporterOTLPHTTP, tracing.ExporterOTLPGRPC, tracing.ExporterStdout:
	default:
		return fmt.Errorf("DIALTONE_OTEL_EXPORTER must be otlphttp, otlpgrpc or stdout, got %q", c.OTelExporter)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("45s") or bare seconds ("45").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
