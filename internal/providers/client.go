package providers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jordanhubbard/dialtone/internal/catalog"
	"github.com/jordanhubbard/dialtone/internal/router"
	"github.com/jordanhubbard/dialtone/internal/tracing"
)

// ErrNoAPIKey is returned when neither the caller nor the operator supplied
// a key for the provider.
var ErrNoAPIKey = errors.New("no api key configured")

// NewHTTPClient returns the client adapters share. It carries no overall
// timeout: calls are bounded by their context so long streams are not cut.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: tracing.HTTPTransport(nil)}
}

// Base holds the fields and behavior common to all adapters.
type Base struct {
	provider catalog.Provider
	apiKey   string
	baseURL  string
	client   *http.Client
}

// Option configures a Base.
type Option func(*Base)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Base) {
		if c != nil {
			b.client = c
		}
	}
}

// NewBase creates the shared adapter state. apiKey is the operator default;
// a caller credential for the same provider takes precedence per request.
func NewBase(provider catalog.Provider, apiKey, baseURL string, opts ...Option) Base {
	b := Base{
		provider: provider,
		apiKey:   apiKey,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   NewHTTPClient(),
	}
	for _, o := range opts {
		o(&b)
	}
	return b
}

func (b *Base) ID() catalog.Provider { return b.provider }

// BaseURL returns the endpoint root without a trailing slash.
func (b *Base) BaseURL() string { return b.baseURL }

// Key resolves the API key for req.
func (b *Base) Key(req router.Request) (string, error) {
	if k := req.Credentials.APIKey(b.provider); k != "" {
		return k, nil
	}
	if b.apiKey != "" {
		return b.apiKey, nil
	}
	return "", &router.AdapterError{Provider: b.provider, Kind: router.KindAuthFailure, Err: ErrNoAPIKey}
}

// ClassifyError implements router.Sender.
func (b *Base) ClassifyError(err error) *router.AdapterError {
	var ae *router.AdapterError
	if errors.As(err, &ae) {
		return ae
	}
	return Classify(b.provider, err)
}
