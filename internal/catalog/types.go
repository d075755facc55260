package catalog

import (
	"log/slog"
	"sort"
)

// Model identifies a model family independent of who serves it.
type Model string

const (
	ModelGPT4o          Model = "gpt-4o"
	ModelGPT4oMini      Model = "gpt-4o-mini"
	ModelClaude35Sonnet Model = "claude-3-5-sonnet"
	ModelClaude3Haiku   Model = "claude-3-haiku"
	ModelGemini15Pro    Model = "gemini-1.5-pro"
	ModelGemini15Flash  Model = "gemini-1.5-flash"
	ModelCommandRPlus   Model = "command-r-plus"
	ModelCommandR       Model = "command-r"
	ModelLlama3_70B     Model = "llama-3-70b"
	ModelLlama31_8B     Model = "llama-3.1-8b"
	ModelLlama31_70B    Model = "llama-3.1-70b"
	ModelLlama31_405B   Model = "llama-3.1-405b"
)

// Provider identifies a serving backend. The set is closed: every provider
// has exactly one adapter variant.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderGroq      Provider = "groq"
	ProviderCohere    Provider = "cohere"
	ProviderFireworks Provider = "fireworks"
	ProviderDeepInfra Provider = "deepinfra"
	ProviderTogether  Provider = "together"
	ProviderReplicate Provider = "replicate"
)

var knownProviders = map[Provider]bool{
	ProviderOpenAI:    true,
	ProviderAnthropic: true,
	ProviderGoogle:    true,
	ProviderGroq:      true,
	ProviderCohere:    true,
	ProviderFireworks: true,
	ProviderDeepInfra: true,
	ProviderTogether:  true,
	ProviderReplicate: true,
}

// Valid reports whether p is one of the supported providers.
func (p Provider) Valid() bool { return knownProviders[p] }

// AllProviders returns every supported provider in lexicographic order.
func AllProviders() []Provider {
	out := make([]Provider, 0, len(knownProviders))
	for p := range knownProviders {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pair is one (model, provider) candidate.
type Pair struct {
	Model    Model    `json:"model" yaml:"model"`
	Provider Provider `json:"provider" yaml:"provider"`
}

func (p Pair) String() string { return string(p.Model) + "/" + string(p.Provider) }

// Capability describes what a pair can do.
type Capability struct {
	SupportsTools     bool `json:"supports_tools" yaml:"supports_tools"`
	SupportsStreaming bool `json:"supports_streaming" yaml:"supports_streaming"`
	MaxContextTokens  int  `json:"max_context_tokens" yaml:"max_context_tokens"`
}

// Entry is a catalog row: a pair, its capabilities, and the static inputs
// the scorer reads.
type Entry struct {
	Pair
	Capability

	// ProviderModel is the model name the backend expects on the wire.
	ProviderModel string `json:"provider_model"`

	InputPer1M  float64 `json:"input_per_1m"`
	OutputPer1M float64 `json:"output_per_1m"`

	Quality float64 `json:"quality"`
	// ToolQuality replaces Quality for tool-bearing requests when non-zero.
	ToolQuality float64 `json:"tool_quality,omitempty"`

	// Priority breaks ranking ties; lower ranks first.
	Priority int `json:"priority"`
}

// BlendedPrice is the USD price per 1M tokens assuming a 3:1 input:output mix.
func (e Entry) BlendedPrice() float64 {
	return (3*e.InputPer1M + e.OutputPer1M) / 4
}

// EstimateCostUSD returns the expected cost of a call with the given token counts.
func (e Entry) EstimateCostUSD(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*e.InputPer1M + float64(outputTokens)/1e6*e.OutputPer1M
}

// ProviderCredential carries the secret used to call one provider.
type ProviderCredential struct {
	APIKey string `json:"api_key"`
}

// ProviderConfig maps providers to caller-supplied credentials. It is never
// persisted and renders redacted in logs.
type ProviderConfig map[Provider]ProviderCredential

// Has reports whether a usable credential is present for p.
func (c ProviderConfig) Has(p Provider) bool { return c[p].APIKey != "" }

// APIKey returns the key for p, or "".
func (c ProviderConfig) APIKey(p Provider) string { return c[p].APIKey }

// Merge returns a new config with entries from over replacing those in c.
func (c ProviderConfig) Merge(over ProviderConfig) ProviderConfig {
	out := make(ProviderConfig, len(c)+len(over))
	for p, cred := range c {
		out[p] = cred
	}
	for p, cred := range over {
		if cred.APIKey != "" {
			out[p] = cred
		}
	}
	return out
}

// Providers lists the providers with credentials, sorted.
func (c ProviderConfig) Providers() []Provider {
	out := make([]Provider, 0, len(c))
	for p := range c {
		if c.Has(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LogValue keeps credentials out of structured logs.
func (c ProviderConfig) LogValue() slog.Value {
	names := make([]string, 0, len(c))
	for _, p := range c.Providers() {
		names = append(names, string(p))
	}
	return slog.AnyValue(names)
}
