package catalog

import "fmt"

// RouterModelConfig narrows the catalog for one request. It is a view and
// never changes the shared snapshot.
type RouterModelConfig struct {
	IncludeModels []Model                 `json:"include_models,omitempty"`
	ExcludeModels []Model                 `json:"exclude_models,omitempty"`
	Models        map[Model]ModelOverride `json:"models,omitempty"`
}

// ModelOverride restricts which providers may serve a model, split by whether
// the request carries tools. An empty list means no restriction.
type ModelOverride struct {
	ToolsProviders   []Provider `json:"tools_providers,omitempty"`
	NoToolsProviders []Provider `json:"no_tools_providers,omitempty"`
}

// Requirements is what a request needs from a pair.
type Requirements struct {
	Tools        bool
	Stream       bool
	PromptTokens int
}

// Filter stages, reported when a stage empties the candidate set.
const (
	StageIncludeModels = "include_models"
	StageCredentials   = "credentials"
	StageTools         = "tools"
	StageProviderLists = "provider_lists"
	StageStreaming     = "streaming"
	StageContext       = "context_window"
)

// NoEligibleCandidatesError means no pair can satisfy the request under the
// current catalog and the caller's configuration.
type NoEligibleCandidatesError struct {
	Stage  string
	Reason string
}

func (e *NoEligibleCandidatesError) Error() string {
	return fmt.Sprintf("no eligible candidates (%s): %s", e.Stage, e.Reason)
}

// Eligible returns the pairs that can serve a request, in declaration order.
// Filters apply in a fixed order: model include/exclude lists, provider
// credentials, tool support and the per-model tools_providers list (or the
// no_tools_providers list for tool-less requests), streaming support, and
// finally context window.
func Eligible(s *Snapshot, req Requirements, cfg RouterModelConfig, creds ProviderConfig) ([]Pair, error) {
	entries := s.entries

	if len(cfg.IncludeModels) > 0 || len(cfg.ExcludeModels) > 0 {
		include := modelSet(cfg.IncludeModels)
		exclude := modelSet(cfg.ExcludeModels)
		entries = keep(entries, func(e Entry) bool {
			if len(include) > 0 && !include[e.Model] {
				return false
			}
			return !exclude[e.Model]
		})
		if len(entries) == 0 {
			return nil, &NoEligibleCandidatesError{Stage: StageIncludeModels, Reason: "no catalog model matches the include/exclude lists"}
		}
	}

	entries = keep(entries, func(e Entry) bool { return creds.Has(e.Provider) })
	if len(entries) == 0 {
		return nil, &NoEligibleCandidatesError{Stage: StageCredentials, Reason: "no credentials for any provider serving the requested models"}
	}

	if req.Tools {
		entries = keep(entries, func(e Entry) bool { return e.SupportsTools })
		if len(entries) == 0 {
			return nil, &NoEligibleCandidatesError{Stage: StageTools, Reason: "no remaining pair supports tool calls"}
		}
	}
	entries = keep(entries, func(e Entry) bool {
		o, ok := cfg.Models[e.Model]
		if !ok {
			return true
		}
		allow := o.NoToolsProviders
		if req.Tools {
			allow = o.ToolsProviders
		}
		return len(allow) == 0 || containsProvider(allow, e.Provider)
	})
	if len(entries) == 0 {
		return nil, &NoEligibleCandidatesError{Stage: StageProviderLists, Reason: "per-model provider lists exclude every remaining pair"}
	}

	if req.Stream {
		entries = keep(entries, func(e Entry) bool { return e.SupportsStreaming })
		if len(entries) == 0 {
			return nil, &NoEligibleCandidatesError{Stage: StageStreaming, Reason: "no remaining pair supports streaming"}
		}
	}

	if req.PromptTokens > 0 {
		entries = keep(entries, func(e Entry) bool { return e.MaxContextTokens >= req.PromptTokens })
		if len(entries) == 0 {
			return nil, &NoEligibleCandidatesError{
				Stage:  StageContext,
				Reason: fmt.Sprintf("prompt of ~%d tokens exceeds every remaining context window", req.PromptTokens),
			}
		}
	}

	out := make([]Pair, len(entries))
	for i, e := range entries {
		out[i] = e.Pair
	}
	return out, nil
}

// keep returns the entries matching fn. It never modifies the input slice.
func keep(entries []Entry, fn func(Entry) bool) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if fn(e) {
			out = append(out, e)
		}
	}
	return out
}

func modelSet(models []Model) map[Model]bool {
	if len(models) == 0 {
		return nil
	}
	m := make(map[Model]bool, len(models))
	for _, id := range models {
		m[id] = true
	}
	return m
}

func containsProvider(list []Provider, p Provider) bool {
	for _, x := range list {
		if x == p {
			return true
		}
	}
	return false
}
