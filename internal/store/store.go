// Package store persists the request log. Prompts, completions and
// credentials are never stored; only routing outcomes are.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface used by the HTTP layer.
type Store interface {
	LogRequest(ctx context.Context, entry RequestLog) error
	ListRequestLogs(ctx context.Context, filter LogFilter) ([]RequestLog, error)
	ProviderSummary(ctx context.Context, since time.Time) ([]ProviderSummary, error)
	Prune(ctx context.Context, before time.Time) (int64, error)

	Migrate(ctx context.Context) error
	Close() error
}

// RequestLog is one routed request.
type RequestLog struct {
	ID               int64     `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	RequestID        string    `json:"request_id"`
	Mode             string    `json:"mode"` // chat, stream or route
	Model            string    `json:"model,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	Strategy         string    `json:"strategy,omitempty"`
	Candidates       int       `json:"candidates"`
	Attempts         int       `json:"attempts"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	StatusCode       int       `json:"status_code"`
	ErrorKind        string    `json:"error_kind,omitempty"`
}

// LogFilter narrows ListRequestLogs. Zero values mean no constraint.
type LogFilter struct {
	Limit    int
	Offset   int
	Provider string
	Model    string
	Errors   bool // only failed requests
}

// ProviderSummary aggregates the log for one provider.
type ProviderSummary struct {
	Provider     string  `json:"provider"`
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	CostUSD      float64 `json:"cost_usd"`
}
