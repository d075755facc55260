// Package openai adapts OpenAI and the OpenAI-compatible backends (Groq,
// Fireworks, DeepInfra, Together) to the router's canonical schema.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/jordanhubbard/dialtone/internal/catalog"
	"github.com/jordanhubbard/dialtone/internal/providers"
	"github.com/jordanhubbard/dialtone/internal/router"
)

// Adapter implements router.Sender for OpenAI-compatible chat completions.
// Extra endpoints are used round-robin.
type Adapter struct {
	providers.Base
	endpoints []string
	counter   atomic.Uint64
}

// New creates an adapter for provider. baseURL includes the API version
// path, e.g. https://api.openai.com/v1.
func New(provider catalog.Provider, apiKey, baseURL string, opts ...providers.Option) *Adapter {
	a := &Adapter{Base: providers.NewBase(provider, apiKey, baseURL, opts...)}
	a.endpoints = []string{a.BaseURL()}
	return a
}

// NewWithEndpoints creates an adapter that spreads calls over several base
// URLs, for self-hosted deployments behind more than one address.
func NewWithEndpoints(provider catalog.Provider, apiKey string, baseURLs []string, opts ...providers.Option) *Adapter {
	a := New(provider, apiKey, baseURLs[0], opts...)
	for _, u := range baseURLs[1:] {
		a.endpoints = append(a.endpoints, providers.NewBase(provider, "", u).BaseURL())
	}
	return a
}

// Endpoints returns the configured base URLs.
func (a *Adapter) Endpoints() []string { return a.endpoints }

func (a *Adapter) nextEndpoint() string {
	if len(a.endpoints) == 1 {
		return a.endpoints[0]
	}
	idx := a.counter.Add(1) - 1
	return a.endpoints[idx%uint64(len(a.endpoints))]
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []router.Message `json:"messages"`
	Tools       []router.Tool    `json:"tools,omitempty"`
	ToolChoice  json.RawMessage  `json:"tool_choice,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

func buildRequest(model string, req router.Request, stream bool) chatRequest {
	return chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      stream,
	}
}

func (a *Adapter) headers(req router.Request) (map[string]string, error) {
	key, err := a.Key(req)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + key}, nil
}

func (a *Adapter) Send(ctx context.Context, model string, req router.Request) (*router.ChatCompletion, error) {
	headers, err := a.headers(req)
	if err != nil {
		return nil, err
	}
	body, err := a.Do(ctx, providers.Call{URL: a.nextEndpoint() + "/chat/completions", Payload: buildRequest(model, req, false), Headers: headers})
	if err != nil {
		return nil, err
	}

	var out router.ChatCompletion
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", a.ID(), err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", a.ID())
	}
	return &out, nil
}

// SendStream opens an SSE stream. Chunks already use the canonical shape.
func (a *Adapter) SendStream(ctx context.Context, model string, req router.Request) (<-chan router.StreamEvent, error) {
	headers, err := a.headers(req)
	if err != nil {
		return nil, err
	}
	headers["Accept"] = "text/event-stream"
	body, err := a.Stream(ctx, providers.Call{URL: a.nextEndpoint() + "/chat/completions", Payload: buildRequest(model, req, true), Headers: headers})
	if err != nil {
		return nil, err
	}

	sse := providers.NewSSEReader(body)
	return providers.Pump(ctx, body, func() ([]*router.ChatCompletionChunk, bool, error) {
		ev, err := sse.Next()
		if err != nil {
			return nil, false, err
		}
		return decodeChunk(ev.Data)
	}, a.ClassifyError), nil
}

var doneMarker = []byte("[DONE]")

func decodeChunk(data []byte) ([]*router.ChatCompletionChunk, bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false, nil
	}
	if bytes.Equal(data, doneMarker) {
		return nil, true, nil
	}

	var probe struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Error != nil {
		return nil, false, fmt.Errorf("stream error: %s", probe.Error.Message)
	}

	var chunk router.ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, false, fmt.Errorf("decode stream chunk: %w", err)
	}
	if len(chunk.Choices) == 0 && chunk.Usage == nil {
		return nil, false, nil
	}
	return []*router.ChatCompletionChunk{&chunk}, false, nil
}
