// Package replicate adapts Replicate's predictions API. Models take a flat
// prompt, so tools are not supported and the catalog must not mark any
// Replicate pair tool-capable.
package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/dialtone/internal/catalog"
	"github.com/jordanhubbard/dialtone/internal/providers"
	"github.com/jordanhubbard/dialtone/internal/router"
)

const defaultPollInterval = 500 * time.Millisecond

// Adapter implements router.Sender for Replicate.
type Adapter struct {
	providers.Base
	pollInterval time.Duration
}

// New creates a Replicate adapter.
func New(apiKey, baseURL string, opts ...providers.Option) *Adapter {
	return &Adapter{
		Base:         providers.NewBase(catalog.ProviderReplicate, apiKey, baseURL, opts...),
		pollInterval: defaultPollInterval,
	}
}

type predictionRequest struct {
	Version string `json:"version,omitempty"`
	Input   input  `json:"input"`
	Stream  bool   `json:"stream,omitempty"`
}

type input struct {
	Prompt        string   `json:"prompt"`
	SystemPrompt  string   `json:"system_prompt,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	StopSequences string   `json:"stop_sequences,omitempty"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
	URLs   struct {
		Get    string `json:"get"`
		Stream string `json:"stream"`
	} `json:"urls"`
	Metrics struct {
		InputTokenCount  int `json:"input_token_count"`
		OutputTokenCount int `json:"output_token_count"`
	} `json:"metrics"`
}

func (p *prediction) terminal() bool {
	switch p.Status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

// text joins the output, which language models return as a token list.
func (p *prediction) text() string {
	var parts []string
	if err := json.Unmarshal(p.Output, &parts); err == nil {
		return strings.Join(parts, "")
	}
	var s string
	_ = json.Unmarshal(p.Output, &s)
	return s
}

// prompt renders the conversation as a role-labelled transcript ending with
// an open assistant turn. A single user message is sent as-is.
func prompt(msgs []router.Message) string {
	var turns []router.Message
	for _, m := range msgs {
		if m.Role != router.RoleSystem {
			turns = append(turns, m)
		}
	}
	if len(turns) == 1 && turns[0].Role == router.RoleUser {
		return turns[0].Content.String()
	}
	var b strings.Builder
	for _, m := range turns {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content.String())
	}
	b.WriteString("assistant:")
	return b.String()
}

// endpoint returns the create URL for model. "owner/name:version" pins a
// version; "owner/name" uses the model's latest deployment.
func (a *Adapter) endpoint(model string, req *predictionRequest) string {
	if _, version, ok := strings.Cut(model, ":"); ok && version != "" {
		req.Version = version
		return a.BaseURL() + "/v1/predictions"
	}
	return a.BaseURL() + "/v1/models/" + model + "/predictions"
}

func buildRequest(req router.Request, stream bool) predictionRequest {
	return predictionRequest{
		Input: input{
			Prompt:        prompt(req.Messages),
			SystemPrompt:  providers.SystemPrompt(req.Messages),
			MaxTokens:     req.MaxTokens,
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			StopSequences: strings.Join(req.Stop, ","),
		},
		Stream: stream,
	}
}

func (a *Adapter) headers(req router.Request) (map[string]string, error) {
	key, err := a.Key(req)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + key}, nil
}

func (a *Adapter) create(ctx context.Context, model string, req router.Request, stream bool, headers map[string]string) (*prediction, error) {
	body := buildRequest(req, stream)
	u := a.endpoint(model, &body)
	raw, err := a.Do(ctx, providers.Call{URL: u, Payload: body, Headers: headers})
	if err != nil {
		return nil, err
	}
	var p prediction
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode replicate prediction: %w", err)
	}
	return &p, nil
}

func (a *Adapter) get(ctx context.Context, u string, headers map[string]string) (*prediction, error) {
	raw, err := a.Do(ctx, providers.Call{Method: http.MethodGet, URL: u, Headers: headers})
	if err != nil {
		return nil, err
	}
	var p prediction
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode replicate prediction: %w", err)
	}
	return &p, nil
}

// Send creates a prediction, asking the API to hold the response until it
// completes, and polls if it is still running.
func (a *Adapter) Send(ctx context.Context, model string, req router.Request) (*router.ChatCompletion, error) {
	headers, err := a.headers(req)
	if err != nil {
		return nil, err
	}
	headers["Prefer"] = "wait"

	p, err := a.create(ctx, model, req, false, headers)
	if err != nil {
		return nil, err
	}
	delete(headers, "Prefer")

	for !p.terminal() {
		if p.URLs.Get == "" {
			return nil, fmt.Errorf("replicate prediction %s has no status url", p.ID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.pollInterval):
		}
		if p, err = a.get(ctx, p.URLs.Get, headers); err != nil {
			return nil, err
		}
	}

	if p.Status != "succeeded" {
		return nil, fmt.Errorf("replicate prediction %s %s: %s", p.ID, p.Status, strings.Trim(string(p.Error), `"`))
	}
	in, out := p.Metrics.InputTokenCount, p.Metrics.OutputTokenCount
	return &router.ChatCompletion{
		ID: p.ID,
		Choices: []router.Choice{{
			Message:      router.Message{Role: router.RoleAssistant, Content: router.Text(p.text())},
			FinishReason: router.FinishStop,
		}},
		Usage: router.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

// SendStream creates a streaming prediction and follows its stream URL.
func (a *Adapter) SendStream(ctx context.Context, model string, req router.Request) (<-chan router.StreamEvent, error) {
	headers, err := a.headers(req)
	if err != nil {
		return nil, err
	}
	p, err := a.create(ctx, model, req, true, headers)
	if err != nil {
		return nil, err
	}
	if p.URLs.Stream == "" {
		return nil, fmt.Errorf("replicate prediction %s has no stream url", p.ID)
	}

	headers["Accept"] = "text/event-stream"
	headers["Cache-Control"] = "no-store"
	body, err := a.Stream(ctx, providers.Call{Method: http.MethodGet, URL: p.URLs.Stream, Headers: headers})
	if err != nil {
		return nil, err
	}

	sse := providers.NewSSEReader(body)
	started := false
	return providers.Pump(ctx, body, func() ([]*router.ChatCompletionChunk, bool, error) {
		ev, err := sse.Next()
		if err != nil {
			return nil, false, err
		}
		switch ev.Event {
		case "output":
			d := router.Delta{Content: string(ev.Data)}
			if !started {
				d.Role = router.RoleAssistant
				started = true
			}
			return []*router.ChatCompletionChunk{{Choices: []router.ChunkChoice{{Delta: d}}}}, false, nil
		case "error":
			return nil, false, fmt.Errorf("replicate stream error: %s", ev.Data)
		case "done":
			var done struct {
				Reason string `json:"reason"`
			}
			_ = json.Unmarshal(ev.Data, &done)
			if done.Reason != "" {
				return nil, false, fmt.Errorf("replicate prediction %s", done.Reason)
			}
			return []*router.ChatCompletionChunk{{Choices: []router.ChunkChoice{{FinishReason: router.FinishStop}}}}, true, nil
		}
		return nil, false, nil
	}, a.ClassifyError), nil
}
