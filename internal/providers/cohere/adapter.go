// Package cohere adapts the Cohere v2 chat API.
package cohere

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jordanhubbard/dialtone/internal/catalog"
	"github.com/jordanhubbard/dialtone/internal/providers"
	"github.com/jordanhubbard/dialtone/internal/router"
)

// Adapter implements router.Sender for Cohere.
type Adapter struct {
	providers.Base
}

// New creates a Cohere adapter.
func New(apiKey, baseURL string, opts ...providers.Option) *Adapter {
	return &Adapter{Base: providers.NewBase(catalog.ProviderCohere, apiKey, baseURL, opts...)}
}

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []message     `json:"messages"`
	Tools         []router.Tool `json:"tools,omitempty"`
	ToolChoice    string        `json:"tool_choice,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	P             *float64      `json:"p,omitempty"`
	MaxTokens     *int          `json:"max_tokens,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
}

type message struct {
	Role       string            `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []router.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

func buildRequest(model string, req router.Request, stream bool) chatRequest {
	out := chatRequest{
		Model:         model,
		Tools:         req.Tools,
		Temperature:   req.Temperature,
		P:             req.TopP,
		MaxTokens:     req.MaxTokens,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, message{
			Role:       m.Role,
			Content:    m.Content.String(),
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	// Cohere has no named-function choice; forcing any tool is the closest.
	if len(req.Tools) > 0 {
		switch mode, _ := providers.ToolChoiceMode(req.ToolChoice); mode {
		case "none":
			out.ToolChoice = "NONE"
		case "required", "function":
			out.ToolChoice = "REQUIRED"
		}
	}
	return out
}

type tokens struct {
	InputTokens  float64 `json:"input_tokens"`
	OutputTokens float64 `json:"output_tokens"`
}

type usage struct {
	Tokens      *tokens `json:"tokens"`
	BilledUnits *tokens `json:"billed_units"`
}

func (u *usage) canonical() *router.Usage {
	if u == nil {
		return nil
	}
	t := u.Tokens
	if t == nil {
		t = u.BilledUnits
	}
	if t == nil {
		return nil
	}
	in, out := int(t.InputTokens), int(t.OutputTokens)
	return &router.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

type chatResponse struct {
	ID           string `json:"id"`
	FinishReason string `json:"finish_reason"`
	Message      struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		ToolCalls []router.ToolCall `json:"tool_calls"`
	} `json:"message"`
	Usage *usage `json:"usage"`
}

func finishReason(r string) string {
	switch r {
	case "":
		return ""
	case "MAX_TOKENS":
		return router.FinishLength
	case "TOOL_CALL":
		return router.FinishToolCalls
	}
	return router.FinishStop
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
	body, err := a.Do(ctx, providers.Call{URL: a.BaseURL() + "/v2/chat", Payload: buildRequest(model, req, false), Headers: headers})
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode cohere response: %w", err)
	}
	if resp.FinishReason == "ERROR" {
		return nil, fmt.Errorf("cohere generation failed")
	}

	var text strings.Builder
	for _, c := range resp.Message.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	out := &router.ChatCompletion{
		ID: resp.ID,
		Choices: []router.Choice{{
			Message:      router.Message{Role: router.RoleAssistant, Content: router.Text(text.String()), ToolCalls: resp.Message.ToolCalls},
			FinishReason: finishReason(resp.FinishReason),
		}},
	}
	if u := resp.Usage.canonical(); u != nil {
		out.Usage = *u
	}
	return out, nil
}

type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta *struct {
		FinishReason string `json:"finish_reason"`
		Usage        *usage `json:"usage"`
		Error        string `json:"error"`
		Message      *struct {
			Content *struct {
				Text string `json:"text"`
			} `json:"content"`
			ToolCalls *router.ToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"delta"`
}

// SendStream decodes Cohere's typed stream events into canonical chunks.
func (a *Adapter) SendStream(ctx context.Context, model string, req router.Request) (<-chan router.StreamEvent, error) {
	headers, err := a.headers(req)
	if err != nil {
		return nil, err
	}
	headers["Accept"] = "text/event-stream"
	body, err := a.Stream(ctx, providers.Call{URL: a.BaseURL() + "/v2/chat", Payload: buildRequest(model, req, true), Headers: headers})
	if err != nil {
		return nil, err
	}

	sse := providers.NewSSEReader(body)
	return providers.Pump(ctx, body, func() ([]*router.ChatCompletionChunk, bool, error) {
		ev, err := sse.Next()
		if err != nil {
			return nil, false, err
		}
		return decodeEvent(ev.Data)
	}, a.ClassifyError), nil
}

func decodeEvent(data []byte) ([]*router.ChatCompletionChunk, bool, error) {
	if len(data) == 0 {
		return nil, false, nil
	}
	var se streamEvent
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, false, fmt.Errorf("decode cohere event: %w", err)
	}

	d := se.Delta
	switch se.Type {
	case "message-start":
		return chunk(router.Delta{Role: router.RoleAssistant}, ""), false, nil
	case "content-delta":
		if d != nil && d.Message != nil && d.Message.Content != nil {
			return chunk(router.Delta{Content: d.Message.Content.Text}, ""), false, nil
		}
	case "tool-call-start", "tool-call-delta":
		if d != nil && d.Message != nil && d.Message.ToolCalls != nil {
			tc := *d.Message.ToolCalls
			tc.Index = providers.IntPtr(se.Index)
			return chunk(router.Delta{ToolCalls: []router.ToolCall{tc}}, ""), false, nil
		}
	case "message-end":
		if d == nil {
			return nil, true, nil
		}
		if d.FinishReason == "ERROR" {
			return nil, false, fmt.Errorf("cohere stream error: %s", d.Error)
		}
		out := chunk(router.Delta{}, finishReason(d.FinishReason))
		out[0].Usage = d.Usage.canonical()
		return out, true, nil
	}
	return nil, false, nil
}

func chunk(d router.Delta, finish string) []*router.ChatCompletionChunk {
	return []*router.ChatCompletionChunk{{Choices: []router.ChunkChoice{{Delta: d, FinishReason: finish}}}}
}
