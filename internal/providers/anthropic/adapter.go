// Package anthropic adapts the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jordanhubbard/dialtone/internal/catalog"
	"github.com/jordanhubbard/dialtone/internal/providers"
	"github.com/jordanhubbard/dialtone/internal/router"
)

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Adapter implements router.Sender for Anthropic.
type Adapter struct {
	providers.Base
}

// New creates a new Anthropic adapter.
func New(apiKey, baseURL string, opts ...providers.Option) *Adapter {
	return &Adapter{Base: providers.NewBase(catalog.ProviderAnthropic, apiKey, baseURL, opts...)}
}

type messagesRequest struct {
	Model         string      `json:"model"`
	System        string      `json:"system,omitempty"`
	Messages      []message   `json:"messages"`
	Tools         []tool      `json:"tools,omitempty"`
	ToolChoice    *toolChoice `json:"tool_choice,omitempty"`
	MaxTokens     int         `json:"max_tokens"`
	Temperature   *float64    `json:"temperature,omitempty"`
	TopP          *float64    `json:"top_p,omitempty"`
	StopSequences []string    `json:"stop_sequences,omitempty"`
	Stream        bool        `json:"stream,omitempty"`
}

type message struct {
	Role    string  `json:"role"`
	Content []block `json:"content"`
}

type block struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	// image
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type toolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

func buildRequest(model string, req router.Request, stream bool) messagesRequest {
	out := messagesRequest{
		Model:         model,
		System:        providers.SystemPrompt(req.Messages),
		MaxTokens:     defaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	for _, m := range req.Messages {
		var role string
		var blocks []block
		switch m.Role {
		case router.RoleSystem:
			continue
		case router.RoleTool:
			role = "user"
			blocks = []block{{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content.String()}}
		case router.RoleAssistant:
			role = "assistant"
			if text := m.Content.String(); text != "" {
				blocks = append(blocks, block{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, block{Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: providers.ArgumentsObject(tc.Function.Arguments)})
			}
		default:
			role = "user"
			blocks = contentBlocks(m.Content)
		}
		// Consecutive turns with the same role merge into one message.
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == role {
			out.Messages[n-1].Content = append(out.Messages[n-1].Content, blocks...)
			continue
		}
		out.Messages = append(out.Messages, message{Role: role, Content: blocks})
	}

	mode, name := providers.ToolChoiceMode(req.ToolChoice)
	for _, t := range req.Tools {
		schema := t.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, tool{Name: t.Function.Name, Description: t.Function.Description, InputSchema: schema})
	}
	if len(out.Tools) > 0 {
		switch mode {
		case "none":
			out.ToolChoice = &toolChoice{Type: "none"}
		case "required":
			out.ToolChoice = &toolChoice{Type: "any"}
		case "function":
			out.ToolChoice = &toolChoice{Type: "tool", Name: name}
		}
	}
	return out
}

func contentBlocks(c router.Content) []block {
	if len(c.Parts) == 0 {
		return []block{{Type: "text", Text: c.Text}}
	}
	blocks := make([]block, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch {
		case p.Type == "text":
			blocks = append(blocks, block{Type: "text", Text: p.Text})
		case p.Type == "image_url" && p.ImageURL != nil:
			if mt, data, ok := providers.ParseDataURI(p.ImageURL.URL); ok {
				blocks = append(blocks, block{Type: "image", Source: &imageSource{Type: "base64", MediaType: mt, Data: data}})
			} else {
				blocks = append(blocks, block{Type: "image", Source: &imageSource{Type: "url", URL: p.ImageURL.URL}})
			}
		}
	}
	return blocks
}

type messagesResponse struct {
	ID         string  `json:"id"`
	Content    []block `json:"content"`
	StopReason string  `json:"stop_reason"`
	Usage      usage   `json:"usage"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func finishReason(stop string) string {
	switch stop {
	case "max_tokens":
		return router.FinishLength
	case "tool_use":
		return router.FinishToolCalls
	case "":
		return ""
	}
	return router.FinishStop
}

func (a *Adapter) headers(req router.Request) (map[string]string, error) {
	key, err := a.Key(req)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"x-api-key":         key,
		"anthropic-version": apiVersion,
	}, nil
}

func (a *Adapter) Send(ctx context.Context, model string, req router.Request) (*router.ChatCompletion, error) {
	headers, err := a.headers(req)
	if err != nil {
		return nil, err
	}
	body, err := a.Do(ctx, providers.Call{URL: a.BaseURL() + "/v1/messages", Payload: buildRequest(model, req, false), Headers: headers})
	if err != nil {
		return nil, err
	}

	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}

	msg := router.Message{Role: router.RoleAssistant}
	var text string
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text += b.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, router.ToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: router.FunctionCall{Name: b.Name, Arguments: string(providers.ArgumentsObject(string(b.Input)))},
			})
		}
	}
	msg.Content = router.Text(text)

	return &router.ChatCompletion{
		ID:      resp.ID,
		Choices: []router.Choice{{Message: msg, FinishReason: finishReason(resp.StopReason)}},
		Usage: router.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

// SendStream translates Anthropic's typed SSE events into canonical chunks.
func (a *Adapter) SendStream(ctx context.Context, model string, req router.Request) (<-chan router.StreamEvent, error) {
	headers, err := a.headers(req)
	if err != nil {
		return nil, err
	}
	body, err := a.Stream(ctx, providers.Call{URL: a.BaseURL() + "/v1/messages", Payload: buildRequest(model, req, true), Headers: headers})
	if err != nil {
		return nil, err
	}

	sse := providers.NewSSEReader(body)
	dec := &streamDecoder{toolIndex: map[int]int{}}
	return providers.Pump(ctx, body, func() ([]*router.ChatCompletionChunk, bool, error) {
		ev, err := sse.Next()
		if err != nil {
			return nil, false, err
		}
		return dec.decode(ev)
	}, a.ClassifyError), nil
}

type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		ID    string `json:"id"`
		Usage usage  `json:"usage"`
	} `json:"message"`

	ContentBlock *block `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Usage *usage `json:"usage"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// streamDecoder tracks tool_use blocks so their argument deltas carry the
// OpenAI-style tool call index.
type streamDecoder struct {
	toolIndex   map[int]int
	inputTokens int
}

func (d *streamDecoder) decode(ev *providers.SSEEvent) ([]*router.ChatCompletionChunk, bool, error) {
	if len(ev.Data) == 0 {
		return nil, false, nil
	}
	var se streamEvent
	if err := json.Unmarshal(ev.Data, &se); err != nil {
		return nil, false, fmt.Errorf("decode anthropic event: %w", err)
	}

	switch se.Type {
	case "message_start":
		if se.Message != nil {
			d.inputTokens = se.Message.Usage.InputTokens
		}
		return []*router.ChatCompletionChunk{delta(router.Delta{Role: router.RoleAssistant})}, false, nil

	case "content_block_start":
		if se.ContentBlock != nil && se.ContentBlock.Type == "tool_use" {
			idx := len(d.toolIndex)
			d.toolIndex[se.Index] = idx
			return []*router.ChatCompletionChunk{delta(router.Delta{ToolCalls: []router.ToolCall{{
				Index:    providers.IntPtr(idx),
				ID:       se.ContentBlock.ID,
				Type:     "function",
				Function: router.FunctionCall{Name: se.ContentBlock.Name},
			}}})}, false, nil
		}

	case "content_block_delta":
		if se.Delta == nil {
			return nil, false, nil
		}
		switch se.Delta.Type {
		case "text_delta":
			return []*router.ChatCompletionChunk{delta(router.Delta{Content: se.Delta.Text})}, false, nil
		case "input_json_delta":
			idx, ok := d.toolIndex[se.Index]
			if !ok {
				return nil, false, nil
			}
			return []*router.ChatCompletionChunk{delta(router.Delta{ToolCalls: []router.ToolCall{{
				Index:    providers.IntPtr(idx),
				Function: router.FunctionCall{Arguments: se.Delta.PartialJSON},
			}}})}, false, nil
		}

	case "message_delta":
		if se.Delta == nil || se.Delta.StopReason == "" {
			return nil, false, nil
		}
		c := &router.ChatCompletionChunk{Choices: []router.ChunkChoice{{FinishReason: finishReason(se.Delta.StopReason)}}}
		if se.Usage != nil {
			c.Usage = &router.Usage{
				PromptTokens:     d.inputTokens,
				CompletionTokens: se.Usage.OutputTokens,
				TotalTokens:      d.inputTokens + se.Usage.OutputTokens,
			}
		}
		return []*router.ChatCompletionChunk{c}, false, nil

	case "message_stop":
		return nil, true, nil

	case "error":
		return nil, false, streamError(se)
	}
	return nil, false, nil
}

func streamError(se streamEvent) error {
	if se.Error == nil {
		return fmt.Errorf("anthropic stream error")
	}
	status := http.StatusInternalServerError
	switch se.Error.Type {
	case "overloaded_error":
		status = 529
	case "rate_limit_error":
		status = http.StatusTooManyRequests
	case "invalid_request_error":
		status = http.StatusBadRequest
	}
	return &providers.StatusError{StatusCode: status, Body: se.Error.Message}
}

func delta(d router.Delta) *router.ChatCompletionChunk {
	return &router.ChatCompletionChunk{Choices: []router.ChunkChoice{{Delta: d}}}
}
