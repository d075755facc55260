// Package google adapts the Gemini generateContent API.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/jordanhubbard/dialtone/internal/catalog"
	"github.com/jordanhubbard/dialtone/internal/providers"
	"github.com/jordanhubbard/dialtone/internal/router"
)

// Adapter implements router.Sender for Gemini.
type Adapter struct {
	providers.Base
}

// New creates a Gemini adapter. baseURL is the API root without version,
// e.g. https://generativelanguage.googleapis.com.
func New(apiKey, baseURL string, opts ...providers.Option) *Adapter {
	return &Adapter{Base: providers.NewBase(catalog.ProviderGoogle, apiKey, baseURL, opts...)}
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Tools             []toolSet         `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *blob             `json:"inlineData,omitempty"`
	FileData         *fileData         `json:"fileData,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type fileData struct {
	FileURI string `json:"fileUri"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type toolSet struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolConfig struct {
	FunctionCallingConfig functionCallingConfig `json:"functionCallingConfig"`
}

type functionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

func buildRequest(req router.Request) generateRequest {
	var out generateRequest
	if sys := providers.SystemPrompt(req.Messages); sys != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: sys}}}
	}

	// Gemini matches function responses by name, not call id.
	callNames := map[string]string{}
	for _, m := range req.Messages {
		var c content
		switch m.Role {
		case router.RoleSystem:
			continue
		case router.RoleAssistant:
			c.Role = "model"
			if text := m.Content.String(); text != "" {
				c.Parts = append(c.Parts, part{Text: text})
			}
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				c.Parts = append(c.Parts, part{FunctionCall: &functionCall{Name: tc.Function.Name, Args: providers.ArgumentsObject(tc.Function.Arguments)}})
			}
		case router.RoleTool:
			c.Role = "user"
			c.Parts = []part{{FunctionResponse: &functionResponse{
				Name:     callNames[m.ToolCallID],
				Response: toolResult(m.Content.String()),
			}}}
		default:
			c.Role = "user"
			c.Parts = userParts(m.Content)
		}
		if n := len(out.Contents); n > 0 && out.Contents[n-1].Role == c.Role {
			out.Contents[n-1].Parts = append(out.Contents[n-1].Parts, c.Parts...)
			continue
		}
		out.Contents = append(out.Contents, c)
	}

	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, functionDeclaration{Name: t.Function.Name, Description: t.Function.Description, Parameters: t.Function.Parameters})
		}
		out.Tools = []toolSet{{FunctionDeclarations: decls}}

		switch mode, name := providers.ToolChoiceMode(req.ToolChoice); mode {
		case "none":
			out.ToolConfig = &toolConfig{FunctionCallingConfig{Mode: "NONE"}}
		case "required":
			out.ToolConfig = &toolConfig{FunctionCallingConfig{Mode: "ANY"}}
		case "function":
			out.ToolConfig = &toolConfig{FunctionCallingConfig{Mode: "ANY", AllowedFunctionNames: []string{name}}}
		}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}
	return out
}

func toolResult(s string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		return obj
	}
	return map[string]any{"content": s}
}

func userParts(c router.Content) []part {
	if len(c.Parts) == 0 {
		return []part{{Text: c.Text}}
	}
	parts := make([]part, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch {
		case p.Type == "text":
			parts = append(parts, part{Text: p.Text})
		case p.Type == "image_url" && p.ImageURL != nil:
			if mt, data, ok := providers.ParseDataURI(p.ImageURL.URL); ok {
				parts = append(parts, part{InlineData: &blob{MimeType: mt, Data: data}})
			} else {
				parts = append(parts, part{FileData: &fileData{FileURI: p.ImageURL.URL}})
			}
		}
	}
	return parts
}

type generateResponse struct {
	ResponseID string `json:"responseId"`
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (r *generateResponse) usage() *router.Usage {
	if r.UsageMetadata == nil {
		return nil
	}
	return &router.Usage{
		PromptTokens:     r.UsageMetadata.PromptTokenCount,
		CompletionTokens: r.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      r.UsageMetadata.TotalTokenCount,
	}
}

func finishReason(reason string, hasCalls bool) string {
	switch reason {
	case "":
		return ""
	case "MAX_TOKENS":
		return router.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return router.FinishContentFilter
	}
	if hasCalls {
		return router.FinishToolCalls
	}
	return router.FinishStop
}

// toolCalls converts functionCall parts. Gemini assigns no call ids, so ids
// are derived from the position in the response.
func toolCalls(parts []part, offset int) []router.ToolCall {
	var out []router.ToolCall
	for _, p := range parts {
		if p.FunctionCall == nil {
			continue
		}
		idx := offset + len(out)
		out = append(out, router.ToolCall{
			Index:    providers.IntPtr(idx),
			ID:       fmt.Sprintf("call_%d", idx),
			Type:     "function",
			Function: router.FunctionCall{Name: p.FunctionCall.Name, Arguments: string(providers.ArgumentsObject(string(p.FunctionCall.Args)))},
		})
	}
	return out
}

func textOf(parts []part) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func (a *Adapter) endpoint(model, method string, req router.Request) (string, map[string]string, error) {
	key, err := a.Key(req)
	if err != nil {
		return "", nil, err
	}
	u := a.BaseURL() + "/v1beta/models/" + url.PathEscape(model) + ":" + method
	return u, map[string]string{"x-goog-api-key": key}, nil
}

func (a *Adapter) Send(ctx context.Context, model string, req router.Request) (*router.ChatCompletion, error) {
	u, headers, err := a.endpoint(model, "generateContent", req)
	if err != nil {
		return nil, err
	}
	body, err := a.Do(ctx, providers.Call{URL: u, Payload: buildRequest(req), Headers: headers})
	if err != nil {
		return nil, err
	}

	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, &providers.StatusError{StatusCode: http.StatusBadRequest, Body: "prompt blocked: " + resp.PromptFeedback.BlockReason}
		}
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	cand := resp.Candidates[0]
	msg := router.Message{Role: router.RoleAssistant, Content: router.Text(textOf(cand.Content.Parts))}
	for _, tc := range toolCalls(cand.Content.Parts, 0) {
		tc.Index = nil
		msg.ToolCalls = append(msg.ToolCalls, tc)
	}
	out := &router.ChatCompletion{
		ID:      resp.ResponseID,
		Choices: []router.Choice{{Message: msg, FinishReason: finishReason(cand.FinishReason, len(msg.ToolCalls) > 0)}},
	}
	if u := resp.usage(); u != nil {
		out.Usage = *u
	}
	return out, nil
}

// SendStream uses streamGenerateContent with SSE framing. Each event is a
// partial generateResponse; the one carrying finishReason is terminal.
func (a *Adapter) SendStream(ctx context.Context, model string, req router.Request) (<-chan router.StreamEvent, error) {
	u, headers, err := a.endpoint(model, "streamGenerateContent", req)
	if err != nil {
		return nil, err
	}
	body, err := a.Stream(ctx, providers.Call{URL: u + "?alt=sse", Payload: buildRequest(req), Headers: headers})
	if err != nil {
		return nil, err
	}

	sse := providers.NewSSEReader(body)
	var (
		started bool
		calls   int
	)
	return providers.Pump(ctx, body, func() ([]*router.ChatCompletionChunk, bool, error) {
		ev, err := sse.Next()
		if err != nil {
			return nil, false, err
		}
		if len(ev.Data) == 0 {
			return nil, false, nil
		}
		var resp generateResponse
		if err := json.Unmarshal(ev.Data, &resp); err != nil {
			return nil, false, fmt.Errorf("decode gemini stream event: %w", err)
		}
		if len(resp.Candidates) == 0 {
			return nil, false, nil
		}

		cand := resp.Candidates[0]
		d := router.Delta{Content: textOf(cand.Content.Parts), ToolCalls: toolCalls(cand.Content.Parts, calls)}
		calls += len(d.ToolCalls)
		if !started {
			d.Role = router.RoleAssistant
			started = true
		}
		chunk := &router.ChatCompletionChunk{Choices: []router.ChunkChoice{{
			Delta:        d,
			FinishReason: finishReason(cand.FinishReason, calls > 0),
		}}}
		if chunk.Terminal() {
			chunk.Usage = resp.usage()
		}
		return []*router.ChatCompletionChunk{chunk}, false, nil
	}, a.ClassifyError), nil
}
