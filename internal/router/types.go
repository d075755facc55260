package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/jordanhubbard/dialtone/internal/catalog"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons reported on the last choice of a completion or stream.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// Message is one turn of a conversation in the canonical (OpenAI-shaped) form.
type Message struct {
	Role       string     `json:"role"`
	Content    Content    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Content is a message body: either plain text or a list of typed parts.
type Content struct {
	Text  string
	Parts []ContentPart
}

// ContentPart is one element of a multi-part message body.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image by URL or data URI.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Text builds a plain text Content.
func Text(s string) Content { return Content{Text: s} }

// String returns the textual content, joining text parts.
func (c Content) String() string {
	if len(c.Parts) == 0 {
		return c.Text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// IsZero reports whether the content is empty.
func (c Content) IsZero() bool { return c.Text == "" && len(c.Parts) == 0 }

func (c Content) MarshalJSON() ([]byte, error) {
	if len(c.Parts) > 0 {
		return json.Marshal(c.Parts)
	}
	if c.Text == "" {
		return []byte("null"), nil
	}
	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case data[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = Content{Parts: parts}
		return nil
	}
	return fmt.Errorf("content must be a string or an array of parts")
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	// Index is set on streaming deltas only.
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its arguments as a JSON string.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// Tool is a function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSpec describes a callable function.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Dials weigh quality against cost. Both lie in [0,1] and sum to 1.
type Dials struct {
	Quality float64 `json:"quality"`
	Cost    float64 `json:"cost"`
}

// DefaultDials apply when a request carries none.
var DefaultDials = Dials{Quality: 0.5, Cost: 0.5}

const dialTolerance = 1e-6

// NewDials builds dials from optional components. A single component gets
// its complement; neither yields DefaultDials.
func NewDials(quality, cost *float64) (Dials, error) {
	var d Dials
	switch {
	case quality == nil && cost == nil:
		return DefaultDials, nil
	case quality == nil:
		d = Dials{Quality: 1 - *cost, Cost: *cost}
	case cost == nil:
		d = Dials{Quality: *quality, Cost: 1 - *quality}
	default:
		d = Dials{Quality: *quality, Cost: *cost}
	}
	return d, d.Validate()
}

// Validate checks range and sum.
func (d Dials) Validate() error {
	if math.IsNaN(d.Quality) || math.IsNaN(d.Cost) {
		return &RequestError{Field: "dials", Reason: "dials must be numbers"}
	}
	if d.Quality < 0 || d.Quality > 1 || d.Cost < 0 || d.Cost > 1 {
		return &RequestError{Field: "dials", Reason: "quality and cost must each lie in [0,1]"}
	}
	if math.Abs(d.Quality+d.Cost-1) > dialTolerance {
		return &RequestError{Field: "dials", Reason: fmt.Sprintf("quality + cost must equal 1 (got %g)", d.Quality+d.Cost)}
	}
	return nil
}

// Request is a routed chat completion request.
type Request struct {
	ID         string          `json:"-"`
	Messages   []Message       `json:"messages"`
	Tools      []Tool          `json:"tools,omitempty"`
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`

	// ModelHint moves the named model's pairs to the front of the ranking.
	ModelHint catalog.Model `json:"model_hint,omitempty"`
	// Dials default to DefaultDials when nil.
	Dials *Dials `json:"dials,omitempty"`

	RouterModelConfig catalog.RouterModelConfig `json:"router_model_config,omitempty"`
	Credentials       catalog.ProviderConfig    `json:"-"`

	Stream      bool     `json:"stream,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// EffectiveDials returns the request dials or the defaults.
func (r Request) EffectiveDials() Dials {
	if r.Dials == nil {
		return DefaultDials
	}
	return *r.Dials
}

// HasTools reports whether the request offers the model any tools.
func (r Request) HasTools() bool { return len(r.Tools) > 0 }

// Validate checks the request shape before routing.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return &RequestError{Field: "messages", Reason: "at least one message is required"}
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		case RoleTool:
			if m.ToolCallID == "" {
				return &RequestError{Field: fmt.Sprintf("messages[%d].tool_call_id", i), Reason: "tool messages must reference a tool call"}
			}
		default:
			return &RequestError{Field: fmt.Sprintf("messages[%d].role", i), Reason: fmt.Sprintf("unknown role %q", m.Role)}
		}
		if m.Content.IsZero() && len(m.ToolCalls) == 0 && m.Role != RoleAssistant {
			return &RequestError{Field: fmt.Sprintf("messages[%d].content", i), Reason: "content is required"}
		}
	}
	seen := make(map[string]bool, len(r.Tools))
	for i, t := range r.Tools {
		field := fmt.Sprintf("tools[%d]", i)
		if t.Type != "function" {
			return &RequestError{Field: field + ".type", Reason: "only function tools are supported"}
		}
		if t.Function.Name == "" {
			return &RequestError{Field: field + ".function.name", Reason: "name is required"}
		}
		if seen[t.Function.Name] {
			return &RequestError{Field: field + ".function.name", Reason: fmt.Sprintf("duplicate tool %q", t.Function.Name)}
		}
		seen[t.Function.Name] = true
		if len(t.Function.Parameters) > 0 {
			if err := ValidateToolParameters(t.Function.Parameters); err != nil {
				return &RequestError{Field: field + ".function.parameters", Reason: err.Error()}
			}
		}
	}
	if r.Dials != nil {
		if err := r.Dials.Validate(); err != nil {
			return err
		}
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return &RequestError{Field: "max_tokens", Reason: "must be positive"}
	}
	return nil
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one alternative of a completion.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatCompletion is the canonical non-streaming response.
type ChatCompletion struct {
	ID       string           `json:"id"`
	Object   string           `json:"object"`
	Created  int64            `json:"created"`
	Model    catalog.Model    `json:"model"`
	Provider catalog.Provider `json:"provider"`
	Choices  []Choice         `json:"choices"`
	Usage    Usage            `json:"usage"`
}

// Delta is the incremental message carried by a chunk.
type Delta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ChunkChoice is one alternative of a stream chunk.
type ChunkChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// ChatCompletionChunk is one event of a streamed completion.
type ChatCompletionChunk struct {
	ID       string           `json:"id"`
	Object   string           `json:"object"`
	Created  int64            `json:"created"`
	Model    catalog.Model    `json:"model"`
	Provider catalog.Provider `json:"provider"`
	Choices  []ChunkChoice    `json:"choices"`
	Usage    *Usage           `json:"usage,omitempty"`
}

// Terminal reports whether the chunk closes the stream.
func (c *ChatCompletionChunk) Terminal() bool {
	for _, ch := range c.Choices {
		if ch.FinishReason != "" {
			return true
		}
	}
	return false
}

// StreamEvent carries either a chunk or a terminal error from an adapter.
type StreamEvent struct {
	Chunk *ChatCompletionChunk
	Err   error
}

// CandidateScore reports how one pair scored.
type CandidateScore struct {
	Pair      catalog.Pair `json:"pair"`
	Quality   float64      `json:"quality"`
	Cost      float64      `json:"cost"`
	Composite float64      `json:"composite"`
}

// RouteResult is the ranking for a request without dispatch.
type RouteResult struct {
	Model              catalog.Model      `json:"model"`
	Providers          []catalog.Pair     `json:"providers"`
	QualityPredictions map[string]float64 `json:"quality_predictions"`
	RoutingStrategy    string             `json:"routing_strategy"`
	Scores             []CandidateScore   `json:"scores"`
	CatalogVersion     string             `json:"catalog_version"`
}
