package providers

import (
	"encoding/json"
	"strings"

	"github.com/jordanhubbard/dialtone/internal/router"
)

// ParseDataURI splits a base64 data URI into media type and payload.
func ParseDataURI(uri string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(uri, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, enc, _ := strings.Cut(meta, ";")
	if enc != "base64" {
		return "", "", false
	}
	return mediaType, payload, true
}

// ArgumentsObject returns tool call arguments as a JSON object, treating an
// empty or invalid string as {}.
func ArgumentsObject(args string) json.RawMessage {
	raw := json.RawMessage(strings.TrimSpace(args))
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage(`{}`)
	}
	return raw
}

// SystemPrompt joins the text of all system messages.
func SystemPrompt(msgs []router.Message) string {
	var parts []string
	for _, m := range msgs {
		if m.Role == router.RoleSystem {
			parts = append(parts, m.Content.String())
		}
	}
	return strings.Join(parts, "\n\n")
}

// ToolChoiceMode reads an OpenAI tool_choice value. It returns "auto",
// "none", "required", or "function" with the forced function name.
func ToolChoiceMode(raw json.RawMessage) (mode, name string) {
	if len(raw) == 0 {
		return "auto", ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "none", "required":
			return s, ""
		}
		return "auto", ""
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return "function", obj.Function.Name
	}
	return "auto", ""
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }
