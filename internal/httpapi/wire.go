package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jordanhubbard/dialtone/internal/catalog"
	"github.com/jordanhubbard/dialtone/internal/router"
)

// maxBodyBytes bounds request bodies; image data URIs make large prompts common.
const maxBodyBytes = 8 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("provider", func(fl validator.FieldLevel) bool {
		return catalog.Provider(fl.Field().String()).Valid()
	})
	return v
}

// ChatRequest is the wire form of /v1/chat/completions and /v1/chat/route.
// "model" is accepted as an alias of model_hint so OpenAI clients work
// unchanged.
type ChatRequest struct {
	Model     string `json:"model,omitempty"`
	ModelHint string `json:"model_hint,omitempty"`

	Messages   []router.Message `json:"messages" validate:"required,min=1"`
	Tools      []router.Tool    `json:"tools,omitempty"`
	ToolChoice json.RawMessage  `json:"tool_choice,omitempty"`

	Dials             *WireDials                    `json:"dials,omitempty"`
	RouterModelConfig catalog.RouterModelConfig     `json:"router_model_config,omitempty"`
	ProviderConfig    map[string]WireProviderConfig `json:"provider_config,omitempty" validate:"omitempty,dive,keys,provider,endkeys"`

	Stream      bool     `json:"stream,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP        *float64 `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	MaxTokens   *int     `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	Stop        StopList `json:"stop,omitempty" validate:"max=4"`
}

// WireDials carries optional dial components; a missing one is the
// complement of the other.
type WireDials struct {
	Quality *float64 `json:"quality,omitempty" validate:"omitempty,gte=0,lte=1"`
	Cost    *float64 `json:"cost,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// WireProviderConfig is a caller credential for one provider.
type WireProviderConfig struct {
	APIKey string `json:"api_key" validate:"required"`
}

// StopList accepts either a single string or an array of strings.
type StopList []string

func (s *StopList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = StopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = many
	return nil
}

// decodeChatRequest reads and validates a ChatRequest body.
func decodeChatRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, error) {
	var req ChatRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return req, &router.RequestError{Reason: fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit)}
		case errors.Is(err, io.EOF):
			return req, &router.RequestError{Reason: "empty body"}
		}
		return req, &router.RequestError{Reason: "invalid JSON: " + err.Error()}
	}
	if err := validate.Struct(req); err != nil {
		return req, validationError(err)
	}
	return req, nil
}

// validationError reports the first failing field in wire (json) naming.
func validationError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return &router.RequestError{Reason: err.Error()}
	}
	fe := errs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	var reason string
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "min":
		reason = "must have at least " + fe.Param() + " entries"
	case "max":
		reason = "must have at most " + fe.Param() + " entries"
	case "gt":
		reason = "must be greater than " + fe.Param()
	case "gte":
		reason = "must be at least " + fe.Param()
	case "lte":
		reason = "must be at most " + fe.Param()
	case "provider":
		reason = fmt.Sprintf("unknown provider %q", fe.Value())
	default:
		reason = fmt.Sprintf("failed %q validation", fe.Tag())
	}
	return &router.RequestError{Field: field, Reason: reason}
}

// toRouter builds the canonical request. Dial and message checks happen here
// and in router.Request.Validate.
func (c ChatRequest) toRouter(id string) (router.Request, error) {
	hint := c.ModelHint
	if hint == "" {
		hint = c.Model
	}
	req := router.Request{
		ID:                id,
		Messages:          c.Messages,
		Tools:             c.Tools,
		ToolChoice:        c.ToolChoice,
		ModelHint:         catalog.Model(hint),
		RouterModelConfig: c.RouterModelConfig,
		Stream:            c.Stream,
		Temperature:       c.Temperature,
		TopP:              c.TopP,
		MaxTokens:         c.MaxTokens,
		Stop:              c.Stop,
	}
	if c.Dials != nil {
		d, err := router.NewDials(c.Dials.Quality, c.Dials.Cost)
		if err != nil {
			return req, err
		}
		req.Dials = &d
	}
	if len(c.ProviderConfig) > 0 {
		req.Credentials = make(catalog.ProviderConfig, len(c.ProviderConfig))
		for p, cred := range c.ProviderConfig {
			req.Credentials[catalog.Provider(p)] = catalog.ProviderCredential{APIKey: cred.APIKey}
		}
	}
	return req, nil
}
