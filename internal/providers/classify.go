package providers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/jordanhubbard/dialtone/internal/catalog"
	"github.com/jordanhubbard/dialtone/internal/router"
)

// Phrases in 4xx bodies that mean the backend cannot serve the request as
// shaped, rather than that the request is malformed.
var unsupportedPhrases = []string{
	"context_length_exceeded",
	"maximum context length",
	"prompt is too long",
	"prompt_too_long",
	"too many tokens",
	"does not support tools",
	"tool use is not supported",
	"tools are not supported",
	"does not support function calling",
}

// Classify maps a transport or HTTP error to the router's error taxonomy.
// Adapters use it for ClassifyError and may refine the result.
func Classify(provider catalog.Provider, err error) *router.AdapterError {
	ae := &router.AdapterError{Provider: provider, Err: err}

	var se *StatusError
	if errors.As(err, &se) {
		ae.StatusCode = se.StatusCode
		ae.RetryAfter = se.RetryAfter
		ae.Kind = kindForStatus(se.StatusCode, se.Body)
		return ae
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ae.Kind = router.KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		ae.Kind = router.KindTimeout
	default:
		// Connection resets, refused dials, truncated bodies, and malformed
		// upstream payloads are all worth another backend.
		ae.Kind = router.KindTransient
	}
	return ae
}

func kindForStatus(code int, body string) router.ErrorKind {
	switch {
	case code == http.StatusTooManyRequests || code == 529:
		return router.KindRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return router.KindTimeout
	case code >= 500:
		return router.KindTransient
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return router.KindAuthFailure
	case mentionsUnsupported(body):
		return router.KindUnsupportedCapability
	}
	return router.KindInvalidRequest
}

func mentionsUnsupported(body string) bool {
	lower := strings.ToLower(body)
	for _, p := range unsupportedPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
