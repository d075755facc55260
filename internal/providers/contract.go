package providers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusError captures an HTTP status code from a provider response.
// Used by adapters to return structured errors that Classify can inspect.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter reads a Retry-After header given either as delay seconds
// or as an HTTP date. Unparseable or past values leave RetryAfter at zero.
func (e *StatusError) ParseRetryAfter(v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
		return
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			e.RetryAfter = d.Round(time.Second)
		}
	}
}
