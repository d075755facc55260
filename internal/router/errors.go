package router

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jordanhubbard/dialtone/internal/catalog"
)

// ErrorKind classifies an adapter failure.
type ErrorKind string

const (
	KindRateLimited           ErrorKind = "rate_limited"
	KindTimeout               ErrorKind = "timeout"
	KindTransient             ErrorKind = "transient_server_error"
	KindInvalidRequest        ErrorKind = "invalid_request"
	KindAuthFailure           ErrorKind = "auth_failure"
	KindUnsupportedCapability ErrorKind = "unsupported_capability"
)

// Retryable reports whether a failure of this kind lets dispatch move on to
// the next candidate.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindTransient:
		return true
	}
	return false
}

// AdapterError is a classified backend failure.
type AdapterError struct {
	Provider   catalog.Provider
	Model      catalog.Model
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *AdapterError) Error() string {
	var b strings.Builder
	if e.Model != "" {
		b.WriteString(string(e.Model))
		b.WriteByte('/')
	}
	b.WriteString(string(e.Provider))
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Retryable reports whether dispatch may fall back after this error.
func (e *AdapterError) Retryable() bool { return e.Kind.Retryable() }

// NoEligibleCandidatesError is returned when filtering leaves nothing to try.
type NoEligibleCandidatesError = catalog.NoEligibleCandidatesError

// CandidateFailure records why one ranked candidate did not serve a request.
type CandidateFailure struct {
	Pair catalog.Pair
	Err  error
	// Skipped is set when the candidate was never called.
	Skipped bool
}

// AllCandidatesFailedError holds one failure per ranked candidate, in
// ranked order.
type AllCandidatesFailedError struct {
	Failures []CandidateFailure
}

func (e *AllCandidatesFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Pair, f.Err))
	}
	return fmt.Sprintf("all %d candidates failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Last returns the final failure, if any.
func (e *AllCandidatesFailedError) Last() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[len(e.Failures)-1].Err
}

// StreamInterruptedError reports a stream that failed after it was bound to
// a candidate. No fallback happens once chunks have been delivered.
type StreamInterruptedError struct {
	Pair            catalog.Pair
	ChunksDelivered int
	Err             error
}

func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("stream from %s interrupted after %d chunks: %v", e.Pair, e.ChunksDelivered, e.Err)
}

func (e *StreamInterruptedError) Unwrap() error { return e.Err }

// RequestError rejects a malformed request before routing.
type RequestError struct {
	Field  string
	Reason string
}

func (e *RequestError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

var (
	// ErrCircuitOpen marks a candidate skipped because its provider breaker is open.
	ErrCircuitOpen = errors.New("provider circuit open")
	// ErrAttemptLimit marks a candidate skipped after the attempt cap was reached.
	ErrAttemptLimit = errors.New("attempt limit reached")
	// ErrAttemptBudget marks a candidate skipped because its estimated cost
	// would exceed the remaining budget.
	ErrAttemptBudget = errors.New("attempt cost budget exhausted")
	// ErrNoAdapter marks a candidate whose provider has no registered adapter.
	ErrNoAdapter = errors.New("no adapter registered")
)

// KindOf returns the classification of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
