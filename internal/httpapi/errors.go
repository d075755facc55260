package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jordanhubbard/dialtone/internal/catalog"
	"github.com/jordanhubbard/dialtone/internal/router"
)

// StatusClientClosedRequest is reported when the caller went away first.
const StatusClientClosedRequest = 499

// Error codes that are not adapter error kinds.
const (
	codeNoEligible   = "no_eligible_candidates"
	codeAllFailed    = "all_candidates_failed"
	codeStreamBroken = "stream_interrupted"
	codeCancelled    = "cancelled"
	codeReloadFailed = "reload_failed"
	codeUnauthorized = "unauthorized"
	codeInternal     = "internal_error"
)

// errorBody is the OpenAI error envelope, extended with per-candidate
// failures.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message  string        `json:"message"`
	Type     string        `json:"type"`
	Code     string        `json:"code"`
	Param    string        `json:"param,omitempty"`
	Failures []failureJSON `json:"failures,omitempty"`
}

type failureJSON struct {
	Model      catalog.Model    `json:"model"`
	Provider   catalog.Provider `json:"provider"`
	Kind       string           `json:"kind,omitempty"`
	StatusCode int              `json:"status_code,omitempty"`
	Skipped    bool             `json:"skipped,omitempty"`
	Message    string           `json:"message"`
}

// apiError is how one error renders over HTTP.
type apiError struct {
	status int
	body   errorDetail
}

// kindStatus maps adapter error kinds to HTTP statuses.
var kindStatus = map[router.ErrorKind]int{
	router.KindRateLimited:           http.StatusTooManyRequests,
	router.KindTimeout:               http.StatusGatewayTimeout,
	router.KindTransient:             http.StatusBadGateway,
	router.KindInvalidRequest:        http.StatusBadRequest,
	router.KindAuthFailure:           http.StatusUnauthorized,
	router.KindUnsupportedCapability: http.StatusUnprocessableEntity,
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusGatewayTimeout:
		return "timeout_error"
	}
	return "api_error"
}

// classifyError maps routing and dispatch errors onto statuses and codes.
func classifyError(err error) apiError {
	var (
		reqErr      *router.RequestError
		noEligible  *catalog.NoEligibleCandidatesError
		adapterErr  *router.AdapterError
		allFailed   *router.AllCandidatesFailedError
		aborted     *router.DispatchAbortedError
		interrupted *router.StreamInterruptedError
	)
	out := apiError{status: http.StatusInternalServerError, body: errorDetail{Message: err.Error(), Code: codeInternal}}

	switch {
	case errors.As(err, &reqErr):
		out.status = http.StatusBadRequest
		out.body.Code = string(router.KindInvalidRequest)
		out.body.Param = reqErr.Field
	case errors.As(err, &noEligible):
		out.status = http.StatusUnprocessableEntity
		out.body.Code = codeNoEligible
		out.body.Param = noEligible.Stage
	case errors.As(err, &interrupted):
		out.status = http.StatusBadGateway
		out.body.Code = codeStreamBroken
		if k := router.KindOf(interrupted.Err); k != "" {
			out.body.Code = string(k)
		}
	case errors.As(err, &allFailed):
		out.status = allFailedStatus(allFailed)
		out.body.Code = codeAllFailed
		out.body.Failures = failures(allFailed.Failures)
	case errors.As(err, &aborted):
		if aborted.Timeout() {
			out.status = http.StatusGatewayTimeout
			out.body.Code = string(router.KindTimeout)
		} else {
			out.status = StatusClientClosedRequest
			out.body.Code = codeCancelled
		}
		out.body.Failures = failures(aborted.Failures)
	case errors.As(err, &adapterErr):
		out.status = kindStatus[adapterErr.Kind]
		if out.status == 0 {
			out.status = http.StatusBadGateway
		}
		out.body.Code = string(adapterErr.Kind)
	case errors.Is(err, context.DeadlineExceeded):
		out.status = http.StatusGatewayTimeout
		out.body.Code = string(router.KindTimeout)
	case errors.Is(err, context.Canceled):
		out.status = StatusClientClosedRequest
		out.body.Code = codeCancelled
	}
	out.body.Type = errorType(out.status)
	return out
}

// allFailedStatus is 429 or 504 when every attempted candidate failed the
// same way, and 502 otherwise.
func allFailedStatus(e *router.AllCandidatesFailedError) int {
	var kind router.ErrorKind
	for _, f := range e.Failures {
		if f.Skipped {
			continue
		}
		k := router.KindOf(f.Err)
		if kind != "" && k != kind {
			return http.StatusBadGateway
		}
		kind = k
	}
	switch kind {
	case router.KindRateLimited:
		return http.StatusTooManyRequests
	case router.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func failures(fs []router.CandidateFailure) []failureJSON {
	if len(fs) == 0 {
		return nil
	}
	out := make([]failureJSON, len(fs))
	for i, f := range fs {
		out[i] = failureJSON{
			Model:    f.Pair.Model,
			Provider: f.Pair.Provider,
			Kind:     string(router.KindOf(f.Err)),
			Skipped:  f.Skipped,
			Message:  f.Err.Error(),
		}
		var ae *router.AdapterError
		if errors.As(f.Err, &ae) {
			out[i].StatusCode = ae.StatusCode
		}
	}
	return out
}

// writeError renders err as an error envelope and returns the status used.
func writeError(w http.ResponseWriter, err error) int {
	ae := classifyError(err)
	writeErrorBody(w, ae.status, ae.body)
	return ae.status
}

func writeErrorBody(w http.ResponseWriter, status int, body errorDetail) {
	if body.Type == "" {
		body.Type = errorType(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: body})
}

// errorCode is the short label used in logs, metrics and the request log.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	return classifyError(err).body.Code
}
