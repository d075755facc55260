package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "dialtone.providers"

// maxErrorBody caps how much of a non-2xx response is kept on StatusError.
const maxErrorBody = 64 << 10

// Call is one HTTP exchange with a backend.
type Call struct {
	Method  string // POST when empty
	URL     string
	Payload any // JSON encoded; nil sends no body
	Headers map[string]string
}

func (c Call) method() string {
	if c.Method == "" {
		return http.MethodPost
	}
	return c.Method
}

// Do performs c and returns the whole response body. Non-2xx responses are
// returned as *StatusError.
func (b *Base) Do(ctx context.Context, c Call) ([]byte, error) {
	ctx, span := b.startSpan(ctx, "provider.request", c)
	defer span.End()

	resp, err := b.send(ctx, span, c)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fail(span, err, "read response")
		return nil, fmt.Errorf("read response: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return body, nil
}

// Stream performs c and returns the open response body. The span ends when
// the caller closes it.
func (b *Base) Stream(ctx context.Context, c Call) (io.ReadCloser, error) {
	ctx, span := b.startSpan(ctx, "provider.stream", c)

	resp, err := b.send(ctx, span, c)
	if err != nil {
		span.End()
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return &spanBody{ReadCloser: resp.Body, span: span}, nil
}

func (b *Base) startSpan(ctx context.Context, name string, c Call) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("dialtone.provider", string(b.provider)),
		attribute.String("http.request.method", c.method()),
		attribute.String("url.full", c.URL),
	}
	if id := RequestIDFrom(ctx); id != "" {
		attrs = append(attrs, attribute.String("dialtone.request_id", id))
	}
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// send issues the request. On success the caller owns resp.Body.
func (b *Base) send(ctx context.Context, span trace.Span, c Call) (*http.Response, error) {
	var body io.Reader
	if c.Payload != nil {
		data, err := json.Marshal(c.Payload)
		if err != nil {
			fail(span, err, "marshal request")
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, c.method(), c.URL, body)
	if err != nil {
		fail(span, err, "build request")
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	if id := RequestIDFrom(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := b.client.Do(req)
	if err != nil {
		fail(span, err, "request failed")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	if err != nil {
		fail(span, err, "read error response")
		return nil, fmt.Errorf("read error response: %w", err)
	}
	se := &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	se.ParseRetryAfter(resp.Header.Get("Retry-After"))
	fail(span, se, fmt.Sprintf("HTTP %d", resp.StatusCode))
	return nil, se
}

func fail(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

type spanBody struct {
	io.ReadCloser
	span trace.Span
}

func (s *spanBody) Close() error {
	err := s.ReadCloser.Close()
	s.span.End()
	return err
}
