package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jordanhubbard/dialtone/internal/catalog"
	"github.com/jordanhubbard/dialtone/internal/router"
)

func userReq(s string) router.Request {
	return router.Request{Messages: []router.Message{{Role: "user", Content: router.Text(s)}}}
}

func TestSendSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Bearer auth, got %s", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected /v1/chat/completions, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-2024","choices":[{"index":0,"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`))
	}))
	defer ts.Close()

	a := New(catalog.ProviderOpenAI, "test-key", ts.URL+"/v1")
	resp, err := a.Send(context.Background(), "gpt-4o", userReq("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := resp.Choices[0].Message.Content.String(); got != "Hello!" {
		t.Errorf("content = %q, want Hello!", got)
	}
	if resp.Choices[0].FinishReason != router.FinishStop {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("total_tokens = %d, want 7", resp.Usage.TotalTokens)
	}
}

func TestSendToolCalls(t *testing.T) {
	var payload map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Paris\"}"}}]},"finish_reason":"tool_calls"}]}`))
	}))
	defer ts.Close()

	req := userReq("weather?")
	req.Tools = []router.Tool{{Type: "function", Function: router.FunctionSpec{
		Name:       "get_weather",
		Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
	}}}
	a := New(catalog.ProviderGroq, "k", ts.URL)
	resp, err := a.Send(context.Background(), "llama3-70b-8192", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if payload["model"] != "llama3-70b-8192" {
		t.Errorf("model = %v", payload["model"])
	}
	tools, _ := payload["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool in payload, got %v", payload["tools"])
	}
	calls := resp.Choices[0].Message.ToolCalls
	if len(calls) != 1 || calls[0].Function.Name != "get_weather" || calls[0].Function.Arguments != `{"city":"Paris"}` {
		t.Errorf("unexpected tool calls: %+v", calls)
	}
	if resp.Choices[0].FinishReason != router.FinishToolCalls {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
}

func TestSendCallerKeyOverridesDefault(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer caller-key" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer ts.Close()

	req := userReq("hi")
	req.Credentials = catalog.ProviderConfig{catalog.ProviderOpenAI: {APIKey: "caller-key"}}
	a := New(catalog.ProviderOpenAI, "server-key", ts.URL)
	if _, err := a.Send(context.Background(), "gpt-4o", req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendWithoutKey(t *testing.T) {
	a := New(catalog.ProviderOpenAI, "", "http://127.0.0.1:1")
	_, err := a.Send(context.Background(), "gpt-4o", userReq("hi"))
	if got := a.ClassifyError(err).Kind; got != router.KindAuthFailure {
		t.Errorf("kind = %s, want auth_failure", got)
	}
}

func TestSendErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   router.ErrorKind
	}{
		{"rate limit", http.StatusTooManyRequests, `{"error":{"message":"rate limited"}}`, router.KindRateLimited},
		{"server error", http.StatusInternalServerError, `{"error":{"message":"internal error"}}`, router.KindTransient},
		{"gateway timeout", http.StatusGatewayTimeout, `timeout`, router.KindTimeout},
		{"context length", http.StatusBadRequest, `{"error":{"message":"This model's maximum context length is 4096 tokens","code":"context_length_exceeded"}}`, router.KindUnsupportedCapability},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"invalid api key"}}`, router.KindAuthFailure},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"messages is required"}}`, router.KindInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "3")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			a := New(catalog.ProviderOpenAI, "key", ts.URL)
			_, err := a.Send(context.Background(), "gpt-4o", userReq("hi"))
			if err == nil {
				t.Fatal("expected error")
			}
			ae := a.ClassifyError(err)
			if ae.Kind != tc.want {
				t.Errorf("kind = %s, want %s", ae.Kind, tc.want)
			}
			if ae.StatusCode != tc.status {
				t.Errorf("status = %d, want %d", ae.StatusCode, tc.status)
			}
			if tc.want == router.KindRateLimited && ae.RetryAfter != 3*time.Second {
				t.Errorf("retry after = %v, want 3s", ae.RetryAfter)
			}
		})
	}
}

func TestClassifyNonStatusError(t *testing.T) {
	a := New(catalog.ProviderOpenAI, "key", "http://localhost")
	if got := a.ClassifyError(context.DeadlineExceeded).Kind; got != router.KindTimeout {
		t.Errorf("expected timeout for deadline, got %s", got)
	}
	if got := a.ClassifyError(io.ErrUnexpectedEOF).Kind; got != router.KindTransient {
		t.Errorf("expected transient for truncated body, got %s", got)
	}
}

func TestSendMalformedResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer ts.Close()

	a := New(catalog.ProviderOpenAI, "key", ts.URL)
	_, err := a.Send(context.Background(), "gpt-4o", userReq("hi"))
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
	if a.ClassifyError(err).Kind != router.KindTransient {
		t.Errorf("malformed upstream responses should be retryable")
	}
}

func TestRoundRobinEndpoints(t *testing.T) {
	hits := make([]int, 2)
	var servers []*httptest.Server
	for i := range hits {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits[i]++
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
		}))
		defer ts.Close()
		servers = append(servers, ts)
	}

	a := NewWithEndpoints(catalog.ProviderTogether, "k", []string{servers[0].URL, servers[1].URL + "/"})
	for i := 0; i < 4; i++ {
		if _, err := a.Send(context.Background(), "m", userReq("hi")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if hits[0] != 2 || hits[1] != 2 {
		t.Errorf("hits = %v, want [2 2]", hits)
	}
}

func sseServer(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("expected stream=true in payload")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
			flusher.Flush()
		}
	}))
}

func collect(t *testing.T, ch <-chan router.StreamEvent) ([]*router.ChatCompletionChunk, error) {
	t.Helper()
	var chunks []*router.ChatCompletionChunk
	for ev := range ch {
		if ev.Err != nil {
			return chunks, ev.Err
		}
		chunks = append(chunks, ev.Chunk)
	}
	return chunks, nil
}

func TestSendStream(t *testing.T) {
	ts := sseServer(t, []string{
		`{"id":"c","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	})
	defer ts.Close()

	a := New(catalog.ProviderOpenAI, "k", ts.URL)
	ch, err := a.SendStream(context.Background(), "gpt-4o", userReq("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks, err := collect(t, ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Content+chunks[1].Choices[0].Delta.Content != "Hello" {
		t.Errorf("unexpected content")
	}
	if !chunks[2].Terminal() {
		t.Errorf("last chunk should be terminal")
	}
}

func TestSendStreamMidStreamError(t *testing.T) {
	ts := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"content":"partial"}}]}`,
		`{"error":{"message":"overloaded"}}`,
	})
	defer ts.Close()

	a := New(catalog.ProviderOpenAI, "k", ts.URL)
	ch, err := a.SendStream(context.Background(), "gpt-4o", userReq("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks, err := collect(t, ch)
	if len(chunks) != 1 {
		t.Errorf("got %d chunks before the error, want 1", len(chunks))
	}
	var ae *router.AdapterError
	if !errors.As(err, &ae) || ae.Kind != router.KindTransient {
		t.Errorf("expected transient adapter error, got %v", err)
	}
}

func TestSendStreamTruncated(t *testing.T) {
	ts := sseServer(t, []string{`{"choices":[{"index":0,"delta":{"content":"a"}}]}`})
	defer ts.Close()

	a := New(catalog.ProviderOpenAI, "k", ts.URL)
	ch, err := a.SendStream(context.Background(), "gpt-4o", userReq("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = collect(t, ch)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected unexpected EOF, got %v", err)
	}
}

func TestSendStreamHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	a := New(catalog.ProviderOpenAI, "k", ts.URL)
	_, err := a.SendStream(context.Background(), "gpt-4o", userReq("hi"))
	if err == nil {
		t.Fatal("expected synchronous error")
	}
	if a.ClassifyError(err).Kind != router.KindTransient {
		t.Errorf("503 should be transient")
	}
}
