package google

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jordanhubbard/dialtone/internal/router"
)

func userReq(s string) router.Request {
	return router.Request{Messages: []router.Message{{Role: "user", Content: router.Text(s)}}}
}

func TestSendSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("expected x-goog-api-key header, got %q", r.Header.Get("x-goog-api-key"))
		}
		if r.URL.Path != "/v1beta/models/gemini-2.0-flash:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"responseId":"r1","candidates":[{"content":{"role":"model","parts":[{"text":"Hi "},{"text":"there"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}`))
	}))
	defer ts.Close()

	resp, err := New("test-key", ts.URL).Send(context.Background(), "gemini-2.0-flash", userReq("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := resp.Choices[0].Message.Content.String(); got != "Hi there" {
		t.Errorf("content = %q", got)
	}
	if resp.Choices[0].FinishReason != router.FinishStop {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("total_tokens = %d", resp.Usage.TotalTokens)
	}
}

func TestSendFunctionCall(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"lookup","args":{"q":"go"}}}]},"finishReason":"STOP"}]}`))
	}))
	defer ts.Close()

	resp, err := New("k", ts.URL).Send(context.Background(), "gemini-pro", userReq("search"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	choice := resp.Choices[0]
	if choice.FinishReason != router.FinishToolCalls {
		t.Errorf("finish_reason = %q, want tool_calls", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(choice.Message.ToolCalls))
	}
	tc := choice.Message.ToolCalls[0]
	if tc.ID != "call_0" || tc.Function.Name != "lookup" || tc.Function.Arguments != `{"q":"go"}` {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Index != nil {
		t.Errorf("non-streaming tool calls should not carry an index")
	}
}

func TestSendBlockedPrompt(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`))
	}))
	defer ts.Close()

	a := New("k", ts.URL)
	_, err := a.Send(context.Background(), "gemini-pro", userReq("x"))
	if err == nil {
		t.Fatal("expected error")
	}
	if got := a.ClassifyError(err).Kind; got != router.KindInvalidRequest {
		t.Errorf("kind = %s, want invalid_request", got)
	}
}

func TestSendErrorClassification(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":503,"status":"UNAVAILABLE"}}`))
	}))
	defer ts.Close()

	a := New("k", ts.URL)
	_, err := a.Send(context.Background(), "gemini-pro", userReq("x"))
	if got := a.ClassifyError(err).Kind; got != router.KindTransient {
		t.Errorf("kind = %s, want transient_server_error", got)
	}
}

func TestBuildRequest(t *testing.T) {
	temp := 0.2
	req := router.Request{
		Messages: []router.Message{
			{Role: "system", Content: router.Text("be terse")},
			{Role: "user", Content: router.Text("weather?")},
			{Role: "assistant", ToolCalls: []router.ToolCall{{ID: "call_0", Type: "function", Function: router.FunctionCall{Name: "weather", Arguments: `{"city":"Rome"}`}}}},
			{Role: "tool", ToolCallID: "call_0", Content: router.Text(`{"temp":21}`)},
		},
		Tools:       []router.Tool{{Type: "function", Function: router.FunctionSpec{Name: "weather", Parameters: json.RawMessage(`{"type":"object"}`)}}},
		ToolChoice:  json.RawMessage(`{"type":"function","function":{"name":"weather"}}`),
		Temperature: &temp,
	}

	out := buildRequest(req)
	if out.SystemInstruction == nil || out.SystemInstruction.Parts[0].Text != "be terse" {
		t.Errorf("system instruction = %+v", out.SystemInstruction)
	}
	if len(out.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(out.Contents))
	}
	if out.Contents[1].Role != "model" || out.Contents[1].Parts[0].FunctionCall == nil {
		t.Errorf("assistant turn = %+v", out.Contents[1])
	}
	fr := out.Contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "weather" || fr.Response["temp"] != float64(21) {
		t.Errorf("function response = %+v", fr)
	}
	if out.ToolConfig == nil || out.ToolConfig.FunctionCallingConfig.Mode != "ANY" ||
		len(out.ToolConfig.FunctionCallingConfig.AllowedFunctionNames) != 1 {
		t.Errorf("tool config = %+v", out.ToolConfig)
	}
	if out.GenerationConfig == nil || *out.GenerationConfig.Temperature != 0.2 {
		t.Errorf("generation config = %+v", out.GenerationConfig)
	}
}

func TestSendStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-pro:streamGenerateContent" || r.URL.Query().Get("alt") != "sse" {
			t.Errorf("unexpected url %s", r.URL)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ""+
			"data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"Hel\"}]}}]}\n\n"+
			"data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"lo\"}]},\"finishReason\":\"MAX_TOKENS\"}],\"usageMetadata\":{\"promptTokenCount\":1,\"candidatesTokenCount\":2,\"totalTokenCount\":3}}\n\n")
	}))
	defer ts.Close()

	ch, err := New("k", ts.URL).SendStream(context.Background(), "gemini-pro", userReq("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var chunks []*router.ChatCompletionChunk
	for ev := range ch {
		if ev.Err != nil {
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
		chunks = append(chunks, ev.Chunk)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Role != router.RoleAssistant {
		t.Errorf("first chunk should carry the role")
	}
	last := chunks[1].Choices[0]
	if last.FinishReason != router.FinishLength || last.Delta.Content != "lo" {
		t.Errorf("last chunk = %+v", last)
	}
	if chunks[1].Usage == nil || chunks[1].Usage.TotalTokens != 3 {
		t.Errorf("usage = %+v", chunks[1].Usage)
	}
}

func TestSendStreamTruncated(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"partial\"}]}}]}\n\n")
	}))
	defer ts.Close()

	ch, err := New("k", ts.URL).SendStream(context.Background(), "gemini-pro", userReq("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var last error
	n := 0
	for ev := range ch {
		if ev.Err != nil {
			last = ev.Err
			continue
		}
		n++
	}
	if n != 1 {
		t.Errorf("expected 1 chunk before truncation, got %d", n)
	}
	var ae *router.AdapterError
	if !errors.As(last, &ae) || ae.Kind != router.KindTransient {
		t.Errorf("expected transient adapter error, got %v", last)
	}
}
