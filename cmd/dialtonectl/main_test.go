package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, 50, parseLimit(nil))
	assert.Equal(t, 10, parseLimit([]string{"--limit", "10"}))
	assert.Equal(t, 50, parseLimit([]string{"--limit", "x"}))
	assert.Equal(t, 50, parseLimit([]string{"--limit"}))
}

func TestBaseURL(t *testing.T) {
	t.Setenv("DIALTONE_URL", "")
	assert.Equal(t, "http://localhost:8090", baseURL())
	t.Setenv("DIALTONE_URL", "http://router:9000/")
	assert.Equal(t, "http://router:9000", baseURL())
}

func TestNewRequestSetsAdminToken(t *testing.T) {
	t.Setenv("DIALTONE_URL", "http://router:9000")
	t.Setenv("DIALTONE_ADMIN_TOKEN", "s3cret")

	req, err := newRequest("POST", "/admin/v1/reload", strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "http://router:9000/admin/v1/reload", req.URL.String())
	assert.Equal(t, "Bearer s3cret", req.Header.Get("Authorization"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
}

func TestRequestBodyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"messages":[]}`), 0o600))

	body, err := requestBody("@" + path)
	require.NoError(t, err)
	assert.Equal(t, `{"messages":[]}`, body)

	body, err = requestBody(`{"stream":true}`)
	require.NoError(t, err)
	assert.Equal(t, `{"stream":true}`, body)

	_, err = requestBody("@" + filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestDescribeErrorListsFailures(t *testing.T) {
	out := describeError([]byte(`{"error":{"message":"all candidates failed","code":"all_candidates_failed","failures":[
		{"model":"gpt-4o","provider":"openai","kind":"rate_limited","message":"429"},
		{"model":"claude-3-haiku","provider":"anthropic","skipped":true,"message":"circuit open"}]}}`))
	assert.Contains(t, out, "all candidates failed (all_candidates_failed)")
	assert.Contains(t, out, "gpt-4o/openai: rate_limited: 429")
	assert.Contains(t, out, "claude-3-haiku/anthropic: skipped: circuit open")

	assert.Equal(t, "upstream exploded", describeError([]byte("upstream exploded\n")))
}

func TestPrintStream(t *testing.T) {
	var out bytes.Buffer
	err := printStream(&out, strings.NewReader(
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"+
			": keep-alive\n\n"+
			"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n"+
			"data: [DONE]\n\n"))
	require.NoError(t, err)
	assert.Equal(t, "Hello\n", out.String())
}

func TestPrintStreamReportsInterruption(t *testing.T) {
	var out bytes.Buffer
	err := printStream(&out, strings.NewReader(
		"data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n"+
			"data: {\"error\":{\"message\":\"connection reset\",\"code\":\"transient_server_error\"}}\n\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, "par", out.String())

	err = printStream(io.Discard, strings.NewReader("data: {\"choices\":[]}\n\n"))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestPrintRoute(t *testing.T) {
	var out bytes.Buffer
	printRoute(&out, decode(t, `{"model":"gpt-4o","routing_strategy":"fixed:quality=0.50,cost=0.50",
		"scores":[{"pair":{"model":"gpt-4o","provider":"openai"},"quality":0.92,"cost":0.4,"composite":0.26}]}`))
	text := out.String()
	assert.Contains(t, text, "model: gpt-4o")
	assert.Contains(t, text, "strategy: fixed:quality=0.50,cost=0.50")
	assert.Contains(t, text, "openai")
	assert.Contains(t, text, "0.26")
}

func TestPrintCompletion(t *testing.T) {
	var out bytes.Buffer
	printCompletion(&out, decode(t, `{"model":"m1","provider":"groq",
		"choices":[{"message":{"role":"assistant","content":"hi there"}}],
		"usage":{"prompt_tokens":3,"completion_tokens":2}}`))
	assert.Equal(t, "[m1/groq]\nhi there\n\ntokens: 3 in, 2 out\n", out.String())
}

func TestPrintModels(t *testing.T) {
	var out bytes.Buffer
	printModels(&out, decode(t, `{"data":[{"id":"gpt-4o","provider":"openai","provider_model":"gpt-4o",
		"supports_tools":true,"supports_streaming":true,"max_context_tokens":128000,
		"input_per_1m":5,"output_per_1m":15,"available":true}],"catalog_version":"abc123"}`))
	text := out.String()
	assert.Contains(t, text, "128000")
	assert.Contains(t, text, "$5.0000")
	assert.Contains(t, text, "catalog version abc123")

	out.Reset()
	printModels(&out, map[string]any{})
	assert.Equal(t, "No models in catalog.\n", out.String())
}

func TestPrintHealthJoinsBreakers(t *testing.T) {
	var out bytes.Buffer
	printHealth(&out, decode(t, `{"providers":[{"provider":"openai","state":"degraded","consec_errors":2,"avg_latency_ms":1500}],
		"breakers":[{"provider":"openai","state":"open"}]}`))
	text := out.String()
	assert.Contains(t, text, "degraded")
	assert.Contains(t, text, "open")
	assert.Contains(t, text, "1.5s")
}

func TestPrintLogs(t *testing.T) {
	var out bytes.Buffer
	printLogs(&out, decode(t, `{"logs":[{"timestamp":"2026-01-02T03:04:05Z","model":"gpt-4o","provider":"openai",
		"mode":"chat","attempts":2,"latency_ms":250,"estimated_cost_usd":0.0012,"status_code":200}]}`))
	text := out.String()
	assert.Contains(t, text, "gpt-4o")
	assert.Contains(t, text, "250ms")
	assert.Contains(t, text, "$0.0012")

	out.Reset()
	printLogs(&out, map[string]any{"logs": []any{}})
	assert.Equal(t, "No request logs.\n", out.String())
}

func TestPrintStats(t *testing.T) {
	var out bytes.Buffer
	printStats(&out, decode(t, `{"total":[{"window":"1m","requests":3,"errors":1,"fallbacks":1,"avg_latency_ms":120,"p95_latency_ms":2400,"cost_usd":0.003}],
		"pairs":[{"window":"1m","model":"gpt-4o","provider":"openai","requests":3,"errors":1,"fallbacks":1,"avg_latency_ms":120,"p95_latency_ms":2400,"cost_usd":0.003}]}`))
	text := out.String()
	assert.Contains(t, text, "*")
	assert.Contains(t, text, "gpt-4o")
	assert.Contains(t, text, "2.4s")
	assert.Contains(t, text, "$0.0030")

	out.Reset()
	printStats(&out, decode(t, `{"total":[],"pairs":[]}`))
	assert.Equal(t, "No recent requests.\n", out.String())
}

func TestFormatEvent(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)
	assert.Equal(t, "[03:04:05] attempt_failed  model=gpt-4o provider=openai kind=rate_limited error=429",
		formatEvent(`{"type":"attempt_failed","model":"gpt-4o","provider":"openai","kind":"rate_limited","error":"429"}`, now))
	assert.Equal(t, "[03:04:05] breaker_change  provider=groq closed -> open ",
		formatEvent(`{"type":"breaker_change","provider":"groq","old_state":"closed","new_state":"open"}`, now))
	assert.Equal(t, "[03:04:05] catalog_reload  version=abc",
		formatEvent(`{"type":"catalog_reload","catalog_version":"abc"}`, now))
	assert.Empty(t, formatEvent(`{"status":"connected"}`, now))
	assert.Empty(t, formatEvent(`not json`, now))
}

func TestFormatters(t *testing.T) {
	assert.Equal(t, "-", fmtNum(nil))
	assert.Equal(t, "3", fmtNum(float64(3)))
	assert.Equal(t, "0.25", fmtNum(0.25))
	assert.Equal(t, "free", fmtCost(float64(0)))
	assert.Equal(t, "999ms", fmtDuration(float64(999)))
	assert.Equal(t, "-", fmtTime("0001-01-01T00:00:00Z"))
}
