package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
)

var version = "dev"

var (
	apiClient = &http.Client{Timeout: 30 * time.Second}
	// streamClient has no overall timeout; streams end when the server closes them.
	streamClient = &http.Client{}
)

// loadEnvFile reads ~/.dialtone/env and sets any variables not already
// present in the process environment.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	_ = godotenv.Load(filepath.Join(home, ".dialtone", "env"))
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("dialtonectl %s\n", version)
	case "route":
		doRoute(args)
	case "chat":
		doChat(args)
	case "model", "models":
		doModels()
	case "health":
		doHealth()
	case "reload":
		doReload()
	case "logs":
		doLogs(args)
	case "stats":
		doStats()
	case "prune":
		doPrune()
	case "events":
		doEvents(args)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `dialtonectl: CLI for the dialtone router

Usage: dialtonectl <command> [arguments]

Environment:
  DIALTONE_URL          Base URL (default: http://localhost:8090)
  DIALTONE_ADMIN_TOKEN  Bearer token for admin endpoints

  ~/.dialtone/env       Auto-loaded on startup.
                        Explicit environment variables take precedence.

Commands:
  route <json|@file>          Rank candidates for a request without calling a backend
  chat <json|@file>           Send a chat completion (streams when "stream":true)
  models                      List catalog pairs and adapter availability
  health                      Show provider health and circuit breakers
  reload                      Re-read the catalog file
  logs [--limit N]            Show recent request logs (default 50)
  stats                       Show rolling 1m/5m/1h request statistics
  prune                       Delete request logs older than the server's retention
  events [type,...]           Stream live routing events, optionally filtered (Ctrl-C to stop)
  version                     Print the CLI version
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("DIALTONE_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8090"
}

func adminToken() string {
	return os.Getenv("DIALTONE_ADMIN_TOKEN")
}

func newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := adminToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

func doRequest(client *http.Client, method, path string, body io.Reader) (*http.Response, error) {
	req, err := newRequest(method, path, body)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest(apiClient, http.MethodGet, path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, bodyJSON string) map[string]any {
	resp, err := doRequest(apiClient, http.MethodPost, path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, describeError(data))
		os.Exit(1)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

// describeError renders an error envelope, listing per-candidate failures.
func describeError(data []byte) string {
	var env struct {
		Error struct {
			Message  string `json:"message"`
			Code     string `json:"code"`
			Failures []struct {
				Model    string `json:"model"`
				Provider string `json:"provider"`
				Kind     string `json:"kind"`
				Skipped  bool   `json:"skipped"`
				Message  string `json:"message"`
			} `json:"failures"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Error.Message == "" {
		return strings.TrimSpace(string(data))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", env.Error.Message, env.Error.Code)
	for _, f := range env.Error.Failures {
		kind := f.Kind
		if f.Skipped {
			kind = "skipped"
		}
		fmt.Fprintf(&b, "\n  %s/%s: %s: %s", f.Model, f.Provider, kind, f.Message)
	}
	return b.String()
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: dialtonectl %s\n", usage)
		os.Exit(1)
	}
}

func parseLimit(args []string) int {
	for i, a := range args {
		if a == "--limit" && i+1 < len(args) {
			n, _ := strconv.Atoi(args[i+1])
			if n > 0 {
				return n
			}
		}
	}
	return 50
}

// requestBody returns the argument, or the contents of the file it names
// when prefixed with '@' ("-" reads stdin).
func requestBody(arg string) (string, error) {
	name, ok := strings.CutPrefix(arg, "@")
	if !ok {
		return arg, nil
	}
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// --- Commands ---

func doRoute(args []string) {
	requireArgs(args, 1, "route <json|@file>")
	body, err := requestBody(args[0])
	fatal(err)
	data := doPost("/v1/chat/route", body)
	printRoute(os.Stdout, data)
}

func printRoute(w io.Writer, data map[string]any) {
	model, _ := data["model"].(string)
	strategy, _ := data["routing_strategy"].(string)
	_, _ = fmt.Fprintf(w, "model: %s\nstrategy: %s\n\n", model, strategy)

	scores, _ := data["scores"].([]any)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "#\tMODEL\tPROVIDER\tQUALITY\tCOST\tSCORE")
	for i, s := range scores {
		m, _ := s.(map[string]any)
		pair, _ := m["pair"].(map[string]any)
		pm, _ := pair["model"].(string)
		pp, _ := pair["provider"].(string)
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, pm, pp,
			fmtNum(m["quality"]), fmtNum(m["cost"]), fmtNum(m["composite"]))
	}
	_ = tw.Flush()
}

func doChat(args []string) {
	requireArgs(args, 1, "chat <json|@file>")
	body, err := requestBody(args[0])
	fatal(err)

	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal([]byte(body), &probe)
	if !probe.Stream {
		data := doPost("/v1/chat/completions", body)
		printCompletion(os.Stdout, data)
		return
	}

	resp, err := doRequest(streamClient, http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		readJSON(resp)
	}
	fmt.Fprintf(os.Stderr, "[%s/%s]\n", resp.Header.Get("X-Dialtone-Model"), resp.Header.Get("X-Dialtone-Provider"))
	if err := printStream(os.Stdout, resp.Body); err != nil {
		fmt.Fprintf(os.Stderr, "\nstream error: %v\n", err)
		os.Exit(1)
	}
}

func printCompletion(w io.Writer, data map[string]any) {
	model, _ := data["model"].(string)
	provider, _ := data["provider"].(string)
	_, _ = fmt.Fprintf(w, "[%s/%s]\n", model, provider)
	choices, _ := data["choices"].([]any)
	for _, c := range choices {
		m, _ := c.(map[string]any)
		msg, _ := m["message"].(map[string]any)
		if content, ok := msg["content"].(string); ok && content != "" {
			_, _ = fmt.Fprintln(w, content)
		}
		if calls, ok := msg["tool_calls"].([]any); ok && len(calls) > 0 {
			_, _ = fmt.Fprintln(w, prettyJSON(calls))
		}
	}
	if usage, ok := data["usage"].(map[string]any); ok {
		_, _ = fmt.Fprintf(w, "\ntokens: %s in, %s out\n", fmtNum(usage["prompt_tokens"]), fmtNum(usage["completion_tokens"]))
	}
}

// printStream writes delta text from an SSE chat stream as it arrives. An
// error event or a stream ending without [DONE] is reported as an error.
func printStream(w io.Writer, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		payload, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			_, _ = fmt.Fprintln(w)
			return nil
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Error *struct {
				Message string `json:"message"`
				Code    string `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("%s (%s)", chunk.Error.Message, chunk.Error.Code)
		}
		for _, c := range chunk.Choices {
			_, _ = io.WriteString(w, c.Delta.Content)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

func doModels() {
	data := doGet("/v1/models")
	printModels(os.Stdout, data)
}

func printModels(w io.Writer, data map[string]any) {
	models, _ := data["data"].([]any)
	if len(models) == 0 {
		_, _ = fmt.Fprintln(w, "No models in catalog.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "MODEL\tPROVIDER\tBACKEND MODEL\tTOOLS\tSTREAM\tCONTEXT\tIN/1M\tOUT/1M\tAVAILABLE")
	for _, m := range models {
		row, _ := m.(map[string]any)
		id, _ := row["id"].(string)
		prov, _ := row["provider"].(string)
		backend, _ := row["provider_model"].(string)
		tools, _ := row["supports_tools"].(bool)
		stream, _ := row["supports_streaming"].(bool)
		avail, _ := row["available"].(bool)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%v\t%s\t%s\t%s\t%v\n", id, prov, backend, tools, stream,
			fmtNum(row["max_context_tokens"]), fmtCost(row["input_per_1m"]), fmtCost(row["output_per_1m"]), avail)
	}
	_ = tw.Flush()
	if v, ok := data["catalog_version"].(string); ok {
		_, _ = fmt.Fprintf(w, "\ncatalog version %s\n", v)
	}
}

func doHealth() {
	data := doGet("/admin/v1/health")
	printHealth(os.Stdout, data)
}

func printHealth(w io.Writer, data map[string]any) {
	breakers := map[string]string{}
	if bs, ok := data["breakers"].([]any); ok {
		for _, b := range bs {
			m, _ := b.(map[string]any)
			p, _ := m["provider"].(string)
			s, _ := m["state"].(string)
			breakers[p] = s
		}
	}
	providers, _ := data["providers"].([]any)
	if len(providers) == 0 {
		_, _ = fmt.Fprintln(w, "No provider health data available.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tSTATE\tBREAKER\tCONSEC_ERR\tAVG LATENCY\tLAST SUCCESS\tLAST ERROR")
	for _, p := range providers {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["provider"].(string)
		state, _ := m["state"].(string)
		breaker := breakers[id]
		if breaker == "" {
			breaker = "-"
		}
		errs := fmtNum(m["consec_errors"])
		lat := fmtDuration(m["avg_latency_ms"])
		lastOK := fmtTime(m["last_success_at"])
		lastErr, _ := m["last_error"].(string)
		if len(lastErr) > 60 {
			lastErr = lastErr[:57] + "..."
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", id, state, breaker, errs, lat, lastOK, lastErr)
	}
	_ = tw.Flush()
}

func doReload() {
	data := doPost("/admin/v1/reload", "")
	fmt.Printf("catalog reloaded: version %v, %s entries\n", data["version"], fmtNum(data["entries"]))
}

func doLogs(args []string) {
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/v1/logs?limit=%d", limit))
	printLogs(os.Stdout, data)
}

func printLogs(w io.Writer, data map[string]any) {
	logs, _ := data["logs"].([]any)
	if len(logs) == 0 {
		_, _ = fmt.Fprintln(w, "No request logs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tMODEL\tPROVIDER\tMODE\tATTEMPTS\tLATENCY\tCOST\tSTATUS\tERROR")
	for _, l := range logs {
		m, _ := l.(map[string]any)
		ts := fmtTime(m["timestamp"])
		model, _ := m["model"].(string)
		prov, _ := m["provider"].(string)
		mode, _ := m["mode"].(string)
		errKind, _ := m["error_kind"].(string)
		if errKind == "" {
			errKind = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", ts, model, prov, mode,
			fmtNum(m["attempts"]), fmtDuration(m["latency_ms"]), fmtCost(m["estimated_cost_usd"]),
			fmtNum(m["status_code"]), errKind)
	}
	_ = tw.Flush()
}

func doPrune() {
	data := doPost("/admin/v1/logs/prune", "")
	fmt.Printf("pruned %s log entries older than %s\n", fmtNum(data["deleted"]), fmtTime(data["before"]))
}

func doStats() {
	printStats(os.Stdout, doGet("/admin/v1/stats"))
}

func printStats(w io.Writer, data map[string]any) {
	total, _ := data["total"].([]any)
	if len(total) == 0 {
		_, _ = fmt.Fprintln(w, "No recent requests.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "WINDOW\tMODEL\tPROVIDER\tREQUESTS\tERRORS\tFALLBACKS\tAVG\tP95\tCOST")
	row := func(v any) {
		m, _ := v.(map[string]any)
		model, _ := m["model"].(string)
		prov, _ := m["provider"].(string)
		if model == "" && prov == "" {
			model, prov = "*", "*"
		}
		_, _ = fmt.Fprintf(tw, "%v\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", m["window"], model, prov,
			fmtNum(m["requests"]), fmtNum(m["errors"]), fmtNum(m["fallbacks"]),
			fmtDuration(m["avg_latency_ms"]), fmtDuration(m["p95_latency_ms"]), fmtCost(m["cost_usd"]))
	}
	for _, a := range total {
		row(a)
	}
	pairs, _ := data["pairs"].([]any)
	for _, a := range pairs {
		row(a)
	}
	_ = tw.Flush()
}

func doEvents(args []string) {
	path := "/admin/v1/events"
	if len(args) > 0 {
		path += "?types=" + url.QueryEscape(strings.Join(args, ","))
	}
	resp, err := doRequest(streamClient, http.MethodGet, path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		readJSON(resp)
	}

	fmt.Println("Streaming events (Ctrl-C to stop)...")
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		payload, ok := strings.CutPrefix(sc.Text(), "data:")
		if !ok {
			continue
		}
		if line := formatEvent(strings.TrimSpace(payload), time.Now()); line != "" {
			fmt.Println(line)
		}
	}
	fmt.Println("Event stream closed.")
}

// formatEvent renders one event payload as a log line.
func formatEvent(payload string, now time.Time) string {
	var evt map[string]any
	if json.Unmarshal([]byte(payload), &evt) != nil {
		return ""
	}
	evtType, _ := evt["type"].(string)
	if evtType == "" {
		return ""
	}
	ts := now.Format("15:04:05")
	str := func(k string) string {
		s, _ := evt[k].(string)
		return s
	}

	switch evtType {
	case "attempt_failed", "request_failed", "stream_interrupted":
		return fmt.Sprintf("[%s] %s  model=%s provider=%s kind=%s error=%s",
			ts, evtType, str("model"), str("provider"), str("kind"), str("error"))
	case "health_change", "breaker_change":
		return fmt.Sprintf("[%s] %s  provider=%s %s -> %s %s",
			ts, evtType, str("provider"), str("old_state"), str("new_state"), str("reason"))
	case "catalog_reload":
		return fmt.Sprintf("[%s] %s  version=%s", ts, evtType, str("catalog_version"))
	}
	return fmt.Sprintf("[%s] %s  model=%s provider=%s latency=%s cost=%s",
		ts, evtType, str("model"), str("provider"), fmtDuration(evt["latency_ms"]), fmtCost(evt["cost_usd"]))
}

// --- Formatting helpers ---

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return strconv.Itoa(int(n))
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fmtCost(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f == 0 {
			return "free"
		}
		return fmt.Sprintf("$%.4f", f)
	}
	return fmt.Sprintf("%v", v)
}

func fmtDuration(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f < 1000 {
			return fmt.Sprintf("%.0fms", f)
		}
		return fmt.Sprintf("%.1fs", f/1000)
	}
	return fmt.Sprintf("%v", v)
}

func fmtTime(v any) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			if t.IsZero() {
				return "-"
			}
			return t.Local().Format("2006-01-02 15:04:05")
		}
		return s
	}
	return fmt.Sprintf("%v", v)
}
