package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jordanhubbard/dialtone/internal/catalog"
	"github.com/jordanhubbard/dialtone/internal/providers"
	"github.com/jordanhubbard/dialtone/internal/router"
)

// Response headers naming the request and the pair that served it.
const (
	headerRequestID = "X-Dialtone-Request-Id"
	headerModel     = "X-Dialtone-Model"
	headerProvider  = "X-Dialtone-Provider"
)

// requestIDs returns a server-assigned ID, unique per request, and the
// caller's correlation ID. Only the first keys per-request state; the
// correlation ID is logged and forwarded upstream.
func requestIDs(r *http.Request) (id, correlation string) {
	id = uuid.NewString()
	correlation = middleware.GetReqID(r.Context())
	if correlation == "" {
		correlation = r.Header.Get("X-Request-ID")
	}
	if correlation == "" {
		correlation = id
	}
	return id, correlation
}

// parseChat decodes the body and converts it, writing the error response
// itself on failure.
func parseChat(w http.ResponseWriter, r *http.Request, id string) (router.Request, bool) {
	wire, err := decodeChatRequest(w, r)
	if err == nil {
		var req router.Request
		req, err = wire.toRouter(id)
		if err == nil {
			return req, true
		}
	}
	writeError(w, err)
	return router.Request{}, false
}

// ChatCompletionsHandler serves POST /v1/chat/completions. Non-streaming
// requests get one ChatCompletion; streaming ones get server-sent chunks
// ending in "data: [DONE]".
func ChatCompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id, correlation := requestIDs(r)
		w.Header().Set(headerRequestID, id)
		req, ok := parseChat(w, r, id)
		if !ok {
			return
		}
		slog.Debug("chat request",
			slog.String("request_id", id),
			slog.String("correlation_id", correlation),
			slog.Bool("stream", req.Stream))
		ctx := providers.WithRequestID(r.Context(), correlation)

		if req.Stream {
			streamCompletion(w, r.WithContext(ctx), d, req, start)
			return
		}

		resp, err := d.Engine.CreateChatCompletion(ctx, req)
		if err != nil {
			status := writeError(w, err)
			recordRequest(ctx, d, requestRecord{RequestID: id, Mode: modeChat, Latency: time.Since(start), Status: status, Err: err})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(headerModel, string(resp.Model))
		w.Header().Set(headerProvider, string(resp.Provider))
		_ = json.NewEncoder(w).Encode(resp)

		recordRequest(ctx, d, requestRecord{
			RequestID: id,
			Mode:      modeChat,
			Pair:      catalog.Pair{Model: resp.Model, Provider: resp.Provider},
			Usage:     resp.Usage,
			Latency:   time.Since(start),
			Status:    http.StatusOK,
		})
	}
}

func streamCompletion(w http.ResponseWriter, r *http.Request, d Dependencies, req router.Request, start time.Time) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorBody(w, http.StatusInternalServerError, errorDetail{Message: "streaming unsupported", Code: codeInternal})
		return
	}

	stream, err := d.Engine.StreamChatCompletion(ctx, req)
	if err != nil {
		status := writeError(w, err)
		recordRequest(ctx, d, requestRecord{RequestID: req.ID, Mode: modeStream, Latency: time.Since(start), Status: status, Err: err})
		return
	}
	defer func() { _ = stream.Close() }()

	pair := stream.Pair()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(headerModel, string(pair.Model))
	w.Header().Set(headerProvider, string(pair.Provider))
	w.WriteHeader(http.StatusOK)

	var (
		usage     router.Usage
		streamErr error
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			if ctx.Err() == nil {
				ae := classifyError(err)
				_ = writeEvent(w, errorBody{Error: ae.body})
				flusher.Flush()
			}
			break
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if werr := writeEvent(w, chunk); werr != nil {
			slog.Warn("stream write failed",
				slog.String("request_id", req.ID),
				slog.String("provider", string(pair.Provider)),
				slog.String("error", werr.Error()))
			streamErr = werr
			break
		}
		flusher.Flush()
	}

	status := http.StatusOK
	switch {
	case ctx.Err() != nil:
		status = StatusClientClosedRequest
		if streamErr == nil {
			streamErr = ctx.Err()
		}
	case streamErr != nil:
		status = classifyError(streamErr).status
	default:
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}

	recordRequest(ctx, d, requestRecord{
		RequestID: req.ID,
		Mode:      modeStream,
		Pair:      pair,
		Usage:     usage,
		Latency:   time.Since(start),
		Status:    status,
		Err:       streamErr,
	})
}

func writeEvent(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

// RouteHandler serves POST /v1/chat/route: the ranking without a backend call.
func RouteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id, _ := requestIDs(r)
		w.Header().Set(headerRequestID, id)
		req, ok := parseChat(w, r, id)
		if !ok {
			return
		}
		res, err := d.Engine.Route(r.Context(), req)
		if err != nil {
			status := writeError(w, err)
			recordRequest(r.Context(), d, requestRecord{RequestID: id, Mode: modeRoute, Latency: time.Since(start), Status: status, Err: err})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)

		top := catalog.Pair{Model: res.Model}
		if len(res.Providers) > 0 {
			top = res.Providers[0]
		}
		recordRequest(r.Context(), d, requestRecord{RequestID: id, Mode: modeRoute, Pair: top, Latency: time.Since(start), Status: http.StatusOK})
	}
}

// modelObject is one row of GET /v1/models. Each catalog pair is listed, so
// a model served by several providers appears once per provider.
type modelObject struct {
	ID                string  `json:"id"`
	Object            string  `json:"object"`
	OwnedBy           string  `json:"owned_by"`
	Provider          string  `json:"provider"`
	ProviderModel     string  `json:"provider_model"`
	SupportsTools     bool    `json:"supports_tools"`
	SupportsStreaming bool    `json:"supports_streaming"`
	MaxContextTokens  int     `json:"max_context_tokens"`
	InputPer1M        float64 `json:"input_per_1m"`
	OutputPer1M       float64 `json:"output_per_1m"`
	Available         bool    `json:"available"`
}

// ModelsHandler serves GET /v1/models from the current catalog snapshot.
// Available reports whether an adapter is registered for the provider.
func ModelsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := d.Engine.Catalog().Snapshot()
		data := make([]modelObject, 0, snap.Len())
		for _, e := range snap.Entries() {
			_, registered := d.Engine.Adapter(e.Provider)
			data = append(data, modelObject{
				ID:                string(e.Model),
				Object:            "model",
				OwnedBy:           string(e.Provider),
				Provider:          string(e.Provider),
				ProviderModel:     e.ProviderModel,
				SupportsTools:     e.SupportsTools,
				SupportsStreaming: e.SupportsStreaming,
				MaxContextTokens:  e.MaxContextTokens,
				InputPer1M:        e.InputPer1M,
				OutputPer1M:       e.OutputPer1M,
				Available:         registered,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object":          "list",
			"data":            data,
			"catalog_version": snap.Version(),
		})
	}
}
