// Package logging configures the process slog logger. Every record passes
// through RedactingHandler, so credentials and prompt text never reach the
// log sink even when a caller logs a whole request.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

const redacted = "[REDACTED]"

// sensitiveHeaders are HTTP headers that must never appear in logs.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"x-goog-api-key":      true,
	"cookie":              true,
	"set-cookie":          true,
}

// promptKeys carry conversation text.
var promptKeys = map[string]bool{
	"body":         true,
	"request_body": true,
	"messages":     true,
	"content":      true,
	"prompt":       true,
	"arguments":    true,
}

// secretFragments mark a key as holding a secret wherever they appear in it.
var secretFragments = []string{"key", "token", "secret", "password", "credential", "provider_config"}

var level = new(slog.LevelVar)

// Setup installs a redacting logger as the slog default and returns it.
// format is "json" (default) or "text".
func Setup(lvl, format string) *slog.Logger {
	return SetupWriter(os.Stdout, lvl, format)
}

// SetupWriter is Setup with an explicit sink.
func SetupWriter(w io.Writer, lvl, format string) *slog.Logger {
	SetLevel(lvl)

	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	if strings.EqualFold(format, "text") {
		base = slog.NewTextHandler(w, opts)
	} else {
		base = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(NewRedactingHandler(base))
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the level at runtime. Unknown values mean info.
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// Level reports the current level.
func Level() slog.Level { return level.Level() }

// RedactingHandler wraps an slog.Handler and replaces sensitive values,
// including inside groups.
type RedactingHandler struct {
	base slog.Handler
}

func NewRedactingHandler(base slog.Handler) *RedactingHandler {
	return &RedactingHandler{base: base}
}

func (h *RedactingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.base.Enabled(ctx, l)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.base.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a)
	}
	return &RedactingHandler{base: h.base.WithAttrs(clean)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{base: h.base.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	v := a.Value.Resolve()
	if v.Kind() != slog.KindGroup {
		return slog.Attr{Key: a.Key, Value: v}
	}
	group := v.Group()
	clean := make([]any, len(group))
	for i, g := range group {
		clean[i] = redactAttr(g)
	}
	return slog.Group(a.Key, clean...)
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if sensitiveHeaders[k] || promptKeys[k] {
		return true
	}
	for _, f := range secretFragments {
		if strings.Contains(k, f) {
			return true
		}
	}
	return false
}

// RequestLogger returns chi middleware that logs one line per request.
// Bodies and headers are never logged.
func RequestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqID := middleware.GetReqID(r.Context())
			if reqID == "" {
				reqID = r.Header.Get("X-Request-ID")
			}

			next.ServeHTTP(ww, r)

			lvl := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				lvl = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), lvl, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", reqID),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
