package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

const (
	HeaderKey    = "Idempotency-Key"
	HeaderReplay = "Idempotency-Replay"

	maxKeyLen          = 255
	maxBodyLen         = 8 << 20
	statusClientClosed = 499
)

// Middleware replays the stored response when a request repeats an
// Idempotency-Key with the same body. Only completed 2xx and 4xx JSON
// responses are stored; streams, 429s, cancellations and server errors
// release the key so the client may retry. Requests without the header
// pass through.
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLen {
				writeError(w, http.StatusBadRequest, "Idempotency-Key is longer than 255 characters", "invalid_idempotency_key")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyLen+1))
			if err != nil {
				writeError(w, http.StatusBadRequest, "read body: "+err.Error(), "invalid_request")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			scoped := r.Method + " " + r.URL.Path + " " + key
			stored, outcome := cache.Claim(scoped, sha256.Sum256(body))
			switch outcome {
			case Replay:
				for k, v := range stored.Header {
					w.Header()[k] = v
				}
				w.Header().Set(HeaderReplay, "true")
				w.WriteHeader(stored.StatusCode)
				_, _ = w.Write(stored.Body)
				return
			case InFlight:
				writeError(w, http.StatusConflict, "a request with this Idempotency-Key is still in progress", "idempotency_in_flight")
				return
			case Mismatch:
				writeError(w, http.StatusUnprocessableEntity, "Idempotency-Key was already used with a different request body", "idempotency_key_reused")
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					cache.Release(scoped)
					panic(p)
				}
				if !rec.storable() {
					cache.Release(scoped)
					return
				}
				hdr := w.Header().Clone()
				hdr.Del(HeaderReplay)
				cache.Complete(scoped, &Response{StatusCode: rec.status, Header: hdr, Body: rec.body.Bytes()})
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// recorder tees the response into a buffer until it turns out to be a
// stream, after which it only passes writes through.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	streaming   bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.streaming = strings.HasPrefix(r.Header().Get("Content-Type"), "text/event-stream")
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if !r.streaming {
		r.body.Write(b)
	}
	return r.ResponseWriter.Write(b)
}

func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *recorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *recorder) storable() bool {
	if r.streaming {
		return false
	}
	switch {
	case r.status >= 500, r.status == http.StatusTooManyRequests, r.status == statusClientClosed:
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": msg, "type": "invalid_request_error", "code": code},
	})
}
