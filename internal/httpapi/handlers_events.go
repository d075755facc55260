package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/dialtone/internal/events"
)

// sseKeepAlive is how often an idle event stream gets a comment line.
const sseKeepAlive = 15 * time.Second

// SSEHandler streams bus events as Server-Sent Events. ?types=a,b limits the
// stream to those event types. Keep-alive comments carry the number of
// events this client has missed by reading too slowly.
func SSEHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeErrorBody(w, http.StatusInternalServerError, errorDetail{Message: "streaming unsupported", Code: codeInternal})
			return
		}
		only := eventFilter(r.URL.Query().Get("types"))

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")

		sub := bus.Subscribe(64)
		defer bus.Unsubscribe(sub)

		_, _ = fmt.Fprint(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		keepAlive := time.NewTicker(sseKeepAlive)
		defer keepAlive.Stop()
		var seq uint64
		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				_, _ = fmt.Fprintf(w, ": keep-alive dropped=%d\n\n", sub.Dropped())
				flusher.Flush()
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				if only != nil && !only[e.Type] {
					continue
				}
				seq++
				_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, e.Type, e.JSON())
				flusher.Flush()
			}
		}
	}
}

// eventFilter parses a comma list of event types. Empty means all.
func eventFilter(raw string) map[events.EventType]bool {
	var only map[events.EventType]bool
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if only == nil {
			only = make(map[events.EventType]bool)
		}
		only[events.EventType(t)] = true
	}
	return only
}
