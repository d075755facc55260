package providers

import (
	"context"
	"errors"
	"io"

	"github.com/jordanhubbard/dialtone/internal/router"
)

// ErrStreamEnded reports a backend stream that closed before a terminal chunk.
var ErrStreamEnded = errors.New("stream ended before completion")

// ChunkSource yields the next batch of chunks decoded from a backend stream.
// done reports that the backend signalled the end of the stream.
type ChunkSource func() (chunks []*router.ChatCompletionChunk, done bool, err error)

// Pump runs src on its own goroutine and delivers chunks on an unbuffered
// channel, so the body is only read as fast as the consumer receives. Errors
// are passed through classify. The body is closed and the channel closed when
// a terminal chunk is sent, the source fails, or ctx is done.
func Pump(ctx context.Context, body io.Closer, src ChunkSource, classify func(error) *router.AdapterError) <-chan router.StreamEvent {
	ch := make(chan router.StreamEvent)
	go func() {
		defer close(ch)
		defer func() { _ = body.Close() }()

		send := func(ev router.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			chunks, done, err := src()
			for _, c := range chunks {
				if !send(router.StreamEvent{Chunk: c}) {
					return
				}
				if c.Terminal() {
					return
				}
			}
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				send(router.StreamEvent{Err: classify(err)})
				return
			case done:
				send(router.StreamEvent{Err: classify(ErrStreamEnded)})
				return
			}
		}
	}()
	return ch
}
