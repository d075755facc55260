package router

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jordanhubbard/dialtone/internal/catalog"
)

var errStreamEnded = fmt.Errorf("stream ended without a terminal chunk: %w", io.ErrUnexpectedEOF)

// ErrStreamClosed is returned by Recv after Close.
var ErrStreamClosed = errors.New("stream closed")

// ChunkStream delivers chunks from the candidate a stream is bound to.
// Recv is not safe for concurrent use; Close may be called from any goroutine.
type ChunkStream struct {
	requestID string
	pair      catalog.Pair
	id        string
	created   int64

	first  *ChatCompletionChunk
	events <-chan StreamEvent
	cancel func()
	obs    Observer

	delivered int
	done      bool
	err       error

	closeOnce sync.Once
	closed    chan struct{}
}

func newChunkStream(requestID string, p catalog.Pair, first *ChatCompletionChunk, events <-chan StreamEvent, cancel func(), obs Observer) *ChunkStream {
	return &ChunkStream{
		requestID: requestID,
		pair:      p,
		id:        NewCompletionID(),
		created:   time.Now().Unix(),
		first:     first,
		events:    events,
		cancel:    cancel,
		obs:       obs,
		closed:    make(chan struct{}),
	}
}

// Pair returns the candidate serving the stream.
func (s *ChunkStream) Pair() catalog.Pair { return s.pair }

// ID returns the completion id stamped on every chunk.
func (s *ChunkStream) ID() string { return s.id }

// Delivered returns how many chunks Recv has returned.
func (s *ChunkStream) Delivered() int { return s.delivered }

// Recv returns the next chunk. It returns io.EOF after the terminal chunk,
// a *StreamInterruptedError if the backend fails mid-stream, and
// ErrStreamClosed after Close.
func (s *ChunkStream) Recv() (*ChatCompletionChunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.done {
		return nil, io.EOF
	}

	var chunk *ChatCompletionChunk
	if s.first != nil {
		chunk, s.first = s.first, nil
	} else {
		select {
		case ev, ok := <-s.events:
			switch {
			case !ok:
				return nil, s.interrupt(errStreamEnded)
			case ev.Err != nil:
				return nil, s.interrupt(ev.Err)
			case ev.Chunk == nil:
				return s.Recv()
			}
			chunk = ev.Chunk
		case <-s.closed:
			s.err = ErrStreamClosed
			return nil, s.err
		}
	}

	s.stamp(chunk)
	s.delivered++
	if chunk.Terminal() {
		s.done = true
		s.finish(nil)
	}
	return chunk, nil
}

// Close releases the backend stream. It is safe to call more than once and
// after the stream ended.
func (s *ChunkStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
	})
	return nil
}

func (s *ChunkStream) stamp(c *ChatCompletionChunk) {
	c.ID = s.id
	c.Object = "chat.completion.chunk"
	c.Created = s.created
	c.Model = s.pair.Model
	c.Provider = s.pair.Provider
}

func (s *ChunkStream) interrupt(err error) error {
	select {
	case <-s.closed:
		s.err = ErrStreamClosed
		return s.err
	default:
	}
	s.err = &StreamInterruptedError{Pair: s.pair, ChunksDelivered: s.delivered, Err: err}
	s.finish(s.err)
	return s.err
}

func (s *ChunkStream) finish(err error) {
	if s.obs != nil {
		s.obs.ObserveStreamEnd(s.requestID, s.pair, s.delivered, err)
	}
	s.Close()
}
