package provider

import (
	"context"
	"strings"
	"sync"

	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// Chunk is one streamed completion fragment. Index is assigned by the
// producer and is strictly increasing within a stream.
type Chunk struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	// FinishReason is set on the final chunk only.
	FinishReason string `json:"finishReason,omitempty"`
}

// Stream is the consumer side of a chunked completion. C closes when the
// producer finishes; Err reports the terminal error, if any, once C is
// closed. Cancel tells the producer to stop early.
type Stream struct {
	C <-chan Chunk

	mu        sync.Mutex
	err       error
	cancel    chan struct{}
	cancelled sync.Once
}

// Err returns the terminal error after C closes. A clean completion
// returns nil.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel stops the producer. Safe to call more than once and after the
// stream completed.
func (s *Stream) Cancel() {
	s.cancelled.Do(func() { close(s.cancel) })
}

// Collect drains the stream into one string, returning the terminal error
// if the stream failed mid-way.
func (s *Stream) Collect(ctx context.Context) (string, error) {
	var b strings.Builder
	for {
		select {
		case chunk, ok := <-s.C:
			if !ok {
				return b.String(), s.Err()
			}
			b.WriteString(chunk.Text)
		case <-ctx.Done():
			s.Cancel()
			return b.String(), a2aerr.From(ctx.Err(), "provider")
		}
	}
}

// StreamProducer is the provider side of a stream. Exactly one Close call
// ends the stream; Send after Close panics like any send on a closed
// channel would, so producers must sequence Close last.
type StreamProducer struct {
	ch   chan Chunk
	s    *Stream
	once sync.Once
}

// NewStream builds a connected consumer/producer pair. buf sizes the chunk
// channel; zero makes delivery fully synchronous.
func NewStream(buf int) (*Stream, *StreamProducer) {
	ch := make(chan Chunk, buf)
	s := &Stream{C: ch, cancel: make(chan struct{})}
	return s, &StreamProducer{ch: ch, s: s}
}

// Send delivers one chunk, giving up when the consumer cancelled or ctx
// ended.
func (p *StreamProducer) Send(ctx context.Context, chunk Chunk) error {
	select {
	case p.ch <- chunk:
		return nil
	case <-p.s.cancel:
		return a2aerr.New(a2aerr.TypeRouting, "stream cancelled by consumer").WithSource("provider").WithRetryable(false)
	case <-ctx.Done():
		return a2aerr.From(ctx.Err(), "provider")
	}
}

// Cancelled reports whether the consumer gave up on the stream.
func (p *StreamProducer) Cancelled() bool {
	select {
	case <-p.s.cancel:
		return true
	default:
		return false
	}
}

// Close ends the stream. A nil err marks a clean completion.
func (p *StreamProducer) Close(err error) {
	p.once.Do(func() {
		p.s.mu.Lock()
		p.s.err = err
		p.s.mu.Unlock()
		close(p.ch)
	})
}
