package router

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/provider"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

func collectChunks(t *testing.T, s *provider.Stream) []provider.Chunk {
	t.Helper()
	var out []provider.Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-s.C:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not close in time")
		}
	}
}

func TestGenerateStreamHappyPath(t *testing.T) {
	p := &fakeProvider{name: "p"}
	p.stream = func(ctx context.Context, _ *provider.Request) (*provider.Stream, error) {
		s, prod := provider.NewStream(4)
		go func() {
			_ = prod.Send(ctx, provider.Chunk{Index: 0, Text: "hel"})
			_ = prod.Send(ctx, provider.Chunk{Index: 1, Text: "lo"})
			_ = prod.Send(ctx, provider.Chunk{Index: 2, Text: "!", FinishReason: "stop"})
			prod.Close(nil)
		}()
		return s, nil
	}

	rt := newTestRouter(t, map[string]provider.Provider{"p": p}, Options{})
	s, err := rt.GenerateStream(context.Background(), &provider.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	chunks := collectChunks(t, s)
	if s.Err() != nil {
		t.Fatalf("stream error: %v", s.Err())
	}
	var b strings.Builder
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d carries index %d", i, c.Index)
		}
		b.WriteString(c.Text)
	}
	if b.String() != "hello!" {
		t.Fatalf("unexpected content %q", b.String())
	}
	if chunks[len(chunks)-1].FinishReason != "stop" {
		t.Fatal("final chunk should carry the finish reason")
	}
}

func TestStreamRecoveryResumesAfterError(t *testing.T) {
	var opens int32
	attemptSeen := int32(-1)

	p := &fakeProvider{name: "p"}
	p.stream = func(ctx context.Context, req *provider.Request) (*provider.Stream, error) {
		n := atomic.AddInt32(&opens, 1)
		s, prod := provider.NewStream(4)
		if n == 1 {
			go func() {
				_ = prod.Send(ctx, provider.Chunk{Index: 0, Text: "ab"})
				prod.Close(err503())
			}()
			return s, nil
		}
		atomic.StoreInt32(&attemptSeen, int32(req.Attempt))
		go func() {
			_ = prod.Send(ctx, provider.Chunk{Index: 0, Text: "cd"})
			_ = prod.Send(ctx, provider.Chunk{Index: 1, Text: "!", FinishReason: "stop"})
			prod.Close(nil)
		}()
		return s, nil
	}

	rt := newTestRouter(t, map[string]provider.Provider{"p": p}, Options{})
	rt.reconnectDelay = time.Millisecond

	s, err := rt.GenerateStream(context.Background(), &provider.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	chunks := collectChunks(t, s)
	if s.Err() != nil {
		t.Fatalf("recovered stream should close cleanly, got %v", s.Err())
	}
	if atomic.LoadInt32(&opens) != 2 {
		t.Fatalf("expected 2 stream opens, got %d", opens)
	}
	if atomic.LoadInt32(&attemptSeen) != 1 {
		t.Fatalf("reconnect should carry attempt=1, got %d", attemptSeen)
	}

	var b strings.Builder
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("indexes must stay continuous across reconnects, chunk %d has %d", i, c.Index)
		}
		b.WriteString(c.Text)
	}
	if b.String() != "abcd!" {
		t.Fatalf("unexpected content %q", b.String())
	}
}

func TestStreamRecoveryExhausted(t *testing.T) {
	var opens int32
	p := &fakeProvider{name: "p"}
	p.stream = func(ctx context.Context, _ *provider.Request) (*provider.Stream, error) {
		n := atomic.AddInt32(&opens, 1)
		s, prod := provider.NewStream(4)
		go func() {
			_ = prod.Send(ctx, provider.Chunk{Index: 0, Text: fmt.Sprintf("part%d", n)})
			prod.Close(err503())
		}()
		return s, nil
	}

	rt := newTestRouter(t, map[string]provider.Provider{"p": p}, Options{})
	rt.reconnectDelay = time.Millisecond

	s, err := rt.GenerateStream(context.Background(), &provider.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	chunks := collectChunks(t, s)
	wantErrType(t, s.Err(), a2aerr.TypeAgentUnavailable)

	// Initial open plus maxReconnects recovery attempts.
	if got := atomic.LoadInt32(&opens); got != int32(rt.maxReconnects)+1 {
		t.Fatalf("expected %d opens, got %d", rt.maxReconnects+1, got)
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d carries index %d", i, c.Index)
		}
		if c.Text != fmt.Sprintf("part%d", i+1) {
			t.Fatalf("chunk %d carries %q", i, c.Text)
		}
	}
}

func TestStreamNonRetryableAborts(t *testing.T) {
	var opens int32
	p := &fakeProvider{name: "p"}
	p.stream = func(ctx context.Context, _ *provider.Request) (*provider.Stream, error) {
		atomic.AddInt32(&opens, 1)
		s, prod := provider.NewStream(4)
		go func() {
			_ = prod.Send(ctx, provider.Chunk{Index: 0, Text: "x"})
			prod.Close(a2aerr.New(a2aerr.TypeValidation, "bad frame").WithSource("test"))
		}()
		return s, nil
	}

	rt := newTestRouter(t, map[string]provider.Provider{"p": p}, Options{})
	rt.reconnectDelay = time.Millisecond

	s, err := rt.GenerateStream(context.Background(), &provider.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	collectChunks(t, s)
	wantErrType(t, s.Err(), a2aerr.TypeValidation)
	if got := atomic.LoadInt32(&opens); got != 1 {
		t.Fatalf("non-retryable stream errors must not reconnect, opens=%d", got)
	}
}

func TestStreamOpenFallsBack(t *testing.T) {
	a := &fakeProvider{name: "a"}
	a.stream = func(context.Context, *provider.Request) (*provider.Stream, error) {
		return nil, err503()
	}
	b := &fakeProvider{name: "b"}

	rt := newTestRouter(t, map[string]provider.Provider{"a": a, "b": b}, Options{
		Router: config.RouterConfig{
			MaxRetries:     2,
			RetryBaseDelay: time.Millisecond,
			FallbackChain:  []string{"b"},
		},
	})

	s, err := rt.GenerateStream(context.Background(), &provider.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	chunks := collectChunks(t, s)
	if s.Err() != nil {
		t.Fatalf("stream error: %v", s.Err())
	}
	if len(chunks) != 1 || chunks[0].Text != "ok from b" {
		t.Fatalf("expected b to serve the stream, got %+v", chunks)
	}
	if atomic.LoadInt32(&a.streamCalls) != 1 || atomic.LoadInt32(&b.streamCalls) != 1 {
		t.Fatalf("expected one open per provider, got a=%d b=%d", a.streamCalls, b.streamCalls)
	}
}

func TestStreamConsumerCancelStopsRelay(t *testing.T) {
	p := &fakeProvider{name: "p"}
	p.stream = func(ctx context.Context, _ *provider.Request) (*provider.Stream, error) {
		s, prod := provider.NewStream(0)
		go func() {
			for i := 0; ; i++ {
				if err := prod.Send(ctx, provider.Chunk{Index: i, Text: "x"}); err != nil {
					prod.Close(err)
					return
				}
			}
		}()
		return s, nil
	}

	rt := newTestRouter(t, map[string]provider.Provider{"p": p}, Options{})

	s, err := rt.GenerateStream(context.Background(), &provider.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	<-s.C
	s.Cancel()

	drained := 1
	timeout := time.After(5 * time.Second)
loop:
	for {
		select {
		case _, ok := <-s.C:
			if !ok {
				break loop
			}
			drained++
		case <-timeout:
			t.Fatal("relay did not stop after consumer cancel")
		}
	}
	if s.Err() == nil {
		t.Fatal("cancelled stream should close with an error")
	}
	if drained > 100 {
		t.Fatalf("relay kept pumping after cancel, drained %d chunks", drained)
	}
}

func TestGenerateStreamValidates(t *testing.T) {
	rt := newTestRouter(t, map[string]provider.Provider{"p": &fakeProvider{name: "p"}}, Options{})

	_, err := rt.GenerateStream(context.Background(), &provider.Request{})
	wantErrType(t, err, a2aerr.TypeValidation)

	rt = newTestRouter(t, nil, Options{})
	_, err = rt.GenerateStream(context.Background(), &provider.Request{Prompt: "hi"})
	wantErrType(t, err, a2aerr.TypeRouting)
}
