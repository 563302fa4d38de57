package router

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/cache"
	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/metrics"
	"github.com/nulpointcorp/a2a-fabric/internal/provider"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// fakeProvider is a scriptable Provider double. Zero-value behavior
// returns a canned successful response and a one-chunk stream.
type fakeProvider struct {
	name     string
	desc     provider.Descriptor
	generate func(ctx context.Context, req *provider.Request) (*provider.Response, error)
	stream   func(ctx context.Context, req *provider.Request) (*provider.Stream, error)

	calls       int32
	streamCalls int32
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Descriptor() provider.Descriptor {
	d := p.desc
	if d.ID == "" {
		d.ID = p.name
	}
	return d
}

func (p *fakeProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.generate != nil {
		return p.generate(ctx, req)
	}
	return &provider.Response{Provider: p.name, Content: "ok from " + p.name, FinishReason: "stop"}, nil
}

func (p *fakeProvider) GenerateStream(ctx context.Context, req *provider.Request) (*provider.Stream, error) {
	atomic.AddInt32(&p.streamCalls, 1)
	if p.stream != nil {
		return p.stream(ctx, req)
	}
	s, prod := provider.NewStream(4)
	go func() {
		_ = prod.Send(ctx, provider.Chunk{Index: 0, Text: "ok from " + p.name})
		prod.Close(nil)
	}()
	return s, nil
}

func (p *fakeProvider) HealthCheck(context.Context) error { return nil }

// fakeHealth scripts the health view. Unlisted providers read healthy
// with no observations.
type fakeHealth struct {
	unhealthy map[string]bool
	latency   map[string]time.Duration
	errRate   map[string]float64
}

func (h *fakeHealth) Healthy(name string) bool             { return !h.unhealthy[name] }
func (h *fakeHealth) AvgLatency(name string) time.Duration { return h.latency[name] }
func (h *fakeHealth) ErrorRate(name string) float64        { return h.errRate[name] }

// fakeBreaker scripts the breaker gate and records outcomes.
type fakeBreaker struct {
	open      map[string]bool
	successes []string
	failures  []string
}

func (b *fakeBreaker) Allow(name string) bool    { return !b.open[name] }
func (b *fakeBreaker) RecordSuccess(name string) { b.successes = append(b.successes, name) }
func (b *fakeBreaker) RecordFailure(name string) { b.failures = append(b.failures, name) }
func (b *fakeBreaker) StateLabel(name string) string {
	if b.open[name] {
		return "open"
	}
	return "closed"
}

func newTestRouter(t *testing.T, provs map[string]provider.Provider, opts Options) *Router {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return New(provs, opts)
}

func wantErrType(t *testing.T, err error, typ string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", typ)
	}
	if got := a2aerr.Classify(err); got != typ {
		t.Fatalf("expected %s error, got %s (%v)", typ, got, err)
	}
}

// err503 builds the retryable upstream failure used across these tests.
func err503() error {
	return a2aerr.New(a2aerr.TypeAgentUnavailable, "upstream 503").
		WithSource("test").
		WithHTTPStatus(503)
}

func TestGenerateValidatesRequest(t *testing.T) {
	rt := newTestRouter(t, map[string]provider.Provider{
		"a": &fakeProvider{name: "a"},
	}, Options{})

	_, err := rt.Generate(context.Background(), &provider.Request{})
	wantErrType(t, err, a2aerr.TypeValidation)
}

func TestGenerateNoProviders(t *testing.T) {
	rt := newTestRouter(t, nil, Options{})

	_, err := rt.Generate(context.Background(), &provider.Request{Prompt: "hi"})
	wantErrType(t, err, a2aerr.TypeRouting)
}

func TestGenerateRoutesToRankedProvider(t *testing.T) {
	a := &fakeProvider{name: "a", desc: provider.Descriptor{QualityScore: 0.9}}
	b := &fakeProvider{name: "b", desc: provider.Descriptor{QualityScore: 0.2}}
	rt := newTestRouter(t, map[string]provider.Provider{"a": a, "b": b}, Options{
		Router: config.RouterConfig{Strategy: StrategyQuality},
	})

	resp, err := rt.Generate(context.Background(), &provider.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Provider != "a" {
		t.Fatalf("expected provider a, got %s", resp.Provider)
	}
	if atomic.LoadInt32(&b.calls) != 0 {
		t.Fatalf("provider b should not have been called")
	}
}

func TestGenerateCachesResponses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &fakeProvider{name: "a"}
	rt := newTestRouter(t, map[string]provider.Provider{"a": a}, Options{
		Cache:    cache.NewMemoryCache(ctx, 16),
		CacheCfg: config.CacheConfig{TTL: time.Minute, KeyStrategy: KeyExact},
	})

	req := &provider.Request{Prompt: "what is 2+2", MaxTokens: 8}

	first, err := rt.Generate(ctx, req)
	if err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	if first.Cached {
		t.Fatal("first response should not be cached")
	}

	second, err := rt.Generate(ctx, req)
	if err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if !second.Cached {
		t.Fatal("second response should come from the cache")
	}
	if second.Content != first.Content || second.Provider != first.Provider {
		t.Fatalf("cached response differs: %+v vs %+v", second, first)
	}
	if got := atomic.LoadInt32(&a.calls); got != 1 {
		t.Fatalf("provider should be called once, got %d", got)
	}

	// A different prompt misses.
	if _, err := rt.Generate(ctx, &provider.Request{Prompt: "what is 3+3", MaxTokens: 8}); err != nil {
		t.Fatalf("third Generate: %v", err)
	}
	if got := atomic.LoadInt32(&a.calls); got != 2 {
		t.Fatalf("different prompt should miss, calls=%d", got)
	}
}

func TestGenerateStreamingFlagBypassesCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &fakeProvider{name: "a"}
	rt := newTestRouter(t, map[string]provider.Provider{"a": a}, Options{
		Cache:    cache.NewMemoryCache(ctx, 16),
		CacheCfg: config.CacheConfig{TTL: time.Minute},
	})

	req := &provider.Request{Prompt: "hi", Stream: true}
	for i := 0; i < 2; i++ {
		resp, err := rt.Generate(ctx, req)
		if err != nil {
			t.Fatalf("Generate %d: %v", i, err)
		}
		if resp.Cached {
			t.Fatal("streaming requests must never be served from cache")
		}
	}
	if got := atomic.LoadInt32(&a.calls); got != 2 {
		t.Fatalf("expected 2 provider calls, got %d", got)
	}
}

func TestGenerateCacheExclusions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	excl, err := cache.NewExclusionList([]string{"volatile.model"}, nil)
	if err != nil {
		t.Fatalf("NewExclusionList: %v", err)
	}

	a := &fakeProvider{name: "a"}
	rt := newTestRouter(t, map[string]provider.Provider{"a": a}, Options{
		Cache:      cache.NewMemoryCache(ctx, 16),
		CacheCfg:   config.CacheConfig{TTL: time.Minute},
		Exclusions: excl,
	})

	req := &provider.Request{Model: "volatile.model", Prompt: "hi"}
	for i := 0; i < 2; i++ {
		if _, err := rt.Generate(ctx, req); err != nil {
			t.Fatalf("Generate %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&a.calls); got != 2 {
		t.Fatalf("excluded model must bypass the cache, calls=%d", got)
	}
}

func TestDecideHonorsPreferred(t *testing.T) {
	a := &fakeProvider{name: "a", desc: provider.Descriptor{QualityScore: 0.9}}
	b := &fakeProvider{name: "b", desc: provider.Descriptor{QualityScore: 0.1}}
	rt := newTestRouter(t, map[string]provider.Provider{"a": a, "b": b}, Options{
		Router: config.RouterConfig{Strategy: StrategyQuality},
	})

	dec, err := rt.Decide(&provider.Request{Prompt: "hi", Preferred: "b"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Provider != "b" || dec.Reason != "preferred" {
		t.Fatalf("expected preferred b, got %s (%s)", dec.Provider, dec.Reason)
	}
	if dec.Ranked[0].Provider != "b" {
		t.Fatalf("preferred provider should lead the ranking, got %v", dec.Ranked)
	}
}

func TestDecidePreferredUnhealthyIgnored(t *testing.T) {
	a := &fakeProvider{name: "a", desc: provider.Descriptor{QualityScore: 0.9}}
	b := &fakeProvider{name: "b", desc: provider.Descriptor{QualityScore: 0.1}}
	rt := newTestRouter(t, map[string]provider.Provider{"a": a, "b": b}, Options{
		Router: config.RouterConfig{Strategy: StrategyQuality},
		Health: &fakeHealth{unhealthy: map[string]bool{"b": true}},
	})

	dec, err := rt.Decide(&provider.Request{Prompt: "hi", Preferred: "b"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Provider != "a" || dec.Reason != "score" {
		t.Fatalf("unhealthy preference should fall back to scoring, got %s (%s)", dec.Provider, dec.Reason)
	}
}

func TestDecideUnknownPreferredIgnored(t *testing.T) {
	a := &fakeProvider{name: "a"}
	rt := newTestRouter(t, map[string]provider.Provider{"a": a}, Options{})

	dec, err := rt.Decide(&provider.Request{Prompt: "hi", Preferred: "ghost"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Provider != "a" || dec.Reason != "score" {
		t.Fatalf("unknown preference must not leak into the decision, got %s (%s)", dec.Provider, dec.Reason)
	}
}

func TestGenerateOptimizeEndToEnd(t *testing.T) {
	var seen *provider.Request
	a := &fakeProvider{
		name: "a",
		generate: func(_ context.Context, req *provider.Request) (*provider.Response, error) {
			seen = req
			return &provider.Response{Provider: "a", Content: "done"}, nil
		},
	}
	rt := newTestRouter(t, map[string]provider.Provider{"a": a}, Options{
		Router: config.RouterConfig{OptimizeRequests: true},
	})

	req := &provider.Request{
		Prompt:    "Explain why tides happen",
		MaxTokens: 99999,
		Tier:      provider.TierFree,
	}
	if _, err := rt.Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if seen.MaxTokens != 1024 {
		t.Fatalf("free tier maxTokens should clamp to 1024, got %d", seen.MaxTokens)
	}
	if seen.Metadata["reasoningMode"] != "analytical" {
		t.Fatalf("expected reasoning annotation, got %v", seen.Metadata)
	}
	if seen.Prompt != req.Prompt {
		t.Fatal("optimization must never alter the prompt")
	}
	if req.MaxTokens != 99999 || req.Metadata != nil {
		t.Fatal("the caller's request must not be mutated")
	}
}

func TestRouterHealthSnapshot(t *testing.T) {
	provs := map[string]provider.Provider{
		"a": &fakeProvider{name: "a"},
		"b": &fakeProvider{name: "b"},
	}
	rt := newTestRouter(t, provs, Options{
		Health:  &fakeHealth{unhealthy: map[string]bool{"b": true}},
		Breaker: &fakeBreaker{open: map[string]bool{"a": true}},
	})

	rows := rt.Health()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Provider != "a" || !rows[0].Healthy || rows[0].Breaker != "open" {
		t.Fatalf("unexpected row for a: %+v", rows[0])
	}
	if rows[1].Provider != "b" || rows[1].Healthy || rows[1].Breaker != "closed" {
		t.Fatalf("unexpected row for b: %+v", rows[1])
	}
}

func TestGenerateWithMetricsRegistry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &fakeProvider{name: "a"}
	rt := newTestRouter(t, map[string]provider.Provider{"a": a}, Options{
		Cache:    cache.NewMemoryCache(ctx, 4),
		CacheCfg: config.CacheConfig{TTL: time.Minute},
		Metrics:  metrics.New(),
	})

	req := &provider.Request{Prompt: "hi"}
	for i := 0; i < 2; i++ {
		if _, err := rt.Generate(ctx, req); err != nil {
			t.Fatalf("Generate %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&a.calls); got != 1 {
		t.Fatalf("second call should hit the cache, calls=%d", got)
	}
}
