package shell

import (
	"context"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/provider"
)

// Observed wraps p so every call feeds the health tracker and the latency
// predictor. Either collector may be nil.
func Observed(p provider.Provider, health *HealthTracker, pred *Predictor) provider.Provider {
	return &observedProvider{p: p, health: health, pred: pred}
}

type observedProvider struct {
	p      provider.Provider
	health *HealthTracker
	pred   *Predictor
}

func (o *observedProvider) Name() string                          { return o.p.Name() }
func (o *observedProvider) Descriptor() provider.Descriptor       { return o.p.Descriptor() }
func (o *observedProvider) HealthCheck(ctx context.Context) error { return o.p.HealthCheck(ctx) }

func (o *observedProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	resp, err := o.p.Generate(ctx, req)
	elapsed := time.Since(start)

	if o.health != nil {
		o.health.Observe(o.p.Name(), elapsed, err)
	}
	if o.pred != nil && err == nil {
		o.pred.Observe(len(req.Prompt), len(req.Multimodal) > 0, req.MaxTokens, elapsed)
	}
	if resp != nil && resp.Latency == 0 {
		resp.Latency = elapsed
	}
	return resp, err
}

// GenerateStream observes the open latency only; chunk delivery runs on the
// consumer's schedule and is not attributed to the provider.
func (o *observedProvider) GenerateStream(ctx context.Context, req *provider.Request) (*provider.Stream, error) {
	start := time.Now()
	s, err := o.p.GenerateStream(ctx, req)
	if o.health != nil {
		o.health.Observe(o.p.Name(), time.Since(start), err)
	}
	return s, err
}
