package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/registry"
	"github.com/nulpointcorp/a2a-fabric/internal/value"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// CapabilityOptions configure a registry-backed provider.
type CapabilityOptions struct {
	// Name is the provider id. Default: "capability".
	Name string
	// Caller is the principal invocations run as.
	Caller registry.Caller
	// Descriptor overrides the advertised economics. Zero keeps defaults.
	Descriptor Descriptor
	// Probe names a capability HealthCheck verifies is active. Empty skips
	// the lookup.
	Probe string
}

// Capability dresses the capability registry as a generation backend:
// req.Model names the capability and the sampling parameters ride along in
// the invocation object. The registry's own gates and usage accounting
// apply unchanged.
type Capability struct {
	reg    *registry.Registry
	name   string
	caller registry.Caller
	desc   Descriptor
	probe  string
}

// NewCapability builds a registry-backed provider. reg must not be nil.
func NewCapability(reg *registry.Registry, opts CapabilityOptions) *Capability {
	if reg == nil {
		panic("provider: nil registry")
	}
	name := opts.Name
	if name == "" {
		name = "capability"
	}
	desc := opts.Descriptor
	if desc.ID == "" {
		desc.ID = name
	}
	if desc.QualityScore == 0 {
		desc.QualityScore = 0.5
	}
	return &Capability{reg: reg, name: name, caller: opts.Caller, desc: desc, probe: opts.Probe}
}

func (c *Capability) Name() string           { return c.name }
func (c *Capability) Descriptor() Descriptor { return c.desc }

func (c *Capability) Generate(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.Model == "" {
		return nil, a2aerr.New(a2aerr.TypeValidation, "capability provider needs req.Model naming a capability").
			WithSource("provider")
	}

	params := value.Object{"prompt": value.String(req.Prompt)}
	if req.MaxTokens > 0 {
		params["maxTokens"] = value.Int(req.MaxTokens)
	}
	if req.Temperature > 0 {
		params["temperature"] = value.Number(req.Temperature)
	}
	if req.TopP > 0 {
		params["topP"] = value.Number(req.TopP)
	}
	if req.TopK > 0 {
		params["topK"] = value.Int(req.TopK)
	}
	if len(req.Stop) > 0 {
		stops := make([]value.Value, len(req.Stop))
		for i, s := range req.Stop {
			stops[i] = value.String(s)
		}
		params["stop"] = value.Array(stops...)
	}

	start := time.Now()
	out, err := c.reg.Invoke(ctx, req.Model, params, c.caller)
	if err != nil {
		return nil, err
	}

	content, ok := out.AsString()
	if !ok {
		raw, err := json.Marshal(out)
		if err != nil {
			return nil, a2aerr.Wrap(a2aerr.TypeSerialization, err, "encode capability result").WithSource("provider")
		}
		content = string(raw)
	}

	return &Response{
		Provider: c.name,
		Model:    req.Model,
		Content:  content,
		Usage: Usage{
			PromptTokens:     EstimateTokens(req.Prompt),
			CompletionTokens: EstimateTokens(content),
			TotalTokens:      EstimateTokens(req.Prompt) + EstimateTokens(content),
		},
		FinishReason: "stop",
		Latency:      time.Since(start),
	}, nil
}

// GenerateStream runs the capability to completion and emits the result as
// a single chunk; capability invocations have no incremental output.
func (c *Capability) GenerateStream(ctx context.Context, req *Request) (*Stream, error) {
	resp, err := c.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	s, prod := NewStream(1)
	_ = prod.Send(ctx, Chunk{Text: resp.Content, FinishReason: resp.FinishReason})
	prod.Close(nil)
	return s, nil
}

func (c *Capability) HealthCheck(context.Context) error {
	if c.probe == "" {
		return nil
	}
	reg, ok := c.reg.Get(c.probe)
	if !ok {
		return a2aerr.Newf(a2aerr.TypeAgentUnavailable, "probe capability %s is not registered", c.probe).
			WithSource("provider")
	}
	if reg.Status == registry.StatusDisabled || reg.Status == registry.StatusMaintenance {
		return a2aerr.Newf(a2aerr.TypeAgentUnavailable, "probe capability %s is %s", c.probe, reg.Status).
			WithSource("provider")
	}
	return nil
}
