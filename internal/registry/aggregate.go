package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/a2a-fabric/internal/schema"
	"github.com/nulpointcorp/a2a-fabric/internal/value"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// AggregationStrategy selects how an aggregated capability fans out.
type AggregationStrategy string

const (
	// AggregateMerge invokes every component in parallel with the same
	// params; all must succeed.
	AggregateMerge AggregationStrategy = "merge"
	// AggregateCompose invokes components in order, threading object
	// outputs into the next component's params.
	AggregateCompose AggregationStrategy = "compose"
	// AggregateOverlay tries components in order and returns the first
	// success.
	AggregateOverlay AggregationStrategy = "overlay"
)

// CreateAggregation synthesizes one capability from several registered ones
// and registers it under name. The synthesized parameter schema is the union
// of the component schemas (compose also unions the required fields), its
// performance envelope is the average latency, the highest resource tier and
// the conjunction of cacheability, and its security gate is the maximum
// trust plus the union of required capabilities. The result of an invocation
// wraps each contributing component's output under its id.
func (r *Registry) CreateAggregation(ids []string, name string, strategy AggregationStrategy) (Registration, error) {
	if name == "" {
		return Registration{}, a2aerr.New(a2aerr.TypeValidation, "aggregation name must not be empty").WithSource("registry")
	}
	if len(ids) < 2 {
		return Registration{}, a2aerr.Newf(a2aerr.TypeValidation, "aggregation %s needs at least two capabilities", name).WithSource("registry")
	}
	switch strategy {
	case AggregateMerge, AggregateCompose, AggregateOverlay:
	default:
		return Registration{}, a2aerr.Newf(a2aerr.TypeValidation, "aggregation %s: unknown strategy %q", name, strategy).WithSource("registry")
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return Registration{}, a2aerr.Newf(a2aerr.TypeValidation, "aggregation %s lists capability %s twice", name, id).WithSource("registry")
		}
		seen[id] = struct{}{}
	}

	r.mu.RLock()
	components := make([]Capability, 0, len(ids))
	for _, id := range ids {
		reg, ok := r.regs[id]
		if !ok {
			r.mu.RUnlock()
			return Registration{}, a2aerr.Newf(a2aerr.TypeCapabilityNotFound, "aggregation %s references unregistered capability %s", name, id).
				WithSource("registry")
		}
		components = append(components, reg.Capability)
	}
	r.mu.RUnlock()

	agg := synthesize(name, strategy, ids, components)
	inv := &aggregateInvoker{
		registry: r,
		ids:      append([]string(nil), ids...),
		strategy: strategy,
		caller: Caller{
			ID:    "aggregate:" + name,
			Trust: agg.Security.MinTrust,
			Held:  append([]string(nil), agg.Security.RequiredCapabilities...),
		},
	}
	metadata := map[string]string{
		"aggregation_strategy":   string(strategy),
		"aggregation_components": strings.Join(ids, ","),
	}
	if err := r.Register(name, agg, inv, metadata); err != nil {
		return Registration{}, err
	}
	reg, _ := r.Get(name)
	return reg, nil
}

// synthesize folds the component capabilities into one descriptor.
func synthesize(name string, strategy AggregationStrategy, ids []string, components []Capability) Capability {
	props := make(map[string]*schema.Schema)
	var required []string
	var (
		latencySum float64
		maxTier    ResourceTier
		cacheable  = true
		maxTrust   TrustLevel
		reqCaps    []string
		tags       []string
	)
	for _, c := range components {
		if c.Parameters != nil {
			// Later components shadow duplicate property names.
			for prop, sub := range c.Parameters.Properties {
				props[prop] = sub.Clone()
			}
			if strategy == AggregateCompose {
				required = mergeNames(required, c.Parameters.Required)
			}
		}
		latencySum += c.Performance.AvgLatencyMs
		if c.Performance.ResourceUsage > maxTier {
			maxTier = c.Performance.ResourceUsage
		}
		cacheable = cacheable && c.Performance.Cacheable
		if c.Security.MinTrust > maxTrust {
			maxTrust = c.Security.MinTrust
		}
		reqCaps = mergeNames(reqCaps, c.Security.RequiredCapabilities)
		tags = mergeNames(tags, c.Tags)
	}

	return Capability{
		Name:        name,
		Version:     "1.0.0",
		Description: fmt.Sprintf("%s aggregation of %s", strategy, strings.Join(ids, ", ")),
		Parameters:  &schema.Schema{Type: schema.TypeObject, Properties: props, Required: required},
		Security: SecuritySpec{
			MinTrust:             maxTrust,
			RequiredCapabilities: reqCaps,
		},
		Performance: PerformanceSpec{
			AvgLatencyMs:  latencySum / float64(len(components)),
			ResourceUsage: maxTier,
			Cacheable:     cacheable,
		},
		Tags: tags,
	}
}

// aggregateInvoker fans an invocation out over the component capabilities.
// It re-enters Registry.Invoke so component gates, validation and usage
// stats stay live even when a component is re-registered later.
type aggregateInvoker struct {
	registry *Registry
	ids      []string
	strategy AggregationStrategy
	caller   Caller
}

func (a *aggregateInvoker) Invoke(ctx context.Context, params value.Object) (value.Value, error) {
	switch a.strategy {
	case AggregateCompose:
		return a.compose(ctx, params)
	case AggregateOverlay:
		return a.overlay(ctx, params)
	default:
		return a.merge(ctx, params)
	}
}

func (a *aggregateInvoker) merge(ctx context.Context, params value.Object) (value.Value, error) {
	var mu sync.Mutex
	out := make(value.Object, len(a.ids))

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range a.ids {
		g.Go(func() error {
			res, err := a.registry.Invoke(gctx, id, params, a.caller)
			if err != nil {
				return err
			}
			mu.Lock()
			out[id] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return value.Null(), err
	}
	return value.Obj(out), nil
}

func (a *aggregateInvoker) compose(ctx context.Context, params value.Object) (value.Value, error) {
	state := params.Clone()
	out := make(value.Object, len(a.ids))
	for _, id := range a.ids {
		res, err := a.registry.Invoke(ctx, id, state, a.caller)
		if err != nil {
			return value.Null(), err
		}
		out[id] = res
		if obj, ok := res.AsObject(); ok {
			state = value.Merge(state, obj)
		}
	}
	return value.Obj(out), nil
}

func (a *aggregateInvoker) overlay(ctx context.Context, params value.Object) (value.Value, error) {
	var lastErr error
	for _, id := range a.ids {
		res, err := a.registry.Invoke(ctx, id, params, a.caller)
		if err == nil {
			return value.Obj(value.Object{id: res}), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return value.Null(), lastErr
}
