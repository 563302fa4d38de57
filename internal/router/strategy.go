package router

import (
	"sort"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/provider"
)

// Routing strategies. Each weighs the same four score components
// differently; balanced weighs them equally.
const (
	StrategyLatency  = "latency"
	StrategyCost     = "cost"
	StrategyQuality  = "quality"
	StrategyBalanced = "balanced"
)

// weights splits the unit score across the four components.
type weights struct {
	latency float64
	cost    float64
	quality float64
	health  float64
}

var strategyWeights = map[string]weights{
	StrategyLatency:  {latency: 0.6, cost: 0.1, quality: 0.1, health: 0.2},
	StrategyCost:     {latency: 0.1, cost: 0.6, quality: 0.1, health: 0.2},
	StrategyQuality:  {latency: 0.1, cost: 0.1, quality: 0.6, health: 0.2},
	StrategyBalanced: {latency: 0.25, cost: 0.25, quality: 0.25, health: 0.25},
}

// rank scores every provider able to serve req and sorts best-first.
// Equal scores order by provider id so the decision is deterministic.
func (rt *Router) rank(req *provider.Request) []RankedProvider {
	needsMM := len(req.Multimodal) > 0

	// The cost score is relative: find the cheapest priced candidate first.
	minCost := 0.0
	for _, id := range rt.order {
		d := rt.providers[id].Descriptor()
		if needsMM && !d.Multimodal {
			continue
		}
		if d.CostPer1K > 0 && (minCost == 0 || d.CostPer1K < minCost) {
			minCost = d.CostPer1K
		}
	}

	out := make([]RankedProvider, 0, len(rt.order))
	for _, id := range rt.order {
		d := rt.providers[id].Descriptor()
		if needsMM && !d.Multimodal {
			continue
		}
		out = append(out, RankedProvider{Provider: id, Score: rt.score(req, id, d, minCost)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

func (rt *Router) score(req *provider.Request, id string, d provider.Descriptor, minCost float64) float64 {
	w := strategyWeights[rt.strategy]

	s := w.latency*rt.latencyScore(id) +
		w.cost*costScore(d.CostPer1K, minCost) +
		w.quality*clamp01(d.QualityScore) +
		w.health*rt.healthScore(id)

	return s * capacityFit(req, d)
}

// latencyScore maps observed average latency onto (0, 1): at the latency
// target a provider scores 0.5, faster scores higher. Providers with no
// observations score a neutral 0.5.
func (rt *Router) latencyScore(id string) float64 {
	if rt.health == nil {
		return 0.5
	}
	obs := rt.health.AvgLatency(id)
	if obs <= 0 {
		return 0.5
	}
	ref := rt.latencyTarget
	if ref <= 0 {
		ref = time.Second
	}
	return float64(ref) / float64(ref+obs)
}

// costScore is relative: the cheapest priced candidate scores 1.0 and a
// provider k times more expensive scores 1/k. Free providers score 1.0.
func costScore(cost, minCost float64) float64 {
	if cost <= 0 {
		return 1
	}
	if minCost <= 0 {
		return 1
	}
	return minCost / cost
}

func (rt *Router) healthScore(id string) float64 {
	if rt.health == nil {
		return 1
	}
	if !rt.health.Healthy(id) {
		return 0
	}
	return 1 - clamp01(rt.health.ErrorRate(id))
}

// capacityFit penalizes providers whose declared completion cap is smaller
// than the request likely needs and that lack the long-context flag. Soft
// on purpose: an oversized request on a short-context provider is still
// worth a try when nothing better ranks.
func capacityFit(req *provider.Request, d provider.Descriptor) float64 {
	if d.MaxTokens <= 0 || d.LongContext {
		return 1
	}
	need := provider.EstimateTokens(req.Prompt) + req.MaxTokens
	if need > d.MaxTokens {
		return 0.25
	}
	return 1
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
