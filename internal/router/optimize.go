package router

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/provider"
)

const (
	// minAdaptedTimeout floors the predictor-derived deadline so cold
	// predictions cannot strangle a request.
	minAdaptedTimeout = 2 * time.Second
	// timeoutHeadroom scales the predicted latency into a deadline.
	timeoutHeadroom = 2
)

// tierTokenCaps clamps maxTokens for tiers below enterprise. Enterprise
// and ultra stay uncapped.
var tierTokenCaps = map[provider.Tier]int{
	provider.TierFree: 1024,
	provider.TierPro:  4096,
}

// reasoningMarkers are prompt substrings that suggest the caller wants a
// worked-through answer rather than a quick completion.
var reasoningMarkers = []string{
	"step by step",
	"explain",
	"reason",
	"prove",
	"derive",
	"analyze",
	"why",
}

// optimizeRequest returns a copy of req with tier token caps applied and a
// reasoning-preference annotation attached when the prompt reads like an
// analysis request. The prompt text itself is never touched.
func (rt *Router) optimizeRequest(req *provider.Request) *provider.Request {
	out := req.Clone()

	if c, ok := tierTokenCaps[out.Tier]; ok && out.MaxTokens > c {
		rt.log.Debug("max_tokens_clamped",
			slog.String("tier", string(out.Tier)),
			slog.Int("from", out.MaxTokens),
			slog.Int("to", c),
		)
		out.MaxTokens = c
	}

	if wantsReasoning(out.Prompt) {
		if out.Metadata == nil {
			out.Metadata = make(map[string]string, 1)
		}
		out.Metadata["reasoningMode"] = "analytical"
	}
	return out
}

// adaptTimeout derives a deadline from the latency predictor. The adapted
// deadline never extends one already on ctx. Without a predictor or a
// usable prediction the context passes through untouched.
func (rt *Router) adaptTimeout(ctx context.Context, req *provider.Request) (context.Context, context.CancelFunc) {
	if rt.predictor == nil {
		return ctx, func() {}
	}
	pred := rt.predictor.Predict(len(req.Prompt), len(req.Multimodal) > 0, req.MaxTokens)
	if pred <= 0 {
		return ctx, func() {}
	}
	budget := pred * timeoutHeadroom
	if budget < minAdaptedTimeout {
		budget = minAdaptedTimeout
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= budget {
		return ctx, func() {}
	}
	rt.log.Debug("timeout_adapted",
		slog.Duration("predicted", pred),
		slog.Duration("budget", budget),
	)
	return context.WithTimeout(ctx, budget)
}

// wantsReasoning reports whether the prompt reads like a request for
// analysis. Pure substring scan over the lowercased prompt.
func wantsReasoning(prompt string) bool {
	p := strings.ToLower(prompt)
	for _, kw := range reasoningMarkers {
		if strings.Contains(p, kw) {
			return true
		}
	}
	return false
}
