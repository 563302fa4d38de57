// Package router selects a generation provider for each request and owns
// the delivery pipeline around that choice: fingerprint cache lookup,
// fallback chain with retry and backoff, a one-shot emergency provider,
// stream recovery, and optional pre-send request optimization.
//
// Key design constraints:
//   - Selection is deterministic: equal scores break ties by provider id.
//   - Cache, breaker, health view, and predictor are optional and nil-safe.
//   - Streaming responses are never cached.
//   - The caller's Request is never mutated; optimization works on a clone.
package router

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/cache"
	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/metrics"
	"github.com/nulpointcorp/a2a-fabric/internal/provider"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// Breaker gates provider attempts. Implemented by shell.CircuitBreaker;
// a nil Breaker lets every attempt through.
type Breaker interface {
	Allow(name string) bool
	RecordSuccess(name string)
	RecordFailure(name string)
	StateLabel(name string) string
}

// HealthView supplies observed provider health for scoring. Implemented by
// shell.HealthTracker. Unknown names report healthy with no observations.
type HealthView interface {
	Healthy(name string) bool
	AvgLatency(name string) time.Duration
	ErrorRate(name string) float64
}

// Predictor estimates completion latency for timeout adaptation.
// Implemented by shell.Predictor.
type Predictor interface {
	Predict(promptLen int, multimodal bool, maxTokens int) time.Duration
}

// RankedProvider is one row of a routing decision's ranking.
type RankedProvider struct {
	Provider string  `json:"provider"`
	Score    float64 `json:"score"`
}

// Decision is the outcome of provider selection for one request.
type Decision struct {
	Provider string           `json:"provider"`
	Strategy string           `json:"strategy"`
	Score    float64          `json:"score"`
	Reason   string           `json:"reason"`
	Ranked   []RankedProvider `json:"ranked"`
}

// Options bundles the router's collaborators and settings. Everything
// except the provider set is optional; zero values disable the feature.
type Options struct {
	// Router carries strategy, retry, and fallback settings. Zero values
	// use the defaults documented on config.RouterConfig.
	Router config.RouterConfig

	// CacheCfg controls fingerprinting and TTL; Cache is the backend.
	// A nil Cache disables response caching entirely.
	CacheCfg   config.CacheConfig
	Cache      cache.Cache
	Exclusions *cache.ExclusionList

	Breaker   Breaker
	Health    HealthView
	Predictor Predictor

	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry
}

// Router dispatches generation requests to the best available provider.
// Safe for concurrent use.
type Router struct {
	providers map[string]provider.Provider
	order     []string // provider ids, sorted, for deterministic iteration

	strategy      string
	latencyTarget time.Duration
	maxRetries    int
	backoffKind   string
	retryBase     time.Duration
	chain         []string
	emergency     string
	optimize      bool

	cache       cache.Cache
	cacheTTL    time.Duration
	keyStrategy string
	exclusions  *cache.ExclusionList

	breaker   Breaker
	health    HealthView
	predictor Predictor

	maxReconnects  int
	reconnectDelay time.Duration

	log     *slog.Logger
	metrics *metrics.Registry
}

const (
	defaultMaxRetries     = 3
	defaultRetryBase      = 200 * time.Millisecond
	defaultCacheTTL       = time.Hour
	defaultMaxReconnects  = 3
	defaultReconnectDelay = time.Second
)

// New builds a Router over the given providers, keyed by provider id.
// The map is not copied; callers must not mutate it afterwards.
func New(provs map[string]provider.Provider, opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	order := make([]string, 0, len(provs))
	for id := range provs {
		order = append(order, id)
	}
	sort.Strings(order)

	strategy := opts.Router.Strategy
	if _, ok := strategyWeights[strategy]; !ok {
		strategy = StrategyBalanced
	}
	maxRetries := opts.Router.MaxRetries
	if maxRetries < 1 {
		maxRetries = defaultMaxRetries
	}
	backoffKind := opts.Router.BackoffKind
	switch backoffKind {
	case BackoffLinear, BackoffExponential, BackoffFixed:
	default:
		backoffKind = BackoffExponential
	}
	retryBase := opts.Router.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}

	c := opts.Cache
	cacheTTL := opts.CacheCfg.TTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	keyStrategy := opts.CacheCfg.KeyStrategy
	switch keyStrategy {
	case KeyExact, KeySemantic, KeyHybrid:
	default:
		keyStrategy = KeyExact
	}

	return &Router{
		providers:      provs,
		order:          order,
		strategy:       strategy,
		latencyTarget:  time.Duration(opts.Router.LatencyTargetMs) * time.Millisecond,
		maxRetries:     maxRetries,
		backoffKind:    backoffKind,
		retryBase:      retryBase,
		chain:          opts.Router.FallbackChain,
		emergency:      opts.Router.EmergencyFallback,
		optimize:       opts.Router.OptimizeRequests,
		cache:          c,
		cacheTTL:       cacheTTL,
		keyStrategy:    keyStrategy,
		exclusions:     opts.Exclusions,
		breaker:        opts.Breaker,
		health:         opts.Health,
		predictor:      opts.Predictor,
		maxReconnects:  defaultMaxReconnects,
		reconnectDelay: defaultReconnectDelay,
		log:            log,
		metrics:        opts.Metrics,
	}
}

// Generate routes req to the best provider and returns its completion.
// Non-streaming responses are served from the fingerprint cache when a
// prior identical (or, under the semantic strategy, equivalent) request
// was answered within the TTL.
func (rt *Router) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if len(rt.providers) == 0 {
		return nil, a2aerr.New(a2aerr.TypeRouting, "no providers configured").WithSource("router")
	}

	dec, err := rt.Decide(req)
	if err != nil {
		return nil, err
	}

	served := dec.Provider
	status := "ok"
	defer func() {
		if rt.metrics != nil {
			rt.metrics.RecordRouteRequest(served, status)
		}
	}()

	// Cache lookup: non-streaming only, skip excluded models.
	eligible := !req.Stream && rt.cache != nil &&
		(rt.exclusions == nil || !rt.exclusions.Matches(req.Model))
	if !eligible {
		if rt.metrics != nil {
			rt.metrics.CacheGetBypass()
		}
	} else {
		if resp, ok := rt.cacheGet(ctx, req); ok {
			status = "cache_hit"
			served = resp.Provider
			rt.log.DebugContext(ctx, "cache_hit",
				slog.String("provider", resp.Provider),
				slog.String("model", req.Model),
			)
			return resp, nil
		}
		if rt.metrics != nil {
			rt.metrics.CacheGetMiss()
		}
	}

	runReq := req
	if rt.optimize {
		runReq = rt.optimizeRequest(req)
		var cancel context.CancelFunc
		ctx, cancel = rt.adaptTimeout(ctx, runReq)
		defer cancel()
	}

	resp, used, err := rt.generateWithFallback(ctx, runReq, dec.Provider)
	if err != nil {
		status = a2aerr.Classify(err)
		return nil, err
	}
	served = used

	if eligible {
		rt.cacheSet(ctx, req, resp)
	}
	return resp, nil
}

// Decide ranks the registered providers for req and returns the selection
// without dispatching anything. An explicitly preferred provider wins when
// it is registered, request-eligible, and currently healthy.
func (rt *Router) Decide(req *provider.Request) (Decision, error) {
	ranked := rt.rank(req)
	if len(ranked) == 0 {
		return Decision{}, a2aerr.New(a2aerr.TypeRouting, "no eligible providers for request").WithSource("router")
	}

	dec := Decision{
		Provider: ranked[0].Provider,
		Strategy: rt.strategy,
		Score:    ranked[0].Score,
		Reason:   "score",
		Ranked:   ranked,
	}

	if req.Preferred != "" && (rt.health == nil || rt.health.Healthy(req.Preferred)) {
		for i, c := range ranked {
			if c.Provider != req.Preferred {
				continue
			}
			if i > 0 {
				copy(ranked[1:i+1], ranked[:i])
				ranked[0] = c
			}
			dec.Provider = c.Provider
			dec.Score = c.Score
			dec.Reason = "preferred"
			break
		}
	}
	return dec, nil
}

// ProviderHealth is one row of the router's health snapshot.
type ProviderHealth struct {
	Provider string `json:"provider"`
	Healthy  bool   `json:"healthy"`
	Breaker  string `json:"breaker"`
}

// Health reports per-provider liveness as seen by the router. Without a
// health view every provider reads healthy; without a breaker every
// breaker reads closed.
func (rt *Router) Health() []ProviderHealth {
	out := make([]ProviderHealth, 0, len(rt.order))
	for _, id := range rt.order {
		h := ProviderHealth{Provider: id, Healthy: true, Breaker: "closed"}
		if rt.health != nil {
			h.Healthy = rt.health.Healthy(id)
		}
		if rt.breaker != nil {
			h.Breaker = rt.breaker.StateLabel(id)
		}
		out = append(out, h)
	}
	return out
}

// Providers returns the registered provider ids in sorted order.
func (rt *Router) Providers() []string {
	return append([]string(nil), rt.order...)
}
