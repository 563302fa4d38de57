// Package shell is the self-management layer around capability invocation:
// per-target circuit breakers, round-robin load balancing, invocation
// batching, online latency prediction and adaptive strategy selection, plus
// the health tracker the router scores providers with.
//
// Key design constraints:
//   - At most one optimization strategy acts on any call. When a strategy's
//     machinery cannot operate, the call falls back to a direct invocation
//     and the fallback is recorded.
//   - Strategy choice is adaptive: priority × success rate × average
//     improvement, re-evaluated per call against live tool stats.
//   - Collectors (metrics, lifecycle sink, logger) are optional; a nil
//     dependency never panics.
package shell

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/a2a-fabric/internal/cache"
	"github.com/nulpointcorp/a2a-fabric/internal/lifecycle"
	"github.com/nulpointcorp/a2a-fabric/internal/metrics"
	"github.com/nulpointcorp/a2a-fabric/internal/value"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// Strategy names.
const (
	StrategyCaching      = "caching"
	StrategyCircuitBreak = "circuit_break"
	StrategyLoadBalance  = "load_balance"
	StrategyParallel     = "parallel"
	StrategyBatch        = "batch"
	StrategyRetry        = "retry"
)

const (
	selectorOutcomeWindow = 50
	defaultResourceCap    = 256
	defaultStrategyTTL    = 5 * time.Minute
)

// errStrategyUnavailable marks a strategy that cannot operate for this call.
// The selector sees it and falls back to a direct invocation.
var errStrategyUnavailable = errors.New("strategy unavailable")

// Call describes one invocation the shell may optimize.
type Call struct {
	// Tool is the capability or method being invoked.
	Tool string
	// Target optionally pins the instance; strategies may override it.
	Target string
	// Params is the invocation payload, used for cache fingerprinting.
	Params value.Value
}

// DirectFunc performs the underlying invocation against target. An empty
// target means default routing.
type DirectFunc func(ctx context.Context, target string) (value.Value, error)

// ActionFunc runs one strategy's optimized path for a call.
type ActionFunc func(ctx context.Context, call Call, direct DirectFunc) (value.Value, error)

// Stats is the live view strategy conditions are evaluated against.
type Stats struct {
	Tool          string
	Latency       time.Duration // EWMA latency of recent calls to the tool
	ErrorRate     float64       // failure fraction of recent calls
	ResourceUsage float64       // in-flight calls / capacity
}

// Condition gates a strategy. Configured clauses must all hold; a zero
// Condition always matches.
type Condition struct {
	// LatencyAbove matches when the tool's EWMA latency exceeds it.
	LatencyAbove time.Duration
	// ErrorRateAbove matches when the recent error rate exceeds it.
	ErrorRateAbove float64
	// ResourceAbove matches when in-flight usage exceeds it.
	ResourceAbove float64
	// Predicate is an arbitrary extra clause.
	Predicate func(Stats) bool
}

func (c Condition) matches(st Stats) bool {
	if c.LatencyAbove > 0 && st.Latency <= c.LatencyAbove {
		return false
	}
	if c.ErrorRateAbove > 0 && st.ErrorRate <= c.ErrorRateAbove {
		return false
	}
	if c.ResourceAbove > 0 && st.ResourceUsage <= c.ResourceAbove {
		return false
	}
	if c.Predicate != nil && !c.Predicate(st) {
		return false
	}
	return true
}

// Strategy is one registered optimization.
type Strategy struct {
	Name      string
	Priority  float64 // relative weight; defaults to 1
	Condition Condition
	Action    ActionFunc
}

// strategyRecord tracks adaptive scoring state for one registered strategy.
type strategyRecord struct {
	Strategy
	attempts    int
	successes   int
	improvement float64 // sum of per-success improvement ratios
}

// score orders strategies: priority × success rate × average improvement.
// Unproven strategies score with a neutral rate and improvement of 1.
func (r *strategyRecord) score() float64 {
	rate, improv := 1.0, 1.0
	if r.attempts > 0 {
		rate = float64(r.successes) / float64(r.attempts)
	}
	if r.successes > 0 {
		improv = r.improvement / float64(r.successes)
	}
	return r.Priority * rate * improv
}

// toolStats is the per-tool signal feeding strategy conditions.
type toolStats struct {
	mu       sync.Mutex
	ewma     time.Duration
	outcomes *boolRing // true = success
}

func (ts *toolStats) observe(latency time.Duration, err error) {
	ts.mu.Lock()
	ts.outcomes.push(err == nil)
	if err == nil && latency > 0 {
		if ts.ewma == 0 {
			ts.ewma = latency
		} else {
			ts.ewma = time.Duration(float64(ts.ewma)*(1-ewmaAlpha) + float64(latency)*ewmaAlpha)
		}
	}
	ts.mu.Unlock()
}

func (ts *toolStats) view() (time.Duration, float64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.ewma, 1 - ts.outcomes.rate(1)
}

// SelectorOptions configures a Selector.
type SelectorOptions struct {
	// ResourceCap scales the in-flight count into the resourceUsage signal.
	// Default: 256.
	ResourceCap int

	Logger  *slog.Logger
	Metrics *metrics.Registry
	Sink    lifecycle.Sink
}

// Selector owns the registered strategies and decides, call by call, which
// one (if any) gets to act.
type Selector struct {
	mu         sync.Mutex
	strategies []*strategyRecord
	stats      map[string]*toolStats
	inflight   int

	resourceCap int
	log         *slog.Logger
	metrics     *metrics.Registry
	sink        lifecycle.Sink
}

// NewSelector creates a Selector with no strategies registered; calls pass
// straight through until strategies are added.
func NewSelector(opts SelectorOptions) *Selector {
	if opts.ResourceCap <= 0 {
		opts.ResourceCap = defaultResourceCap
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Selector{
		stats:       make(map[string]*toolStats),
		resourceCap: opts.ResourceCap,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		sink:        lifecycle.OrNop(opts.Sink),
	}
}

// Register adds a strategy. A non-positive priority defaults to 1.
func (s *Selector) Register(st Strategy) {
	if st.Priority <= 0 {
		st.Priority = 1
	}
	s.mu.Lock()
	s.strategies = append(s.strategies, &strategyRecord{Strategy: st})
	s.mu.Unlock()
}

// Exec runs one invocation, optionally through the best matching strategy.
func (s *Selector) Exec(ctx context.Context, call Call, direct DirectFunc) (value.Value, error) {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	snap, chosen := s.pick(call)

	if chosen == nil {
		start := time.Now()
		res, err := direct(ctx, call.Target)
		s.statsFor(call.Tool).observe(time.Since(start), err)
		return res, err
	}

	start := time.Now()
	res, err := chosen.Action(ctx, call, direct)
	elapsed := time.Since(start)

	if errors.Is(err, errStrategyUnavailable) {
		s.recordFallback(call, chosen, err)
		start = time.Now()
		res, err = direct(ctx, call.Target)
		s.statsFor(call.Tool).observe(time.Since(start), err)
		return res, err
	}

	s.observeStrategy(call, chosen, snap, elapsed, err)
	s.statsFor(call.Tool).observe(elapsed, err)
	return res, err
}

// pick snapshots the stats and returns the highest-scoring strategy whose
// condition matches, or nil for a direct call.
func (s *Selector) pick(call Call) (Stats, *strategyRecord) {
	ewma, errRate := s.statsFor(call.Tool).view()

	s.mu.Lock()
	snap := Stats{
		Tool:          call.Tool,
		Latency:       ewma,
		ErrorRate:     errRate,
		ResourceUsage: float64(s.inflight) / float64(s.resourceCap),
	}
	ordered := make([]*strategyRecord, len(s.strategies))
	copy(ordered, s.strategies)
	sort.SliceStable(ordered, func(i, j int) bool {
		si, sj := ordered[i].score(), ordered[j].score()
		if si != sj {
			return si > sj
		}
		return ordered[i].Name < ordered[j].Name
	})
	s.mu.Unlock()

	for _, r := range ordered {
		if r.Condition.matches(snap) {
			return snap, r
		}
	}
	return snap, nil
}

// observeStrategy updates adaptive stats and publishes the outcome.
func (s *Selector) observeStrategy(call Call, r *strategyRecord, before Stats, elapsed time.Duration, err error) {
	s.mu.Lock()
	r.attempts++
	if err == nil {
		r.successes++
		improvement := 1.0
		if before.Latency > 0 && elapsed > 0 {
			improvement = clampF(float64(before.Latency)/float64(elapsed), 0.1, 10)
		}
		r.improvement += improvement
	}
	s.mu.Unlock()

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.RecordStrategyOutcome(r.Name, outcome)
	}
	s.sink.StrategyOutcome(call.Tool, r.Name, true, err)
	s.log.Debug("strategy_applied",
		slog.String("tool", call.Tool),
		slog.String("strategy", r.Name),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", elapsed),
	)
}

// recordFallback publishes a strategy that could not run.
func (s *Selector) recordFallback(call Call, r *strategyRecord, err error) {
	s.mu.Lock()
	r.attempts++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordStrategyOutcome(r.Name, "fallback")
	}
	s.sink.StrategyOutcome(call.Tool, r.Name, false, err)
	s.log.Warn("strategy_fallback",
		slog.String("tool", call.Tool),
		slog.String("strategy", r.Name),
		slog.String("error", err.Error()),
	)
}

func (s *Selector) statsFor(tool string) *toolStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.stats[tool]
	if ts == nil {
		ts = &toolStats{outcomes: newBoolRing(selectorOutcomeWindow)}
		s.stats[tool] = ts
	}
	return ts
}

// ── Built-in strategies ──────────────────────────────────────────────────────

// CachingStrategy serves repeated calls from the response cache. Backend
// failures degrade to a miss inside the action; only fingerprinting failures
// trigger the direct fallback.
func CachingStrategy(c cache.Cache, ttl time.Duration) Strategy {
	if ttl <= 0 {
		ttl = defaultStrategyTTL
	}
	return Strategy{
		Name:      StrategyCaching,
		Priority:  1.0,
		Condition: Condition{LatencyAbove: 300 * time.Millisecond},
		Action: func(ctx context.Context, call Call, direct DirectFunc) (value.Value, error) {
			key, err := callFingerprint(call)
			if err != nil {
				return value.Null(), fmt.Errorf("%w: %v", errStrategyUnavailable, err)
			}
			if raw, ok := c.Get(ctx, key); ok {
				var v value.Value
				if json.Unmarshal(raw, &v) == nil {
					return v, nil
				}
				_ = c.Delete(ctx, key)
			}
			res, err := direct(ctx, call.Target)
			if err != nil {
				return res, err
			}
			if raw, merr := json.Marshal(res); merr == nil {
				_ = c.Set(ctx, key, raw, ttl)
			}
			return res, nil
		},
	}
}

// callFingerprint derives the cache key from the tool and canonical params.
func callFingerprint(call Call) (string, error) {
	raw, err := json.Marshal(call.Params)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(call.Tool+"\x00"), raw...))
	return "inv:" + hex.EncodeToString(sum[:]), nil
}

// CircuitBreakStrategy fast-fails calls while the target's breaker is open
// and feeds call outcomes back into it.
func CircuitBreakStrategy(cb *CircuitBreaker) Strategy {
	return Strategy{
		Name:      StrategyCircuitBreak,
		Priority:  0.9,
		Condition: Condition{ErrorRateAbove: 0.25},
		Action: func(ctx context.Context, call Call, direct DirectFunc) (value.Value, error) {
			key := call.Target
			if key == "" {
				key = call.Tool
			}
			if !cb.Allow(key) {
				return value.Null(), a2aerr.Newf(a2aerr.TypeAgentUnavailable, "circuit open for %s", key).
					WithSource("shell")
			}
			res, err := direct(ctx, call.Target)
			if err != nil {
				cb.RecordFailure(key)
				return res, err
			}
			cb.RecordSuccess(key)
			return res, nil
		},
	}
}

// LoadBalanceStrategy routes the call to the next healthy declared instance.
func LoadBalanceStrategy(lb *LoadBalancer) Strategy {
	return Strategy{
		Name:     StrategyLoadBalance,
		Priority: 0.8,
		Condition: Condition{Predicate: func(st Stats) bool {
			return len(lb.HealthyInstances(st.Tool)) > 0
		}},
		Action: func(ctx context.Context, call Call, direct DirectFunc) (value.Value, error) {
			inst, err := lb.Pick(call.Tool)
			if err != nil {
				return value.Null(), fmt.Errorf("%w: %v", errStrategyUnavailable, err)
			}
			return direct(ctx, inst)
		},
	}
}

// ParallelStrategy races the call against two healthy instances and keeps
// the first success.
func ParallelStrategy(lb *LoadBalancer) Strategy {
	return Strategy{
		Name:     StrategyParallel,
		Priority: 0.7,
		Condition: Condition{
			LatencyAbove: time.Second,
			Predicate: func(st Stats) bool {
				return len(lb.HealthyInstances(st.Tool)) >= 2
			},
		},
		Action: func(ctx context.Context, call Call, direct DirectFunc) (value.Value, error) {
			insts := lb.HealthyInstances(call.Tool)
			if len(insts) < 2 {
				return value.Null(), fmt.Errorf("%w: need two healthy instances", errStrategyUnavailable)
			}
			return raceDirect(ctx, insts[:2], direct)
		},
	}
}

// raceDirect invokes direct against every instance and keeps the first
// success, cancelling the rest. With no success the last error wins.
func raceDirect(ctx context.Context, insts []string, direct DirectFunc) (value.Value, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		res value.Value
		err error
	}
	results := make(chan outcome, len(insts))
	for _, inst := range insts {
		go func(inst string) {
			res, err := direct(rctx, inst)
			results <- outcome{res: res, err: err}
		}(inst)
	}

	var lastErr error
	for range insts {
		o := <-results
		if o.err == nil {
			return o.res, nil
		}
		lastErr = o.err
	}
	return value.Null(), lastErr
}

// BatchStrategy funnels calls for the named tools through the batcher.
func BatchStrategy(b *Batcher, tools ...string) Strategy {
	set := make(map[string]bool, len(tools))
	for _, t := range tools {
		set[t] = true
	}
	return Strategy{
		Name:     StrategyBatch,
		Priority: 0.6,
		Condition: Condition{Predicate: func(st Stats) bool {
			return set[st.Tool]
		}},
		Action: func(ctx context.Context, call Call, direct DirectFunc) (value.Value, error) {
			res, err := b.Submit(ctx, BatchRequest{
				ID:     uuid.NewString(),
				Tool:   call.Tool,
				Params: call.Params,
			})
			if errors.Is(err, ErrBatcherClosed) {
				return value.Null(), fmt.Errorf("%w: %v", errStrategyUnavailable, err)
			}
			return res, err
		},
	}
}

// RetryStrategy re-runs retryable failures with a linearly growing delay.
func RetryStrategy(maxAttempts int, baseDelay time.Duration) Strategy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	return Strategy{
		Name:      StrategyRetry,
		Priority:  0.5,
		Condition: Condition{ErrorRateAbove: 0.05},
		Action: func(ctx context.Context, call Call, direct DirectFunc) (value.Value, error) {
			var lastErr error
			for attempt := 1; attempt <= maxAttempts; attempt++ {
				res, err := direct(ctx, call.Target)
				if err == nil {
					return res, nil
				}
				lastErr = err
				if !a2aerr.IsRetryable(err) || attempt == maxAttempts {
					break
				}
				select {
				case <-time.After(baseDelay * time.Duration(attempt)):
				case <-ctx.Done():
					return value.Null(), a2aerr.From(ctx.Err(), "shell")
				}
			}
			return value.Null(), lastErr
		},
	}
}
