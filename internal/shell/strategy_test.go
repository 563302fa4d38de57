package shell

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/cache"
	"github.com/nulpointcorp/a2a-fabric/internal/lifecycle"
	"github.com/nulpointcorp/a2a-fabric/internal/value"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

func newTestSelector(t *testing.T, opts SelectorOptions) *Selector {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return NewSelector(opts)
}

// seedStats fixes the live signal conditions see for tool. A zero ewma keeps
// the current one.
func seedStats(s *Selector, tool string, ewma time.Duration, ok, fail int) {
	ts := s.statsFor(tool)
	ts.mu.Lock()
	if ewma > 0 {
		ts.ewma = ewma
	}
	for i := 0; i < ok; i++ {
		ts.outcomes.push(true)
	}
	for i := 0; i < fail; i++ {
		ts.outcomes.push(false)
	}
	ts.mu.Unlock()
}

func wantString(t *testing.T, v value.Value, want string) {
	t.Helper()
	got, ok := v.AsString()
	if !ok || got != want {
		t.Fatalf("expected result %q, got %v", want, v)
	}
}

// --- selector ---------------------------------------------------------------

func TestSelector_NoStrategiesRunsDirect(t *testing.T) {
	s := newTestSelector(t, SelectorOptions{})

	var gotTarget string
	res, err := s.Exec(context.Background(), Call{Tool: "math.add", Target: "pinned"},
		func(_ context.Context, target string) (value.Value, error) {
			gotTarget = target
			return value.String("ok"), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	wantString(t, res, "ok")
	if gotTarget != "pinned" {
		t.Fatalf("direct call should keep the pinned target, got %q", gotTarget)
	}
}

func TestSelector_ErrorRateConditionIsStrict(t *testing.T) {
	s := newTestSelector(t, SelectorOptions{})

	var actions atomic.Int32
	s.Register(Strategy{
		Name:      "guarded",
		Condition: Condition{ErrorRateAbove: 0.1},
		Action: func(ctx context.Context, call Call, direct DirectFunc) (value.Value, error) {
			actions.Add(1)
			return direct(ctx, call.Target)
		},
	})
	direct := func(context.Context, string) (value.Value, error) { return value.String("ok"), nil }

	// 1 failure in 10 calls is exactly the threshold: no trigger.
	seedStats(s, "math.add", 0, 9, 1)
	if _, err := s.Exec(context.Background(), Call{Tool: "math.add"}, direct); err != nil {
		t.Fatal(err)
	}
	if actions.Load() != 0 {
		t.Fatal("strategy must not act at exactly the threshold rate")
	}

	// Two more failures push the rate across it.
	seedStats(s, "math.add", 0, 0, 2)
	if _, err := s.Exec(context.Background(), Call{Tool: "math.add"}, direct); err != nil {
		t.Fatal(err)
	}
	if actions.Load() != 1 {
		t.Fatal("strategy should act once the rate crosses the threshold")
	}
}

func TestSelector_LatencyConditionIsStrict(t *testing.T) {
	s := newTestSelector(t, SelectorOptions{})

	var actions atomic.Int32
	s.Register(Strategy{
		Name:      "slowpath",
		Condition: Condition{LatencyAbove: 300 * time.Millisecond},
		Action: func(ctx context.Context, call Call, direct DirectFunc) (value.Value, error) {
			actions.Add(1)
			return direct(ctx, call.Target)
		},
	})
	direct := func(context.Context, string) (value.Value, error) { return value.String("ok"), nil }

	seedStats(s, "math.add", 300*time.Millisecond, 0, 0)
	if _, err := s.Exec(context.Background(), Call{Tool: "math.add"}, direct); err != nil {
		t.Fatal(err)
	}
	if actions.Load() != 0 {
		t.Fatal("strategy must not act at exactly the latency threshold")
	}

	seedStats(s, "math.add", 2*time.Second, 0, 0)
	if _, err := s.Exec(context.Background(), Call{Tool: "math.add"}, direct); err != nil {
		t.Fatal(err)
	}
	if actions.Load() != 1 {
		t.Fatal("strategy should act above the latency threshold")
	}
}

func TestSelector_AtMostOneStrategyActs(t *testing.T) {
	s := newTestSelector(t, SelectorOptions{})

	var alpha, beta atomic.Int32
	s.Register(Strategy{
		Name:     "alpha",
		Priority: 1.0,
		Action: func(context.Context, Call, DirectFunc) (value.Value, error) {
			alpha.Add(1)
			return value.String("alpha"), nil
		},
	})
	s.Register(Strategy{
		Name:     "beta",
		Priority: 0.9,
		Action: func(context.Context, Call, DirectFunc) (value.Value, error) {
			beta.Add(1)
			return value.String("beta"), nil
		},
	})

	for i := 0; i < 3; i++ {
		res, err := s.Exec(context.Background(), Call{Tool: "math.add"},
			func(context.Context, string) (value.Value, error) { return value.Null(), nil })
		if err != nil {
			t.Fatal(err)
		}
		wantString(t, res, "alpha")
	}
	if alpha.Load() != 3 || beta.Load() != 0 {
		t.Fatalf("only the winner may act: alpha=%d beta=%d", alpha.Load(), beta.Load())
	}
}

func TestSelector_ScoreDropsAfterFailures(t *testing.T) {
	s := newTestSelector(t, SelectorOptions{})

	var alpha, beta atomic.Int32
	s.Register(Strategy{
		Name:     "alpha",
		Priority: 1.0,
		Action: func(context.Context, Call, DirectFunc) (value.Value, error) {
			alpha.Add(1)
			return value.Null(), a2aerr.New(a2aerr.TypeInternal, "alpha broke").WithSource("test")
		},
	})
	s.Register(Strategy{
		Name:     "beta",
		Priority: 0.5,
		Action: func(context.Context, Call, DirectFunc) (value.Value, error) {
			beta.Add(1)
			return value.String("beta"), nil
		},
	})
	direct := func(context.Context, string) (value.Value, error) { return value.Null(), nil }

	// First call goes to alpha and fails, zeroing its success rate.
	if _, err := s.Exec(context.Background(), Call{Tool: "math.add"}, direct); err == nil {
		t.Fatal("expected alpha's failure to propagate")
	}

	res, err := s.Exec(context.Background(), Call{Tool: "math.add"}, direct)
	if err != nil {
		t.Fatal(err)
	}
	wantString(t, res, "beta")
	if alpha.Load() != 1 || beta.Load() != 1 {
		t.Fatalf("selection should move to beta: alpha=%d beta=%d", alpha.Load(), beta.Load())
	}
}

func TestSelector_FallsBackWhenStrategyUnavailable(t *testing.T) {
	rec := &lifecycle.Recorder{}
	s := newTestSelector(t, SelectorOptions{Sink: rec})

	s.Register(Strategy{
		Name: "broken",
		Action: func(context.Context, Call, DirectFunc) (value.Value, error) {
			return value.Null(), fmt.Errorf("%w: no instances", errStrategyUnavailable)
		},
	})

	var directCalls atomic.Int32
	res, err := s.Exec(context.Background(), Call{Tool: "math.add"},
		func(context.Context, string) (value.Value, error) {
			directCalls.Add(1)
			return value.String("direct"), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	wantString(t, res, "direct")
	if directCalls.Load() != 1 {
		t.Fatal("fallback must run the direct call")
	}

	events := rec.ByKind("strategy_outcome")
	if len(events) != 1 {
		t.Fatalf("expected 1 outcome event, got %d", len(events))
	}
	if events[0].Applied || events[0].Strategy != "broken" || events[0].Target != "math.add" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestSelector_StrategyCallErrorPropagates(t *testing.T) {
	rec := &lifecycle.Recorder{}
	s := newTestSelector(t, SelectorOptions{Sink: rec})

	s.Register(Strategy{
		Name: "strict",
		Action: func(context.Context, Call, DirectFunc) (value.Value, error) {
			return value.Null(), a2aerr.New(a2aerr.TypeValidation, "bad params").WithSource("test")
		},
	})

	var directCalls atomic.Int32
	_, err := s.Exec(context.Background(), Call{Tool: "math.add"},
		func(context.Context, string) (value.Value, error) {
			directCalls.Add(1)
			return value.Null(), nil
		})
	wantErrType(t, err, a2aerr.TypeValidation)
	if directCalls.Load() != 0 {
		t.Fatal("a legitimate call failure must not fall back to direct")
	}

	events := rec.ByKind("strategy_outcome")
	if len(events) != 1 || !events[0].Applied || events[0].Err == nil {
		t.Fatalf("expected an applied outcome with an error, got %+v", events)
	}
}

func TestSelector_ResourceSignal(t *testing.T) {
	var actions atomic.Int32
	shed := Strategy{
		Name:      "shed",
		Condition: Condition{ResourceAbove: 0.4},
		Action: func(ctx context.Context, call Call, direct DirectFunc) (value.Value, error) {
			actions.Add(1)
			return direct(ctx, call.Target)
		},
	}
	direct := func(context.Context, string) (value.Value, error) { return value.Null(), nil }

	// Cap of 2: a single in-flight call is already 0.5 usage.
	small := newTestSelector(t, SelectorOptions{ResourceCap: 2})
	small.Register(shed)
	if _, err := small.Exec(context.Background(), Call{Tool: "math.add"}, direct); err != nil {
		t.Fatal(err)
	}
	if actions.Load() != 1 {
		t.Fatal("strategy should act when usage crosses the bound")
	}

	// Default cap: one call is far below the bound.
	large := newTestSelector(t, SelectorOptions{})
	large.Register(shed)
	if _, err := large.Exec(context.Background(), Call{Tool: "math.add"}, direct); err != nil {
		t.Fatal(err)
	}
	if actions.Load() != 1 {
		t.Fatal("strategy must not act at low usage")
	}
}

func TestCondition_Matches(t *testing.T) {
	cases := []struct {
		name string
		cond Condition
		st   Stats
		want bool
	}{
		{"zero condition always matches", Condition{}, Stats{}, true},
		{"error rate at threshold", Condition{ErrorRateAbove: 0.1}, Stats{ErrorRate: 0.1}, false},
		{"error rate above threshold", Condition{ErrorRateAbove: 0.1}, Stats{ErrorRate: 0.2}, true},
		{"latency at threshold", Condition{LatencyAbove: 300 * time.Millisecond}, Stats{Latency: 300 * time.Millisecond}, false},
		{"latency above threshold", Condition{LatencyAbove: 300 * time.Millisecond}, Stats{Latency: 301 * time.Millisecond}, true},
		{"resource at threshold", Condition{ResourceAbove: 0.5}, Stats{ResourceUsage: 0.5}, false},
		{"resource above threshold", Condition{ResourceAbove: 0.5}, Stats{ResourceUsage: 0.6}, true},
		{"predicate vetoes", Condition{Predicate: func(Stats) bool { return false }}, Stats{}, false},
		{
			"all clauses must hold",
			Condition{LatencyAbove: 100 * time.Millisecond, ErrorRateAbove: 0.1},
			Stats{Latency: time.Second, ErrorRate: 0.1},
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cond.matches(tc.st); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestStrategyRecord_Score(t *testing.T) {
	r := &strategyRecord{Strategy: Strategy{Priority: 0.8}}
	if got := r.score(); got != 0.8 {
		t.Fatalf("unproven strategy should score its priority, got %v", got)
	}

	r.attempts, r.successes, r.improvement = 4, 2, 4.0
	if got := r.score(); got != 0.8 {
		t.Fatalf("0.8 x 0.5 rate x 2.0 improvement should be 0.8, got %v", got)
	}

	r.attempts, r.successes, r.improvement = 2, 0, 0
	if got := r.score(); got != 0 {
		t.Fatalf("all-failure strategy should score 0, got %v", got)
	}
}

// --- built-in strategies ----------------------------------------------------

func TestCachingStrategy_ServesRepeatedCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := newTestSelector(t, SelectorOptions{})
	s.Register(CachingStrategy(cache.NewMemoryCache(ctx, 16), time.Minute))

	var directCalls atomic.Int32
	direct := func(context.Context, string) (value.Value, error) {
		directCalls.Add(1)
		return value.String("fresh"), nil
	}
	call := Call{Tool: "slow.tool", Params: value.Obj(value.Object{"n": value.Int(7)})}

	// Fast tool: condition does not match, calls go direct.
	if _, err := s.Exec(ctx, call, direct); err != nil {
		t.Fatal(err)
	}
	if directCalls.Load() != 1 {
		t.Fatal("fast tool should bypass caching")
	}

	seedStats(s, "slow.tool", 500*time.Millisecond, 0, 0)

	res, err := s.Exec(ctx, call, direct)
	if err != nil {
		t.Fatal(err)
	}
	wantString(t, res, "fresh")
	if directCalls.Load() != 2 {
		t.Fatal("first slow call should miss and invoke direct")
	}

	res, err = s.Exec(ctx, call, direct)
	if err != nil {
		t.Fatal(err)
	}
	wantString(t, res, "fresh")
	if directCalls.Load() != 2 {
		t.Fatal("repeated call should be served from cache")
	}
}

func TestCircuitBreakStrategy_FastFailsWhenOpen(t *testing.T) {
	cb := newTestBreaker(BreakerOptions{FailureThreshold: 2})
	s := newTestSelector(t, SelectorOptions{})
	s.Register(CircuitBreakStrategy(cb))
	seedStats(s, "math.add", 0, 1, 1)

	var directCalls atomic.Int32
	direct := func(context.Context, string) (value.Value, error) {
		directCalls.Add(1)
		return value.Null(), a2aerr.New(a2aerr.TypeAgentUnavailable, "peer down").WithSource("test")
	}

	for i := 0; i < 2; i++ {
		if _, err := s.Exec(context.Background(), Call{Tool: "math.add"}, direct); err == nil {
			t.Fatal("expected failure")
		}
	}
	if directCalls.Load() != 2 {
		t.Fatalf("expected 2 direct attempts before the breaker opens, got %d", directCalls.Load())
	}

	_, err := s.Exec(context.Background(), Call{Tool: "math.add"}, direct)
	wantErrType(t, err, a2aerr.TypeAgentUnavailable)
	if directCalls.Load() != 2 {
		t.Fatal("open breaker must fast-fail without invoking direct")
	}
}

func TestLoadBalanceStrategy_SpreadsTargets(t *testing.T) {
	lb := NewLoadBalancer(BalancerOptions{})
	lb.SetInstances("math.add", []string{"peer-a", "peer-b"})

	s := newTestSelector(t, SelectorOptions{})
	s.Register(LoadBalanceStrategy(lb))

	var mu sync.Mutex
	var targets []string
	direct := func(_ context.Context, target string) (value.Value, error) {
		mu.Lock()
		targets = append(targets, target)
		mu.Unlock()
		return value.Null(), nil
	}

	for i := 0; i < 2; i++ {
		if _, err := s.Exec(context.Background(), Call{Tool: "math.add"}, direct); err != nil {
			t.Fatal(err)
		}
	}
	// Undeclared tool: predicate fails, call goes direct with no target.
	if _, err := s.Exec(context.Background(), Call{Tool: "text.echo"}, direct); err != nil {
		t.Fatal(err)
	}

	want := []string{"peer-a", "peer-b", ""}
	if len(targets) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), targets)
	}
	for i, exp := range want {
		if targets[i] != exp {
			t.Fatalf("call %d: expected target %q, got %q", i, exp, targets[i])
		}
	}
}

func TestParallelStrategy_KeepsFirstSuccess(t *testing.T) {
	lb := NewLoadBalancer(BalancerOptions{})
	lb.SetInstances("heavy.tool", []string{"peer-a", "peer-b"})

	s := newTestSelector(t, SelectorOptions{})
	s.Register(ParallelStrategy(lb))
	seedStats(s, "heavy.tool", 2*time.Second, 0, 0)

	direct := func(ctx context.Context, target string) (value.Value, error) {
		if target == "peer-a" {
			<-ctx.Done()
			return value.Null(), a2aerr.From(ctx.Err(), "test")
		}
		return value.String("fast"), nil
	}

	res, err := s.Exec(context.Background(), Call{Tool: "heavy.tool"}, direct)
	if err != nil {
		t.Fatal(err)
	}
	wantString(t, res, "fast")
}

func TestBatchStrategy_RoutesThroughBatcher(t *testing.T) {
	b := newTestBatcher(t, BatcherOptions{
		BatchSize: 2,
		MaxWait:   10 * time.Millisecond,
		Flush: func(_ context.Context, tool string, reqs []BatchRequest) []BatchResult {
			out := make([]BatchResult, len(reqs))
			for i, r := range reqs {
				out[i] = BatchResult{ID: r.ID, Result: value.String("batched:" + tool)}
			}
			return out
		},
	})

	s := newTestSelector(t, SelectorOptions{})
	s.Register(BatchStrategy(b, "math.add"))

	var directCalls atomic.Int32
	direct := func(context.Context, string) (value.Value, error) {
		directCalls.Add(1)
		return value.String("direct"), nil
	}

	res, err := s.Exec(context.Background(), Call{Tool: "math.add"}, direct)
	if err != nil {
		t.Fatal(err)
	}
	wantString(t, res, "batched:math.add")
	if directCalls.Load() != 0 {
		t.Fatal("listed tool should go through the batcher")
	}

	res, err = s.Exec(context.Background(), Call{Tool: "text.echo"}, direct)
	if err != nil {
		t.Fatal(err)
	}
	wantString(t, res, "direct")

	// A closed batcher degrades to direct invocation.
	b.Close()
	res, err = s.Exec(context.Background(), Call{Tool: "math.add"}, direct)
	if err != nil {
		t.Fatal(err)
	}
	wantString(t, res, "direct")
	if directCalls.Load() != 2 {
		t.Fatalf("expected 2 direct calls, got %d", directCalls.Load())
	}
}

func TestRetryStrategy_RetriesUntilSuccess(t *testing.T) {
	s := newTestSelector(t, SelectorOptions{})
	s.Register(RetryStrategy(3, time.Millisecond))
	seedStats(s, "flaky.tool", 0, 8, 2)

	var calls atomic.Int32
	res, err := s.Exec(context.Background(), Call{Tool: "flaky.tool"},
		func(context.Context, string) (value.Value, error) {
			if calls.Add(1) < 3 {
				return value.Null(), a2aerr.New(a2aerr.TypeAgentUnavailable, "peer down").WithSource("test")
			}
			return value.String("third time"), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	wantString(t, res, "third time")
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestRetryStrategy_StopsOnNonRetryable(t *testing.T) {
	s := newTestSelector(t, SelectorOptions{})
	s.Register(RetryStrategy(3, time.Millisecond))
	seedStats(s, "flaky.tool", 0, 8, 2)

	var calls atomic.Int32
	_, err := s.Exec(context.Background(), Call{Tool: "flaky.tool"},
		func(context.Context, string) (value.Value, error) {
			calls.Add(1)
			return value.Null(), a2aerr.New(a2aerr.TypeValidation, "bad params").WithSource("test")
		})
	wantErrType(t, err, a2aerr.TypeValidation)
	if calls.Load() != 1 {
		t.Fatalf("non-retryable failure must not be retried, got %d attempts", calls.Load())
	}
}
