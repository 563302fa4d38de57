package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/provider"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// Backoff kinds between fallback attempts.
const (
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// maxBackoff caps a single inter-attempt delay regardless of kind.
const maxBackoff = 30 * time.Second

// dispatchFunc runs one provider attempt. Generate dispatches fill the
// response half, stream dispatches the stream half.
type dispatchFunc func(ctx context.Context, p provider.Provider) (*provider.Response, *provider.Stream, error)

func (rt *Router) generateWithFallback(ctx context.Context, req *provider.Request, primary string) (*provider.Response, string, error) {
	resp, _, name, err := rt.runFallback(ctx, primary,
		func(ctx context.Context, p provider.Provider) (*provider.Response, *provider.Stream, error) {
			r, err := p.Generate(ctx, req)
			return r, nil, err
		})
	return resp, name, err
}

func (rt *Router) openStream(ctx context.Context, req *provider.Request, primary string) (*provider.Stream, string, error) {
	_, s, name, err := rt.runFallback(ctx, primary,
		func(ctx context.Context, p provider.Provider) (*provider.Response, *provider.Stream, error) {
			st, err := p.GenerateStream(ctx, req)
			return nil, st, err
		})
	return s, name, err
}

// runFallback tries the primary provider and, on retryable errors, walks
// the fallback chain until an attempt succeeds or maxRetries is exhausted,
// then hands the request to the emergency provider for one final attempt.
//
// Circuit-open providers are skipped without consuming an attempt.
// Non-retryable errors abort the walk immediately; other providers will
// not return a different result for the same request parameters.
func (rt *Router) runFallback(ctx context.Context, primary string, dispatch dispatchFunc) (*provider.Response, *provider.Stream, string, error) {
	candidates := rt.candidateList(primary)

	var lastErr error

	prevProvider := ""
	prevReason := ""
	havePrevFailure := false
	attempts := 0

	for _, name := range candidates {
		if attempts >= rt.maxRetries {
			break
		}

		prov, ok := rt.providers[name]
		if !ok {
			continue // configured fallback is not registered, skip
		}

		if rt.breaker != nil && !rt.breaker.Allow(name) {
			rt.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("provider", name),
			)
			if rt.metrics != nil {
				rt.metrics.RecordCircuitBreakerRejection(name, rt.breaker.StateLabel(name))
				rt.metrics.ObserveUpstreamAttempt(name, "circuit_reject", 0)
			}
			continue
		}

		// Switching to a different provider after a failure.
		if havePrevFailure && prevProvider != "" && prevProvider != name {
			if rt.metrics != nil {
				rt.metrics.RecordFailover(primary, prevProvider, name, prevReason)
			}
		}

		if havePrevFailure {
			if err := rt.backoff(ctx, attempts); err != nil {
				return nil, nil, "", err
			}
		}

		start := time.Now()
		resp, stream, err := dispatch(ctx, prov)
		dur := time.Since(start)
		attempts++

		if err == nil {
			if rt.metrics != nil {
				rt.metrics.ObserveUpstreamAttempt(name, "success", dur)
			}
			if rt.breaker != nil {
				rt.breaker.RecordSuccess(name)
			}
			if name != primary {
				rt.log.InfoContext(ctx, "failover_success",
					slog.String("from", primary),
					slog.String("to", name),
					slog.Int64("latency_ms", dur.Milliseconds()),
				)
				if rt.metrics != nil {
					rt.metrics.RecordFailoverSuccess(primary, name)
				}
			}
			return resp, stream, name, nil
		}

		if rt.breaker != nil {
			rt.breaker.RecordFailure(name)
		}
		reason := a2aerr.Classify(err)
		if rt.metrics != nil {
			rt.metrics.ObserveUpstreamAttempt(name, reason, dur)
		}
		rt.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("from", primary),
			slog.String("to", name),
			slog.String("reason", reason),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		lastErr = err
		prevProvider = name
		prevReason = reason
		havePrevFailure = true

		if !a2aerr.IsRetryable(err) {
			return nil, nil, "", err
		}
		if ctx.Err() != nil {
			break
		}
	}

	// Emergency fallback: exactly one attempt, not gated by the breaker.
	// Its failure is terminal.
	if prov, ok := rt.providers[rt.emergency]; rt.emergency != "" && ok && ctx.Err() == nil {
		rt.log.WarnContext(ctx, "emergency_fallback",
			slog.String("primary", primary),
			slog.String("provider", rt.emergency),
		)
		start := time.Now()
		resp, stream, err := dispatch(ctx, prov)
		dur := time.Since(start)
		if err == nil {
			if rt.metrics != nil {
				rt.metrics.ObserveUpstreamAttempt(rt.emergency, "success", dur)
				rt.metrics.RecordFailoverSuccess(primary, rt.emergency)
			}
			if rt.breaker != nil {
				rt.breaker.RecordSuccess(rt.emergency)
			}
			return resp, stream, rt.emergency, nil
		}
		if rt.breaker != nil {
			rt.breaker.RecordFailure(rt.emergency)
		}
		if rt.metrics != nil {
			rt.metrics.ObserveUpstreamAttempt(rt.emergency, a2aerr.Classify(err), dur)
		}
		lastErr = err
	}

	if rt.metrics != nil {
		rt.metrics.RecordFailoverExhausted(primary)
	}
	if lastErr == nil {
		return nil, nil, "", a2aerr.New(a2aerr.TypeRouting, "no providers available").WithSource("router")
	}
	return nil, nil, "", a2aerr.Wrap(a2aerr.TypeRouting, lastErr,
		fmt.Sprintf("all providers failed after %d attempt(s)", attempts)).WithSource("router")
}

// candidateList returns primary followed by the fallback chain, deduped.
func (rt *Router) candidateList(primary string) []string {
	seen := map[string]bool{primary: true}
	out := []string{primary}
	for _, name := range rt.chain {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// backoff waits between attempts. attempt is the number of attempts
// already made, so the first retry waits the base delay.
func (rt *Router) backoff(ctx context.Context, attempt int) error {
	d := backoffDelay(rt.backoffKind, rt.retryBase, attempt)
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return a2aerr.From(ctx.Err(), "router")
	}
}

func backoffDelay(kind string, base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	var d time.Duration
	switch kind {
	case BackoffFixed:
		d = base
	case BackoffLinear:
		d = base * time.Duration(attempt)
	default: // exponential
		if attempt > 20 {
			return maxBackoff
		}
		d = base << (attempt - 1)
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
