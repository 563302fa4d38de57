package shell

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/metrics"
)

// breakerState represents the operational state of one target's breaker.
//
//	breakerClosed   — normal operation; all requests pass through.
//	breakerOpen     — target is failing; requests are rejected immediately.
//	breakerHalfOpen — recovery probe; exactly one request may test the target.
type breakerState int

const (
	breakerClosed   breakerState = 0
	breakerOpen     breakerState = 1
	breakerHalfOpen breakerState = 2
)

func (s breakerState) label() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
)

// BreakerOptions tunes the circuit breaker manager. Zero values fall back to
// the package defaults.
type BreakerOptions struct {
	// FailureThreshold is the number of consecutive failures that open a
	// target's breaker. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long an open breaker waits before allowing a
	// single probe request. Default: 30s.
	ResetTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// targetBreaker holds per-target breaker state.
type targetBreaker struct {
	mu sync.Mutex

	state         breakerState
	failures      int       // consecutive failures since the last success
	openedAt      time.Time // when the breaker tripped, for the reset timer
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent breakers for every provider, peer and
// tool the fabric talks to. Targets are tracked lazily from their first
// recorded failure; everything else passes. Safe for concurrent use.
type CircuitBreaker struct {
	mu      sync.RWMutex
	targets map[string]*targetBreaker

	threshold    int
	resetTimeout time.Duration

	log     *slog.Logger
	metrics *metrics.Registry
}

// NewCircuitBreaker creates a CircuitBreaker.
func NewCircuitBreaker(opts BreakerOptions) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = defaultResetTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &CircuitBreaker{
		targets:      make(map[string]*targetBreaker),
		threshold:    opts.FailureThreshold,
		resetTimeout: opts.ResetTimeout,
		log:          opts.Logger,
		metrics:      opts.Metrics,
	}
}

// Allow reports whether target should receive the next request.
//
//   - Closed  → always true.
//   - Open    → false until ResetTimeout elapses, then the breaker moves to
//     half-open and admits exactly one probe.
//   - HalfOpen → true only when no probe is in flight.
//
// Unknown targets are allowed.
func (cb *CircuitBreaker) Allow(target string) bool {
	tb := cb.get(target)
	if tb == nil {
		return true
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	switch tb.state {
	case breakerClosed:
		return true

	case breakerOpen:
		if time.Since(tb.openedAt) >= cb.resetTimeout {
			cb.transition(target, tb, breakerHalfOpen)
			tb.probeInflight = true
			return true
		}
		return false

	case breakerHalfOpen:
		if tb.probeInflight {
			return false
		}
		tb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess closes the breaker for target regardless of previous state.
func (cb *CircuitBreaker) RecordSuccess(target string) {
	tb := cb.get(target)
	if tb == nil {
		return
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.failures = 0
	tb.probeInflight = false
	cb.transition(target, tb, breakerClosed)
}

// RecordFailure counts one failure against target. The threshold-th
// consecutive failure opens the breaker; a failed half-open probe reopens it.
func (cb *CircuitBreaker) RecordFailure(target string) {
	tb := cb.getOrCreate(target)

	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.failures++
	tb.probeInflight = false

	switch tb.state {
	case breakerHalfOpen:
		cb.transition(target, tb, breakerOpen)
	case breakerClosed:
		if tb.failures >= cb.threshold {
			cb.transition(target, tb, breakerOpen)
		}
	}
}

// State returns the current breakerState for target (useful for snapshots).
func (cb *CircuitBreaker) State(target string) breakerState {
	tb := cb.get(target)
	if tb == nil {
		return breakerClosed
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or
// "half_open".
func (cb *CircuitBreaker) StateLabel(target string) string {
	return cb.State(target).label()
}

// transition applies a state change and publishes it. Callers hold tb.mu.
func (cb *CircuitBreaker) transition(target string, tb *targetBreaker, to breakerState) {
	if tb.state == to {
		return
	}
	from := tb.state
	tb.state = to

	if to == breakerOpen {
		tb.openedAt = time.Now()
		cb.log.Warn("circuit_breaker_state_change",
			slog.String("target", target),
			slog.String("from", from.label()),
			slog.String("to", to.label()),
			slog.Int("failures", tb.failures),
		)
	} else {
		cb.log.Info("circuit_breaker_state_change",
			slog.String("target", target),
			slog.String("from", from.label()),
			slog.String("to", to.label()),
		)
	}

	if cb.metrics != nil {
		cb.metrics.SetCircuitBreaker(target, int64(to))
	}
}

func (cb *CircuitBreaker) get(target string) *targetBreaker {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.targets[target]
}

func (cb *CircuitBreaker) getOrCreate(target string) *targetBreaker {
	cb.mu.RLock()
	tb := cb.targets[target]
	cb.mu.RUnlock()
	if tb != nil {
		return tb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if tb = cb.targets[target]; tb == nil {
		tb = &targetBreaker{state: breakerClosed}
		cb.targets[target] = tb
	}
	return tb
}
