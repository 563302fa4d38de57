// Package lifecycle defines the typed observer contract components use to
// publish connection and health events. Sinks are injected; components never
// look one up globally. A nil sink is normalized to a no-op so callers skip
// the nil checks.
package lifecycle

import (
	"log/slog"
	"sync"
	"time"
)

// Sink receives fabric lifecycle events. Implementations must be safe for
// concurrent use and must not block; slow consumers buffer internally.
type Sink interface {
	ConnectionEstablished(connID, peerID, protocol string)
	ConnectionClosed(connID, peerID, reason string)
	ConnectionError(connID, peerID string, err error)
	Reconnecting(connID, peerID string, attempt int, delay time.Duration)
	HealthChanged(component, status string)
	StrategyOutcome(target, strategy string, applied bool, err error)
}

// OrNop returns s, or a no-op sink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return NopSink{}
	}
	return s
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) ConnectionEstablished(string, string, string)    {}
func (NopSink) ConnectionClosed(string, string, string)         {}
func (NopSink) ConnectionError(string, string, error)           {}
func (NopSink) Reconnecting(string, string, int, time.Duration) {}
func (NopSink) HealthChanged(string, string)                    {}
func (NopSink) StrategyOutcome(string, string, bool, error)     {}

// SlogSink writes each event as one structured log line.
type SlogSink struct {
	Log *slog.Logger
}

func (s *SlogSink) ConnectionEstablished(connID, peerID, protocol string) {
	s.Log.Info("connection_established",
		slog.String("conn_id", connID),
		slog.String("peer_id", peerID),
		slog.String("protocol", protocol),
	)
}

func (s *SlogSink) ConnectionClosed(connID, peerID, reason string) {
	s.Log.Info("connection_closed",
		slog.String("conn_id", connID),
		slog.String("peer_id", peerID),
		slog.String("reason", reason),
	)
}

func (s *SlogSink) ConnectionError(connID, peerID string, err error) {
	s.Log.Warn("connection_error",
		slog.String("conn_id", connID),
		slog.String("peer_id", peerID),
		slog.String("error", err.Error()),
	)
}

func (s *SlogSink) Reconnecting(connID, peerID string, attempt int, delay time.Duration) {
	s.Log.Info("reconnecting",
		slog.String("conn_id", connID),
		slog.String("peer_id", peerID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
}

func (s *SlogSink) HealthChanged(component, status string) {
	s.Log.Info("health_changed",
		slog.String("component", component),
		slog.String("status", status),
	)
}

func (s *SlogSink) StrategyOutcome(target, strategy string, applied bool, err error) {
	if err != nil {
		s.Log.Warn("strategy_outcome",
			slog.String("target", target),
			slog.String("strategy", strategy),
			slog.Bool("applied", applied),
			slog.String("error", err.Error()),
		)
		return
	}
	s.Log.Debug("strategy_outcome",
		slog.String("target", target),
		slog.String("strategy", strategy),
		slog.Bool("applied", applied),
	)
}

// Multi fans each event out to every sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multiSink []Sink

func (m multiSink) ConnectionEstablished(connID, peerID, protocol string) {
	for _, s := range m {
		s.ConnectionEstablished(connID, peerID, protocol)
	}
}

func (m multiSink) ConnectionClosed(connID, peerID, reason string) {
	for _, s := range m {
		s.ConnectionClosed(connID, peerID, reason)
	}
}

func (m multiSink) ConnectionError(connID, peerID string, err error) {
	for _, s := range m {
		s.ConnectionError(connID, peerID, err)
	}
}

func (m multiSink) Reconnecting(connID, peerID string, attempt int, delay time.Duration) {
	for _, s := range m {
		s.Reconnecting(connID, peerID, attempt, delay)
	}
}

func (m multiSink) HealthChanged(component, status string) {
	for _, s := range m {
		s.HealthChanged(component, status)
	}
}

func (m multiSink) StrategyOutcome(target, strategy string, applied bool, err error) {
	for _, s := range m {
		s.StrategyOutcome(target, strategy, applied, err)
	}
}

// ── Test support ─────────────────────────────────────────────────────────────

// Event is one recorded lifecycle event.
type Event struct {
	Kind     string
	ConnID   string
	PeerID   string
	Protocol string
	Reason   string
	Attempt  int
	Delay    time.Duration
	Err      error

	Component string
	Status    string

	Target   string
	Strategy string
	Applied  bool
}

// Recorder captures events for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a snapshot of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ByKind returns recorded events of one kind.
func (r *Recorder) ByKind(kind string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) ConnectionEstablished(connID, peerID, protocol string) {
	r.add(Event{Kind: "connection_established", ConnID: connID, PeerID: peerID, Protocol: protocol})
}

func (r *Recorder) ConnectionClosed(connID, peerID, reason string) {
	r.add(Event{Kind: "connection_closed", ConnID: connID, PeerID: peerID, Reason: reason})
}

func (r *Recorder) ConnectionError(connID, peerID string, err error) {
	r.add(Event{Kind: "connection_error", ConnID: connID, PeerID: peerID, Err: err})
}

func (r *Recorder) Reconnecting(connID, peerID string, attempt int, delay time.Duration) {
	r.add(Event{Kind: "reconnecting", ConnID: connID, PeerID: peerID, Attempt: attempt, Delay: delay})
}

func (r *Recorder) HealthChanged(component, status string) {
	r.add(Event{Kind: "health_changed", Component: component, Status: status})
}

func (r *Recorder) StrategyOutcome(target, strategy string, applied bool, err error) {
	r.add(Event{Kind: "strategy_outcome", Target: target, Strategy: strategy, Applied: applied, Err: err})
}
