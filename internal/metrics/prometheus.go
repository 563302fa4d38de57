// Package metrics provides a Prometheus metrics registry for the fabric.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// a2a_inflight_requests
	inFlight prometheus.Gauge

	// a2a_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// a2a_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// a2a_open_connections{protocol}
	openConns *prometheus.GaugeVec

	// a2a_messages_total{direction,protocol}
	messagesTotal *prometheus.CounterVec

	// a2a_bytes_total{direction,protocol}
	bytesTotal *prometheus.CounterVec

	// a2a_send_retries_total{peer}
	sendRetries *prometheus.CounterVec

	// a2a_reconnects_total{peer,outcome}
	reconnects *prometheus.CounterVec

	// a2a_pool_rejections_total{reason}
	poolRejections *prometheus.CounterVec

	// a2a_broadcast_sends_total{result}
	broadcastSends *prometheus.CounterVec

	// a2a_invocations_total{capability,status}
	invocations *prometheus.CounterVec

	// a2a_invocation_duration_seconds{capability}
	invocationDuration *prometheus.HistogramVec

	// a2a_compositions_total{strategy,status}
	compositions *prometheus.CounterVec

	// a2a_route_requests_total{provider,status}
	routeRequests *prometheus.CounterVec

	// a2a_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// a2a_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// a2a_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// a2a_failover_events_total{primary,from,to,reason}
	failoverEvents *prometheus.CounterVec

	// a2a_failover_success_total{primary,to}
	failoverSuccess *prometheus.CounterVec

	// a2a_failover_exhausted_total{primary}
	failoverExhausted *prometheus.CounterVec

	// a2a_stream_recoveries_total{provider,outcome}
	streamRecoveries *prometheus.CounterVec

	// circuit_breaker_state{target} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// a2a_circuit_breaker_transitions_total{target,to_state}
	cbTransitions *prometheus.CounterVec

	// a2a_circuit_breaker_rejections_total{target,state}
	cbRejections *prometheus.CounterVec

	// a2a_batch_flushes_total{tool,trigger}
	batchFlushes *prometheus.CounterVec

	// a2a_batch_size{tool}
	batchSize *prometheus.HistogramVec

	// a2a_strategy_outcomes_total{strategy,outcome}
	strategyOutcomes *prometheus.CounterVec

	// a2a_predictor_samples
	predictorSamples prometheus.Gauge

	// a2a_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// a2a_peer_health{target}
	peerHealth *prometheus.GaugeVec

	// a2a_alerts_total{kind}
	alertsTotal *prometheus.CounterVec

	// a2a_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	durationBuckets := []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "a2a_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the peer server",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_http_requests_total",
				Help: "Total number of HTTP requests handled by the peer server",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "a2a_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		openConns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "a2a_open_connections",
				Help: "Currently open transport connections by protocol",
			},
			[]string{"protocol"},
		),

		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_messages_total",
				Help: "Messages moved through the transport",
			},
			[]string{"direction", "protocol"},
		),

		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_bytes_total",
				Help: "Payload bytes moved through the transport",
			},
			[]string{"direction", "protocol"},
		),

		sendRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_send_retries_total",
				Help: "Send retries after retryable transport errors",
			},
			[]string{"peer"},
		),

		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_reconnects_total",
				Help: "Reconnection attempts by outcome",
			},
			[]string{"peer", "outcome"},
		),

		poolRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_pool_rejections_total",
				Help: "Connection requests rejected by pool caps",
			},
			[]string{"reason"},
		),

		broadcastSends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_broadcast_sends_total",
				Help: "Per-connection broadcast send outcomes",
			},
			[]string{"result"},
		),

		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_invocations_total",
				Help: "Capability invocations by outcome",
			},
			[]string{"capability", "status"},
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "a2a_invocation_duration_seconds",
				Help:    "Capability invocation duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"capability"},
		),

		compositions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_compositions_total",
				Help: "Composition executions by strategy and outcome",
			},
			[]string{"strategy", "status"},
		),

		routeRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_route_requests_total",
				Help: "Routed requests by final provider and status",
			},
			[]string{"provider", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_upstream_attempts_total",
				Help: "Provider attempts (includes failovers)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "a2a_upstream_attempt_duration_seconds",
				Help:    "Provider attempt duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"provider", "outcome"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_failover_events_total",
				Help: "Failover events between providers (emitted when switching to a different provider)",
			},
			[]string{"primary", "from", "to", "reason"},
		),

		failoverSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_failover_success_total",
				Help: "Successful failovers (request served by non-primary provider)",
			},
			[]string{"primary", "to"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_failover_exhausted_total",
				Help: "Requests that exhausted failover attempts without success",
			},
			[]string{"primary"},
		),

		streamRecoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_stream_recoveries_total",
				Help: "Stream reconnection attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"target"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"target", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_circuit_breaker_rejections_total",
				Help: "Requests rejected due to circuit breaker state",
			},
			[]string{"target", "state"},
		),

		batchFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_batch_flushes_total",
				Help: "Batch flushes by trigger (size or timer)",
			},
			[]string{"tool", "trigger"},
		),

		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "a2a_batch_size",
				Help:    "Number of requests per flushed batch",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
			[]string{"tool"},
		),

		strategyOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_strategy_outcomes_total",
				Help: "Optimization strategy applications by outcome",
			},
			[]string{"strategy", "outcome"},
		),

		predictorSamples: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "a2a_predictor_samples",
			Help: "Samples currently held by the latency predictor",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		peerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "a2a_peer_health",
				Help: "Peer or provider health status (1=ok, 0=degraded)",
			},
			[]string{"target"},
		),

		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_alerts_total",
				Help: "Alerts raised by kind",
			},
			[]string{"kind"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "a2a_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.openConns,
		r.messagesTotal,
		r.bytesTotal,
		r.sendRetries,
		r.reconnects,
		r.poolRejections,
		r.broadcastSends,
		r.invocations,
		r.invocationDuration,
		r.compositions,
		r.routeRequests,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.failoverEvents,
		r.failoverSuccess,
		r.failoverExhausted,
		r.streamRecoveries,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.batchFlushes,
		r.batchSize,
		r.strategyOutcomes,
		r.predictorSamples,
		r.rateLimitTotal,
		r.peerHealth,
		r.alertsTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// ── Peer server ──────────────────────────────────────────────────────────────

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// ── Transport ────────────────────────────────────────────────────────────────

func (r *Registry) ConnOpened(protocol string) { r.openConns.WithLabelValues(protocol).Inc() }
func (r *Registry) ConnClosed(protocol string) { r.openConns.WithLabelValues(protocol).Dec() }

// RecordMessage counts one message and its payload bytes. direction is
// "sent" or "received".
func (r *Registry) RecordMessage(direction, protocol string, payloadBytes int) {
	r.messagesTotal.WithLabelValues(direction, protocol).Inc()
	if payloadBytes > 0 {
		r.bytesTotal.WithLabelValues(direction, protocol).Add(float64(payloadBytes))
	}
}

func (r *Registry) RecordSendRetry(peer string) {
	r.sendRetries.WithLabelValues(peer).Inc()
}

func (r *Registry) RecordReconnect(peer, outcome string) {
	r.reconnects.WithLabelValues(peer, outcome).Inc()
}

func (r *Registry) RecordPoolRejection(reason string) {
	r.poolRejections.WithLabelValues(reason).Inc()
}

func (r *Registry) RecordBroadcastSend(result string) {
	r.broadcastSends.WithLabelValues(result).Inc()
}

// ── Registry (capabilities) ──────────────────────────────────────────────────

func (r *Registry) ObserveInvocation(capability, status string, dur time.Duration) {
	r.invocations.WithLabelValues(capability, status).Inc()
	r.invocationDuration.WithLabelValues(capability).Observe(dur.Seconds())
}

func (r *Registry) RecordComposition(strategy, status string) {
	r.compositions.WithLabelValues(strategy, status).Inc()
}

// ── Router ───────────────────────────────────────────────────────────────────

func (r *Registry) RecordRouteRequest(provider, status string) {
	r.routeRequests.WithLabelValues(provider, status).Inc()
}

// ObserveUpstreamAttempt records one provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailover(primary, from, to, reason string) {
	r.failoverEvents.WithLabelValues(primary, from, to, reason).Inc()
}

func (r *Registry) RecordFailoverSuccess(primary, to string) {
	r.failoverSuccess.WithLabelValues(primary, to).Inc()
}

func (r *Registry) RecordFailoverExhausted(primary string) {
	r.failoverExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordStreamRecovery(provider, outcome string) {
	r.streamRecoveries.WithLabelValues(provider, outcome).Inc()
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

// ── Shell ────────────────────────────────────────────────────────────────────

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(target string, state int64) {
	r.circuitBreakerState.WithLabelValues(target).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[target]
	if !ok || prev != float64(state) {
		r.lastCBState[target] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(target, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(target, state string) {
	r.cbRejections.WithLabelValues(target, state).Inc()
}

func (r *Registry) RecordBatchFlush(tool, trigger string, size int) {
	r.batchFlushes.WithLabelValues(tool, trigger).Inc()
	r.batchSize.WithLabelValues(tool).Observe(float64(size))
}

func (r *Registry) RecordStrategyOutcome(strategy, outcome string) {
	r.strategyOutcomes.WithLabelValues(strategy, outcome).Inc()
}

func (r *Registry) SetPredictorSamples(n int) {
	r.predictorSamples.Set(float64(n))
}

// ── Health ───────────────────────────────────────────────────────────────────

func (r *Registry) SetPeerHealth(target string, ok bool) {
	if ok {
		r.peerHealth.WithLabelValues(target).Set(1)
		return
	}
	r.peerHealth.WithLabelValues(target).Set(0)
}

func (r *Registry) RecordAlert(kind string) {
	r.alertsTotal.WithLabelValues(kind).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
