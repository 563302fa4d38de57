// Package transport maintains the connection fabric between this node and
// its peers.
//
// One Transport owns a bounded pool of protocol connections (WebSocket,
// HTTP/2, gRPC, framed TCP), the per-message send/retry path, automatic
// reconnection with exponential backoff, and periodic reaping of idle
// connections.
//
// Key design constraints:
//   - The pool enforces per-peer and total caps; excess connects fail fast
//     with resource_exhausted instead of queueing.
//   - Reconnection swaps the protocol handle under the same connection id,
//     so callers holding the id observe continuity and response listeners
//     survive the swap.
//   - Broadcast is best-effort fan-out: partial failures are logged and
//     counted, never surfaced as an error.
//   - Metrics and lifecycle events are optional and nil-safe.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/lifecycle"
	"github.com/nulpointcorp/a2a-fabric/internal/metrics"
	"github.com/nulpointcorp/a2a-fabric/internal/ratelimit"
	"github.com/nulpointcorp/a2a-fabric/internal/wire"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxPerPeer      = 5
	defaultMaxTotal        = 1000
	defaultRequestTimeout  = 30 * time.Second
	defaultMaxRetries      = 3
	defaultRetryBaseDelay  = 200 * time.Millisecond
	defaultReconnectBase   = time.Second
	defaultReconnectMult   = 2.0
	defaultReconnectCap    = 5
	defaultIdleTTL         = 10 * time.Minute
	defaultCleanupInterval = 5 * time.Minute

	// maxReconnectDelay caps the reconnect backoff regardless of multiplier.
	maxReconnectDelay = 30 * time.Second
)

// Options holds optional tuning parameters for a Transport. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// AgentID identifies this node in handshakes and outbound messages.
	AgentID string

	// Logger is the structured logger for connection events. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// Events receives connection lifecycle notifications. Defaults to a
	// no-op sink.
	Events lifecycle.Sink

	// Broadcast throttles fan-out sends per peer. Nil disables throttling.
	Broadcast *ratelimit.BroadcastLimiter

	// MaxPerPeer / MaxTotal bound the connection pool. Defaults: 5 / 1000.
	MaxPerPeer int
	MaxTotal   int

	// RequestTimeout is the per-attempt await budget. Default: 30s.
	RequestTimeout time.Duration

	// MaxRetries is how many times a retryable send is retried after the
	// first attempt. Default: 3.
	MaxRetries int

	// RetryBaseDelay seeds the exponential send-retry backoff
	// baseDelay·2^(attempt−1). Default: 200ms.
	RetryBaseDelay time.Duration

	// ReconnectBaseDelay, ReconnectMultiplier and ReconnectMaxAttempts
	// shape the reconnect backoff min(base·mult^(attempt−1), 30s).
	// Defaults: 1s, 2, 5.
	ReconnectBaseDelay   time.Duration
	ReconnectMultiplier  float64
	ReconnectMaxAttempts int

	// IdleTTL and CleanupInterval control the idle reaper. Defaults: 10m, 5m.
	IdleTTL         time.Duration
	CleanupInterval time.Duration

	// UnknownProtocolPolicy decides what happens when a peer config names a
	// protocol this build does not implement: "reject" fails the connect
	// with protocol_error, "fallback-http2" retries the peer over HTTP/2
	// with a logged warning. Default: "reject".
	UnknownProtocolPolicy string
}

// Transport owns all outbound peer connections.
type Transport struct {
	agentID string

	mu     sync.RWMutex
	conns  map[string]*Connection
	byPeer map[string]map[string]struct{}

	maxPerPeer     int
	maxTotal       int
	requestTimeout time.Duration
	maxRetries     int
	retryBaseDelay time.Duration

	reconnectBase time.Duration
	reconnectMult float64
	reconnectCap  int

	idleTTL         time.Duration
	cleanupInterval time.Duration
	unknownPolicy   string

	log      *slog.Logger
	metrics  *metrics.Registry
	events   lifecycle.Sink
	blimiter *ratelimit.BroadcastLimiter

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool

	// Counters folded in from closed connections so Stats stays cumulative.
	retiredBytesSent     atomic.Int64
	retiredBytesReceived atomic.Int64
	retiredMsgSent       atomic.Int64
	retiredMsgReceived   atomic.Int64
	retiredErrors        atomic.Int64

	// openLinkFn dials the protocol handle for a connection. Swapped in
	// tests to avoid real sockets.
	openLinkFn func(ctx context.Context, conn *Connection) (link, error)
}

// New creates a Transport and starts its idle reaper. The reaper and all
// reconnect loops stop when ctx is cancelled or Shutdown is called.
func New(ctx context.Context, opts Options) *Transport {
	if ctx == nil {
		panic("transport: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	t := &Transport{
		agentID:         opts.AgentID,
		conns:           make(map[string]*Connection),
		byPeer:          make(map[string]map[string]struct{}),
		maxPerPeer:      opts.MaxPerPeer,
		maxTotal:        opts.MaxTotal,
		requestTimeout:  opts.RequestTimeout,
		maxRetries:      opts.MaxRetries,
		retryBaseDelay:  opts.RetryBaseDelay,
		reconnectBase:   opts.ReconnectBaseDelay,
		reconnectMult:   opts.ReconnectMultiplier,
		reconnectCap:    opts.ReconnectMaxAttempts,
		idleTTL:         opts.IdleTTL,
		cleanupInterval: opts.CleanupInterval,
		unknownPolicy:   opts.UnknownProtocolPolicy,
		log:             log,
		metrics:         opts.Metrics,
		events:          lifecycle.OrNop(opts.Events),
		blimiter:        opts.Broadcast,
	}

	if t.maxPerPeer <= 0 {
		t.maxPerPeer = defaultMaxPerPeer
	}
	if t.maxTotal <= 0 {
		t.maxTotal = defaultMaxTotal
	}
	if t.requestTimeout <= 0 {
		t.requestTimeout = defaultRequestTimeout
	}
	if t.maxRetries < 0 {
		t.maxRetries = defaultMaxRetries
	}
	if t.retryBaseDelay <= 0 {
		t.retryBaseDelay = defaultRetryBaseDelay
	}
	if t.reconnectBase <= 0 {
		t.reconnectBase = defaultReconnectBase
	}
	if t.reconnectMult < 1 {
		t.reconnectMult = defaultReconnectMult
	}
	if t.reconnectCap <= 0 {
		t.reconnectCap = defaultReconnectCap
	}
	if t.idleTTL <= 0 {
		t.idleTTL = defaultIdleTTL
	}
	if t.cleanupInterval <= 0 {
		t.cleanupInterval = defaultCleanupInterval
	}
	if t.unknownPolicy == "" {
		t.unknownPolicy = config.PolicyReject
	}

	t.baseCtx, t.cancel = context.WithCancel(ctx)
	t.openLinkFn = t.openLink

	t.wg.Add(1)
	go t.reapLoop()

	return t
}

// Initialize connects to every configured peer. Individual failures are
// logged and collected; peers that do connect stay connected.
func (t *Transport) Initialize(ctx context.Context, peers []config.PeerConfig) error {
	var errs []error
	for _, pc := range peers {
		if _, err := t.Connect(ctx, pc.ID, pc); err != nil {
			t.log.WarnContext(ctx, "peer_connect_failed",
				slog.String("peer", pc.ID),
				slog.String("protocol", pc.Protocol),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("peer %s: %w", pc.ID, err))
		}
	}
	return errors.Join(errs...)
}

// ── Connect / Disconnect ─────────────────────────────────────────────────────

// Connect establishes a new connection to peerID. Pool caps are enforced
// here; protocol handshake failures surface as routing_error.
func (t *Transport) Connect(ctx context.Context, peerID string, pc config.PeerConfig) (*Connection, error) {
	if t.closed.Load() {
		return nil, a2aerr.New(a2aerr.TypeRouting, "transport is shut down").
			WithSource("transport")
	}
	if peerID == "" {
		return nil, a2aerr.New(a2aerr.TypeValidation, "peer id must not be empty").
			WithSource("transport")
	}
	pc.ID = peerID

	proto, err := t.resolveProtocol(peerID, pc.Protocol)
	if err != nil {
		return nil, err
	}
	pc.Protocol = proto

	// Cheap pre-check so a doomed dial is skipped; the authoritative check
	// happens at insert time.
	if err := t.checkCapacity(peerID); err != nil {
		return nil, err
	}

	conn := newConnection(peerID, pc, t.metrics)

	l, err := t.openLinkFn(ctx, conn)
	if err != nil {
		var ae *a2aerr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, a2aerr.Wrap(a2aerr.TypeRouting, err,
			fmt.Sprintf("connect to peer %s over %s failed", peerID, proto)).
			WithSource("transport").
			WithContext("peer", peerID)
	}

	conn.attachLink(l)
	conn.state.Store(int32(StateConnected))
	conn.touch()

	if err := t.register(conn); err != nil {
		conn.state.Store(int32(StateClosed))
		conn.closeLink()
		return nil, err
	}

	t.events.ConnectionEstablished(conn.ID, peerID, proto)
	if t.metrics != nil {
		t.metrics.ConnOpened(proto)
	}
	t.log.InfoContext(ctx, "peer_connected",
		slog.String("conn_id", conn.ID),
		slog.String("peer", peerID),
		slog.String("protocol", proto),
	)

	return conn, nil
}

// resolveProtocol applies the unknown-protocol policy.
func (t *Transport) resolveProtocol(peerID, proto string) (string, error) {
	switch proto {
	case config.ProtocolWebSocket, config.ProtocolHTTP2, config.ProtocolGRPC, config.ProtocolTCP:
		return proto, nil
	}

	if t.unknownPolicy == config.PolicyFallbackHTTP2 {
		t.log.Warn("unknown_protocol_fallback",
			slog.String("peer", peerID),
			slog.String("protocol", proto),
			slog.String("fallback", config.ProtocolHTTP2),
		)
		return config.ProtocolHTTP2, nil
	}

	return "", a2aerr.Newf(a2aerr.TypeProtocol, "unsupported protocol %q for peer %s", proto, peerID).
		WithSource("transport")
}

func (t *Transport) checkCapacity(peerID string) error {
	t.mu.RLock()
	total := len(t.conns)
	perPeer := len(t.byPeer[peerID])
	t.mu.RUnlock()
	return t.capacityErr(peerID, perPeer, total)
}

func (t *Transport) capacityErr(peerID string, perPeer, total int) error {
	if total >= t.maxTotal {
		if t.metrics != nil {
			t.metrics.RecordPoolRejection("total")
		}
		return a2aerr.Newf(a2aerr.TypeResourceExhausted,
			"connection pool is full (%d/%d)", total, t.maxTotal).
			WithSource("transport")
	}
	if perPeer >= t.maxPerPeer {
		if t.metrics != nil {
			t.metrics.RecordPoolRejection("per_peer")
		}
		return a2aerr.Newf(a2aerr.TypeResourceExhausted,
			"peer %s already has %d connections (max %d)", peerID, perPeer, t.maxPerPeer).
			WithSource("transport")
	}
	return nil
}

// register inserts the connection, re-checking caps so the pool invariants
// hold even under concurrent connects.
func (t *Transport) register(conn *Connection) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.capacityErr(conn.PeerID, len(t.byPeer[conn.PeerID]), len(t.conns)); err != nil {
		return err
	}

	t.conns[conn.ID] = conn
	set, ok := t.byPeer[conn.PeerID]
	if !ok {
		set = make(map[string]struct{})
		t.byPeer[conn.PeerID] = set
	}
	set[conn.ID] = struct{}{}
	return nil
}

// Disconnect closes the connection and removes it from the pool.
func (t *Transport) Disconnect(connID string) error {
	conn, ok := t.get(connID)
	if !ok {
		return a2aerr.Newf(a2aerr.TypeRouting, "unknown connection %s", connID).
			WithSource("transport")
	}
	t.closeConnection(conn, "disconnect")
	return nil
}

// closeConnection transitions the connection to closed, removes it from the
// pool and folds its counters into the transport totals. Idempotent.
func (t *Transport) closeConnection(conn *Connection, reason string) {
	if State(conn.state.Swap(int32(StateClosed))) == StateClosed {
		return
	}

	t.mu.Lock()
	if _, ok := t.conns[conn.ID]; ok {
		delete(t.conns, conn.ID)
		if set, ok := t.byPeer[conn.PeerID]; ok {
			delete(set, conn.ID)
			if len(set) == 0 {
				delete(t.byPeer, conn.PeerID)
				if t.blimiter != nil {
					t.blimiter.Forget(conn.PeerID)
				}
			}
		}
	}
	t.mu.Unlock()

	conn.closeLink()

	t.retiredBytesSent.Add(conn.bytesSent.Load())
	t.retiredBytesReceived.Add(conn.bytesReceived.Load())
	t.retiredMsgSent.Add(conn.messagesSent.Load())
	t.retiredMsgReceived.Add(conn.messagesReceived.Load())
	t.retiredErrors.Add(conn.errorCount.Load())

	t.events.ConnectionClosed(conn.ID, conn.PeerID, reason)
	if t.metrics != nil {
		t.metrics.ConnClosed(conn.Protocol)
	}
	t.log.Info("peer_disconnected",
		slog.String("conn_id", conn.ID),
		slog.String("peer", conn.PeerID),
		slog.String("reason", reason),
	)
}

// ── Send path ────────────────────────────────────────────────────────────────

// SendRequest sends a request message on the given connection and awaits its
// response. Retryable failures are retried up to MaxRetries times with
// exponential backoff; a later attempt prefers a healthy replacement
// connection to the same peer if the original went down.
//
// A response carrying a JSON-RPC error object is a successful round trip; it
// is returned to the caller, not retried.
func (t *Transport) SendRequest(ctx context.Context, connID string, msg *wire.Message) (*wire.Message, error) {
	conn, ok := t.get(connID)
	if !ok {
		return nil, a2aerr.Newf(a2aerr.TypeRouting, "unknown connection %s", connID).
			WithSource("transport")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			delay := t.retryBaseDelay << (attempt - 1)
			if t.metrics != nil {
				t.metrics.RecordSendRetry(conn.PeerID)
			}
			t.log.DebugContext(ctx, "send_retry",
				slog.String("conn_id", conn.ID),
				slog.String("peer", conn.PeerID),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, a2aerr.From(ctx.Err(), "transport")
			}
			// Reuse the same connection if still healthy, otherwise any
			// healthy sibling to the same peer.
			if !conn.Connected() {
				if fresh := t.healthySibling(conn.PeerID, conn.ID); fresh != nil {
					conn = fresh
				}
			}
		}

		resp, err := t.sendOnce(ctx, conn, msg)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !a2aerr.IsRetryable(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// SendNotification sends a fire-and-forget message; no response is awaited.
// Retryable write failures follow the same retry schedule as SendRequest.
func (t *Transport) SendNotification(ctx context.Context, connID string, msg *wire.Message) error {
	conn, ok := t.get(connID)
	if !ok {
		return a2aerr.Newf(a2aerr.TypeRouting, "unknown connection %s", connID).
			WithSource("transport")
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			delay := t.retryBaseDelay << (attempt - 1)
			if t.metrics != nil {
				t.metrics.RecordSendRetry(conn.PeerID)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return a2aerr.From(ctx.Err(), "transport")
			}
			if !conn.Connected() {
				if fresh := t.healthySibling(conn.PeerID, conn.ID); fresh != nil {
					conn = fresh
				}
			}
		}

		_, err := conn.send(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if !a2aerr.IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// sendOnce performs one attempt: register a response listener (stream
// protocols), transmit, then race the response against the per-attempt
// timeout. The listener is torn down on every exit path.
func (t *Transport) sendOnce(ctx context.Context, conn *Connection, msg *wire.Message) (*wire.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	expectReply := msg.IsRequest()

	var waiter chan *wire.Message
	if expectReply && !conn.synchronous() {
		key := msg.IDKey()
		waiter = conn.addListener(key)
		defer conn.removeListener(key)
	}

	resp, err := conn.send(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !expectReply {
		return nil, nil
	}
	if waiter == nil {
		// Synchronous link; response came back on the same stream.
		return resp, nil
	}

	select {
	case r := <-waiter:
		return r, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, a2aerr.From(ctx.Err(), "transport")
		}
		return nil, a2aerr.Newf(a2aerr.TypeTimeout,
			"no response from peer %s within %s", conn.PeerID, t.requestTimeout).
			WithSource("transport").
			WithContext("conn_id", conn.ID)
	}
}

// healthySibling returns any connected connection to peerID other than
// exclID, or nil.
func (t *Transport) healthySibling(peerID, exclID string) *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id := range t.byPeer[peerID] {
		if id == exclID {
			continue
		}
		if c, ok := t.conns[id]; ok && c.Connected() {
			return c
		}
	}
	return nil
}

// ── Broadcast ────────────────────────────────────────────────────────────────

// Broadcast sends msg to every connected peer connection not listed in
// exclude, in parallel. Partial failures are logged and counted; the
// returned responses are in no particular order. Never returns an error.
func (t *Transport) Broadcast(ctx context.Context, msg *wire.Message, exclude ...string) []*wire.Message {
	excl := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excl[id] = struct{}{}
	}

	t.mu.RLock()
	targets := make([]*Connection, 0, len(t.conns))
	for id, c := range t.conns {
		if _, skip := excl[id]; skip {
			continue
		}
		if !c.Connected() {
			continue
		}
		targets = append(targets, c)
	}
	t.mu.RUnlock()

	var (
		respMu    sync.Mutex
		responses = make([]*wire.Message, 0, len(targets))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range targets {
		conn := conn
		g.Go(func() error {
			if err := t.blimiter.Wait(gctx, conn.PeerID); err != nil {
				t.recordBroadcastFailure(conn, err)
				return nil
			}

			resp, err := t.sendOnce(gctx, conn, msg)
			if err != nil {
				t.recordBroadcastFailure(conn, err)
				return nil
			}
			if t.metrics != nil {
				t.metrics.RecordBroadcastSend("ok")
			}
			if resp != nil {
				respMu.Lock()
				responses = append(responses, resp)
				respMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return responses
}

func (t *Transport) recordBroadcastFailure(conn *Connection, err error) {
	if t.metrics != nil {
		t.metrics.RecordBroadcastSend("error")
	}
	t.log.Warn("broadcast_send_failed",
		slog.String("conn_id", conn.ID),
		slog.String("peer", conn.PeerID),
		slog.String("error", err.Error()),
	)
}

// ── Reconnection ─────────────────────────────────────────────────────────────

// linkDown is invoked by a link's receive loop (or a failed HTTP/2 session)
// when the underlying channel died. Exactly one caller wins the transition
// to reconnecting; everyone else is ignored.
func (t *Transport) linkDown(conn *Connection, cause error) {
	if t.closed.Load() {
		return
	}
	if !conn.state.CompareAndSwap(int32(StateConnected), int32(StateReconnecting)) {
		return
	}

	t.events.ConnectionError(conn.ID, conn.PeerID, cause)
	t.log.Warn("connection_lost",
		slog.String("conn_id", conn.ID),
		slog.String("peer", conn.PeerID),
		slog.String("error", cause.Error()),
	)

	t.wg.Add(1)
	go t.reconnectLoop(conn)
}

func (t *Transport) reconnectLoop(conn *Connection) {
	defer t.wg.Done()

	for attempt := 1; attempt <= t.reconnectCap; attempt++ {
		delay := reconnectDelay(t.reconnectBase, t.reconnectMult, attempt)
		t.events.Reconnecting(conn.ID, conn.PeerID, attempt, delay)

		select {
		case <-time.After(delay):
		case <-t.baseCtx.Done():
			return
		}

		if _, ok := t.get(conn.ID); !ok {
			return // evicted while we slept
		}
		if conn.State() != StateReconnecting {
			return
		}

		l, err := t.openLinkFn(t.baseCtx, conn)
		if err != nil {
			if t.metrics != nil {
				t.metrics.RecordReconnect(conn.PeerID, "failure")
			}
			t.log.Warn("reconnect_failed",
				slog.String("conn_id", conn.ID),
				slog.String("peer", conn.PeerID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		conn.attachLink(l)
		if !conn.state.CompareAndSwap(int32(StateReconnecting), int32(StateConnected)) {
			// Closed while dialing; give the link back.
			_ = l.close()
			return
		}
		conn.touch()

		if t.metrics != nil {
			t.metrics.RecordReconnect(conn.PeerID, "success")
		}
		t.events.ConnectionEstablished(conn.ID, conn.PeerID, conn.Protocol)
		t.log.Info("peer_reconnected",
			slog.String("conn_id", conn.ID),
			slog.String("peer", conn.PeerID),
			slog.Int("attempts", attempt),
		)
		return
	}

	if t.metrics != nil {
		t.metrics.RecordReconnect(conn.PeerID, "exhausted")
	}
	t.closeConnection(conn, "reconnect_exhausted")
}

// reconnectDelay computes min(base·mult^(attempt−1), 30s).
func reconnectDelay(base time.Duration, mult float64, attempt int) time.Duration {
	d := float64(base) * math.Pow(mult, float64(attempt-1))
	if d > float64(maxReconnectDelay) {
		return maxReconnectDelay
	}
	return time.Duration(d)
}

// openLink dials the protocol handle for conn, wiring its receive side back
// to the connection and the reconnect machinery.
func (t *Transport) openLink(ctx context.Context, conn *Connection) (link, error) {
	hooks := linkHooks{
		onMessage:  conn.handleInbound,
		onActivity: conn.touch,
		onDown:     func(err error) { t.linkDown(conn, err) },
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout(conn.cfg))
	defer cancel()

	switch conn.Protocol {
	case config.ProtocolWebSocket:
		return dialWebSocket(dialCtx, conn.cfg, hooks, t.log)
	case config.ProtocolHTTP2:
		return dialHTTP2(dialCtx, conn.cfg, hooks, t.log, false)
	case config.ProtocolGRPC:
		return dialHTTP2(dialCtx, conn.cfg, hooks, t.log, true)
	case config.ProtocolTCP:
		return dialTCP(dialCtx, t.agentID, conn.cfg, hooks, t.log)
	default:
		return nil, a2aerr.Newf(a2aerr.TypeProtocol, "unsupported protocol %q", conn.Protocol).
			WithSource("transport")
	}
}

// ── Idle reaping ─────────────────────────────────────────────────────────────

func (t *Transport) reapLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.reapIdle()
		case <-t.baseCtx.Done():
			return
		}
	}
}

// reapIdle disconnects connections that have been idle longer than IdleTTL
// or are no longer connected (including those stuck reconnecting past a
// full reap interval).
func (t *Transport) reapIdle() {
	t.mu.RLock()
	snapshot := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		snapshot = append(snapshot, c)
	}
	t.mu.RUnlock()

	now := time.Now()
	for _, c := range snapshot {
		idle := now.Sub(c.LastActivity())
		switch {
		case !c.Connected():
			t.closeConnection(c, "reaped_disconnected")
		case idle > t.idleTTL:
			t.log.Info("reaping_idle_connection",
				slog.String("conn_id", c.ID),
				slog.String("peer", c.PeerID),
				slog.Duration("idle", idle),
			)
			t.closeConnection(c, "reaped_idle")
		}
	}
}

// ── Lookup / metrics / shutdown ──────────────────────────────────────────────

func (t *Transport) get(connID string) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[connID]
	return c, ok
}

// Connection returns the live connection with the given id.
func (t *Transport) Connection(connID string) (*Connection, bool) {
	return t.get(connID)
}

// ConnectionsByPeer returns a snapshot of all connections to peerID.
func (t *Transport) ConnectionsByPeer(peerID string) []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Connection, 0, len(t.byPeer[peerID]))
	for id := range t.byPeer[peerID] {
		if c, ok := t.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Stats is the aggregate transport view returned by Stats().
type Stats struct {
	Connections        int
	ConnectionsByPeer  map[string]int
	ConnectionsByProto map[string]int

	BytesSent        int64
	BytesReceived    int64
	MessagesSent     int64
	MessagesReceived int64
	Errors           int64
}

// Stats aggregates live connection counters plus totals retained from
// closed connections.
func (t *Transport) Stats() Stats {
	s := Stats{
		ConnectionsByPeer:  make(map[string]int),
		ConnectionsByProto: make(map[string]int),
		BytesSent:          t.retiredBytesSent.Load(),
		BytesReceived:      t.retiredBytesReceived.Load(),
		MessagesSent:       t.retiredMsgSent.Load(),
		MessagesReceived:   t.retiredMsgReceived.Load(),
		Errors:             t.retiredErrors.Load(),
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	s.Connections = len(t.conns)
	for peer, set := range t.byPeer {
		s.ConnectionsByPeer[peer] = len(set)
	}
	for _, c := range t.conns {
		s.ConnectionsByProto[c.Protocol]++
		s.BytesSent += c.bytesSent.Load()
		s.BytesReceived += c.bytesReceived.Load()
		s.MessagesSent += c.messagesSent.Load()
		s.MessagesReceived += c.messagesReceived.Load()
		s.Errors += c.errorCount.Load()
	}
	return s
}

// Shutdown closes every connection and stops the background loops. It never
// returns an error; if ctx expires first the remaining work is abandoned
// with a logged warning.
func (t *Transport) Shutdown(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()

	t.mu.RLock()
	snapshot := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		snapshot = append(snapshot, c)
	}
	t.mu.RUnlock()

	for _, c := range snapshot {
		t.closeConnection(c, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.log.Warn("shutdown_timeout", slog.String("error", ctx.Err().Error()))
	}
	return nil
}
