package peerserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/logger"
	"github.com/nulpointcorp/a2a-fabric/internal/metrics"
	"github.com/nulpointcorp/a2a-fabric/internal/ratelimit"
	"github.com/nulpointcorp/a2a-fabric/internal/registry"
	"github.com/nulpointcorp/a2a-fabric/internal/shell"
	"github.com/nulpointcorp/a2a-fabric/internal/value"
	"github.com/nulpointcorp/a2a-fabric/internal/wire"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// Fabric methods the dispatcher answers itself rather than looking up in the
// capability registry.
const (
	methodHandshake    = "a2a.handshake"
	methodHeartbeat    = "heartbeat"
	methodDiscovery    = "a2a.discovery"
	methodCapabilities = "a2a.capabilities"
)

// session carries per-connection state shared by the listeners. The HTTP
// listener builds a fresh one per request; WebSocket and TCP keep one per
// connection, mutated only by that connection's read loop.
type session struct {
	// proto is the metrics/log label: "http", "websocket" or "tcp".
	proto string
	// remote is the peer's network address.
	remote string
	// peerID is the peer's self-reported agent id, captured from the first
	// message seen on the session.
	peerID string
	// authed reports that the peer passed the configured auth mode. The TLS
	// listener pre-sets it in certificate mode; token modes set it on a
	// bearer header or handshake message. Mode none leaves it false and the
	// caller is treated as basic trust.
	authed bool
}

// dispatcher answers inbound fabric messages from the local registry. All
// listeners share one instance.
type dispatcher struct {
	agentID        string
	reg            *registry.Registry
	selector       *shell.Selector
	rpm            *ratelimit.RPMLimiter
	authMode       string
	authToken      string
	requestTimeout time.Duration
	log            *slog.Logger
	metrics        *metrics.Registry
	dlog           *logger.Logger
}

// needsAuth reports whether messages must arrive on an authenticated
// session. Certificate mode authenticates at the TLS layer, so those
// sessions arrive pre-authed from the listener.
func (d *dispatcher) needsAuth() bool {
	switch d.authMode {
	case config.AuthToken, config.AuthOAuth2, config.AuthCertificate:
		return true
	}
	return false
}

// checkToken compares a presented bearer token against the configured one.
func (d *dispatcher) checkToken(token string) bool {
	switch d.authMode {
	case config.AuthToken, config.AuthOAuth2:
		return subtle.ConstantTimeCompare([]byte(token), []byte(d.authToken)) == 1
	}
	return true
}

// dispatch answers one decoded message. A nil response means nothing is
// written (notifications, stray responses). A non-nil error means the
// session must be torn down after the response is written; the stream
// listeners use it to drop peers that fail authentication.
func (d *dispatcher) dispatch(ctx context.Context, sess *session, msg *wire.Message) (resp *wire.Message, fatal error) {
	if sess.peerID == "" && msg.From != "" {
		sess.peerID = msg.From
	}
	if d.dlog != nil {
		start := time.Now()
		defer func() { d.logDispatch(sess, msg, resp, time.Since(start)) }()
	}

	if err := msg.Validate(); err != nil {
		return d.fail(sess, msg, err), nil
	}

	if msg.MessageType == wire.TypeSecurityHandshake || msg.Method == methodHandshake {
		return d.handleHandshake(sess, msg)
	}

	if d.needsAuth() && !sess.authed {
		err := a2aerr.New(a2aerr.TypeAuthentication, "session is not authenticated").
			WithSource("peerserver")
		return d.fail(sess, msg, err), err
	}

	if msg.IsResponse() {
		// Responses belong on the dialing side of a connection; one arriving
		// here means the peer crossed its streams.
		d.log.DebugContext(ctx, "stray_response_dropped",
			slog.String("peer", sess.peerID), slog.String("proto", sess.proto))
		return nil, nil
	}

	if resp := d.checkRate(ctx, sess, msg); resp != nil {
		return resp, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	switch {
	case msg.Method == methodHeartbeat || msg.MessageType == wire.TypeHeartbeat:
		return d.respond(msg, d.heartbeatAck()), nil

	case msg.MessageType == wire.TypeDiscovery || msg.Method == methodDiscovery:
		return d.respond(msg, d.discovery()), nil

	case msg.MessageType == wire.TypeCapabilityQuery || msg.Method == methodCapabilities:
		res, err := d.capabilityQuery(msg)
		if err != nil {
			return d.fail(sess, msg, err), nil
		}
		return d.respond(msg, res), nil

	case msg.MessageType == wire.TypeRegistration:
		err := a2aerr.New(a2aerr.TypeValidation, "dynamic peer registration is not supported").
			WithSource("peerserver")
		return d.fail(sess, msg, err), nil

	case msg.MessageType == wire.TypeResourceNegotiation:
		err := a2aerr.New(a2aerr.TypeValidation, "resource negotiation is not supported").
			WithSource("peerserver")
		return d.fail(sess, msg, err), nil

	default:
		result, err := d.invoke(ctx, sess, msg)
		if err != nil {
			return d.fail(sess, msg, err), nil
		}
		return d.respond(msg, result), nil
	}
}

// checkRate applies the per-agent RPM cap to requests. A non-nil return is
// the rejection response. Limiter backend trouble fails open.
func (d *dispatcher) checkRate(ctx context.Context, sess *session, msg *wire.Message) *wire.Message {
	if d.rpm == nil || !msg.IsRequest() {
		return nil
	}
	agent := msg.From
	if agent == "" {
		agent = sess.remote
	}
	ok, err := d.rpm.Allow(ctx, agent)
	switch {
	case err != nil:
		d.log.WarnContext(ctx, "rate_limit_check_failed", slog.String("error", err.Error()))
		if d.metrics != nil {
			d.metrics.RecordRateLimit("error")
		}
	case !ok:
		if d.metrics != nil {
			d.metrics.RecordRateLimit("blocked")
		}
		werr := a2aerr.Newf(a2aerr.TypeResourceExhausted, "agent %s exceeded the request rate", agent).
			WithSource("peerserver")
		return d.fail(sess, msg, werr)
	default:
		if d.metrics != nil {
			d.metrics.RecordRateLimit("allowed")
		}
	}
	return nil
}

// handshakeParams is the payload of an a2a.handshake message.
type handshakeParams struct {
	Token string `json:"token"`
}

// handleHandshake authenticates a stream session from a handshake message.
// A bad token is fatal for the connection. In modes without a token there is
// nothing to verify; the handshake is acknowledged but does not raise trust.
func (d *dispatcher) handleHandshake(sess *session, msg *wire.Message) (*wire.Message, error) {
	var p handshakeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			werr := a2aerr.Wrap(a2aerr.TypeSerialization, err, "decode handshake").
				WithSource("peerserver")
			return d.fail(sess, msg, werr), werr
		}
	}

	switch d.authMode {
	case config.AuthToken, config.AuthOAuth2:
		if !d.checkToken(p.Token) {
			werr := a2aerr.New(a2aerr.TypeAuthentication, "handshake token mismatch").
				WithSource("peerserver")
			return d.fail(sess, msg, werr), werr
		}
		sess.authed = true
	}

	d.log.Debug("peer_handshake",
		slog.String("peer", sess.peerID),
		slog.String("proto", sess.proto),
		slog.Bool("authed", sess.authed),
	)
	return d.respond(msg, map[string]any{"authenticated": sess.authed}), nil
}

// invoke runs a capability (or composition) invocation for a request or a
// fire-and-forget notification.
func (d *dispatcher) invoke(ctx context.Context, sess *session, msg *wire.Message) (value.Value, error) {
	params, err := decodeParams(msg.Params)
	if err != nil {
		return value.Null(), err
	}
	caller := d.callerFor(sess, msg)

	// Compositions orchestrate their own capability calls, so they bypass
	// the strategy selector.
	if msg.MessageType == wire.TypeWorkflowCoordination {
		return d.compose(ctx, msg.Method, params, caller)
	}
	if _, ok := d.reg.GetComposition(msg.Method); ok {
		return d.compose(ctx, msg.Method, params, caller)
	}

	direct := func(ctx context.Context, _ string) (value.Value, error) {
		return d.reg.Invoke(ctx, msg.Method, params, caller)
	}
	if d.selector != nil {
		return d.selector.Exec(ctx, shell.Call{Tool: msg.Method, Params: value.Obj(params)}, direct)
	}
	return direct(ctx, "")
}

func (d *dispatcher) compose(ctx context.Context, id string, params value.Object, caller registry.Caller) (value.Value, error) {
	res, err := d.reg.ExecuteComposition(ctx, id, params, caller)
	if err != nil {
		return value.Null(), err
	}
	return compositionValue(res), nil
}

// compositionValue flattens a composition outcome into a wire-encodable
// object.
func compositionValue(res *registry.CompositionResult) value.Value {
	results := make(value.Object, len(res.Results))
	for step, v := range res.Results {
		results[step] = v
	}
	obj := value.Object{
		"compositionId": value.String(res.CompositionID),
		"status":        value.String(string(res.Status)),
		"results":       value.Obj(results),
		"elapsedMs":     value.Int(int(res.Elapsed.Milliseconds())),
	}
	if len(res.Errors) > 0 {
		errs := make(value.Object, len(res.Errors))
		for step, err := range res.Errors {
			errs[step] = value.String(err.Error())
		}
		obj["errors"] = value.Obj(errs)
	}
	if len(res.Skipped) > 0 {
		skipped := make([]value.Value, len(res.Skipped))
		for i, s := range res.Skipped {
			skipped[i] = value.String(s)
		}
		obj["skipped"] = value.Array(skipped...)
	}
	return value.Obj(obj)
}

// callerFor maps the session onto a registry caller. Authenticated peers are
// verified; anonymous peers get basic trust.
func (d *dispatcher) callerFor(sess *session, msg *wire.Message) registry.Caller {
	id := msg.From
	if id == "" {
		id = sess.remote
	}
	trust := registry.TrustBasic
	if sess.authed {
		trust = registry.TrustVerified
	}
	return registry.Caller{ID: id, Trust: trust}
}

// decodeParams turns a raw params field into an object. Absent or null
// params mean an empty object; anything non-object is rejected.
func decodeParams(raw json.RawMessage) (value.Object, error) {
	if len(raw) == 0 {
		return value.Object{}, nil
	}
	var v value.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, a2aerr.Wrap(a2aerr.TypeSerialization, err, "decode params").
			WithSource("peerserver")
	}
	if v.IsNull() {
		return value.Object{}, nil
	}
	obj, ok := v.AsObject()
	if !ok {
		return nil, a2aerr.New(a2aerr.TypeValidation, "params must be a JSON object").
			WithSource("peerserver")
	}
	return obj, nil
}

func (d *dispatcher) heartbeatAck() map[string]any {
	return map[string]any{
		"status":    "ok",
		"agentId":   d.agentID,
		"timestamp": time.Now().UnixMilli(),
	}
}

// discoveryPayload is the wire form of the registry's discovery info.
type discoveryPayload struct {
	AgentID           string              `json:"agentId"`
	TotalCapabilities int                 `json:"totalCapabilities"`
	Categories        map[string][]string `json:"categories"`
	Versions          map[string][]string `json:"versions"`
	Dependencies      map[string][]string `json:"dependencies,omitempty"`
	Popular           []string            `json:"popular,omitempty"`
	Trending          []string            `json:"trending,omitempty"`
	Compositions      []string            `json:"compositions,omitempty"`
	GeneratedAt       time.Time           `json:"generatedAt"`
}

func (d *dispatcher) discovery() discoveryPayload {
	info := d.reg.DiscoveryInfo()
	return discoveryPayload{
		AgentID:           d.agentID,
		TotalCapabilities: info.TotalCapabilities,
		Categories:        info.Categories,
		Versions:          info.Versions,
		Dependencies:      info.Dependencies,
		Popular:           info.Popular,
		Trending:          info.Trending,
		Compositions:      info.Compositions,
		GeneratedAt:       info.GeneratedAt,
	}
}

// queryParams mirrors the wire form of a capability query.
type queryParams struct {
	NameContains string   `json:"nameContains"`
	Version      string   `json:"version"`
	Category     string   `json:"category"`
	MaxTrust     string   `json:"maxTrust"`
	Held         []string `json:"held"`
	MaxLatencyMs float64  `json:"maxLatencyMs"`
	MaxResource  string   `json:"maxResource"`
	Tags         []string `json:"tags"`
}

// capabilityPayload is the wire form of one registry row.
type capabilityPayload struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Description   string   `json:"description,omitempty"`
	Category      string   `json:"category"`
	Status        string   `json:"status"`
	Tags          []string `json:"tags,omitempty"`
	MinTrust      string   `json:"minTrust"`
	SideEffects   []string `json:"sideEffects,omitempty"`
	AvgLatencyMs  float64  `json:"avgLatencyMs"`
	ResourceUsage string   `json:"resourceUsage"`
	Cacheable     bool     `json:"cacheable"`
	Invocations   int64    `json:"invocations"`
	SuccessRate   float64  `json:"successRate"`
}

type queryResult struct {
	Capabilities []capabilityPayload `json:"capabilities"`
	Total        int                 `json:"total"`
}

func (d *dispatcher) capabilityQuery(msg *wire.Message) (queryResult, error) {
	var p queryParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return queryResult{}, a2aerr.Wrap(a2aerr.TypeSerialization, err, "decode capability query").
				WithSource("peerserver")
		}
	}

	q := registry.Query{
		NameContains: p.NameContains,
		Version:      p.Version,
		Category:     p.Category,
		Held:         p.Held,
		MaxLatencyMs: p.MaxLatencyMs,
		Tags:         p.Tags,
	}
	if p.MaxTrust != "" {
		lvl, err := registry.ParseTrust(p.MaxTrust)
		if err != nil {
			return queryResult{}, err
		}
		q.MaxTrust = &lvl
	}
	if p.MaxResource != "" {
		tier, err := registry.ParseResourceTier(p.MaxResource)
		if err != nil {
			return queryResult{}, err
		}
		q.MaxResource = &tier
	}

	regs := d.reg.Query(q)
	out := queryResult{Capabilities: make([]capabilityPayload, 0, len(regs)), Total: len(regs)}
	for _, reg := range regs {
		out.Capabilities = append(out.Capabilities, capabilityFor(reg))
	}
	return out, nil
}

func capabilityFor(reg registry.Registration) capabilityPayload {
	c := reg.Capability
	return capabilityPayload{
		ID:            reg.ID,
		Name:          c.Name,
		Version:       c.Version,
		Description:   c.Description,
		Category:      c.Category(),
		Status:        string(reg.Status),
		Tags:          c.Tags,
		MinTrust:      c.Security.MinTrust.String(),
		SideEffects:   c.Security.SideEffects,
		AvgLatencyMs:  c.Performance.AvgLatencyMs,
		ResourceUsage: c.Performance.ResourceUsage.String(),
		Cacheable:     c.Performance.Cacheable,
		Invocations:   reg.Stats.Invocations,
		SuccessRate:   reg.Stats.SuccessRate,
	}
}

// respond builds the success response, or nil for notifications.
func (d *dispatcher) respond(msg *wire.Message, result any) *wire.Message {
	if msg.IsNotification() {
		return nil
	}
	resp, err := wire.NewResponse(msg, result)
	if err != nil {
		return wire.NewErrorResponse(msg, a2aerr.From(err, "peerserver"))
	}
	return resp
}

// logDispatch feeds one row to the async dispatch-log pipeline.
func (d *dispatcher) logDispatch(sess *session, msg *wire.Message, resp *wire.Message, elapsed time.Duration) {
	status := "ok"
	if resp != nil && resp.Error != nil {
		status = a2aerr.TypeForCode(resp.Error.Code)
	}
	source := msg.From
	if source == "" {
		source = sess.remote
	}
	d.dlog.Log(logger.DispatchLog{
		ID:          uuid.New(),
		TraceID:     strings.Trim(string(msg.ID), `"`),
		SourceAgent: source,
		TargetAgent: d.agentID,
		Capability:  msg.Method,
		Protocol:    sess.proto,
		MessageType: string(msg.MessageType),
		Status:      status,
		LatencyMs:   uint32(elapsed.Milliseconds()),
		CreatedAt:   time.Now(),
	})
}

// fail logs the failure and builds the error response, or nil for
// notifications.
func (d *dispatcher) fail(sess *session, msg *wire.Message, err error) *wire.Message {
	e := a2aerr.From(err, "peerserver")
	d.log.Warn("dispatch_failed",
		slog.String("peer", sess.peerID),
		slog.String("proto", sess.proto),
		slog.String("method", msg.Method),
		slog.String("type", e.Type),
		slog.String("error", e.Message),
	)
	if msg.IsNotification() {
		return nil
	}
	return wire.NewErrorResponse(msg, e)
}
