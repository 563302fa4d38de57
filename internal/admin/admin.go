// Package admin serves the management plane: health, readiness and
// Prometheus metrics on a listener separate from the fabric data plane, so
// operational probes never share a port with peer traffic.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/a2a-fabric/internal/shell"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// Options configures the management server.
type Options struct {
	// AgentID and Version are reported by the health endpoint.
	AgentID string
	Version string

	// CORSOrigins is the allowed-origin list. Nil or ["*"] means open.
	CORSOrigins []string

	// Health supplies per-target rows for /health. Optional.
	Health *shell.HealthTracker

	// Metrics is the /metrics handler, typically metrics.Registry.Handler().
	// Nil disables the route.
	Metrics RouteHandler

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the management HTTP server. It starts not-ready; the application
// flips readiness once its components are up.
type Server struct {
	agentID string
	version string
	health  *shell.HealthTracker
	metrics RouteHandler
	origins []string
	log     *slog.Logger

	ready atomic.Bool
	srv   *fasthttp.Server
	ln    net.Listener
}

// New builds a Server. It does not listen; call Serve or Start.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		agentID: opts.AgentID,
		version: opts.Version,
		health:  opts.Health,
		metrics: opts.Metrics,
		origins: opts.CORSOrigins,
		log:     opts.Logger,
	}

	r := router.New()
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics)
	}

	handler := applyMiddleware(r.Handler,
		s.recovery,
		requestID,
		timing,
		corsHandler(s.origins),
		securityHeaders,
	)

	s.srv = &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// SetReady flips the /readiness verdict.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Start listens on addr and serves until Close.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener until Close.
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	s.log.Info("admin_listening", slog.String("addr", ln.Addr().String()))
	return s.srv.Serve(ln)
}

// Addr returns the bound listener address, nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close shuts the server down gracefully.
func (s *Server) Close() error {
	return s.srv.Shutdown()
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	payload := map[string]any{
		"status":  "ok",
		"agentId": s.agentID,
		"version": s.version,
	}
	if s.health != nil {
		payload["targets"] = s.health.Snapshot()
	}
	writeJSON(ctx, payload)
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.ready.Load() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
