// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, ClickHouse) when configured
//  2. initServices  — cache backend, metrics registry, dispatch logger
//  3. initTransport — connection fabric + dials to the configured peers
//  4. initRegistry  — capability registry
//  5. initShell     — breaker, health tracker, predictor, strategy selector
//  6. initRouter    — provider set (remote peers + capability adapter) + router
//  7. initServers   — peer server (data plane) and admin (management plane)
//
// Close releases everything in reverse order: the serving surfaces stop
// first, then the shell, then the transport, then the infrastructure
// connections.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/a2a-fabric/internal/admin"
	npCache "github.com/nulpointcorp/a2a-fabric/internal/cache"
	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/logger"
	"github.com/nulpointcorp/a2a-fabric/internal/metrics"
	"github.com/nulpointcorp/a2a-fabric/internal/peerserver"
	"github.com/nulpointcorp/a2a-fabric/internal/provider"
	"github.com/nulpointcorp/a2a-fabric/internal/registry"
	"github.com/nulpointcorp/a2a-fabric/internal/router"
	"github.com/nulpointcorp/a2a-fabric/internal/shell"
	"github.com/nulpointcorp/a2a-fabric/internal/transport"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb         *redis.Client
	dispatchLog *logger.Logger

	memCache  *npCache.MemoryCache
	cacheImpl npCache.Cache

	prom *metrics.Registry

	tp  *transport.Transport
	reg *registry.Registry

	breaker   *shell.CircuitBreaker
	health    *shell.HealthTracker
	predictor *shell.Predictor
	selector  *shell.Selector

	provs map[string]provider.Provider
	rt    *router.Router

	peers *peerserver.Server
	adm   *admin.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"transport", a.initTransport},
		{"registry", a.initRegistry},
		{"shell", a.initShell},
		{"router", a.initRouter},
		{"servers", a.initServers},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Router is the node's generation surface: routing, fallback and caching
// over the configured providers.
func (a *App) Router() *router.Router { return a.rt }

// Registry is the node's capability registry.
func (a *App) Registry() *registry.Registry { return a.reg }

// Transport is the node's outbound connection fabric.
func (a *App) Transport() *transport.Transport { return a.tp }

// Run starts the data-plane and management listeners and blocks until ctx
// is cancelled or a listener fails. It closes the app when returning.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting fabric node",
		slog.String("version", a.version),
		slog.String("agent_id", a.cfg.AgentID),
		slog.String("http_addr", a.cfg.HTTPAddr),
		slog.String("admin_addr", a.cfg.AdminAddr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("peers", len(a.cfg.Transport.Peers)),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.peers.Run(gctx)
	})

	g.Go(func() error {
		return a.adm.Start(a.cfg.AdminAddr)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	a.adm.SetReady(true)

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	// Serving surfaces first so no new work enters the registry or router.
	if a.adm != nil {
		if err := a.adm.Close(); err != nil {
			a.log.Error("admin close error", slog.String("error", err.Error()))
		}
		a.adm = nil
	}
	if a.peers != nil {
		if err := a.peers.Close(); err != nil {
			a.log.Error("peerserver close error", slog.String("error", err.Error()))
		}
		a.peers = nil
	}

	// Shell before transport: the probe loop calls through providers that
	// ride on live connections.
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}

	if a.tp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.tp.Shutdown(ctx); err != nil {
			a.log.Error("transport shutdown error", slog.String("error", err.Error()))
		}
		cancel()
		a.tp = nil
	}

	if a.dispatchLog != nil {
		if err := a.dispatchLog.Close(); err != nil {
			a.log.Error("dispatch log close error", slog.String("error", err.Error()))
		}
		a.dispatchLog = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
