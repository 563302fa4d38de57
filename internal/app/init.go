package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/a2a-fabric/internal/admin"
	npCache "github.com/nulpointcorp/a2a-fabric/internal/cache"
	"github.com/nulpointcorp/a2a-fabric/internal/lifecycle"
	"github.com/nulpointcorp/a2a-fabric/internal/logger"
	"github.com/nulpointcorp/a2a-fabric/internal/metrics"
	"github.com/nulpointcorp/a2a-fabric/internal/peerserver"
	"github.com/nulpointcorp/a2a-fabric/internal/provider"
	"github.com/nulpointcorp/a2a-fabric/internal/ratelimit"
	"github.com/nulpointcorp/a2a-fabric/internal/registry"
	"github.com/nulpointcorp/a2a-fabric/internal/router"
	"github.com/nulpointcorp/a2a-fabric/internal/schema"
	"github.com/nulpointcorp/a2a-fabric/internal/shell"
	"github.com/nulpointcorp/a2a-fabric/internal/transport"
	"github.com/nulpointcorp/a2a-fabric/internal/value"
)

// initInfra establishes optional external connections.
// Redis is required when CACHE_MODE=redis or when an RPM limit is set.
func (a *App) initInfra(ctx context.Context) error {
	needRedis := a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0
	if needRedis {
		if a.cfg.Redis.URL == "" {
			return fmt.Errorf("redis: REDIS_URL is required for CACHE_MODE=redis or RPM_LIMIT > 0")
		}
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates the cache backend, the Prometheus metrics registry
// and — when ClickHouse is configured — the analytics dispatch logger.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.cacheImpl = npCache.NewRedisCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx, a.cfg.Cache.MaxEntries)
		a.cacheImpl = a.memCache
		a.log.Info("cache backend: memory (in-process)",
			slog.Int("max_entries", a.cfg.Cache.MaxEntries))

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// Dispatch analytics ship to ClickHouse when a DSN is configured;
	// otherwise dispatch metadata is still visible via slog and metrics.
	if a.cfg.ClickHouse.DSN != "" {
		sink, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouse.DSN, a.cfg.ClickHouse.Table)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		dl, err := logger.New(a.baseCtx, a.log, sink)
		if err != nil {
			_ = sink.Close()
			return fmt.Errorf("dispatch logger: %w", err)
		}
		a.dispatchLog = dl
		a.log.Info("dispatch log sink: clickhouse", slog.String("table", a.cfg.ClickHouse.Table))
	}

	return nil
}

// initTransport builds the outbound connection fabric and dials every
// configured peer. Individual connect failures are logged, not fatal — a
// node with unreachable peers can still serve local capabilities.
func (a *App) initTransport(ctx context.Context) error {
	var blimiter *ratelimit.BroadcastLimiter
	if a.cfg.RateLimit.BroadcastRate > 0 {
		blimiter = ratelimit.NewBroadcastLimiter(a.cfg.RateLimit.BroadcastRate, a.cfg.RateLimit.BroadcastBurst)
	}

	a.tp = transport.New(a.baseCtx, transport.Options{
		AgentID:               a.cfg.AgentID,
		Logger:                a.log,
		Metrics:               a.prom,
		Events:                &lifecycle.SlogSink{Log: a.log},
		Broadcast:             blimiter,
		MaxPerPeer:            a.cfg.Transport.MaxPerPeer,
		MaxTotal:              a.cfg.Transport.MaxTotal,
		RequestTimeout:        a.cfg.Transport.RequestTimeout,
		MaxRetries:            a.cfg.Transport.MaxRetries,
		RetryBaseDelay:        a.cfg.Transport.RetryBaseDelay,
		ReconnectBaseDelay:    a.cfg.Transport.ReconnectBaseDelay,
		ReconnectMultiplier:   a.cfg.Transport.ReconnectMultiplier,
		ReconnectMaxAttempts:  a.cfg.Transport.ReconnectMaxAttempts,
		IdleTTL:               a.cfg.Transport.IdleTTL,
		CleanupInterval:       a.cfg.Transport.CleanupInterval,
		UnknownProtocolPolicy: a.cfg.Transport.UnknownProtocolPolicy,
	})

	if err := a.tp.Initialize(ctx, a.cfg.Transport.Peers); err != nil {
		a.log.Warn("some peers unreachable at startup", slog.String("error", err.Error()))
	}

	return nil
}

// initRegistry creates the capability registry.
func (a *App) initRegistry(_ context.Context) error {
	a.reg = registry.New(registry.Options{
		Logger:  a.log,
		Metrics: a.prom,
	})
	return nil
}

// initShell creates the self-management layer: circuit breaker, health
// tracker, latency predictor and the adaptive strategy selector.
func (a *App) initShell(_ context.Context) error {
	a.breaker = shell.NewCircuitBreaker(shell.BreakerOptions{
		FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     a.cfg.CircuitBreaker.ResetTimeout,
		Logger:           a.log,
		Metrics:          a.prom,
	})

	a.health = shell.NewHealthTracker(a.baseCtx, shell.TrackerOptions{
		Interval:     a.cfg.Health.Interval,
		ProbeTimeout: a.cfg.Health.ProbeTimeout,
		Thresholds: shell.AlertThresholds{
			MaxErrorRate:    a.cfg.Health.MaxErrorRate,
			MaxLatency:      a.cfg.Health.MaxLatency,
			MinAvailability: a.cfg.Health.MinAvailability,
		},
		WebhookURLs: a.cfg.Health.WebhookURLs,
		Logger:      a.log,
		Metrics:     a.prom,
		Sink:        &lifecycle.SlogSink{Log: a.log},
	})

	a.predictor = shell.NewPredictor(shell.PredictorOptions{Metrics: a.prom})

	a.selector = shell.NewSelector(shell.SelectorOptions{
		Logger:  a.log,
		Metrics: a.prom,
		Sink:    &lifecycle.SlogSink{Log: a.log},
	})
	if a.cacheImpl != nil {
		a.selector.Register(shell.CachingStrategy(a.cacheImpl, a.cfg.Cache.TTL))
	}
	a.selector.Register(shell.CircuitBreakStrategy(a.breaker))
	a.selector.Register(shell.RetryStrategy(2, a.cfg.Router.RetryBaseDelay))

	return nil
}

// initRouter builds the provider set and the routing core, then publishes
// the node's own generation surface as the llm.generate capability so
// peers reach it over the wire.
func (a *App) initRouter(_ context.Context) error {
	a.provs = make(map[string]provider.Provider)

	// One remote provider per peer with a live connection.
	for _, pc := range a.cfg.Transport.Peers {
		conns := a.tp.ConnectionsByPeer(pc.ID)
		if len(conns) == 0 {
			a.log.Warn("peer has no live connection, skipping provider",
				slog.String("peer", pc.ID))
			continue
		}
		a.provs[pc.ID] = provider.NewRemote(a.tp, provider.RemoteOptions{
			Name:    pc.ID,
			AgentID: a.cfg.AgentID,
			PeerID:  pc.ID,
			ConnID:  conns[0].ID,
		})
	}

	// The local capability adapter: req.Model names a registry capability.
	a.provs["local"] = provider.NewCapability(a.reg, provider.CapabilityOptions{
		Name: "local",
		Caller: registry.Caller{
			ID:    a.cfg.AgentID,
			Trust: registry.TrustPrivileged,
		},
	})

	// Every provider is observed (health + predictor training) and probed.
	for name, p := range a.provs {
		obs := shell.Observed(p, a.health, a.predictor)
		a.provs[name] = obs
		a.health.Register(name, obs.HealthCheck)
	}

	var exclusions *npCache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	a.rt = router.New(a.provs, router.Options{
		Router:     a.cfg.Router,
		CacheCfg:   a.cfg.Cache,
		Cache:      a.cacheImpl,
		Exclusions: exclusions,
		Breaker:    a.breaker,
		Health:     a.health,
		Predictor:  a.predictor,
		Logger:     a.log,
		Metrics:    a.prom,
	})

	return a.registerGenerate()
}

// initServers creates the data-plane peer server and the management server.
func (a *App) initServers(_ context.Context) error {
	var rpm *ratelimit.RPMLimiter
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		rpm = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	ps, err := peerserver.New(peerserver.Options{
		AgentID:        a.cfg.AgentID,
		HTTPAddr:       a.cfg.HTTPAddr,
		TCPAddr:        a.cfg.TCPAddr,
		Auth:           a.cfg.Auth,
		CORSOrigins:    a.cfg.CORSOrigins,
		Registry:       a.reg,
		Selector:       a.selector,
		RPM:            rpm,
		DispatchLog:    a.dispatchLog,
		RequestTimeout: a.cfg.Transport.RequestTimeout,
		Logger:         a.log,
		Metrics:        a.prom,
	})
	if err != nil {
		return fmt.Errorf("peerserver: %w", err)
	}
	a.peers = ps

	a.adm = admin.New(admin.Options{
		AgentID:     a.cfg.AgentID,
		Version:     a.version,
		CORSOrigins: a.cfg.CORSOrigins,
		Health:      a.health,
		Metrics:     a.prom.Handler(),
		Logger:      a.log,
	})

	return nil
}

// registerGenerate publishes the router as the llm.generate capability.
// Inbound peers invoke it like any other capability; the router applies
// its own caching, fallback and breaker logic underneath.
func (a *App) registerGenerate() error {
	c := registry.Capability{
		Name:        "llm.generate",
		Version:     "1.0.0",
		Description: "Route a generation request across this node's providers.",
		Parameters: schema.ObjectOf(map[string]*schema.Schema{
			"prompt":      schema.Of("string"),
			"model":       schema.Of("string"),
			"maxTokens":   schema.Of("number"),
			"temperature": schema.Of("number"),
			"topP":        schema.Of("number"),
		}, "prompt"),
		Security: registry.SecuritySpec{
			MinTrust:    registry.TrustBasic,
			SideEffects: []string{"network"},
		},
		Performance: registry.PerformanceSpec{
			ResourceUsage: registry.ResourceMedium,
			// The router caches responses itself; double caching at the
			// registry layer would mask fingerprint invalidation.
			Cacheable: false,
		},
		Tags: []string{"llm", "generation"},
	}

	inv := registry.InvokerFunc(func(ctx context.Context, params value.Object) (value.Value, error) {
		raw, err := value.Obj(params).MarshalJSON()
		if err != nil {
			return value.Null(), fmt.Errorf("app: encode generate params: %w", err)
		}
		var req provider.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return value.Null(), fmt.Errorf("app: decode generate params: %w", err)
		}

		resp, err := a.rt.Generate(ctx, &req)
		if err != nil {
			return value.Null(), err
		}

		out, err := json.Marshal(resp)
		if err != nil {
			return value.Null(), fmt.Errorf("app: encode generate response: %w", err)
		}
		var v value.Value
		if err := v.UnmarshalJSON(out); err != nil {
			return value.Null(), fmt.Errorf("app: convert generate response: %w", err)
		}
		return v, nil
	})

	return a.reg.Register(c.Name, c, inv, map[string]string{"source": "router"})
}
