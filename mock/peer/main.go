// Command peer runs a lightweight mock fabric peer: an in-memory capability
// registry with a few demo capabilities behind the real peer-server
// listeners. It is used for E2E/load testing and local development of
// fabric nodes without a second deployment.
//
// Listeners:
//
//	HTTP + WebSocket  :18080  (POST /a2a, GET /a2a/ws)
//	framed TCP        :18090
//
// Environment overrides:
//
//	PEER_ID, PEER_HTTP_ADDR, PEER_TCP_ADDR
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS — artificial latency added to every invocation (default 0)
//	MOCK_ERROR_RATE — fraction [0,1] of invocations that fail (default 0)
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/peerserver"
	"github.com/nulpointcorp/a2a-fabric/internal/registry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg := loadConfig()

	reg := registry.New(registry.Options{Logger: log})
	if err := registerDemoCapabilities(reg, cfg); err != nil {
		log.Error("capability registration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv, err := peerserver.New(peerserver.Options{
		AgentID:  cfg.PeerID,
		HTTPAddr: cfg.HTTPAddr,
		TCPAddr:  cfg.TCPAddr,
		Auth:     config.AuthConfig{Mode: config.AuthNone},
		Registry: reg,
		Logger:   log,
	})
	if err != nil {
		log.Error("peerserver setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log.Info("mock peer starting",
		slog.String("peer_id", cfg.PeerID),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("tcp_addr", cfg.TCPAddr),
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
	)

	if err := srv.Run(ctx); err != nil {
		log.Error("mock peer stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// Config holds the mock peer's runtime configuration.
type Config struct {
	PeerID   string
	HTTPAddr string
	TCPAddr  string

	LatencyMS int
	ErrorRate float64
}

func loadConfig() Config {
	cfg := Config{
		PeerID:    envOr("PEER_ID", "mock-peer"),
		HTTPAddr:  envOr("PEER_HTTP_ADDR", ":18080"),
		TCPAddr:   envOr("PEER_TCP_ADDR", ":18090"),
		LatencyMS: envInt("MOCK_LATENCY_MS", 0),
		ErrorRate: envFloat("MOCK_ERROR_RATE", 0),
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
