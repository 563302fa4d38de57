// Package config loads and validates all runtime configuration for the
// fabric node.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Peers are declared either in YAML under `peers:` or compactly in the
// A2A_PEERS env var as comma-separated `id=url` pairs, where the URL scheme
// selects the protocol: ws/wss → websocket, http/https/h2/h2c → http2,
// grpc/grpcs → grpc, tcp/tls → framed TCP.
//
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies. ClickHouse is optional and only used
// for the analytics dispatch log when CLICKHOUSE_DSN is set.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Protocol kinds accepted in peer URLs. Unknown kinds are kept verbatim so
// the transport's unknown-protocol policy can decide what to do with them.
const (
	ProtocolWebSocket = "websocket"
	ProtocolHTTP2     = "http2"
	ProtocolGRPC      = "grpc"
	ProtocolTCP       = "tcp"
)

// Unknown-protocol policies.
const (
	PolicyReject        = "reject"
	PolicyFallbackHTTP2 = "fallback-http2"
)

// Authentication modes.
const (
	AuthNone        = "none"
	AuthToken       = "token"
	AuthCertificate = "certificate"
	AuthOAuth2      = "oauth2"
)

// Config is the top-level configuration container.
type Config struct {
	// AgentID is this node's peer identifier on the fabric.
	// Defaults to the hostname.
	AgentID string

	// HTTPAddr is the peer-server HTTP listen address. Default: ":8080".
	HTTPAddr string

	// TCPAddr is the framed-TCP listen address. Empty disables the listener.
	TCPAddr string

	// AdminAddr is the management listen address serving health, readiness
	// and metrics. Default: ":9090".
	AdminAddr string

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	Transport      TransportConfig
	Router         RouterConfig
	Cache          CacheConfig
	CircuitBreaker CircuitBreakerConfig
	Health         HealthConfig
	RateLimit      RateLimitConfig
	Auth           AuthConfig

	// Redis holds the connection URL for the Redis-backed cache and rate
	// limiter. Required only when Cache.Mode is "redis".
	Redis RedisConfig

	// ClickHouse enables the analytics dispatch-log sink when DSN is set.
	ClickHouse ClickHouseConfig

	// CORSOrigins is the list of allowed CORS origins for the peer server.
	CORSOrigins []string
}

// PeerConfig describes one remote peer endpoint.
type PeerConfig struct {
	// ID is the peer's identifier. Required.
	ID string `mapstructure:"id"`

	// Protocol is one of websocket, http2, grpc, tcp. Unknown values are
	// handled per Transport.UnknownProtocolPolicy at connect time.
	Protocol string `mapstructure:"protocol"`

	// Host and Port locate the peer. Host is required; Port must be in
	// [1, 65535] when set.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// Path is the HTTP/WebSocket request path. Default: "/a2a".
	Path string `mapstructure:"path"`

	// TLS enables and configures transport security.
	TLS TLSConfig `mapstructure:"tls"`

	// Auth selects the authentication mode for this peer.
	Auth PeerAuthConfig `mapstructure:"auth"`

	// ConnectTimeout bounds the protocol handshake. Default: 10s.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// KeepAlive enables OS-level TCP keep-alive for framed-TCP connections.
	KeepAlive bool `mapstructure:"keep_alive"`
}

// TLSConfig holds TLS material for one peer.
type TLSConfig struct {
	// Enabled turns TLS on for protocols where the URL scheme did not
	// already imply it.
	Enabled bool `mapstructure:"enabled"`
	// CAFile is a PEM bundle used to verify the peer. Empty uses system roots.
	CAFile string `mapstructure:"ca_file"`
	// CertFile/KeyFile supply the client certificate for mutual TLS.
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// InsecureSkipVerify disables server certificate verification.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// PeerAuthConfig selects how to authenticate against one peer.
type PeerAuthConfig struct {
	// Mode is one of none, token, certificate, oauth2. Default: none.
	Mode string `mapstructure:"mode"`
	// Token is the bearer token for token and oauth2 modes.
	Token string `mapstructure:"token"`
}

// TransportConfig controls the connection pool and retry behaviour.
type TransportConfig struct {
	// Peers is the static peer list.
	Peers []PeerConfig

	// MaxPerPeer caps live connections per peer. Default: 5.
	MaxPerPeer int
	// MaxTotal caps live connections across all peers. Default: 1000.
	MaxTotal int

	// IdleTTL is how long a connection may sit without activity before the
	// reaper removes it. Default: 10m.
	IdleTTL time.Duration
	// CleanupInterval is how often the idle reaper runs. Default: 5m.
	CleanupInterval time.Duration

	// RequestTimeout is the per-message await budget. Default: 30s.
	RequestTimeout time.Duration
	// MaxRetries is the per-send retry cap for retryable errors. Default: 3.
	MaxRetries int
	// RetryBaseDelay seeds the exponential send-retry backoff. Default: 200ms.
	RetryBaseDelay time.Duration

	// ReconnectBaseDelay and ReconnectMultiplier shape the reconnect backoff
	// min(base·mult^(attempt−1), 30s). Defaults: 1s and 2.
	ReconnectBaseDelay  time.Duration
	ReconnectMultiplier float64
	// ReconnectMaxAttempts caps reconnection attempts per connection.
	// Default: 5.
	ReconnectMaxAttempts int

	// UnknownProtocolPolicy is "reject" or "fallback-http2". Default: reject.
	UnknownProtocolPolicy string
}

// RouterConfig controls provider routing and fallback.
type RouterConfig struct {
	// Strategy is one of latency, cost, quality, balanced. Default: balanced.
	Strategy string

	// LatencyTargetMs is the soft latency goal used by scoring. 0 disables.
	LatencyTargetMs int

	// MaxRetries caps provider attempts per request (including the first).
	// Default: 3.
	MaxRetries int
	// BackoffKind is linear, exponential or fixed. Default: exponential.
	BackoffKind string
	// RetryBaseDelay seeds the inter-attempt backoff. Default: 200ms.
	RetryBaseDelay time.Duration

	// FallbackChain is the ordered provider list consulted on failure.
	FallbackChain []string
	// EmergencyFallback is tried exactly once after the chain is exhausted.
	EmergencyFallback string

	// OptimizeRequests gates pre-send request optimization.
	OptimizeRequests bool
}

// CacheConfig controls the fingerprint response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Shared across replicas.
	//   "memory" — In-process LRU cache. No external deps.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// MaxEntries bounds the in-memory LRU. Default: 10000.
	MaxEntries int

	// KeyStrategy is exact, semantic or hybrid. Default: exact.
	KeyStrategy string

	// ExcludeExact lists capability/model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns lists Go regular expressions matched against the
	// capability/model name. Matching requests bypass the cache.
	ExcludePatterns []string
}

// CircuitBreakerConfig controls per-provider circuit breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the
	// breaker. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	ResetTimeout time.Duration
}

// HealthConfig controls the health probe loop and alerting.
type HealthConfig struct {
	// Interval between probe rounds. Default: 30s.
	Interval time.Duration
	// ProbeTimeout bounds a single probe. Default: 5s.
	ProbeTimeout time.Duration

	// MaxErrorRate, MaxLatency and MinAvailability are the alert thresholds.
	MaxErrorRate    float64
	MaxLatency      time.Duration
	MinAvailability float64

	// WebhookURLs receive alert POSTs. Empty disables alert delivery.
	WebhookURLs []string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the peer-server requests-per-minute cap. 0 disables.
	// Requires Redis.
	RPMLimit int

	// BroadcastRate caps broadcast sends per peer per second. 0 disables.
	BroadcastRate float64
	// BroadcastBurst is the broadcast limiter burst size. Default: 1.
	BroadcastBurst int
}

// AuthConfig controls how the peer server authenticates inbound peers.
type AuthConfig struct {
	// Mode is one of none, token, certificate, oauth2. Default: none.
	Mode string
	// Token is the bearer token accepted in token and oauth2 modes.
	Token string
	// CertFile/KeyFile supply the server certificate for certificate mode.
	CertFile string
	KeyFile  string
	// ClientCAFile verifies inbound client certificates. Empty falls back
	// to the system pool.
	ClientCAFile string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the analytics sink configuration.
type ClickHouseConfig struct {
	// DSN is a clickhouse:// URL. Empty disables the sink.
	DSN string
	// Table receives dispatch log rows. Default: "a2a_dispatch_log".
	Table string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("A2A_HTTP_ADDR", ":8080")
	v.SetDefault("A2A_TCP_ADDR", "")
	v.SetDefault("A2A_ADMIN_ADDR", ":9090")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Transport defaults.
	v.SetDefault("MAX_CONNS_PER_PEER", 5)
	v.SetDefault("MAX_CONNS_TOTAL", 1000)
	v.SetDefault("IDLE_TTL", "10m")
	v.SetDefault("CLEANUP_INTERVAL", "5m")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("TRANSPORT_MAX_RETRIES", 3)
	v.SetDefault("TRANSPORT_RETRY_BASE_DELAY", "200ms")
	v.SetDefault("RECONNECT_BASE_DELAY", "1s")
	v.SetDefault("RECONNECT_MULTIPLIER", 2.0)
	v.SetDefault("RECONNECT_MAX_ATTEMPTS", 5)
	v.SetDefault("UNKNOWN_PROTOCOL_POLICY", PolicyReject)

	// Router defaults.
	v.SetDefault("ROUTING_STRATEGY", "balanced")
	v.SetDefault("LATENCY_TARGET_MS", 0)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("RETRY_BACKOFF", "exponential")
	v.SetDefault("RETRY_BASE_DELAY", "200ms")
	v.SetDefault("OPTIMIZE_REQUESTS", false)

	// Cache defaults.
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_MAX_ENTRIES", 10_000)
	v.SetDefault("CACHE_KEY_STRATEGY", "exact")

	// Circuit breaker defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_RESET_TIMEOUT", "30s")

	// Health defaults.
	v.SetDefault("HEALTH_INTERVAL", "30s")
	v.SetDefault("HEALTH_PROBE_TIMEOUT", "5s")
	v.SetDefault("ALERT_MAX_ERROR_RATE", 0.1)
	v.SetDefault("ALERT_MAX_LATENCY", "5s")
	v.SetDefault("ALERT_MIN_AVAILABILITY", 0.95)

	// Rate limits: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("BROADCAST_RATE", 0.0)
	v.SetDefault("BROADCAST_BURST", 1)

	// Peer-server auth.
	v.SetDefault("AUTH_MODE", AuthNone)

	// ClickHouse sink.
	v.SetDefault("CLICKHOUSE_TABLE", "a2a_dispatch_log")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		AgentID:   v.GetString("AGENT_ID"),
		HTTPAddr:  v.GetString("A2A_HTTP_ADDR"),
		TCPAddr:   v.GetString("A2A_TCP_ADDR"),
		AdminAddr: v.GetString("A2A_ADMIN_ADDR"),
		LogLevel:  strings.ToLower(v.GetString("LOG_LEVEL")),

		Transport: TransportConfig{
			MaxPerPeer:            v.GetInt("MAX_CONNS_PER_PEER"),
			MaxTotal:              v.GetInt("MAX_CONNS_TOTAL"),
			IdleTTL:               v.GetDuration("IDLE_TTL"),
			CleanupInterval:       v.GetDuration("CLEANUP_INTERVAL"),
			RequestTimeout:        v.GetDuration("REQUEST_TIMEOUT"),
			MaxRetries:            v.GetInt("TRANSPORT_MAX_RETRIES"),
			RetryBaseDelay:        v.GetDuration("TRANSPORT_RETRY_BASE_DELAY"),
			ReconnectBaseDelay:    v.GetDuration("RECONNECT_BASE_DELAY"),
			ReconnectMultiplier:   v.GetFloat64("RECONNECT_MULTIPLIER"),
			ReconnectMaxAttempts:  v.GetInt("RECONNECT_MAX_ATTEMPTS"),
			UnknownProtocolPolicy: strings.ToLower(v.GetString("UNKNOWN_PROTOCOL_POLICY")),
		},

		Router: RouterConfig{
			Strategy:          strings.ToLower(v.GetString("ROUTING_STRATEGY")),
			LatencyTargetMs:   v.GetInt("LATENCY_TARGET_MS"),
			MaxRetries:        v.GetInt("MAX_RETRIES"),
			BackoffKind:       strings.ToLower(v.GetString("RETRY_BACKOFF")),
			RetryBaseDelay:    v.GetDuration("RETRY_BASE_DELAY"),
			FallbackChain:     v.GetStringSlice("FALLBACK_CHAIN"),
			EmergencyFallback: v.GetString("EMERGENCY_FALLBACK"),
			OptimizeRequests:  v.GetBool("OPTIMIZE_REQUESTS"),
		},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			MaxEntries:      v.GetInt("CACHE_MAX_ENTRIES"),
			KeyStrategy:     strings.ToLower(v.GetString("CACHE_KEY_STRATEGY")),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			ResetTimeout:     v.GetDuration("CB_RESET_TIMEOUT"),
		},

		Health: HealthConfig{
			Interval:        v.GetDuration("HEALTH_INTERVAL"),
			ProbeTimeout:    v.GetDuration("HEALTH_PROBE_TIMEOUT"),
			MaxErrorRate:    v.GetFloat64("ALERT_MAX_ERROR_RATE"),
			MaxLatency:      v.GetDuration("ALERT_MAX_LATENCY"),
			MinAvailability: v.GetFloat64("ALERT_MIN_AVAILABILITY"),
			WebhookURLs:     v.GetStringSlice("ALERT_WEBHOOK_URLS"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit:       v.GetInt("RPM_LIMIT"),
			BroadcastRate:  v.GetFloat64("BROADCAST_RATE"),
			BroadcastBurst: v.GetInt("BROADCAST_BURST"),
		},

		Auth: AuthConfig{
			Mode:         strings.ToLower(v.GetString("AUTH_MODE")),
			Token:        v.GetString("AUTH_TOKEN"),
			CertFile:     v.GetString("AUTH_CERT_FILE"),
			KeyFile:      v.GetString("AUTH_KEY_FILE"),
			ClientCAFile: v.GetString("AUTH_CLIENT_CA_FILE"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouse: ClickHouseConfig{
			DSN:   v.GetString("CLICKHOUSE_DSN"),
			Table: v.GetString("CLICKHOUSE_TABLE"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if cfg.AgentID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("config: AGENT_ID unset and hostname unavailable: %w", err)
		}
		cfg.AgentID = host
	}

	// Peers from YAML (peers:) first, then A2A_PEERS entries appended.
	var yamlPeers []PeerConfig
	if err := v.UnmarshalKey("peers", &yamlPeers); err != nil {
		return nil, fmt.Errorf("config: invalid peers section: %w", err)
	}
	cfg.Transport.Peers = yamlPeers

	if raw := v.GetString("A2A_PEERS"); raw != "" {
		envPeers, err := ParsePeers(raw)
		if err != nil {
			return nil, err
		}
		cfg.Transport.Peers = append(cfg.Transport.Peers, envPeers...)
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParsePeers parses the compact A2A_PEERS form: comma-separated `id=url`
// pairs.
func ParsePeers(raw string) ([]PeerConfig, error) {
	var out []PeerConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, rawURL, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("config: A2A_PEERS entry %q is not id=url", entry)
		}
		pc, err := ParsePeerURL(strings.TrimSpace(id), strings.TrimSpace(rawURL))
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, nil
}

// ParsePeerURL converts a peer URL to a PeerConfig. The scheme selects the
// protocol and whether TLS is enabled.
func ParsePeerURL(id, rawURL string) (PeerConfig, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return PeerConfig{}, fmt.Errorf("config: peer %s: parse %q: %w", id, rawURL, err)
	}

	pc := PeerConfig{ID: id, Host: u.Hostname(), Path: u.Path}

	switch strings.ToLower(u.Scheme) {
	case "ws":
		pc.Protocol = ProtocolWebSocket
	case "wss":
		pc.Protocol = ProtocolWebSocket
		pc.TLS.Enabled = true
	case "http", "h2c":
		pc.Protocol = ProtocolHTTP2
	case "https", "h2":
		pc.Protocol = ProtocolHTTP2
		pc.TLS.Enabled = true
	case "grpc":
		pc.Protocol = ProtocolGRPC
	case "grpcs":
		pc.Protocol = ProtocolGRPC
		pc.TLS.Enabled = true
	case "tcp":
		pc.Protocol = ProtocolTCP
	case "tls":
		pc.Protocol = ProtocolTCP
		pc.TLS.Enabled = true
	default:
		// Kept verbatim; the transport's unknown-protocol policy decides.
		pc.Protocol = strings.ToLower(u.Scheme)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return PeerConfig{}, fmt.Errorf("config: peer %s: invalid port %q", id, p)
		}
		pc.Port = port
	}
	return pc, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.Router.Strategy {
	case "latency", "cost", "quality", "balanced":
	default:
		return fmt.Errorf("config: invalid ROUTING_STRATEGY %q; must be one of: latency, cost, quality, balanced", c.Router.Strategy)
	}

	switch c.Router.BackoffKind {
	case "linear", "exponential", "fixed":
	default:
		return fmt.Errorf("config: invalid RETRY_BACKOFF %q; must be one of: linear, exponential, fixed", c.Router.BackoffKind)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.KeyStrategy {
	case "exact", "semantic", "hybrid":
	default:
		return fmt.Errorf("config: invalid CACHE_KEY_STRATEGY %q; must be one of: exact, semantic, hybrid", c.Cache.KeyStrategy)
	}

	switch c.Transport.UnknownProtocolPolicy {
	case PolicyReject, PolicyFallbackHTTP2:
	default:
		return fmt.Errorf("config: invalid UNKNOWN_PROTOCOL_POLICY %q; must be %q or %q",
			c.Transport.UnknownProtocolPolicy, PolicyReject, PolicyFallbackHTTP2)
	}

	switch c.Auth.Mode {
	case AuthNone, AuthToken, AuthCertificate, AuthOAuth2:
	default:
		return fmt.Errorf("config: invalid AUTH_MODE %q; must be one of: none, token, certificate, oauth2", c.Auth.Mode)
	}
	if (c.Auth.Mode == AuthToken || c.Auth.Mode == AuthOAuth2) && c.Auth.Token == "" {
		return fmt.Errorf("config: AUTH_TOKEN is required when AUTH_MODE=%s", c.Auth.Mode)
	}
	if c.Auth.Mode == AuthCertificate && (c.Auth.CertFile == "" || c.Auth.KeyFile == "") {
		return fmt.Errorf("config: AUTH_CERT_FILE and AUTH_KEY_FILE are required when AUTH_MODE=certificate")
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("config: CB_RESET_TIMEOUT must be a positive duration")
	}
	if c.Router.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Router.MaxRetries)
	}

	if c.Transport.MaxPerPeer < 1 {
		return fmt.Errorf("config: MAX_CONNS_PER_PEER must be ≥ 1, got %d", c.Transport.MaxPerPeer)
	}
	if c.Transport.MaxTotal < c.Transport.MaxPerPeer {
		return fmt.Errorf("config: MAX_CONNS_TOTAL (%d) must be ≥ MAX_CONNS_PER_PEER (%d)",
			c.Transport.MaxTotal, c.Transport.MaxPerPeer)
	}
	if c.Transport.ReconnectMultiplier < 1 {
		return fmt.Errorf("config: RECONNECT_MULTIPLIER must be ≥ 1, got %v", c.Transport.ReconnectMultiplier)
	}

	for i, p := range c.Transport.Peers {
		if p.ID == "" {
			return fmt.Errorf("config: peer %d has no id", i)
		}
		if p.Host == "" {
			return fmt.Errorf("config: peer %s has no host", p.ID)
		}
		if p.Port != 0 && (p.Port < 1 || p.Port > 65535) {
			return fmt.Errorf("config: peer %s port %d out of range [1, 65535]", p.ID, p.Port)
		}
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
