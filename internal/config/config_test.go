package config

import (
	"strings"
	"testing"
)

func TestParsePeerURL_SchemeSelectsProtocolAndTLS(t *testing.T) {
	cases := []struct {
		url      string
		protocol string
		tls      bool
	}{
		{"ws://peer-a:8080/a2a", ProtocolWebSocket, false},
		{"wss://peer-a:8443/a2a", ProtocolWebSocket, true},
		{"http://peer-b:8080", ProtocolHTTP2, false},
		{"h2://peer-b:443", ProtocolHTTP2, true},
		{"h2c://peer-b:8080", ProtocolHTTP2, false},
		{"grpc://peer-c:9000", ProtocolGRPC, false},
		{"grpcs://peer-c:9001", ProtocolGRPC, true},
		{"tcp://peer-d:7000", ProtocolTCP, false},
		{"tls://peer-d:7001", ProtocolTCP, true},
	}
	for _, c := range cases {
		pc, err := ParsePeerURL("p", c.url)
		if err != nil {
			t.Fatalf("%s: %v", c.url, err)
		}
		if pc.Protocol != c.protocol {
			t.Errorf("%s: protocol = %s, want %s", c.url, pc.Protocol, c.protocol)
		}
		if pc.TLS.Enabled != c.tls {
			t.Errorf("%s: tls = %v, want %v", c.url, pc.TLS.Enabled, c.tls)
		}
	}
}

func TestParsePeerURL_UnknownSchemeKeptVerbatim(t *testing.T) {
	pc, err := ParsePeerURL("p", "carrier-pigeon://peer:1234")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pc.Protocol != "carrier-pigeon" {
		t.Errorf("protocol = %q, want carrier-pigeon (policy decides later)", pc.Protocol)
	}
}

func TestParsePeers_CompactForm(t *testing.T) {
	peers, err := ParsePeers("agent-b=wss://b.example.com:8443/a2a, agent-c=tcp://10.0.0.3:7000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	if peers[0].ID != "agent-b" || peers[0].Host != "b.example.com" || peers[0].Port != 8443 || peers[0].Path != "/a2a" {
		t.Errorf("peer 0 = %+v", peers[0])
	}
	if peers[1].ID != "agent-c" || peers[1].Protocol != ProtocolTCP || peers[1].Port != 7000 {
		t.Errorf("peer 1 = %+v", peers[1])
	}
}

func TestParsePeers_RejectsMissingSeparator(t *testing.T) {
	if _, err := ParsePeers("just-a-url"); err == nil {
		t.Error("entry without id= accepted")
	}
}

func validConfig() *Config {
	return &Config{
		AgentID:  "node-1",
		HTTPAddr: ":8080",
		LogLevel: "info",
		Transport: TransportConfig{
			MaxPerPeer:            5,
			MaxTotal:              1000,
			ReconnectMultiplier:   2,
			UnknownProtocolPolicy: PolicyReject,
		},
		Router: RouterConfig{
			Strategy:    "balanced",
			MaxRetries:  3,
			BackoffKind: "exponential",
		},
		Cache:          CacheConfig{Mode: "memory", KeyStrategy: "exact"},
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 1},
		Auth:           AuthConfig{Mode: AuthNone},
	}
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestValidate_RedisRequiredForRedisMode(t *testing.T) {
	c := validConfig()
	c.Cache.Mode = "redis"
	err := c.validate()
	if err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Errorf("got %v, want REDIS_URL error", err)
	}
	c.Redis.URL = "redis://localhost:6379"
	if err := c.validate(); err != nil {
		t.Errorf("redis mode with URL rejected: %v", err)
	}
}

func TestValidate_PeerPortRange(t *testing.T) {
	c := validConfig()
	c.Transport.Peers = []PeerConfig{{ID: "p", Host: "h", Port: 70000}}
	if err := c.validate(); err == nil {
		t.Error("out-of-range port accepted")
	}
	c.Transport.Peers[0].Port = 443
	if err := c.validate(); err != nil {
		t.Errorf("valid port rejected: %v", err)
	}
	c.Transport.Peers[0].Host = ""
	if err := c.validate(); err == nil {
		t.Error("empty host accepted")
	}
}

func TestValidate_TokenModeRequiresToken(t *testing.T) {
	c := validConfig()
	c.Auth.Mode = AuthToken
	if err := c.validate(); err == nil {
		t.Error("token mode without token accepted")
	}
	c.Auth.Token = "secret"
	if err := c.validate(); err != nil {
		t.Errorf("token mode with token rejected: %v", err)
	}
}

func TestValidate_EnumFields(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.LogLevel = "verbose" },
		func(c *Config) { c.Router.Strategy = "random" },
		func(c *Config) { c.Router.BackoffKind = "quadratic" },
		func(c *Config) { c.Cache.Mode = "disk" },
		func(c *Config) { c.Cache.KeyStrategy = "fuzzy" },
		func(c *Config) { c.Transport.UnknownProtocolPolicy = "ignore" },
		func(c *Config) { c.Auth.Mode = "kerberos" },
		func(c *Config) { c.Transport.MaxTotal = 1 },
	} {
		c := validConfig()
		mutate(c)
		if err := c.validate(); err == nil {
			t.Errorf("invalid config accepted: %+v", c)
		}
	}
}
