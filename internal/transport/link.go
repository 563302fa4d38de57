package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/wire"
)

// link is the protocol-specific half of a Connection.
//
// Stream links (WebSocket, framed TCP) run a receive loop that feeds
// linkHooks.onMessage and return (nil, nil) from send; synchronous links
// (HTTP/2, gRPC) return the raw response body directly.
type link interface {
	// send transmits the already-encoded message. encoded is the JSON bytes
	// of msg; msg itself is available for frame-type selection.
	send(ctx context.Context, msg *wire.Message, encoded []byte) ([]byte, error)

	// synchronous reports whether send returns the response itself.
	synchronous() bool

	close() error
}

// linkHooks connect a link's receive side back to its Connection and to the
// transport's reconnect machinery.
type linkHooks struct {
	// onMessage delivers one decoded inbound message plus its raw size.
	onMessage func(msg *wire.Message, rawBytes int)

	// onActivity refreshes the connection's lastActivity without a message
	// (pings, pongs).
	onActivity func()

	// onDown reports that the receive loop terminated. Not called after a
	// local close.
	onDown func(err error)
}

const defaultConnectTimeout = 10 * time.Second

func connectTimeout(pc config.PeerConfig) time.Duration {
	if pc.ConnectTimeout > 0 {
		return pc.ConnectTimeout
	}
	return defaultConnectTimeout
}

// bearerToken returns the token to present for token-style auth modes, empty
// when the peer needs none.
func bearerToken(pc config.PeerConfig) string {
	switch pc.Auth.Mode {
	case config.AuthToken, config.AuthOAuth2:
		return pc.Auth.Token
	}
	return ""
}

// buildTLSConfig assembles the client TLS material for one peer. Returns nil
// when TLS is disabled for the peer.
func buildTLSConfig(pc config.PeerConfig) (*tls.Config, error) {
	if !pc.TLS.Enabled {
		return nil, nil
	}

	cfg := &tls.Config{
		ServerName:         pc.Host,
		InsecureSkipVerify: pc.TLS.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if pc.TLS.CAFile != "" {
		pem, err := os.ReadFile(pc.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("transport: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("transport: ca file %s contains no certificates", pc.TLS.CAFile)
		}
		cfg.RootCAs = pool
	}

	// Client certificate for mutual TLS, also used by auth mode
	// "certificate".
	if pc.TLS.CertFile != "" && pc.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(pc.TLS.CertFile, pc.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("transport: load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func peerAddr(pc config.PeerConfig) string {
	return fmt.Sprintf("%s:%d", pc.Host, pc.Port)
}

func peerPath(pc config.PeerConfig) string {
	if pc.Path == "" {
		return "/a2a"
	}
	return pc.Path
}
