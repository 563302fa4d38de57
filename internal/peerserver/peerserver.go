// Package peerserver implements the serving side of the fabric: listeners
// that accept peer messages over HTTP (HTTP/1.1 and h2c, matching the
// transport's dialers), WebSocket and framed TCP, and answer them from the
// local capability registry through a shared dispatcher.
package peerserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/logger"
	"github.com/nulpointcorp/a2a-fabric/internal/metrics"
	"github.com/nulpointcorp/a2a-fabric/internal/ratelimit"
	"github.com/nulpointcorp/a2a-fabric/internal/registry"
	"github.com/nulpointcorp/a2a-fabric/internal/shell"
)

// Options configures the peer server.
type Options struct {
	// AgentID is this node's fabric identity, reported in responses.
	AgentID string

	// HTTPAddr is the data-plane HTTP listen address.
	HTTPAddr string
	// TCPAddr is the framed-TCP listen address. Empty disables the listener.
	TCPAddr string

	// Auth selects the inbound auth mode and its material. When CertFile and
	// KeyFile are set both listeners serve TLS; certificate mode
	// additionally demands a verified client certificate.
	Auth config.AuthConfig
	// CORSOrigins feeds the CORS headers and the WebSocket origin check.
	CORSOrigins []string

	// Registry answers capability invocations, queries and discovery.
	Registry *registry.Registry
	// Selector optionally routes invocations through execution strategies.
	Selector *shell.Selector
	// RPM optionally rate-limits requests per calling agent.
	RPM *ratelimit.RPMLimiter
	// DispatchLog receives one analytics row per dispatched message.
	// Nil disables it.
	DispatchLog *logger.Logger

	// RequestTimeout bounds one dispatch. Default: 30s.
	RequestTimeout time.Duration
	// PingInterval is the keepalive cadence on stream connections.
	// Default: 30s.
	PingInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Metrics is optional.
	Metrics *metrics.Registry
}

// Server owns the data-plane listeners.
type Server struct {
	agentID      string
	httpAddr     string
	tcpAddr      string
	auth         config.AuthConfig
	pingInterval time.Duration
	log          *slog.Logger
	metrics      *metrics.Registry

	d        *dispatcher
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	tlsCfg   *tls.Config

	mu     sync.Mutex
	httpLn net.Listener
	tcpLn  net.Listener
	conns  map[io.Closer]struct{}
	closed bool

	wg sync.WaitGroup
}

// New builds a Server. It does not bind anything; call Run (or Listen first
// to learn the bound addresses).
func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("peerserver: registry is required")
	}
	if opts.AgentID == "" {
		return nil, fmt.Errorf("peerserver: agent id is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}

	tlsCfg, err := serverTLSConfig(opts.Auth)
	if err != nil {
		return nil, err
	}

	s := &Server{
		agentID:      opts.AgentID,
		httpAddr:     opts.HTTPAddr,
		tcpAddr:      opts.TCPAddr,
		auth:         opts.Auth,
		pingInterval: opts.PingInterval,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		tlsCfg:       tlsCfg,
	}
	s.d = &dispatcher{
		agentID:        opts.AgentID,
		reg:            opts.Registry,
		selector:       opts.Selector,
		rpm:            opts.RPM,
		authMode:       opts.Auth.Mode,
		authToken:      opts.Auth.Token,
		requestTimeout: opts.RequestTimeout,
		log:            opts.Logger,
		metrics:        opts.Metrics,
		dlog:           opts.DispatchLog,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.CORSOrigins),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+msgPath, s.handleMessage)
	mux.HandleFunc("GET "+wsPath, s.handleWS)

	handler := applyMiddleware(mux,
		s.recovery,
		requestID,
		s.observe,
		corsHandler(opts.CORSOrigins),
		securityHeaders,
	)

	h2s := &http2.Server{}
	s.httpSrv = &http.Server{
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	if tlsCfg == nil {
		// Prior-knowledge h2c and plain HTTP/1.1 on one listener.
		s.httpSrv.Handler = h2c.NewHandler(handler, h2s)
	} else {
		s.httpSrv.Handler = handler
		s.httpSrv.TLSConfig = tlsCfg
		if err := http2.ConfigureServer(s.httpSrv, h2s); err != nil {
			return nil, fmt.Errorf("peerserver: configure http2: %w", err)
		}
	}
	return s, nil
}

// serverTLSConfig builds the listener TLS material, nil for plain listeners.
func serverTLSConfig(auth config.AuthConfig) (*tls.Config, error) {
	if auth.CertFile == "" || auth.KeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("peerserver: load server cert: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2", "http/1.1"},
	}
	if auth.Mode == config.AuthCertificate {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		if auth.ClientCAFile != "" {
			pem, err := os.ReadFile(auth.ClientCAFile)
			if err != nil {
				return nil, fmt.Errorf("peerserver: read client ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("peerserver: client ca file %s contains no certificates", auth.ClientCAFile)
			}
			cfg.ClientCAs = pool
		}
	}
	return cfg, nil
}

// Listen binds the configured listeners without serving, so callers can
// learn the bound addresses before Run.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("peerserver: server is closed")
	}
	if s.httpLn == nil {
		ln, err := net.Listen("tcp", s.httpAddr)
		if err != nil {
			return err
		}
		if s.tlsCfg != nil {
			ln = tls.NewListener(ln, s.tlsCfg)
		}
		s.httpLn = ln
	}
	if s.tcpLn == nil && s.tcpAddr != "" {
		ln, err := net.Listen("tcp", s.tcpAddr)
		if err != nil {
			return err
		}
		if s.tlsCfg != nil {
			ln = tls.NewListener(ln, s.tlsCfg)
		}
		s.tcpLn = ln
	}
	return nil
}

// HTTPAddr returns the bound data-plane address, nil before Listen.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// TCPAddr returns the bound framed-TCP address, nil before Listen or when
// the listener is disabled.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// Run serves until ctx is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	httpLn, tcpLn := s.httpLn, s.tcpLn
	s.mu.Unlock()

	s.log.Info("peerserver_listening",
		slog.String("agent", s.agentID),
		slog.String("http", httpLn.Addr().String()),
		slog.Bool("tls", s.tlsCfg != nil),
	)
	if tcpLn != nil {
		s.log.Info("peerserver_tcp_listening", slog.String("addr", tcpLn.Addr().String()))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.httpSrv.Serve(httpLn)
		if err == http.ErrServerClosed || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	if tcpLn != nil {
		g.Go(func() error { return s.acceptTCP(ctx, tcpLn) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return s.Close()
	})
	return g.Wait()
}

// track registers a live stream connection for shutdown teardown. It
// reports false once the server is closing.
func (s *Server) track(c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.conns == nil {
		s.conns = make(map[io.Closer]struct{})
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c io.Closer) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close stops the listeners, drops live stream connections and waits for
// their serve loops. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	httpLn, tcpLn := s.httpLn, s.tcpLn
	conns := make([]io.Closer, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if tcpLn != nil {
		_ = tcpLn.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpSrv.Shutdown(ctx)
	if err != nil {
		_ = s.httpSrv.Close()
	}
	if httpLn != nil {
		// Covers a listener that was bound but never served.
		_ = httpLn.Close()
	}

	s.wg.Wait()
	return err
}
