package peerserver

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/wire"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// Data-plane paths. The transport dials these defaults when a peer URL names
// no explicit path.
const (
	msgPath = "/a2a"
	wsPath  = "/a2a/ws"
)

// handleMessage serves one JSON-RPC message per POST. Both plain JSON and
// length-prefixed grpc+json bodies are accepted; the response mirrors the
// request framing. Application failures ride the JSON-RPC error object on a
// 200 so dialers keep the typed error.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		s.metrics.IncInFlight()
		defer s.metrics.DecInFlight()
	}

	sess := &session{proto: "http", remote: r.RemoteAddr}
	if tok := bearerToken(r.Header.Get("Authorization")); tok != "" && s.d.checkToken(tok) {
		sess.authed = true
	}
	if s.auth.Mode == config.AuthCertificate && r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		sess.authed = true
	}

	grpcMode := strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc")

	body, err := readBody(r, grpcMode)
	if err != nil {
		s.writeEnvelope(w, grpcMode, errorEnvelope(s.agentID, nil, a2aerr.From(err, "peerserver")))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordMessage("received", "http", len(body))
	}

	msg, err := wire.Decode(body)
	if err != nil {
		s.writeEnvelope(w, grpcMode, errorEnvelope(s.agentID, nil, a2aerr.From(err, "peerserver")))
		return
	}

	resp, _ := s.d.dispatch(r.Context(), sess, msg)
	s.writeEnvelope(w, grpcMode, resp)
}

// writeEnvelope writes the response message, or an empty success for
// notifications. Dialers treat any non-200 as a transport failure, so the
// JSON-RPC envelope always rides a 200.
func (s *Server) writeEnvelope(w http.ResponseWriter, grpcMode bool, resp *wire.Message) {
	var payload []byte
	if resp != nil {
		var err error
		payload, err = resp.Encode()
		if err != nil {
			payload, _ = errorEnvelope(s.agentID, nil, a2aerr.From(err, "peerserver")).Encode()
		}
	}
	if s.metrics != nil && len(payload) > 0 {
		s.metrics.RecordMessage("sent", "http", len(payload))
	}

	if grpcMode {
		w.Header().Set("Content-Type", "application/grpc+json")
		w.Header().Set("Trailer", "grpc-status")
		w.WriteHeader(http.StatusOK)
		if payload != nil {
			_, _ = w.Write(grpcFrame(payload))
		}
		w.Header().Set("grpc-status", "0")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if payload != nil {
		_, _ = w.Write(payload)
	}
}

// errorEnvelope builds an error response for msg, or a bare envelope when
// the request never decoded.
func errorEnvelope(agentID string, msg *wire.Message, e *a2aerr.Error) *wire.Message {
	if msg != nil {
		return wire.NewErrorResponse(msg, e)
	}
	return &wire.Message{
		JSONRPC:     wire.Version,
		Error:       e.RPC(),
		From:        agentID,
		Timestamp:   time.Now().UnixMilli(),
		MessageType: wire.TypeResponse,
	}
}

func readBody(r *http.Request, grpcMode bool) ([]byte, error) {
	if grpcMode {
		payload, err := readGRPCFrame(r.Body)
		if err != nil && err != io.EOF {
			return nil, a2aerr.Wrap(a2aerr.TypeProtocol, err, "read grpc frame").
				WithSource("peerserver")
		}
		return payload, nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, wire.MaxFramePayload+1))
	if err != nil {
		return nil, a2aerr.Wrap(a2aerr.TypeProtocol, err, "read request body").
			WithSource("peerserver")
	}
	if len(data) > wire.MaxFramePayload {
		return nil, a2aerr.Newf(a2aerr.TypeProtocol, "request body exceeds %d bytes", wire.MaxFramePayload).
			WithSource("peerserver")
	}
	return data, nil
}

// bearerToken extracts the token from an Authorization header, or "".
func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// grpcFrame wraps payload in the uncompressed length-prefixed gRPC framing.
func grpcFrame(payload []byte) []byte {
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// readGRPCFrame reads one length-prefixed frame. A clean EOF before the
// header means an empty body.
func readGRPCFrame(r io.Reader) ([]byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	if hdr[0] != 0 {
		return nil, fmt.Errorf("compressed grpc frames are not supported")
	}
	n := binary.BigEndian.Uint32(hdr[1:5])
	if n > wire.MaxFramePayload {
		return nil, fmt.Errorf("grpc frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ── Middleware ───────────────────────────────────────────────────────────────

// statusRecorder captures the response status for logging and metrics while
// passing hijack and flush through, so the WebSocket upgrade still works
// behind the chain.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func wrapRecorder(w http.ResponseWriter) *statusRecorder {
	if sr, ok := w.(*statusRecorder); ok {
		return sr
	}
	return &statusRecorder{ResponseWriter: w}
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// recovery catches panics in any handler and answers with an internal error
// envelope without crashing the server process.
func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := wrapRecorder(w)
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler_panic",
					slog.Any("panic", rec),
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
				)
				if sr.status == 0 {
					e := a2aerr.New(a2aerr.TypeInternal, "internal server error").WithSource("peerserver")
					payload, _ := errorEnvelope(s.agentID, nil, e).Encode()
					sr.Header().Set("Content-Type", "application/json")
					sr.WriteHeader(http.StatusInternalServerError)
					_, _ = sr.Write(payload)
				}
			}
		}()
		next.ServeHTTP(sr, r)
	})
}

type ctxKey int

const requestIDKey ctxKey = 0

// requestID ensures every request has an X-Request-ID header, generating a
// UUID when the client supplies none. The id is echoed in the response and
// stored on the request context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// observe logs one line per request and feeds the HTTP metrics. WebSocket
// upgrades are skipped: their duration is the connection lifetime, not a
// request latency.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == wsPath {
			next.ServeHTTP(w, r)
			return
		}
		sr := wrapRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		elapsed := time.Since(start)

		status := sr.status
		if status == 0 {
			status = http.StatusOK
		}
		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.URL.Path, status, elapsed)
		}
		id, _ := r.Context().Value(requestIDKey).(string)
		s.log.Debug("http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("elapsed", elapsed),
			slog.String("request_id", id),
		)
	})
}

// securityHeaders adds the OWASP-recommended headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		// X-XSS-Protection is deprecated; set to 0 and rely on CSP instead.
		h.Set("X-XSS-Protection", "0")
		// API-only CSP: no HTML resources served, so deny everything.
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
		next.ServeHTTP(w, r)
	})
}

// corsHandler returns a CORS middleware configured for the given allowed
// origins. Nil or ["*"] means open; anything else is a strict allowlist.
// OPTIONS preflights are answered with 204 and no body.
func corsHandler(origins []string) func(http.Handler) http.Handler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// applyMiddleware wraps h with the given middleware chain. The first
// middleware in the slice becomes the outermost wrapper (executes first on
// request):
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
