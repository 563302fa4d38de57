package peerserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/wire"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

const wsWriteWait = 10 * time.Second

// originChecker builds the upgrade origin filter from the CORS allowlist.
// Requests without an Origin header are non-browser peers and always pass.
func originChecker(origins []string) func(*http.Request) bool {
	open := len(origins) == 0 || (len(origins) == 1 && origins[0] == "*")
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if open {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// handleWS upgrades the connection and serves fabric messages over it, one
// per text frame. Token auth is taken from the upgrade request's bearer
// header; a peer may instead authenticate with a handshake message after
// connecting.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess := &session{proto: "websocket", remote: r.RemoteAddr}
	if tok := bearerToken(r.Header.Get("Authorization")); tok != "" && s.d.checkToken(tok) {
		sess.authed = true
	}
	if s.auth.Mode == config.AuthCertificate && r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		sess.authed = true
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request.
		s.log.Debug("ws_upgrade_failed",
			slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
		return
	}
	s.serveWS(r.Context(), conn, sess)
}

func (s *Server) serveWS(ctx context.Context, conn *websocket.Conn, sess *session) {
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.ConnOpened("websocket")
		defer s.metrics.ConnClosed("websocket")
	}
	s.log.Debug("ws_peer_connected", slog.String("remote", sess.remote))

	var writeMu sync.Mutex
	writeFrame := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	// Liveness: the peer must answer our pings (or keep talking) within
	// three intervals.
	readWait := 3 * s.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(s.pingInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug("ws_peer_closed",
				slog.String("peer", sess.peerID), slog.String("error", err.Error()))
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if s.metrics != nil {
			s.metrics.RecordMessage("received", "websocket", len(data))
		}

		msg, err := wire.Decode(data)
		if err != nil {
			payload, _ := errorEnvelope(s.agentID, nil, a2aerr.From(err, "peerserver")).Encode()
			_ = writeFrame(payload)
			continue
		}

		resp, fatal := s.d.dispatch(ctx, sess, msg)
		if resp != nil {
			payload, err := resp.Encode()
			if err == nil {
				if s.metrics != nil {
					s.metrics.RecordMessage("sent", "websocket", len(payload))
				}
				if err := writeFrame(payload); err != nil {
					return
				}
			}
		}
		if fatal != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}
