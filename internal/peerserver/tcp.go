package peerserver

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/wire"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

const tcpWriteWait = 10 * time.Second

// acceptTCP runs the framed-TCP accept loop until the listener closes.
func (s *Server) acceptTCP(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("tcp_accept_failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveTCP(ctx, conn)
		}()
	}
}

// serveTCP answers framed messages on one connection. Ping frames are
// handled at the framing layer; everything else is decoded and dispatched.
func (s *Server) serveTCP(ctx context.Context, conn net.Conn) {
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)
	defer conn.Close()

	sess := &session{proto: "tcp", remote: conn.RemoteAddr().String()}

	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.HandshakeContext(ctx); err != nil {
			s.log.Debug("tcp_tls_handshake_failed",
				slog.String("remote", sess.remote), slog.String("error", err.Error()))
			return
		}
		if s.auth.Mode == config.AuthCertificate && len(tc.ConnectionState().PeerCertificates) > 0 {
			sess.authed = true
		}
	}

	if s.metrics != nil {
		s.metrics.ConnOpened("tcp")
		defer s.metrics.ConnClosed("tcp")
	}
	s.log.Debug("tcp_peer_connected", slog.String("remote", sess.remote))

	var writeMu sync.Mutex
	writeFrame := func(f *wire.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(tcpWriteWait))
		return wire.WriteFrame(conn, f)
	}

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
				if err := writeFrame(wire.NewFrame(wire.FramePing, nil)); err != nil {
					return
				}
			}
		}
	}()

	readWait := 3 * s.pingInterval
	fr := wire.NewFrameReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		f, err := fr.Read()
		if err != nil {
			if err != io.EOF {
				s.log.Debug("tcp_peer_closed",
					slog.String("peer", sess.peerID), slog.String("error", err.Error()))
			}
			return
		}

		switch f.Type {
		case wire.FramePing:
			if err := writeFrame(wire.NewFrame(wire.FramePong, f.Payload)); err != nil {
				return
			}
			continue
		case wire.FramePong:
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordMessage("received", "tcp", len(f.Payload))
		}
		msg, err := wire.Decode(f.Payload)
		if err != nil {
			env := errorEnvelope(s.agentID, nil, a2aerr.From(err, "peerserver"))
			if payload, eerr := env.Encode(); eerr == nil {
				_ = writeFrame(wire.NewFrame(wire.FrameResponse, payload))
			}
			continue
		}

		resp, fatal := s.d.dispatch(ctx, sess, msg)
		if resp != nil {
			payload, err := resp.Encode()
			if err == nil {
				if s.metrics != nil {
					s.metrics.RecordMessage("sent", "tcp", len(payload))
				}
				if err := writeFrame(wire.NewFrame(wire.FrameResponse, payload)); err != nil {
					return
				}
			}
		}
		if fatal != nil {
			return
		}
	}
}
