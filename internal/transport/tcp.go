package transport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/wire"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

const tcpWriteWait = 10 * time.Second

// tcpLink carries JSON-RPC messages inside binary frames over a raw TCP (or
// TLS) socket. Ping frames are answered with pong frames in the read loop.
type tcpLink struct {
	conn    net.Conn
	writeMu sync.Mutex

	hooks  linkHooks
	log    *slog.Logger
	closed atomic.Bool
}

func dialTCP(ctx context.Context, agentID string, pc config.PeerConfig, hooks linkHooks, log *slog.Logger) (link, error) {
	tlsCfg, err := buildTLSConfig(pc)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: connectTimeout(pc)}
	if !pc.KeepAlive {
		d.KeepAlive = -1
	}

	conn, err := d.DialContext(ctx, "tcp", peerAddr(pc))
	if err != nil {
		return nil, err
	}

	if tlsCfg != nil {
		tconn := tls.Client(conn, tlsCfg)
		if err := tconn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tconn
	}

	l := &tcpLink{conn: conn, hooks: hooks, log: log}

	// Token auth has no header to ride on; announce the token in a handshake
	// message before any other traffic.
	if token := bearerToken(pc); token != "" {
		hello, err := wire.NewNotification(agentID, pc.ID, "a2a.handshake", map[string]string{"token": token})
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		hello.MessageType = wire.TypeSecurityHandshake
		data, err := hello.Encode()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		if err := l.writeFrame(wire.NewFrame(wire.FrameNotification, data)); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	go l.readLoop()

	return l, nil
}

func (l *tcpLink) readLoop() {
	fr := wire.NewFrameReader(l.conn)
	for {
		frame, err := fr.Read()
		if err != nil {
			if !l.closed.Load() {
				l.hooks.onDown(err)
			}
			return
		}

		switch frame.Type {
		case wire.FramePing:
			l.hooks.onActivity()
			if err := l.writeFrame(wire.NewFrame(wire.FramePong, frame.Payload)); err != nil {
				l.log.Warn("tcp_pong_failed", slog.String("error", err.Error()))
			}

		case wire.FramePong:
			l.hooks.onActivity()

		default:
			msg, err := wire.Decode(frame.Payload)
			if err != nil {
				l.log.Warn("tcp_decode_error", slog.String("error", err.Error()))
				l.hooks.onActivity()
				continue
			}
			l.hooks.onMessage(msg, len(frame.Payload))
		}
	}
}

func (l *tcpLink) send(ctx context.Context, msg *wire.Message, encoded []byte) ([]byte, error) {
	frame := wire.NewFrame(wire.FrameTypeFor(msg), encoded)

	deadline := time.Now().Add(tcpWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := l.writeFrameDeadline(frame, deadline); err != nil {
		return nil, a2aerr.Wrap(a2aerr.TypeRouting, err, "tcp frame write failed").
			WithSource("transport")
	}
	return nil, nil
}

func (l *tcpLink) writeFrame(f *wire.Frame) error {
	return l.writeFrameDeadline(f, time.Now().Add(tcpWriteWait))
}

func (l *tcpLink) writeFrameDeadline(f *wire.Frame, deadline time.Time) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(deadline)
	return wire.WriteFrame(l.conn, f)
}

func (l *tcpLink) synchronous() bool { return false }

func (l *tcpLink) close() error {
	l.closed.Store(true)
	return l.conn.Close()
}
