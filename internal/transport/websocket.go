package transport

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/wire"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

const wsWriteWait = 10 * time.Second

// wsLink carries JSON-RPC messages as WebSocket text frames, one message per
// frame. Responses arrive through the read loop; server pings are answered
// with pongs automatically.
type wsLink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	hooks  linkHooks
	log    *slog.Logger
	closed atomic.Bool
}

func dialWebSocket(ctx context.Context, pc config.PeerConfig, hooks linkHooks, log *slog.Logger) (link, error) {
	tlsCfg, err := buildTLSConfig(pc)
	if err != nil {
		return nil, err
	}

	scheme := "ws"
	if pc.TLS.Enabled {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: peerAddr(pc), Path: peerPath(pc)}

	dialer := websocket.Dialer{
		HandshakeTimeout: connectTimeout(pc),
		TLSClientConfig:  tlsCfg,
	}

	header := http.Header{}
	if token := bearerToken(pc); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	if resp != nil {
		resp.Body.Close()
	}

	l := &wsLink{conn: conn, hooks: hooks, log: log}

	conn.SetPingHandler(func(appData string) error {
		l.hooks.onActivity()
		l.writeMu.Lock()
		defer l.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
	})
	conn.SetPongHandler(func(string) error {
		l.hooks.onActivity()
		return nil
	})

	go l.readLoop()

	return l, nil
}

func (l *wsLink) readLoop() {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if !l.closed.Load() {
				l.hooks.onDown(err)
			}
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			l.log.Warn("ws_decode_error", slog.String("error", err.Error()))
			l.hooks.onActivity()
			continue
		}
		l.hooks.onMessage(msg, len(data))
	}
}

func (l *wsLink) send(ctx context.Context, _ *wire.Message, encoded []byte) ([]byte, error) {
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_ = l.conn.SetWriteDeadline(deadline)
	if err := l.conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		return nil, a2aerr.Wrap(a2aerr.TypeRouting, err, "websocket write failed").
			WithSource("transport")
	}
	return nil, nil
}

func (l *wsLink) synchronous() bool { return false }

func (l *wsLink) close() error {
	l.closed.Store(true)

	l.writeMu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
	l.writeMu.Unlock()

	return l.conn.Close()
}
