package peerserver

import (
	"net"
	"testing"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/wire"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

func dialTCPPeer(t *testing.T, s *Server) (net.Conn, *wire.FrameReader) {
	t.Helper()
	addr := s.TCPAddr()
	if addr == nil {
		t.Fatal("tcp listener not configured")
	}
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, wire.NewFrameReader(conn)
}

func tcpSend(t *testing.T, conn net.Conn, msg *wire.Message) {
	t.Helper()
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := wire.WriteFrame(conn, wire.NewFrame(wire.FrameTypeFor(msg), data)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

func tcpRead(t *testing.T, conn net.Conn, fr *wire.FrameReader) *wire.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := fr.Read()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestServerTCPRequestResponse(t *testing.T) {
	s := newTestServer(t, Options{TCPAddr: "127.0.0.1:0"})
	conn, fr := dialTCPPeer(t, s)

	tcpSend(t, conn, mustRequest(t, "math.add", map[string]float64{"a": 8, "b": 9}))
	f := tcpRead(t, conn, fr)
	if f.Type != wire.FrameResponse {
		t.Fatalf("frame type = %d, want response", f.Type)
	}
	resp, err := wire.Decode(f.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("response error: %+v", resp.Error)
	}
	var out struct {
		Sum float64 `json:"sum"`
	}
	if err := resp.UnmarshalResult(&out); err != nil {
		t.Fatalf("UnmarshalResult: %v", err)
	}
	if out.Sum != 17 {
		t.Fatalf("sum = %v, want 17", out.Sum)
	}
}

func TestServerTCPPingPong(t *testing.T) {
	s := newTestServer(t, Options{TCPAddr: "127.0.0.1:0"})
	conn, fr := dialTCPPeer(t, s)

	if err := wire.WriteFrame(conn, wire.NewFrame(wire.FramePing, []byte("abc"))); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	f := tcpRead(t, conn, fr)
	if f.Type != wire.FramePong {
		t.Fatalf("frame type = %d, want pong", f.Type)
	}
	if string(f.Payload) != "abc" {
		t.Fatalf("pong payload = %q, want abc", f.Payload)
	}
}

func TestServerTCPHandshakeGate(t *testing.T) {
	s := newTestServer(t, Options{
		TCPAddr: "127.0.0.1:0",
		Auth:    config.AuthConfig{Mode: config.AuthToken, Token: "sekrit"},
	})

	// No handshake: the request is answered with an error and the
	// connection is dropped.
	conn, fr := dialTCPPeer(t, s)
	tcpSend(t, conn, mustRequest(t, "math.add", map[string]float64{"a": 1, "b": 1}))
	f := tcpRead(t, conn, fr)
	resp, err := wire.Decode(f.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	wantErrCode(t, resp, a2aerr.CodeAuthentication)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := fr.Read(); err == nil {
		t.Fatal("connection survived failed authentication")
	}

	// Leading with the handshake notification unlocks the session.
	conn, fr = dialTCPPeer(t, s)
	hs, err := wire.NewNotification("peer-1", "hub", "a2a.handshake", map[string]string{"token": "sekrit"})
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	hs.MessageType = wire.TypeSecurityHandshake
	tcpSend(t, conn, hs)

	tcpSend(t, conn, mustRequest(t, "math.add", map[string]float64{"a": 2, "b": 2}))
	f = tcpRead(t, conn, fr)
	resp, err = wire.Decode(f.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("post-handshake error: %+v", resp.Error)
	}
}

func TestServerTCPServerPings(t *testing.T) {
	s := newTestServer(t, Options{
		TCPAddr:      "127.0.0.1:0",
		PingInterval: 50 * time.Millisecond,
	})
	conn, fr := dialTCPPeer(t, s)

	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		f, err := fr.Read()
		if err != nil {
			t.Fatalf("no ping before deadline: %v", err)
		}
		if f.Type == wire.FramePing {
			return
		}
	}
}
