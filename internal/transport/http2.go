package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/wire"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
	"golang.org/x/net/http2"
)

// h2Link sends each message as one POST stream on a single multiplexed
// HTTP/2 session. In gRPC mode the payload is wrapped in gRPC framing
// (1-byte compressed flag + 4-byte big-endian length) with content type
// application/grpc+json.
type h2Link struct {
	cc  *http2.ClientConn
	raw net.Conn

	url       string
	authToken string
	grpcMode  bool

	hooks  linkHooks
	log    *slog.Logger
	closed atomic.Bool
	down   atomic.Bool
}

func dialHTTP2(ctx context.Context, pc config.PeerConfig, hooks linkHooks, log *slog.Logger, grpcMode bool) (link, error) {
	tlsCfg, err := buildTLSConfig(pc)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: connectTimeout(pc)}
	conn, err := d.DialContext(ctx, "tcp", peerAddr(pc))
	if err != nil {
		return nil, err
	}

	scheme := "http"
	if tlsCfg != nil {
		scheme = "https"
		tlsCfg.NextProtos = []string{"h2"}
		tconn := tls.Client(conn, tlsCfg)
		if err := tconn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		if proto := tconn.ConnectionState().NegotiatedProtocol; proto != "h2" {
			_ = tconn.Close()
			return nil, fmt.Errorf("transport: peer negotiated %q, want h2", proto)
		}
		conn = tconn
	}

	t2 := &http2.Transport{
		AllowHTTP:       tlsCfg == nil,
		TLSClientConfig: tlsCfg,
	}
	cc, err := t2.NewClientConn(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &h2Link{
		cc:        cc,
		raw:       conn,
		url:       fmt.Sprintf("%s://%s%s", scheme, peerAddr(pc), peerPath(pc)),
		authToken: bearerToken(pc),
		grpcMode:  grpcMode,
		hooks:     hooks,
		log:       log,
	}, nil
}

func (l *h2Link) send(ctx context.Context, _ *wire.Message, encoded []byte) ([]byte, error) {
	body := encoded
	if l.grpcMode {
		body = grpcFrame(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return nil, a2aerr.Wrap(a2aerr.TypeInternal, err, "build http2 request").
			WithSource("transport")
	}
	if l.grpcMode {
		req.Header.Set("Content-Type", "application/grpc+json")
		req.Header.Set("TE", "trailers")
	} else {
		req.Header.Set("Content-Type", "application/json")
	}
	if l.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+l.authToken)
	}

	resp, err := l.cc.RoundTrip(req)
	if err != nil {
		l.maybeDown(err)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, a2aerr.Wrap(a2aerr.TypeTimeout, err, "http2 request timed out").
				WithSource("transport")
		}
		return nil, a2aerr.Wrap(a2aerr.TypeRouting, err, "http2 request failed").
			WithSource("transport")
	}
	defer resp.Body.Close()

	l.hooks.onActivity()

	if l.grpcMode {
		return l.readGRPCResponse(resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, wire.MaxFramePayload))
	if err != nil {
		return nil, a2aerr.Wrap(a2aerr.TypeRouting, err, "read http2 response").
			WithSource("transport")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, a2aerr.Newf(a2aerr.TypeRouting, "peer returned HTTP %d", resp.StatusCode).
			WithSource("transport").
			WithHTTPStatus(resp.StatusCode)
	}
	return data, nil
}

// readGRPCResponse unwraps the gRPC frame and surfaces non-zero grpc-status
// values. Trailers-only responses carry the status in the header block.
func (l *h2Link) readGRPCResponse(resp *http.Response) ([]byte, error) {
	if err := grpcStatusErr(resp.Header.Get("grpc-status"), resp.Header.Get("grpc-message")); err != nil {
		return nil, err
	}

	payload, err := readGRPCFrame(resp.Body)
	if err != nil && err != io.EOF {
		return nil, a2aerr.Wrap(a2aerr.TypeRouting, err, "read grpc frame").
			WithSource("transport")
	}

	// Drain so the trailer block becomes visible.
	_, _ = io.Copy(io.Discard, resp.Body)

	if err := grpcStatusErr(resp.Trailer.Get("grpc-status"), resp.Trailer.Get("grpc-message")); err != nil {
		return nil, err
	}
	return payload, nil
}

func (l *h2Link) maybeDown(cause error) {
	if l.closed.Load() || l.cc.CanTakeNewRequest() {
		return
	}
	if l.down.CompareAndSwap(false, true) {
		l.hooks.onDown(cause)
	}
}

func (l *h2Link) synchronous() bool { return true }

func (l *h2Link) close() error {
	l.closed.Store(true)
	return l.cc.Close()
}

// ── gRPC framing ─────────────────────────────────────────────────────────────

// grpcFrame wraps payload in the 5-byte gRPC message prefix (uncompressed).
func grpcFrame(payload []byte) []byte {
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// readGRPCFrame reads one gRPC-framed message. Returns io.EOF when the
// stream ends before a frame starts (trailers-only responses).
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

// grpcStatusErr maps a non-zero grpc-status into a routing error. An empty
// status string means the block carried no status.
func grpcStatusErr(status, message string) error {
	if status == "" || status == "0" {
		return nil
	}
	code, err := strconv.Atoi(status)
	if err != nil {
		code = -1
	}
	if message == "" {
		message = "grpc error"
	}
	return a2aerr.Newf(a2aerr.TypeRouting, "%s (grpc-status %d)", message, code).
		WithSource("transport").
		WithContext("grpc_status", code)
}
