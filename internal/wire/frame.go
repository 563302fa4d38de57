package wire

import (
	"encoding/binary"
	"io"

	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// Binary frame layout: 1-byte version, 1-byte type, 1-byte flags, 4-byte
// big-endian payload length, payload.
const (
	FrameVersion    = 1
	frameHeaderSize = 7

	// MaxFramePayload bounds a single frame; larger lengths are treated as a
	// protocol error rather than an allocation request.
	MaxFramePayload = 16 << 20
)

// FrameType is the frame's 1-byte type code.
type FrameType byte

const (
	FrameMessage      FrameType = 1
	FrameNotification FrameType = 2
	FrameResponse     FrameType = 3
	FramePing         FrameType = 4
	FramePong         FrameType = 5
)

// Valid reports whether t is a defined type code.
func (t FrameType) Valid() bool {
	return t >= FrameMessage && t <= FramePong
}

func (t FrameType) String() string {
	switch t {
	case FrameMessage:
		return "message"
	case FrameNotification:
		return "notification"
	case FrameResponse:
		return "response"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	default:
		return "invalid"
	}
}

// Frame is one framed-TCP unit. Ping and pong frames carry no payload.
type Frame struct {
	Version byte
	Type    FrameType
	Flags   byte
	Payload []byte
}

// NewFrame builds a version-1 frame.
func NewFrame(t FrameType, payload []byte) *Frame {
	return &Frame{Version: FrameVersion, Type: t, Payload: payload}
}

// FrameTypeFor returns the frame type code for a message.
func FrameTypeFor(m *Message) FrameType {
	switch {
	case m.IsResponse():
		return FrameResponse
	case m.IsNotification():
		return FrameNotification
	default:
		return FrameMessage
	}
}

// Encode returns the frame's wire bytes.
func (f *Frame) Encode() []byte {
	buf := make([]byte, frameHeaderSize+len(f.Payload))
	buf[0] = f.Version
	buf[1] = byte(f.Type)
	buf[2] = f.Flags
	binary.BigEndian.PutUint32(buf[3:frameHeaderSize], uint32(len(f.Payload)))
	copy(buf[frameHeaderSize:], f.Payload)
	return buf
}

// WriteFrame writes the frame to w in one Write call so concurrent writers
// interleave at frame granularity.
func WriteFrame(w io.Writer, f *Frame) error {
	_, err := w.Write(f.Encode())
	return err
}

// FrameReader decodes frames from a byte stream. Reads block until a full
// frame is available; a partial frame never surfaces and never advances the
// stream visible to the caller.
type FrameReader struct {
	r   io.Reader
	hdr [frameHeaderSize]byte
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read returns the next complete frame. io.EOF means a clean close at a
// frame boundary; io.ErrUnexpectedEOF means the stream died mid-frame.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return nil, err
	}

	f := &Frame{
		Version: fr.hdr[0],
		Type:    FrameType(fr.hdr[1]),
		Flags:   fr.hdr[2],
	}
	if f.Version != FrameVersion {
		return nil, a2aerr.Newf(a2aerr.TypeProtocol, "unsupported frame version %d", f.Version).WithSource("wire")
	}
	if !f.Type.Valid() {
		return nil, a2aerr.Newf(a2aerr.TypeProtocol, "unknown frame type %d", fr.hdr[1]).WithSource("wire")
	}

	n := binary.BigEndian.Uint32(fr.hdr[3:frameHeaderSize])
	if n > MaxFramePayload {
		return nil, a2aerr.Newf(a2aerr.TypeProtocol, "frame payload %d exceeds %d bytes", n, MaxFramePayload).WithSource("wire")
	}
	if n == 0 {
		return f, nil
	}

	f.Payload = make([]byte, n)
	if _, err := io.ReadFull(fr.r, f.Payload); err != nil {
		return nil, err
	}
	return f, nil
}
