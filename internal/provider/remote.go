package provider

import (
	"context"
	"strings"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/wire"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// defaultStreamChunk sizes the synthetic chunks a remote completion is
// split into.
const defaultStreamChunk = 256

// Requester is the slice of the connection fabric a remote provider needs.
type Requester interface {
	SendRequest(ctx context.Context, connID string, msg *wire.Message) (*wire.Message, error)
}

// RemoteOptions configure a peer-backed provider.
type RemoteOptions struct {
	// Name is the provider id. Default: the peer id.
	Name string
	// AgentID is the local agent, PeerID the remote one; they address the
	// wire messages.
	AgentID string
	PeerID  string
	// ConnID names the established connection requests ride on.
	ConnID string
	// Method is the remote generation method. Default: "llm.generate".
	Method     string
	Descriptor Descriptor
	// StreamChunkRunes sizes the synthetic stream chunks. Default 256.
	StreamChunkRunes int
}

// Remote runs generations on a peer agent over the connection fabric. The
// peer answers with a complete response; GenerateStream re-emits it as
// synthetic chunks since the wire protocol delivers one result per request.
type Remote struct {
	sender    Requester
	name      string
	agentID   string
	peerID    string
	connID    string
	method    string
	desc      Descriptor
	chunkSize int
}

// NewRemote builds a peer-backed provider. sender must not be nil.
func NewRemote(sender Requester, opts RemoteOptions) *Remote {
	if sender == nil {
		panic("provider: nil sender")
	}
	name := opts.Name
	if name == "" {
		name = opts.PeerID
	}
	method := opts.Method
	if method == "" {
		method = "llm.generate"
	}
	desc := opts.Descriptor
	if desc.ID == "" {
		desc.ID = name
	}
	chunk := opts.StreamChunkRunes
	if chunk <= 0 {
		chunk = defaultStreamChunk
	}
	return &Remote{
		sender:    sender,
		name:      name,
		agentID:   opts.AgentID,
		peerID:    opts.PeerID,
		connID:    opts.ConnID,
		method:    method,
		desc:      desc,
		chunkSize: chunk,
	}
}

func (r *Remote) Name() string           { return r.name }
func (r *Remote) Descriptor() Descriptor { return r.desc }

func (r *Remote) Generate(ctx context.Context, req *Request) (*Response, error) {
	return r.roundTrip(ctx, req, false)
}

func (r *Remote) roundTrip(ctx context.Context, req *Request, stream bool) (*Response, error) {
	if req == nil {
		return nil, a2aerr.New(a2aerr.TypeValidation, "request must not be nil").WithSource("provider")
	}
	payload := req.Clone()
	payload.Stream = stream

	msg, err := wire.NewRequest(r.agentID, r.peerID, r.method, payload)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	reply, err := r.sender.SendRequest(ctx, r.connID, msg)
	if err != nil {
		return nil, err
	}

	var out Response
	if err := reply.UnmarshalResult(&out); err != nil {
		return nil, err
	}
	out.Provider = r.name
	out.Latency = time.Since(start)
	if out.Usage.TotalTokens == 0 {
		out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
	}
	return &out, nil
}

// GenerateStream requests a streaming-intent completion and replays the
// peer's full response as a chunk sequence.
func (r *Remote) GenerateStream(ctx context.Context, req *Request) (*Stream, error) {
	resp, err := r.roundTrip(ctx, req, true)
	if err != nil {
		return nil, err
	}

	chunks := splitRunes(resp.Content, r.chunkSize)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	s, prod := NewStream(4)
	go func() {
		for i, text := range chunks {
			chunk := Chunk{Index: i, Text: text}
			if i == len(chunks)-1 {
				chunk.FinishReason = resp.FinishReason
			}
			if err := prod.Send(ctx, chunk); err != nil {
				prod.Close(err)
				return
			}
		}
		prod.Close(nil)
	}()
	return s, nil
}

// HealthCheck runs one heartbeat round trip over the connection.
func (r *Remote) HealthCheck(ctx context.Context) error {
	msg, err := wire.NewRequest(r.agentID, r.peerID, "heartbeat", nil)
	if err != nil {
		return err
	}
	msg.MessageType = wire.TypeHeartbeat

	reply, err := r.sender.SendRequest(ctx, r.connID, msg)
	if err != nil {
		return err
	}
	var ack struct {
		Status string `json:"status"`
	}
	return reply.UnmarshalResult(&ack)
}

// splitRunes cuts text into chunks of at most size runes, never splitting a
// rune.
func splitRunes(text string, size int) []string {
	if text == "" {
		return nil
	}
	var out []string
	var b strings.Builder
	n := 0
	for _, rn := range text {
		b.WriteRune(rn)
		n++
		if n >= size {
			out = append(out, b.String())
			b.Reset()
			n = 0
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
