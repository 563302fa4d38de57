package provider

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/wire"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

type fakeRequester struct {
	lastConn string
	lastMsg  *wire.Message
	respond  func(msg *wire.Message) (*wire.Message, error)
}

func (f *fakeRequester) SendRequest(_ context.Context, connID string, msg *wire.Message) (*wire.Message, error) {
	f.lastConn = connID
	f.lastMsg = msg
	return f.respond(msg)
}

func newRemoteFixture(respond func(msg *wire.Message) (*wire.Message, error)) (*fakeRequester, *Remote) {
	fake := &fakeRequester{respond: respond}
	p := NewRemote(fake, RemoteOptions{
		Name:    "g-remote",
		AgentID: "local-agent",
		PeerID:  "peer-1",
		ConnID:  "conn-1",
	})
	return fake, p
}

func TestRemoteGenerate(t *testing.T) {
	fake, p := newRemoteFixture(func(msg *wire.Message) (*wire.Message, error) {
		return wire.NewResponse(msg, Response{
			Model:        "m1",
			Content:      "hello back",
			FinishReason: "stop",
			Usage:        Usage{PromptTokens: 2, CompletionTokens: 3},
		})
	})

	resp, err := p.Generate(context.Background(), &Request{Prompt: "hi", MaxTokens: 64})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if fake.lastConn != "conn-1" {
		t.Fatalf("wrong connection: %s", fake.lastConn)
	}
	if fake.lastMsg.Method != "llm.generate" || fake.lastMsg.To != "peer-1" || fake.lastMsg.From != "local-agent" {
		t.Fatalf("unexpected wire envelope: %+v", fake.lastMsg)
	}
	var sent Request
	if err := fake.lastMsg.UnmarshalParams(&sent); err != nil {
		t.Fatalf("decode sent params: %v", err)
	}
	if sent.Prompt != "hi" || sent.MaxTokens != 64 || sent.Stream {
		t.Fatalf("unexpected sent request: %+v", sent)
	}

	if resp.Provider != "g-remote" {
		t.Fatalf("provider not stamped: %q", resp.Provider)
	}
	if resp.Content != "hello back" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Fatalf("total tokens not derived: %+v", resp.Usage)
	}
	if resp.Latency <= 0 {
		t.Fatal("latency not measured")
	}
}

func TestRemoteGenerateDoesNotMutateRequest(t *testing.T) {
	_, p := newRemoteFixture(func(msg *wire.Message) (*wire.Message, error) {
		return wire.NewResponse(msg, Response{Content: "ok"})
	})
	req := &Request{Prompt: "hi", Stream: true}
	if _, err := p.Generate(context.Background(), req); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !req.Stream {
		t.Fatal("caller's request was mutated")
	}
}

func TestRemoteGenerateRPCError(t *testing.T) {
	_, p := newRemoteFixture(func(msg *wire.Message) (*wire.Message, error) {
		return wire.NewErrorResponse(msg, a2aerr.New(a2aerr.TypeAgentUnavailable, "overloaded")), nil
	})

	_, err := p.Generate(context.Background(), &Request{Prompt: "hi"})
	if a2aerr.Classify(err) != a2aerr.TypeAgentUnavailable {
		t.Fatalf("expected agent_unavailable, got %v", err)
	}
	if !a2aerr.IsRetryable(err) {
		t.Fatal("agent_unavailable should be retryable")
	}
}

func TestRemoteGenerateStreamChunks(t *testing.T) {
	fake := &fakeRequester{respond: func(msg *wire.Message) (*wire.Message, error) {
		return wire.NewResponse(msg, Response{Content: "abcdefghij", FinishReason: "stop"})
	}}
	p := NewRemote(fake, RemoteOptions{
		Name: "g-remote", AgentID: "a", PeerID: "b", ConnID: "c",
		StreamChunkRunes: 4,
	})

	s, err := p.GenerateStream(context.Background(), &Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("generate stream: %v", err)
	}

	var sent Request
	if err := fake.lastMsg.UnmarshalParams(&sent); err != nil {
		t.Fatalf("decode sent params: %v", err)
	}
	if !sent.Stream {
		t.Fatal("stream intent not signalled to the peer")
	}

	var chunks []Chunk
	for chunk := range s.C {
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Text != "abcd" || chunks[1].Text != "efgh" || chunks[2].Text != "ij" {
		t.Fatalf("unexpected chunking: %+v", chunks)
	}
	if chunks[2].FinishReason != "stop" {
		t.Fatal("finish reason missing from final chunk")
	}
	for i, chunk := range chunks {
		if chunk.Index != i {
			t.Fatalf("chunk %d carries index %d", i, chunk.Index)
		}
	}
	if s.Err() != nil {
		t.Fatalf("stream error: %v", s.Err())
	}
}

func TestRemoteGenerateStreamEmptyContent(t *testing.T) {
	_, p := newRemoteFixture(func(msg *wire.Message) (*wire.Message, error) {
		return wire.NewResponse(msg, Response{Content: "", FinishReason: "stop"})
	})

	s, err := p.GenerateStream(context.Background(), &Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("generate stream: %v", err)
	}
	var chunks []Chunk
	for chunk := range s.C {
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 1 || chunks[0].FinishReason != "stop" {
		t.Fatalf("empty completion should still emit a terminal chunk: %+v", chunks)
	}
}

func TestRemoteStreamConsumerCancel(t *testing.T) {
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	fake := &fakeRequester{respond: func(msg *wire.Message) (*wire.Message, error) {
		return wire.NewResponse(msg, Response{Content: string(long)})
	}}
	p := NewRemote(fake, RemoteOptions{
		Name: "g-remote", AgentID: "a", PeerID: "b", ConnID: "c",
		StreamChunkRunes: 1,
	})

	s, err := p.GenerateStream(context.Background(), &Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("generate stream: %v", err)
	}
	<-s.C
	s.Cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-s.C:
			if !ok {
				if s.Err() == nil {
					t.Fatal("cancelled stream should carry a terminal error")
				}
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestRemoteHealthCheck(t *testing.T) {
	fake, p := newRemoteFixture(func(msg *wire.Message) (*wire.Message, error) {
		return wire.NewResponse(msg, map[string]string{"status": "ack"})
	})
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check: %v", err)
	}
	if fake.lastMsg.MessageType != wire.TypeHeartbeat {
		t.Fatalf("expected heartbeat message type, got %s", fake.lastMsg.MessageType)
	}

	_, down := newRemoteFixture(func(msg *wire.Message) (*wire.Message, error) {
		return nil, a2aerr.New(a2aerr.TypeTimeout, "no response")
	})
	if err := down.HealthCheck(context.Background()); a2aerr.Classify(err) != a2aerr.TypeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestSplitRunes(t *testing.T) {
	tests := []struct {
		text string
		size int
		want []string
	}{
		{"", 4, nil},
		{"abc", 4, []string{"abc"}},
		{"abcd", 4, []string{"abcd"}},
		{"abcde", 4, []string{"abcd", "e"}},
		{"héllö", 2, []string{"hé", "ll", "ö"}},
	}
	for _, tt := range tests {
		got := splitRunes(tt.text, tt.size)
		if len(got) != len(tt.want) {
			t.Fatalf("splitRunes(%q, %d) = %v, want %v", tt.text, tt.size, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("splitRunes(%q, %d)[%d] = %q, want %q", tt.text, tt.size, i, got[i], tt.want[i])
			}
		}
	}
}
