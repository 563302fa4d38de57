package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

func TestNewRequest_Shape(t *testing.T) {
	m, err := NewRequest("agent-a", "agent-b", "math.add", map[string]int{"a": 2, "b": 3})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if m.JSONRPC != "2.0" {
		t.Errorf("jsonrpc = %q", m.JSONRPC)
	}
	if !m.IsRequest() || m.IsNotification() || m.IsResponse() {
		t.Error("request misclassified")
	}
	if m.From != "agent-a" || m.To != "agent-b" {
		t.Errorf("addressing = %s→%s", m.From, m.To)
	}
	if m.MessageType != TypeRequest {
		t.Errorf("messageType = %s", m.MessageType)
	}
	if m.IDKey() == "" {
		t.Error("request must have an id")
	}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestNewNotification_HasNoID(t *testing.T) {
	m, err := NewNotification("a", "b", "status.update", nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	if !m.IsNotification() {
		t.Error("notification misclassified")
	}
	if m.IDKey() != "" {
		t.Errorf("notification id = %q, want empty", m.IDKey())
	}
}

func TestTimestamps_StrictlyIncrease(t *testing.T) {
	prev := int64(0)
	for i := 0; i < 100; i++ {
		m, _ := NewRequest("a", "b", "m", nil)
		if m.Timestamp <= prev {
			t.Fatalf("timestamp %d not after %d", m.Timestamp, prev)
		}
		prev = m.Timestamp
	}
}

func TestEncodeDecode_RoundTripsBytes(t *testing.T) {
	req, _ := NewRequest("a", "b", "echo", map[string]string{"msg": "hi"})
	req.Priority = PriorityHigh
	req.Route = &Route{Path: []string{"a", "relay"}, Hops: 1, MaxHops: 4}

	data, err := req.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	again, err := decoded.Encode()
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Errorf("round trip changed bytes:\n %s\n %s", data, again)
	}
}

func TestDecode_MalformedJSONIsSerializationError(t *testing.T) {
	_, err := Decode([]byte(`{"jsonrpc":"2.0",`))
	var ae *a2aerr.Error
	if !errors.As(err, &ae) || ae.Type != a2aerr.TypeSerialization {
		t.Errorf("got %v, want serialization_error", err)
	}
}

func TestDecode_WrongVersionIsProtocolError(t *testing.T) {
	_, err := Decode([]byte(`{"jsonrpc":"1.0","method":"x","id":1}`))
	var ae *a2aerr.Error
	if !errors.As(err, &ae) || ae.Type != a2aerr.TypeProtocol {
		t.Errorf("got %v, want protocol_error", err)
	}
}

func TestValidate_ResultAndErrorMutuallyExclusive(t *testing.T) {
	m := &Message{
		JSONRPC: Version,
		Result:  json.RawMessage(`1`),
		Error:   &a2aerr.RPCError{Code: -32603, Message: "x"},
		ID:      json.RawMessage(`"1"`),
	}
	if err := m.Validate(); err == nil {
		t.Error("result+error accepted")
	}
}

func TestValidate_UnknownMessageTypeRejected(t *testing.T) {
	m, _ := NewRequest("a", "b", "m", nil)
	m.MessageType = "telepathy"
	if err := m.Validate(); err == nil {
		t.Error("unknown messageType accepted")
	}
}

func TestValidate_RouteHopCap(t *testing.T) {
	m, _ := NewRequest("a", "b", "m", nil)
	m.Route = &Route{Path: []string{"a", "b", "c"}, Hops: 5, MaxHops: 4}
	if err := m.Validate(); err == nil {
		t.Error("hop overflow accepted")
	}
}

func TestNewResponse_SwapsAddressingAndKeepsID(t *testing.T) {
	req, _ := NewRequest("caller", "callee", "m", nil)
	resp, err := NewResponse(req, map[string]int{"n": 5})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	if resp.From != "callee" || resp.To != "caller" {
		t.Errorf("addressing = %s→%s", resp.From, resp.To)
	}
	if resp.IDKey() != req.IDKey() {
		t.Errorf("id changed: %s → %s", req.IDKey(), resp.IDKey())
	}
	if !resp.IsResponse() {
		t.Error("response misclassified")
	}

	var out map[string]int
	if err := resp.UnmarshalResult(&out); err != nil {
		t.Fatalf("UnmarshalResult: %v", err)
	}
	if out["n"] != 5 {
		t.Errorf("result = %v", out)
	}
}

func TestNewErrorResponse_SurfacesStructuredError(t *testing.T) {
	req, _ := NewRequest("caller", "callee", "m", nil)
	resp := NewErrorResponse(req, a2aerr.New(a2aerr.TypeCapabilityNotFound, "no such method").WithSource("registry"))

	var out any
	err := resp.UnmarshalResult(&out)
	var ae *a2aerr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("got %v, want *a2aerr.Error", err)
	}
	if ae.Type != a2aerr.TypeCapabilityNotFound || ae.Code != -32601 {
		t.Errorf("type=%s code=%d", ae.Type, ae.Code)
	}
	if ae.Source != "registry" {
		t.Errorf("source = %q", ae.Source)
	}
}

func TestIDKey_NullIDTreatedAsAbsent(t *testing.T) {
	m := &Message{JSONRPC: Version, Method: "m", ID: json.RawMessage(`null`)}
	if m.IDKey() != "" {
		t.Errorf("null id key = %q", m.IDKey())
	}
	if !m.IsNotification() {
		t.Error("null-id call should be a notification")
	}
}

func TestIDKey_NumberAndStringDiffer(t *testing.T) {
	a := &Message{ID: json.RawMessage(`1`)}
	b := &Message{ID: json.RawMessage(`"1"`)}
	if a.IDKey() == b.IDKey() {
		t.Error("number 1 and string \"1\" must key differently")
	}
}
