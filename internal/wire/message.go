// Package wire defines the fabric's JSON-RPC 2.0 superset message model and
// the binary frame codec used by the framed-TCP transport.
//
// Every message is a JSON-RPC 2.0 object extended with addressing fields
// (from/to), a monotonic timestamp, a message type tag, and optional
// priority, route and signature metadata. Responses carry result or error,
// never both.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// Version is the JSON-RPC version tag every message carries.
const Version = "2.0"

// Broadcast is the reserved destination addressing every connected peer.
const Broadcast = "broadcast"

// MessageType tags the fabric-level intent of a message.
type MessageType string

const (
	TypeRequest              MessageType = "request"
	TypeResponse             MessageType = "response"
	TypeNotification         MessageType = "notification"
	TypeDiscovery            MessageType = "discovery"
	TypeRegistration         MessageType = "registration"
	TypeHeartbeat            MessageType = "heartbeat"
	TypeCapabilityQuery      MessageType = "capability_query"
	TypeWorkflowCoordination MessageType = "workflow_coordination"
	TypeResourceNegotiation  MessageType = "resource_negotiation"
	TypeSecurityHandshake    MessageType = "security_handshake"
)

// Valid reports whether t is a known message type. The empty type is valid
// so plain JSON-RPC peers interoperate.
func (t MessageType) Valid() bool {
	switch t {
	case "", TypeRequest, TypeResponse, TypeNotification, TypeDiscovery,
		TypeRegistration, TypeHeartbeat, TypeCapabilityQuery,
		TypeWorkflowCoordination, TypeResourceNegotiation, TypeSecurityHandshake:
		return true
	default:
		return false
	}
}

// Priority orders message handling under load.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority or empty.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Route tracks the path a relayed message has taken.
type Route struct {
	Path    []string `json:"path"`
	Hops    int      `json:"hops"`
	MaxHops int      `json:"maxHops"`
}

// Message is one JSON-RPC 2.0 superset message. ID is kept as raw JSON so
// string, number and null ids survive untouched.
type Message struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *a2aerr.RPCError `json:"error,omitempty"`
	ID      json.RawMessage  `json:"id,omitempty"`

	From        string      `json:"from,omitempty"`
	To          string      `json:"to,omitempty"`
	Timestamp   int64       `json:"timestamp,omitempty"`
	MessageType MessageType `json:"messageType,omitempty"`
	Priority    Priority    `json:"priority,omitempty"`
	Route       *Route      `json:"route,omitempty"`
	Signature   string      `json:"signature,omitempty"`
	Nonce       string      `json:"nonce,omitempty"`
}

// lastTimestamp enforces strictly increasing message timestamps per process.
var lastTimestamp atomic.Int64

func nextTimestamp() int64 {
	now := time.Now().UnixMilli()
	for {
		prev := lastTimestamp.Load()
		if now <= prev {
			now = prev + 1
		}
		if lastTimestamp.CompareAndSwap(prev, now) {
			return now
		}
	}
}

// NewRequest builds a request message with a fresh UUID id. params may be
// nil or any JSON-marshalable value.
func NewRequest(from, to, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	id, _ := json.Marshal(uuid.New().String())
	return &Message{
		JSONRPC:     Version,
		Method:      method,
		Params:      raw,
		ID:          id,
		From:        from,
		To:          to,
		Timestamp:   nextTimestamp(),
		MessageType: TypeRequest,
	}, nil
}

// NewNotification builds an id-less notification message.
func NewNotification(from, to, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{
		JSONRPC:     Version,
		Method:      method,
		Params:      raw,
		From:        from,
		To:          to,
		Timestamp:   nextTimestamp(),
		MessageType: TypeNotification,
	}, nil
}

// NewResponse builds the success response to req, swapping from/to.
func NewResponse(req *Message, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, a2aerr.Wrap(a2aerr.TypeSerialization, err, "encode result").WithSource("wire")
	}
	return &Message{
		JSONRPC:     Version,
		Result:      raw,
		ID:          req.ID,
		From:        req.To,
		To:          req.From,
		Timestamp:   nextTimestamp(),
		MessageType: TypeResponse,
	}, nil
}

// NewErrorResponse builds the error response to req.
func NewErrorResponse(req *Message, e *a2aerr.Error) *Message {
	return &Message{
		JSONRPC:     Version,
		Error:       e.RPC(),
		ID:          req.ID,
		From:        req.To,
		To:          req.From,
		Timestamp:   nextTimestamp(),
		MessageType: TypeResponse,
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, a2aerr.Wrap(a2aerr.TypeSerialization, err, "encode params").WithSource("wire")
	}
	return raw, nil
}

// ── Classification ───────────────────────────────────────────────────────────

// IsNotification reports whether the message expects no response.
func (m *Message) IsNotification() bool {
	return !m.hasValidID() && m.Method != ""
}

// IsRequest reports whether the message is a call expecting a response.
func (m *Message) IsRequest() bool {
	return m.hasValidID() && m.Method != ""
}

// IsResponse reports whether the message carries a result or error for a
// prior request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

func (m *Message) hasValidID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// IDKey returns the listener-table key for this message's id. Empty for
// notifications.
func (m *Message) IDKey() string {
	if !m.hasValidID() {
		return ""
	}
	return string(m.ID)
}

// ── Codec ────────────────────────────────────────────────────────────────────

// Encode serializes the message to JSON bytes.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, a2aerr.Wrap(a2aerr.TypeSerialization, err, "encode message").WithSource("wire")
	}
	return data, nil
}

// Decode parses and validates one message. Malformed JSON is a
// serialization_error; a structurally valid but non-conforming message is a
// protocol_error.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, a2aerr.Wrap(a2aerr.TypeSerialization, err, "malformed JSON-RPC message").WithSource("wire")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks JSON-RPC structural rules and fabric field constraints.
func (m *Message) Validate() error {
	if m.JSONRPC != Version {
		return a2aerr.Newf(a2aerr.TypeProtocol, "jsonrpc version %q, want %q", m.JSONRPC, Version).WithSource("wire")
	}
	if m.Result != nil && m.Error != nil {
		return a2aerr.New(a2aerr.TypeProtocol, "message carries both result and error").WithSource("wire")
	}
	if m.Method == "" && m.Result == nil && m.Error == nil {
		return a2aerr.New(a2aerr.TypeProtocol, "message is neither call nor response").WithSource("wire")
	}
	if !m.MessageType.Valid() {
		return a2aerr.Newf(a2aerr.TypeProtocol, "unknown messageType %q", m.MessageType).WithSource("wire")
	}
	if !m.Priority.Valid() {
		return a2aerr.Newf(a2aerr.TypeProtocol, "unknown priority %q", m.Priority).WithSource("wire")
	}
	if m.Route != nil && m.Route.MaxHops > 0 && m.Route.Hops > m.Route.MaxHops {
		return a2aerr.Newf(a2aerr.TypeProtocol, "route exceeded %d hops", m.Route.MaxHops).WithSource("wire")
	}
	return nil
}

// UnmarshalResult decodes the response result into out.
func (m *Message) UnmarshalResult(out any) error {
	if m.Error != nil {
		return a2aerr.FromRPC(m.Error)
	}
	if m.Result == nil {
		return a2aerr.New(a2aerr.TypeProtocol, "response has no result").WithSource("wire")
	}
	if err := json.Unmarshal(m.Result, out); err != nil {
		return a2aerr.Wrap(a2aerr.TypeSerialization, err, "decode result").WithSource("wire")
	}
	return nil
}

// UnmarshalParams decodes the call params into out.
func (m *Message) UnmarshalParams(out any) error {
	if m.Params == nil {
		return a2aerr.New(a2aerr.TypeValidation, "missing params").WithSource("wire")
	}
	if err := json.Unmarshal(m.Params, out); err != nil {
		return a2aerr.Wrap(a2aerr.TypeSerialization, err, "decode params").WithSource("wire")
	}
	return nil
}

// String summarizes the message for logs without dumping payloads.
func (m *Message) String() string {
	switch {
	case m.IsResponse() && m.Error != nil:
		return fmt.Sprintf("response id=%s error=%d", m.IDKey(), m.Error.Code)
	case m.IsResponse():
		return fmt.Sprintf("response id=%s", m.IDKey())
	case m.IsNotification():
		return fmt.Sprintf("notification method=%s", m.Method)
	default:
		return fmt.Sprintf("request id=%s method=%s", m.IDKey(), m.Method)
	}
}
