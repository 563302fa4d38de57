// Package a2aerr provides the structured error type shared by every fabric
// component, carrying a JSON-RPC 2.0 error code, a stable type string, the
// originating component, and a retryability flag the transport and router use
// to decide whether a failure is worth another attempt.
package a2aerr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Error type strings. These are wire-stable: they appear in JSON-RPC error
// data and in metric labels.
const (
	TypeProtocol           = "protocol_error"
	TypeValidation         = "validation_error"
	TypeCapabilityNotFound = "capability_not_found"
	TypeSerialization      = "serialization_error"
	TypeTimeout            = "timeout_error"
	TypeAgentUnavailable   = "agent_unavailable"
	TypeAuthentication     = "authentication_error"
	TypeAuthorization      = "authorization_error"
	TypeResourceExhausted  = "resource_exhausted"
	TypeRouting            = "routing_error"
	TypeInternal           = "internal_error"
)

// JSON-RPC 2.0 error codes, one per type.
const (
	CodeProtocol           = -32600
	CodeCapabilityNotFound = -32601
	CodeValidation         = -32602
	CodeInternal           = -32603
	CodeSerialization      = -32700
	CodeTimeout            = -32000
	CodeAgentUnavailable   = -32001
	CodeAuthentication     = -32002
	CodeAuthorization      = -32003
	CodeResourceExhausted  = -32004
	CodeRouting            = -32005
)

// codeByType maps a type string to its reserved JSON-RPC code.
var codeByType = map[string]int{
	TypeProtocol:           CodeProtocol,
	TypeValidation:         CodeValidation,
	TypeCapabilityNotFound: CodeCapabilityNotFound,
	TypeSerialization:      CodeSerialization,
	TypeTimeout:            CodeTimeout,
	TypeAgentUnavailable:   CodeAgentUnavailable,
	TypeAuthentication:     CodeAuthentication,
	TypeAuthorization:      CodeAuthorization,
	TypeResourceExhausted:  CodeResourceExhausted,
	TypeRouting:            CodeRouting,
	TypeInternal:           CodeInternal,
}

// retryableByType holds the default retryability per type. agent_unavailable
// is transient (circuit windows close, peers come back) so it defaults to
// retryable; components may override per error.
var retryableByType = map[string]bool{
	TypeTimeout:           true,
	TypeRouting:           true,
	TypeResourceExhausted: true,
	TypeAgentUnavailable:  true,
}

// Error is the structured failure every fabric operation surfaces.
type Error struct {
	Code      int            `json:"code"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Source    string         `json:"source,omitempty"`
	Retryable bool           `json:"retryable"`
	Context   map[string]any `json:"context,omitempty"`

	httpStatus int
	cause      error
}

// New builds an Error of the given type with code and default retryability
// derived from the type. Unknown types map to internal_error.
func New(errType, message string) *Error {
	code, ok := codeByType[errType]
	if !ok {
		errType, code = TypeInternal, CodeInternal
	}
	return &Error{
		Code:      code,
		Type:      errType,
		Message:   message,
		Retryable: retryableByType[errType],
	}
}

// Newf is New with Sprintf formatting.
func Newf(errType, format string, args ...any) *Error {
	return New(errType, fmt.Sprintf(format, args...))
}

// Wrap builds an Error whose cause is err; the cause participates in
// errors.Is/As chains but is not serialized.
func Wrap(errType string, err error, message string) *Error {
	e := New(errType, message)
	e.cause = err
	return e
}

func (e *Error) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Source, e.Message, e.Type)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Type)
}

func (e *Error) Unwrap() error { return e.cause }

// WithSource tags the originating component (e.g. "transport", "registry").
func (e *Error) WithSource(source string) *Error {
	e.Source = source
	return e
}

// WithContext attaches one structured context entry.
func (e *Error) WithContext(key string, v any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 2)
	}
	e.Context[key] = v
	return e
}

// WithRetryable overrides the type-derived retryability.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithHTTPStatus records the upstream HTTP status that produced this error.
// A routing_error backed by a 5xx is always retryable; one backed by a 4xx
// is not.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.httpStatus = status
	if e.Type == TypeRouting {
		e.Retryable = status >= 500 || status == 429
	}
	return e
}

// HTTPStatus returns the upstream HTTP status when one was recorded, or a
// status derived from the error type. Implements the StatusCoder contract
// used by transports and the peer server.
func (e *Error) HTTPStatus() int {
	if e.httpStatus != 0 {
		return e.httpStatus
	}
	switch e.Type {
	case TypeValidation, TypeProtocol, TypeSerialization:
		return 400
	case TypeAuthentication:
		return 401
	case TypeAuthorization:
		return 403
	case TypeCapabilityNotFound:
		return 404
	case TypeResourceExhausted:
		return 429
	case TypeTimeout:
		return 504
	case TypeRouting, TypeAgentUnavailable:
		return 502
	default:
		return 500
	}
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// ── JSON-RPC error object ────────────────────────────────────────────────────

// RPCError is the JSON-RPC 2.0 error object form of an Error. Data carries
// the fabric fields so structure survives a wire round trip.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcData struct {
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	Retryable bool           `json:"retryable"`
	Context   map[string]any `json:"context,omitempty"`
}

// RPC converts the error to its JSON-RPC wire form.
func (e *Error) RPC() *RPCError {
	data, _ := json.Marshal(rpcData{
		Type:      e.Type,
		Source:    e.Source,
		Retryable: e.Retryable,
		Context:   e.Context,
	})
	return &RPCError{Code: e.Code, Message: e.Message, Data: data}
}

// FromRPC reconstructs an Error from a JSON-RPC error object. Missing or
// malformed data fields fall back to code-derived type and retryability.
func FromRPC(r *RPCError) *Error {
	if r == nil {
		return nil
	}
	e := New(TypeForCode(r.Code), r.Message)
	if len(r.Data) > 0 {
		var d rpcData
		if err := json.Unmarshal(r.Data, &d); err == nil && d.Type != "" {
			e.Type = d.Type
			e.Source = d.Source
			e.Retryable = d.Retryable
			e.Context = d.Context
		}
	}
	// The peer's code wins over the type-derived one.
	e.Code = r.Code
	return e
}

// TypeForCode maps a JSON-RPC code back to its type string; unknown codes
// map to internal_error.
func TypeForCode(code int) string {
	for t, c := range codeByType {
		if c == code {
			return t
		}
	}
	return TypeInternal
}

// ── Classification helpers ───────────────────────────────────────────────────

// From normalizes any error into an *Error with the given source. Context
// deadline errors become timeout_error; everything unrecognized becomes
// internal_error wrapping the original.
func From(err error, source string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Source == "" {
			e.Source = source
		}
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(TypeTimeout, err, "operation timed out").WithSource(source)
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(TypeTimeout, err, "operation cancelled").WithSource(source).WithRetryable(false)
	}
	return Wrap(TypeInternal, err, err.Error()).WithSource(source)
}

// IsRetryable reports whether err is worth another attempt.
//
//	*Error                  → its Retryable flag
//	context deadline        → true (the next attempt gets a fresh budget)
//	context cancel          → false
//	StatusCoder             → 5xx and 429 retryable, other 4xx not
//	anything else           → true, so transient transport faults get a chance
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= 500 || status == 429
	}
	return true
}

// Classify returns the stable type string for any error, for metric labels.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TypeTimeout
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
