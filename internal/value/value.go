// Package value defines the tagged-union payload type used for capability
// parameters and results.
//
// A Value is one of: null, bool, number, string, bytes, array, object. The
// bytes variant carries opaque binary payloads through JSON as a one-key
// object {"$bytes": "<base64>"} so it survives a wire round trip without
// collapsing into a string. All other variants map 1:1 to JSON.
package value

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Kind discriminates a Value's variant.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindBytes
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// bytesKey marks the JSON encoding of the bytes variant.
const bytesKey = "$bytes"

// Value is an immutable tagged union. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	raw  []byte
	arr  []Value
	obj  Object
}

// Object is a string-keyed map of Values.
type Object map[string]Value

// ── Constructors ─────────────────────────────────────────────────────────────

// Null returns the null value.
func Null() Value { return Value{} }

func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func Int(n int) Value        { return Value{kind: KindNumber, n: float64(n)} }
func String(s string) Value  { return Value{kind: KindString, s: s} }

// Bytes wraps a binary payload. The slice is not copied.
func Bytes(raw []byte) Value { return Value{kind: KindBytes, raw: raw} }

func Array(vs ...Value) Value { return Value{kind: KindArray, arr: vs} }

// Obj wraps o. The map is not copied.
func Obj(o Object) Value {
	if o == nil {
		o = Object{}
	}
	return Value{kind: KindObject, obj: o}
}

// ── Accessors ────────────────────────────────────────────────────────────────

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.n, true
}

// AsInt returns the numeric value when it is integral.
func (v Value) AsInt() (int, bool) {
	if v.kind != KindNumber || v.n != math.Trunc(v.n) {
		return 0, false
	}
	return int(v.n), true
}

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.raw, true
}

func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

func (v Value) AsObject() (Object, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	return v.obj, true
}

// Get returns the field of an object value; ok is false for non-objects and
// missing keys.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	f, ok := v.obj[key]
	return f, ok
}

// ── Object helpers ───────────────────────────────────────────────────────────

// Clone returns a shallow copy of o safe for caller-side mutation of the
// top-level map.
func (o Object) Clone() Object {
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Merge returns a new object with src entries shadowing dst entries, the
// pipeline composition rule next = {...prev, ...result}.
func Merge(dst, src Object) Object {
	out := dst.Clone()
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Keys returns the object's keys sorted for deterministic iteration.
func (o Object) Keys() []string {
	ks := make([]string, 0, len(o))
	for k := range o {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

// ── JSON ─────────────────────────────────────────────────────────────────────

// MarshalJSON encodes the value. Object keys are emitted in sorted order so
// the encoding is canonical and usable for fingerprinting.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return nil, fmt.Errorf("value: cannot encode %v as JSON number", v.n)
		}
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindBytes:
		enc := base64.StdEncoding.EncodeToString(v.raw)
		return json.Marshal(map[string]string{bytesKey: enc})
	case KindArray:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, el := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := el.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindObject:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range v.obj.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			b, err := v.obj[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("value: invalid kind %d", v.kind)
	}
}

// UnmarshalJSON decodes any JSON value; a one-key {"$bytes": ...} object with
// valid base64 becomes the bytes variant.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("value: decode: %w", err)
	}
	got, err := fromDecoded(raw)
	if err != nil {
		return err
	}
	*v = got
	return nil
}

func fromDecoded(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("value: number %q: %w", x.String(), err)
		}
		return Number(f), nil
	case string:
		return String(x), nil
	case []any:
		arr := make([]Value, len(x))
		for i, el := range x {
			ev, err := fromDecoded(el)
			if err != nil {
				return Value{}, err
			}
			arr[i] = ev
		}
		return Array(arr...), nil
	case map[string]any:
		if enc, ok := bytesEnvelope(x); ok {
			raw, err := base64.StdEncoding.DecodeString(enc)
			if err == nil {
				return Bytes(raw), nil
			}
			// Not valid base64: treat as an ordinary object.
		}
		obj := make(Object, len(x))
		for k, el := range x {
			ev, err := fromDecoded(el)
			if err != nil {
				return Value{}, err
			}
			obj[k] = ev
		}
		return Obj(obj), nil
	default:
		return Value{}, fmt.Errorf("value: unsupported decoded type %T", raw)
	}
}

func bytesEnvelope(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	s, ok := m[bytesKey].(string)
	return s, ok
}

// FromAny converts plain Go data (as produced by encoding/json into any) to a
// Value. []byte becomes the bytes variant.
func FromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return Int(x), nil
	case int32:
		return Int(int(x)), nil
	case int64:
		return Number(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("value: number %q: %w", x.String(), err)
		}
		return Number(f), nil
	case string:
		return String(x), nil
	case []byte:
		return Bytes(x), nil
	case Value:
		return x, nil
	case Object:
		return Obj(x), nil
	case []any:
		arr := make([]Value, len(x))
		for i, el := range x {
			ev, err := FromAny(el)
			if err != nil {
				return Value{}, err
			}
			arr[i] = ev
		}
		return Array(arr...), nil
	case map[string]any:
		obj := make(Object, len(x))
		for k, el := range x {
			ev, err := FromAny(el)
			if err != nil {
				return Value{}, err
			}
			obj[k] = ev
		}
		return Obj(obj), nil
	default:
		return Value{}, fmt.Errorf("value: unsupported type %T", raw)
	}
}

// Interface converts the value back to plain Go data; bytes become []byte.
func (v Value) Interface() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindBytes:
		return v.raw
	case KindArray:
		out := make([]any, len(v.arr))
		for i, el := range v.arr {
			out[i] = el.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, el := range v.obj {
			out[k] = el.Interface()
		}
		return out
	default:
		return nil
	}
}

// Equal reports deep equality. Numbers compare by float64 equality.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.n == b.n
	case KindString:
		return a.s == b.s
	case KindBytes:
		return bytes.Equal(a.raw, b.raw)
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, av := range a.obj {
			bv, ok := b.obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
