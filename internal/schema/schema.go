// Package schema provides a JSON-Schema-like validator for capability
// parameter and result objects. It covers the subset capabilities declare:
// type, properties, required, items, enum, and numeric/length bounds.
package schema

import (
	"fmt"
	"strings"

	"github.com/nulpointcorp/a2a-fabric/internal/value"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// Type names accepted in a Schema. "integer" narrows "number" to integral
// values; "any" disables the type check for that node.
const (
	TypeObject  = "object"
	TypeArray   = "array"
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeBytes   = "bytes"
	TypeNull    = "null"
	TypeAny     = "any"
)

// Schema describes the expected shape of a Value.
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Minimum     *float64           `json:"minimum,omitempty"`
	Maximum     *float64           `json:"maximum,omitempty"`
	MinLength   *int               `json:"minLength,omitempty"`
	MaxLength   *int               `json:"maxLength,omitempty"`
}

// Object is shorthand for an object schema with the given properties and
// required keys.
func ObjectOf(props map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: TypeObject, Properties: props, Required: required}
}

// Of is shorthand for a bare typed schema.
func Of(typ string) *Schema { return &Schema{Type: typ} }

// Validate checks v against the schema. The returned error is a
// validation_error carrying the offending path. A nil schema accepts
// everything.
func (s *Schema) Validate(v value.Value) error {
	if s == nil {
		return nil
	}
	return s.validate(v, "$")
}

// ValidateObject checks params against an object schema.
func (s *Schema) ValidateObject(params value.Object) error {
	return s.Validate(value.Obj(params))
}

func (s *Schema) validate(v value.Value, path string) error {
	if err := s.checkType(v, path); err != nil {
		return err
	}

	switch v.Kind() {
	case value.KindString:
		str, _ := v.AsString()
		if s.MinLength != nil && len(str) < *s.MinLength {
			return violation(path, fmt.Sprintf("length %d below minLength %d", len(str), *s.MinLength))
		}
		if s.MaxLength != nil && len(str) > *s.MaxLength {
			return violation(path, fmt.Sprintf("length %d above maxLength %d", len(str), *s.MaxLength))
		}
		if len(s.Enum) > 0 && !contains(s.Enum, str) {
			return violation(path, fmt.Sprintf("%q not in enum [%s]", str, strings.Join(s.Enum, ", ")))
		}

	case value.KindNumber:
		n, _ := v.AsNumber()
		if s.Minimum != nil && n < *s.Minimum {
			return violation(path, fmt.Sprintf("%v below minimum %v", n, *s.Minimum))
		}
		if s.Maximum != nil && n > *s.Maximum {
			return violation(path, fmt.Sprintf("%v above maximum %v", n, *s.Maximum))
		}

	case value.KindArray:
		if s.Items == nil {
			break
		}
		arr, _ := v.AsArray()
		for i, el := range arr {
			if err := s.Items.validate(el, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}

	case value.KindObject:
		obj, _ := v.AsObject()
		for _, req := range s.Required {
			if _, ok := obj[req]; !ok {
				return violation(path, fmt.Sprintf("missing required field %q", req))
			}
		}
		for name, sub := range s.Properties {
			field, ok := obj[name]
			if !ok {
				continue
			}
			if err := sub.validate(field, path+"."+name); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Schema) checkType(v value.Value, path string) error {
	switch s.Type {
	case "", TypeAny:
		return nil
	case TypeInteger:
		if _, ok := v.AsInt(); !ok {
			return violation(path, fmt.Sprintf("expected integer, got %s", v.Kind()))
		}
		return nil
	}

	want, ok := kindForType(s.Type)
	if !ok {
		return violation(path, fmt.Sprintf("unknown schema type %q", s.Type))
	}
	if v.Kind() != want {
		return violation(path, fmt.Sprintf("expected %s, got %s", s.Type, v.Kind()))
	}
	return nil
}

func kindForType(typ string) (value.Kind, bool) {
	switch typ {
	case TypeObject:
		return value.KindObject, true
	case TypeArray:
		return value.KindArray, true
	case TypeString:
		return value.KindString, true
	case TypeNumber:
		return value.KindNumber, true
	case TypeBoolean:
		return value.KindBool, true
	case TypeBytes:
		return value.KindBytes, true
	case TypeNull:
		return value.KindNull, true
	default:
		return 0, false
	}
}

// Clone returns a deep copy.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	out := *s
	if s.Properties != nil {
		out.Properties = make(map[string]*Schema, len(s.Properties))
		for k, sub := range s.Properties {
			out.Properties[k] = sub.Clone()
		}
	}
	out.Required = append([]string(nil), s.Required...)
	out.Enum = append([]string(nil), s.Enum...)
	out.Items = s.Items.Clone()
	if s.Minimum != nil {
		m := *s.Minimum
		out.Minimum = &m
	}
	if s.Maximum != nil {
		m := *s.Maximum
		out.Maximum = &m
	}
	if s.MinLength != nil {
		m := *s.MinLength
		out.MinLength = &m
	}
	if s.MaxLength != nil {
		m := *s.MaxLength
		out.MaxLength = &m
	}
	return &out
}

func violation(path, msg string) error {
	return a2aerr.Newf(a2aerr.TypeValidation, "%s: %s", path, msg).WithSource("schema")
}

func contains(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
