package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/nulpointcorp/a2a-fabric/internal/value"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

func TestValidate_RequiredAndTypes(t *testing.T) {
	s := ObjectOf(map[string]*Schema{
		"a": Of(TypeNumber),
		"b": Of(TypeNumber),
	}, "a", "b")

	if err := s.ValidateObject(value.Object{"a": value.Int(2), "b": value.Int(3)}); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}

	err := s.ValidateObject(value.Object{"a": value.Int(2)})
	if err == nil {
		t.Fatal("missing required field accepted")
	}
	var ae *a2aerr.Error
	if !errors.As(err, &ae) || ae.Type != a2aerr.TypeValidation {
		t.Errorf("error type = %v, want validation_error", err)
	}
	if !strings.Contains(ae.Message, `"b"`) {
		t.Errorf("message should name the missing field: %s", ae.Message)
	}

	if err := s.ValidateObject(value.Object{"a": value.String("2"), "b": value.Int(3)}); err == nil {
		t.Error("wrong type accepted")
	}
}

func TestValidate_PathInNestedError(t *testing.T) {
	s := ObjectOf(map[string]*Schema{
		"outer": ObjectOf(map[string]*Schema{
			"inner": Of(TypeString),
		}, "inner"),
	}, "outer")

	err := s.ValidateObject(value.Object{
		"outer": value.Obj(value.Object{"inner": value.Int(5)}),
	})
	if err == nil {
		t.Fatal("nested type violation accepted")
	}
	if !strings.Contains(err.Error(), "$.outer.inner") {
		t.Errorf("error should carry the path, got: %v", err)
	}
}

func TestValidate_NumericBounds(t *testing.T) {
	lo, hi := 1.0, 10.0
	s := &Schema{Type: TypeNumber, Minimum: &lo, Maximum: &hi}

	if err := s.Validate(value.Number(5)); err != nil {
		t.Errorf("in-bounds rejected: %v", err)
	}
	if err := s.Validate(value.Number(0)); err == nil {
		t.Error("below minimum accepted")
	}
	if err := s.Validate(value.Number(11)); err == nil {
		t.Error("above maximum accepted")
	}
}

func TestValidate_Enum(t *testing.T) {
	s := &Schema{Type: TypeString, Enum: []string{"low", "high"}}
	if err := s.Validate(value.String("low")); err != nil {
		t.Errorf("enum member rejected: %v", err)
	}
	if err := s.Validate(value.String("medium")); err == nil {
		t.Error("non-member accepted")
	}
}

func TestValidate_Integer(t *testing.T) {
	s := Of(TypeInteger)
	if err := s.Validate(value.Number(3)); err != nil {
		t.Errorf("integral number rejected: %v", err)
	}
	if err := s.Validate(value.Number(3.5)); err == nil {
		t.Error("fractional number accepted as integer")
	}
}

func TestValidate_ArrayItems(t *testing.T) {
	s := &Schema{Type: TypeArray, Items: Of(TypeString)}
	if err := s.Validate(value.Array(value.String("a"), value.String("b"))); err != nil {
		t.Errorf("homogeneous array rejected: %v", err)
	}
	err := s.Validate(value.Array(value.String("a"), value.Int(1)))
	if err == nil {
		t.Fatal("heterogeneous array accepted")
	}
	if !strings.Contains(err.Error(), "$[1]") {
		t.Errorf("error should index the bad element: %v", err)
	}
}

func TestValidate_BytesAndAny(t *testing.T) {
	if err := Of(TypeBytes).Validate(value.Bytes([]byte{1, 2})); err != nil {
		t.Errorf("bytes rejected: %v", err)
	}
	if err := Of(TypeAny).Validate(value.Bytes([]byte{1})); err != nil {
		t.Errorf("any rejected bytes: %v", err)
	}
	var nilSchema *Schema
	if err := nilSchema.Validate(value.Int(1)); err != nil {
		t.Errorf("nil schema should accept everything: %v", err)
	}
}

func TestValidate_UnknownPropertyIgnored(t *testing.T) {
	s := ObjectOf(map[string]*Schema{"a": Of(TypeNumber)}, "a")
	if err := s.ValidateObject(value.Object{"a": value.Int(1), "extra": value.String("x")}); err != nil {
		t.Errorf("undeclared property should pass through: %v", err)
	}
}

func TestClone_Independent(t *testing.T) {
	lo := 1.0
	s := &Schema{
		Type:       TypeObject,
		Properties: map[string]*Schema{"n": {Type: TypeNumber, Minimum: &lo}},
		Required:   []string{"n"},
	}
	c := s.Clone()
	*c.Properties["n"].Minimum = 99
	c.Required[0] = "other"

	if *s.Properties["n"].Minimum != 1.0 {
		t.Error("clone shares Minimum pointer")
	}
	if s.Required[0] != "n" {
		t.Error("clone shares Required slice")
	}
}
