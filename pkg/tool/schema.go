package tool

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/entrhq/monkey/pkg/types"
)

// Type is a JSON value type used by input and output schemas.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeAny     Type = "any"
	TypeNull    Type = "null"
)

func (t Type) validInput() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray, TypeAny:
		return true
	}
	return false
}

func (t Type) validOutput() bool {
	return t == TypeNull || t.validInput()
}

// Parameter is one named, typed input of a tool.
type Parameter struct {
	Name        string `json:"name" yaml:"name" toml:"name"`
	Type        Type   `json:"type" yaml:"type" toml:"type"`
	Required    bool   `json:"required" yaml:"required" toml:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty" toml:"default,omitempty"`
}

func (p Parameter) validate() error {
	if !namePattern.MatchString(p.Name) {
		return fmt.Errorf("invalid parameter name %q", p.Name)
	}
	if !p.Type.validInput() {
		return fmt.Errorf("parameter %s: unsupported type %q", p.Name, p.Type)
	}
	if p.Default != nil && !matches(p.Type, p.Default) {
		return fmt.Errorf("parameter %s: default does not match type %s", p.Name, p.Type)
	}
	return nil
}

func (p Parameter) equal(o Parameter) bool {
	return p.Name == o.Name && p.Type == o.Type && p.Required == o.Required &&
		p.Description == o.Description && sameValue(p.Default, o.Default)
}

// sameValue compares decoded values, treating numbers of different Go
// types as equal when their values are. JSON yields float64 where YAML and
// TOML yield integers.
func sameValue(a, b any) bool {
	if x, ok := asFloat(a); ok {
		y, ok := asFloat(b)
		return ok && x == y
	}
	switch x := a.(type) {
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !sameValue(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !sameValue(v, w) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// OutputSchema declares the type of a tool's return value.
type OutputSchema struct {
	Type        Type   `json:"type" yaml:"type" toml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
}

// BindInput checks raw input against the declared parameters and returns the
// argument map handed to the tool body.
//
// A non-object input is accepted when the tool declares exactly one
// parameter and is bound to it. Missing optional parameters take their
// default. Unknown parameters are rejected. Every failure is a
// ValidationError.
func (d Definition) BindInput(input any) (map[string]any, error) {
	var args map[string]any

	switch v := input.(type) {
	case nil:
		args = map[string]any{}
	case map[string]any:
		args = make(map[string]any, len(v))
		for k, val := range v {
			args[k] = val
		}
	default:
		if len(d.InputSchema) != 1 {
			return nil, types.Errorf(types.KindValidation,
				"tool %s expects an object with %d parameters, got %T", d.Name, len(d.InputSchema), input)
		}
		args = map[string]any{d.InputSchema[0].Name: input}
	}

	var problems []string
	declared := make(map[string]bool, len(d.InputSchema))
	for _, p := range d.InputSchema {
		declared[p.Name] = true
		val, ok := args[p.Name]
		if !ok || val == nil {
			switch {
			case p.Default != nil:
				args[p.Name] = p.Default
			case p.Required:
				problems = append(problems, fmt.Sprintf("missing required parameter %q", p.Name))
			}
			continue
		}
		if !matches(p.Type, val) {
			problems = append(problems, fmt.Sprintf("parameter %q must be %s, got %s", p.Name, p.Type, describe(val)))
		}
	}

	var unknown []string
	for k := range args {
		if !declared[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		problems = append(problems, fmt.Sprintf("unknown parameter %q", k))
	}

	if len(problems) > 0 {
		return nil, types.Errorf(types.KindValidation, "tool %s: %s", d.Name, strings.Join(problems, "; "))
	}
	return args, nil
}

// CheckOutput reports whether a tool result conforms to the declared output
// schema. A mismatch is an ExecutionError: the tool ran but broke its contract.
func (d Definition) CheckOutput(value any) error {
	t := d.OutputSchema.Type
	if t == "" || t == TypeAny {
		return nil
	}
	if t == TypeNull {
		if value == nil {
			return nil
		}
	} else if value != nil && matches(t, value) {
		return nil
	}
	return types.Errorf(types.KindExecution,
		"tool %s returned %s, declared output type is %s", d.Name, describe(value), t)
}

func matches(t Type, v any) bool {
	switch t {
	case TypeAny:
		return true
	case TypeNull:
		return v == nil
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		_, ok := asFloat(v)
		return ok
	case TypeInteger:
		f, ok := asFloat(v)
		return ok && f == math.Trunc(f) && !math.IsInf(f, 0)
	case TypeObject:
		return v != nil && reflect.TypeOf(v).Kind() == reflect.Map
	case TypeArray:
		if v == nil {
			return false
		}
		k := reflect.TypeOf(v).Kind()
		return k == reflect.Slice || k == reflect.Array
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func describe(v any) string {
	switch {
	case v == nil:
		return "null"
	case matches(TypeString, v):
		return "string"
	case matches(TypeBoolean, v):
		return "boolean"
	case matches(TypeInteger, v):
		return "integer"
	case matches(TypeNumber, v):
		return "number"
	case matches(TypeObject, v):
		return "object"
	case matches(TypeArray, v):
		return "array"
	}
	return fmt.Sprintf("%T", v)
}
