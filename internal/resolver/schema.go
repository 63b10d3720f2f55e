package resolver

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParams is returned when request parameters do not satisfy a
// target's schema.
var ErrInvalidParams = errors.New("resolver: invalid parameters")

// ParamType enumerates the supported parameter types.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
	ParamObject ParamType = "object"
	ParamArray  ParamType = "array"
)

// ParamSpec describes a single parameter.
type ParamSpec struct {
	Name     string    `yaml:"name"`
	Type     ParamType `yaml:"type"`
	Required bool      `yaml:"required"`
	Default  any       `yaml:"default"`
}

// Schema is a target's parameter contract.
type Schema struct {
	Params []ParamSpec `yaml:"params"`
}

// Coerce validates params against the schema and returns a normalized
// copy: defaults applied, numeric types converted, unknown keys
// rejected. A nil schema (no params) accepts only empty input.
func (s Schema) Coerce(params map[string]any) (map[string]any, error) {
	specs := make(map[string]ParamSpec, len(s.Params))
	for _, p := range s.Params {
		specs[p.Name] = p
	}

	for name := range params {
		if _, ok := specs[name]; !ok {
			return nil, fmt.Errorf("%w: unknown parameter %q", ErrInvalidParams, name)
		}
	}

	out := make(map[string]any, len(s.Params))
	for _, spec := range s.Params {
		raw, present := params[spec.Name]
		if !present {
			if spec.Required {
				return nil, fmt.Errorf("%w: missing required parameter %q", ErrInvalidParams, spec.Name)
			}
			if spec.Default != nil {
				out[spec.Name] = spec.Default
			}
			continue
		}

		coerced, err := coerceValue(spec.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %q: %v", ErrInvalidParams, spec.Name, err)
		}
		out[spec.Name] = coerced
	}
	return out, nil
}

func coerceValue(t ParamType, v any) (any, error) {
	switch t {
	case ParamString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil

	case ParamInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			// JSON decodes all numbers as float64.
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("expected integer, got %v", n)
			}
			return int64(n), nil
		default:
			return nil, fmt.Errorf("expected integer, got %T", v)
		}

	case ParamFloat:
		switch n := v.(type) {
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		default:
			return nil, fmt.Errorf("expected number, got %T", v)
		}

	case ParamBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return b, nil

	case ParamObject:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object, got %T", v)
		}
		return m, nil

	case ParamArray:
		a, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", v)
		}
		return a, nil

	default:
		return nil, fmt.Errorf("unknown parameter type %q", t)
	}
}
