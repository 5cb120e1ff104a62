package entity

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
)

// FieldType is the accepted type of a service data field
type FieldType string

const (
	FieldInt    FieldType = "int"
	FieldString FieldType = "string"
)

// Field declares one service data field
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Enum     []string  `json:"enum,omitempty"`
}

// Schema is the declared data of a service
type Schema struct {
	Fields []Field `json:"fields"`
}

// Validate checks data against the schema and returns a normalised copy in
// which integer fields hold int values. Every failure wraps ErrInvalidPayload.
func (s Schema) Validate(data map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(data))

	known := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = f
	}

	unknown := make([]string, 0)
	for name := range data {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidPayload, unknown[0])
	}

	for _, f := range s.Fields {
		raw, ok := data[f.Name]
		if !ok || raw == nil {
			if f.Required {
				return nil, fmt.Errorf("%w: missing required field %q", ErrInvalidPayload, f.Name)
			}
			continue
		}

		value, err := f.coerce(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidPayload, f.Name, err)
		}
		out[f.Name] = value
	}

	return out, nil
}

func (f Field) coerce(raw interface{}) (interface{}, error) {
	switch f.Type {
	case FieldInt:
		return toInt(raw)
	case FieldString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		if len(f.Enum) > 0 && !slices.Contains(f.Enum, s) {
			return nil, fmt.Errorf("%q is not one of %v", s, f.Enum)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported field type %q", f.Type)
	}
}

func toInt(raw interface{}) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %s", v.String())
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}
