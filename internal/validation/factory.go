package validation

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Type identifies a built-in strategy kind.
type Type string

const (
	TypeNonEmpty   Type = "non_empty"
	TypeKeyword    Type = "keyword"
	TypeRegex      Type = "regex"
	TypeMaxLength  Type = "max_length"
	TypeJSONSchema Type = "json_schema"
)

// Definition describes a configured strategy.
type Definition struct {
	Name   string         `yaml:"name"`
	Type   Type           `yaml:"type"`
	Params map[string]any `yaml:"params"`
}

// Create builds a built-in strategy from decoded parameters.
func Create(strategyType Type, name string, params map[string]any) (Strategy, error) {
	params, _ = normalize(params).(map[string]any)

	switch strategyType {
	case TypeNonEmpty:
		return NewNonEmpty(name), nil
	case TypeKeyword:
		args := KeywordArgs{Name: name}
		if err := mapstructure.Decode(params, &args); err != nil {
			return nil, err
		}
		return NewKeyword(args)
	case TypeRegex:
		args := RegexArgs{Name: name}
		if err := mapstructure.Decode(params, &args); err != nil {
			return nil, err
		}
		return NewRegex(args)
	case TypeMaxLength:
		args := MaxLengthArgs{Name: name}
		if err := mapstructure.WeakDecode(params, &args); err != nil {
			return nil, err
		}
		return NewMaxLength(args)
	case TypeJSONSchema:
		args := JSONSchemaArgs{Name: name}
		if err := mapstructure.Decode(params, &args); err != nil {
			return nil, err
		}
		return NewJSONSchema(args)
	default:
		return nil, fmt.Errorf("'%s' is not a valid strategy type", strategyType)
	}
}

// RegisterDefinitions creates and registers every definition, stopping at the first error.
func (r *Registry) RegisterDefinitions(defs []Definition) error {
	for _, d := range defs {
		s, err := Create(d.Type, d.Name, d.Params)
		if err != nil {
			return fmt.Errorf("strategy %q: %w", d.Name, err)
		}
		if err := r.Register(d.Name, s); err != nil {
			return err
		}
	}
	return nil
}

// normalize converts the map[interface{}]interface{} values yaml.v2 produces
// for nested mappings into map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
