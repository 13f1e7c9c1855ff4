// Package settings loads the remote flag configuration for an account and
// evaluates flags against it locally.
package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/matt-riley/flagkit/internal/core"
)

type VariableType string

const (
	TypeString  VariableType = "string"
	TypeNumber  VariableType = "number"
	TypeBoolean VariableType = "boolean"
	// TypeJSON variables are exposed as their JSON encoding.
	TypeJSON VariableType = "json"
)

type VariableDefinition struct {
	Key   string       `json:"key" yaml:"key"`
	Type  VariableType `json:"type,omitempty" yaml:"type,omitempty"`
	Value any          `json:"value" yaml:"value"`
}

type FlagDefinition struct {
	Key          string               `json:"key" yaml:"key"`
	Enabled      bool                 `json:"enabled" yaml:"enabled"`
	DefaultValue *bool                `json:"default_value,omitempty" yaml:"default_value,omitempty"`
	Rules        []core.Rule          `json:"rules,omitempty" yaml:"rules,omitempty"`
	Variables    []VariableDefinition `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Settings is the remote configuration for one account.
type Settings struct {
	AccountID int64            `json:"account_id" yaml:"account_id"`
	Version   int64            `json:"version" yaml:"version"`
	Flags     []FlagDefinition `json:"flags" yaml:"flags"`
}

// Parse decodes and validates a settings document. JSON objects are decoded
// as JSON and anything else as YAML. Every failure matches
// [core.ErrMalformedConfiguration].
func Parse(raw []byte) (Settings, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Settings{}, fmt.Errorf("%w: empty document", core.ErrMalformedConfiguration)
	}

	var s Settings
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Settings{}, fmt.Errorf("%w: decode json: %w", core.ErrMalformedConfiguration, err)
		}
	} else {
		if err := yaml.Unmarshal(trimmed, &s); err != nil {
			return Settings{}, fmt.Errorf("%w: decode yaml: %w", core.ErrMalformedConfiguration, err)
		}
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks keys, operators and variable types.
func (s Settings) Validate() error {
	seen := make(map[string]struct{}, len(s.Flags))
	for i, flag := range s.Flags {
		key := strings.TrimSpace(flag.Key)
		if key == "" {
			return fmt.Errorf("%w: flag %d has no key", core.ErrMalformedConfiguration, i)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate flag %q", core.ErrMalformedConfiguration, key)
		}
		seen[key] = struct{}{}

		for j, rule := range flag.Rules {
			if strings.TrimSpace(rule.Attribute) == "" {
				return fmt.Errorf("%w: flag %q rule %d has no attribute", core.ErrMalformedConfiguration, key, j)
			}
			if !core.ValidOperator(rule.Operator) {
				return fmt.Errorf("%w: flag %q rule %d has unknown operator %q", core.ErrMalformedConfiguration, key, j, rule.Operator)
			}
		}

		names := make(map[string]struct{}, len(flag.Variables))
		for _, variable := range flag.Variables {
			if strings.TrimSpace(variable.Key) == "" {
				return fmt.Errorf("%w: flag %q has a variable without a key", core.ErrMalformedConfiguration, key)
			}
			if _, dup := names[variable.Key]; dup {
				return fmt.Errorf("%w: flag %q has duplicate variable %q", core.ErrMalformedConfiguration, key, variable.Key)
			}
			names[variable.Key] = struct{}{}
			if _, err := variable.Resolve(); err != nil {
				return fmt.Errorf("flag %q: %w", key, err)
			}
		}
	}
	return nil
}

// Resolve converts the declared value to a [core.Value] of the declared type.
func (d VariableDefinition) Resolve() (core.Value, error) {
	if d.Type == TypeJSON {
		if s, ok := d.Value.(string); ok {
			return core.String(s), nil
		}
		encoded, err := json.Marshal(normalizeYAML(d.Value))
		if err != nil {
			return core.Value{}, fmt.Errorf("%w: variable %q: %w", core.ErrMalformedConfiguration, d.Key, err)
		}
		return core.String(string(encoded)), nil
	}

	value, err := core.ValueOf(d.Value)
	if err != nil {
		return core.Value{}, fmt.Errorf("%w: variable %q: %w", core.ErrMalformedConfiguration, d.Key, err)
	}

	want := core.KindInvalid
	switch d.Type {
	case "":
		return value, nil
	case TypeString:
		want = core.KindString
	case TypeNumber:
		want = core.KindNumber
	case TypeBoolean:
		want = core.KindBool
	default:
		return core.Value{}, fmt.Errorf("%w: variable %q has unknown type %q", core.ErrMalformedConfiguration, d.Key, d.Type)
	}
	if value.Kind() != want {
		return core.Value{}, fmt.Errorf("%w: variable %q is %s, declared %s", core.ErrMalformedConfiguration, d.Key, value.Kind(), d.Type)
	}
	return value, nil
}

// normalizeYAML turns the map[any]any values yaml can produce into
// something encoding/json accepts.
func normalizeYAML(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[fmt.Sprint(key)] = normalizeYAML(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}
