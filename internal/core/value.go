package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind identifies which member of the closed value set a [Value] holds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	default:
		return "invalid"
	}
}

// Value is a string, number or boolean. The zero Value is invalid and is
// rejected everywhere a value is accepted.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
}

func String(s string) Value { return Value{kind: KindString, str: s} }

func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// Any returns the value as string, float64 or bool, or nil when invalid.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "<invalid>"
	}
}

// Equal reports whether v and other hold the same kind and value.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num
	case KindBool:
		return v.b == other.b
	default:
		return true
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("%w: non-finite number", ErrTypeMismatch)
		}
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty value", ErrTypeMismatch)
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case 'n':
		return fmt.Errorf("%w: null is not a value", ErrTypeMismatch)
	case '{', '[':
		return fmt.Errorf("%w: composite values are not supported", ErrTypeMismatch)
	default:
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not a number", ErrTypeMismatch, data)
		}
		*v = Number(n)
	}

	return nil
}

// ValueOf converts a dynamically typed Go value into a [Value]. Strings,
// booleans and every integer and float type are accepted; anything else
// yields an error matching [ErrTypeMismatch].
func ValueOf(x any) (Value, error) {
	switch value := x.(type) {
	case Value:
		if !value.IsValid() {
			return Value{}, fmt.Errorf("%w: invalid value", ErrTypeMismatch)
		}
		return value, nil
	case string:
		return String(value), nil
	case bool:
		return Bool(value), nil
	case json.Number:
		n, err := value.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a number", ErrTypeMismatch, value.String())
		}
		return Number(n), nil
	}

	if n, ok := asInt64(x); ok {
		return Number(float64(n)), nil
	}
	if n, ok := asUint64(x); ok {
		return Number(float64(n)), nil
	}
	if n, ok := asFloat64(x); ok {
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return Value{}, fmt.Errorf("%w: non-finite number", ErrTypeMismatch)
		}
		return Number(n), nil
	}

	return Value{}, fmt.Errorf("%w: unsupported type %T", ErrTypeMismatch, x)
}

// ValuesOf converts every entry of attrs. Keys whose value cannot be
// converted are reported in rejected and left out of the result.
func ValuesOf(attrs map[string]any) (values map[string]Value, rejected map[string]error) {
	values = make(map[string]Value, len(attrs))
	for key, raw := range attrs {
		value, err := ValueOf(raw)
		if err != nil {
			if rejected == nil {
				rejected = make(map[string]error)
			}
			rejected[key] = &TypeMismatchError{Key: key, Got: fmt.Sprintf("%T", raw), Want: "string, number or boolean"}
			continue
		}
		values[key] = value
	}
	return values, rejected
}
