package evaluation

import (
	"math"

	"github.com/matt-riley/flagkit/internal/core"
)

// Variable returns the variable called name when it exists and has the same
// kind as def. Otherwise it returns def. Disabled decisions are treated the
// same as enabled ones.
func Variable(decision core.FlagDecision, name string, def core.Value) core.Value {
	value, ok := decision.Lookup(name)
	if !ok || value.Kind() != def.Kind() {
		return def
	}
	return value
}

// Scalar is the set of Go types a variable can be read as.
type Scalar interface {
	string | bool | float64 | int | int64
}

// VariableAs is the typed form of [Variable]. Integer targets only accept
// whole numbers within range.
func VariableAs[T Scalar](decision core.FlagDecision, name string, def T) T {
	value, ok := decision.Lookup(name)
	if !ok {
		return def
	}

	var out any
	switch any(def).(type) {
	case string:
		s, ok := value.AsString()
		if !ok {
			return def
		}
		out = s
	case bool:
		b, ok := value.AsBool()
		if !ok {
			return def
		}
		out = b
	case float64:
		n, ok := value.AsNumber()
		if !ok {
			return def
		}
		out = n
	case int:
		n, ok := wholeNumber(value, math.MinInt, math.MaxInt)
		if !ok {
			return def
		}
		out = int(n)
	case int64:
		n, ok := wholeNumber(value, math.MinInt64, math.MaxInt64)
		if !ok {
			return def
		}
		out = n
	default:
		return def
	}

	typed, ok := out.(T)
	if !ok {
		return def
	}
	return typed
}

func wholeNumber(value core.Value, lo, hi int64) (int64, bool) {
	n, ok := value.AsNumber()
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) || math.Trunc(n) != n {
		return 0, false
	}
	if n < float64(lo) || n >= float64(hi) {
		return 0, false
	}
	return int64(n), true
}
