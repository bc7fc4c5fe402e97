package util

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ToPositiveInt64 accepts JSON-decoded integers (float64 without a fraction,
// json.Number, Go integer types) greater than zero. Strings, bools, nil and
// fractional numbers are rejected.
func ToPositiveInt64(v any) (int64, bool) {
	var n int64
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x) || x >= math.MaxInt64 {
			return 0, false
		}
		n = int64(x)
	case float32:
		return ToPositiveInt64(float64(x))
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint32:
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		n = int64(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			f, ferr := x.Float64()
			if ferr != nil {
				return 0, false
			}
			return ToPositiveInt64(f)
		}
		n = i
	default:
		return 0, false
	}
	if n <= 0 {
		return 0, false
	}
	return n, true
}

// ParseScalar turns a command line value into the JSON value it most likely
// means: true/false, null, a number, or else the string itself.
func ParseScalar(s string) any {
	t := strings.TrimSpace(s)
	switch t {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if i, err := strconv.ParseInt(t, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return s
}
