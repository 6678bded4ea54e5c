package services

import (
	"strconv"
)

// Event contexts arrive as decoded JSON, so numeric identity values can show
// up as float64, int or string depending on the source. These helpers
// normalize lookups for the matcher and evaluator.

func contextInt(ctx map[string]interface{}, key string) (int64, bool) {
	v, ok := ctx[key]
	if !ok || v == nil {
		return 0, false
	}
	return coerceInt(v)
}

func coerceInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func contextString(ctx map[string]interface{}, key string) string {
	v, ok := ctx[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
