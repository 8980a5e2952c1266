package tools

import (
	"encoding/json"
	"strconv"
	"strings"
)

// NormalizeArguments turns whatever the model produced into an argument map.
// Accepted shapes: a mapping; a JSON string that decodes to a mapping; a
// list of {name, value} objects; a list of [key, value] pairs; any other
// scalar lands under "value".
func NormalizeArguments(arguments any) map[string]any {
	switch v := arguments.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out
	case json.RawMessage:
		return normalizeJSONString(string(v))
	case string:
		return normalizeJSONString(v)
	case []any:
		if pairs, ok := namedValuePairs(v); ok {
			return pairs
		}
		if pairs, ok := keyValuePairs(v); ok {
			return pairs
		}
		return map[string]any{"items": v}
	default:
		return map[string]any{"value": v}
	}
}

func normalizeJSONString(s string) map[string]any {
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		return map[string]any{"value": s}
	}
	if m, ok := decoded.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": decoded}
}

func namedValuePairs(items []any) (map[string]any, bool) {
	out := make(map[string]any, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		name, nameOK := m["name"].(string)
		value, valueOK := m["value"]
		if !nameOK || !valueOK {
			return nil, false
		}
		out[name] = value
	}
	return out, true
}

func keyValuePairs(items []any) (map[string]any, bool) {
	out := make(map[string]any, len(items))
	for _, item := range items {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, false
		}
		key, ok := pair[0].(string)
		if !ok {
			return nil, false
		}
		out[key] = pair[1]
	}
	return out, true
}

// FilterArguments trims an argument map to the tool's declared parameters.
// Schemas that admit additional properties pass everything through.
func FilterArguments(args map[string]any, parameters map[string]any) map[string]any {
	names, allowExtra := argNames(parameters)
	if allowExtra {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if names[k] {
			out[k] = v
		}
	}
	return out
}

// CoerceScalars applies safe string-to-scalar conversions recursively:
// "true"/"false" become booleans, integer and float strings become numbers.
// Everything else passes through unchanged.
func CoerceScalars(v any) any {
	switch val := v.(type) {
	case string:
		return coerceString(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CoerceScalars(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = CoerceScalars(item)
		}
		return out
	default:
		return v
	}
}

func coerceString(s string) any {
	trimmed := strings.TrimSpace(s)
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	if isIntegerString(trimmed) {
		if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return n
		}
	}
	if strings.ContainsAny(trimmed, ".eE") {
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return f
		}
	}
	return s
}

func isIntegerString(s string) bool {
	if s == "" {
		return false
	}
	digits := s
	if s[0] == '+' || s[0] == '-' {
		digits = s[1:]
	}
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
