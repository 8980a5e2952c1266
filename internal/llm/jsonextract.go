package llm

import (
	"encoding/json"
	"strings"
)

// loadsMap decodes s as a JSON object, returning nil for anything else.
func loadsMap(s string) map[string]any {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &v); err != nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return m
}

// ParseJSON extracts a JSON object or array from model output. Direct parse
// is tried first; if the model wrapped the JSON in prose or code fences, the
// first decodable object or array found in the text wins. Returns nil when
// nothing parses.
func ParseJSON(text string) any {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	var direct any
	if err := json.Unmarshal([]byte(trimmed), &direct); err == nil {
		switch direct.(type) {
		case map[string]any, []any:
			return direct
		}
	}

	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] != '{' && trimmed[i] != '[' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(trimmed[i:]))
		var v any
		if err := dec.Decode(&v); err != nil {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			return v
		}
	}
	return nil
}
