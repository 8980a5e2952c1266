package tools

import (
	"encoding/json"
	"strings"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects a JSON schema from a Go struct and flattens it for
// providers that reject $ref and $defs. The returned map describes the
// object-shaped argument payload for one tool.
func SchemaFor(v any) map[string]any {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: false,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)

	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var node map[string]any
	if err := json.Unmarshal(raw, &node); err != nil {
		return map[string]any{"type": "object"}
	}
	return FlattenSchema(node)
}

// FlattenSchema resolves every internal $ref against the schema's $defs and
// removes the $defs block, producing a self-contained schema.
func FlattenSchema(schema map[string]any) map[string]any {
	defs, _ := schema["$defs"].(map[string]any)
	flattened, _ := flattenNode(schema, defs, 0).(map[string]any)
	if flattened == nil {
		return schema
	}
	delete(flattened, "$defs")
	delete(flattened, "$schema")
	delete(flattened, "$id")
	return flattened
}

// flattenNode walks the schema tree inlining $ref targets. The depth guard
// stops runaway expansion of self-referential schemas.
func flattenNode(node any, defs map[string]any, depth int) any {
	if depth > 32 {
		return node
	}
	switch n := node.(type) {
	case map[string]any:
		if ref, ok := n["$ref"].(string); ok {
			if resolved := resolveRef(ref, defs); resolved != nil {
				return flattenNode(resolved, defs, depth+1)
			}
			return map[string]any{"type": "object"}
		}
		out := make(map[string]any, len(n))
		for k, v := range n {
			if k == "$defs" {
				out[k] = v
				continue
			}
			out[k] = flattenNode(v, defs, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			out[i] = flattenNode(item, defs, depth+1)
		}
		return out
	default:
		return node
	}
}

func resolveRef(ref string, defs map[string]any) map[string]any {
	const prefix = "#/$defs/"
	if !strings.HasPrefix(ref, prefix) || defs == nil {
		return nil
	}
	target, _ := defs[strings.TrimPrefix(ref, prefix)].(map[string]any)
	if target == nil {
		return nil
	}
	// Deep copy so inlining one reference site cannot alias another.
	raw, err := json.Marshal(target)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
