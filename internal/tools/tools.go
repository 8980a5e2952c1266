// Package tools implements the tool-call fabric: a uniform model of
// in-process tools and remote tool-server proxies, with schema
// normalization, argument coercion, and ordered parallel execution.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is a callable exposed to the model. Parameters returns a flattened
// JSON schema (no $ref or $defs) describing the argument object.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Spec is the provider-neutral declaration sent to model backends.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SpecOf builds the declaration for one tool.
func SpecOf(t Tool) Spec {
	params := t.Parameters()
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	return Spec{Name: t.Name(), Description: t.Description(), Parameters: params}
}

// Specs builds declarations for a tool list, preserving order.
func Specs(ts []Tool) []Spec {
	out := make([]Spec, 0, len(ts))
	for _, t := range ts {
		out = append(out, SpecOf(t))
	}
	return out
}

// FuncTool adapts a plain function to the Tool interface. The parameters
// schema is validated against incoming arguments before the function runs.
type FuncTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args map[string]any) (any, error)

	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
}

// NewFuncTool wraps fn as a tool. parameters may be nil for tools that take
// no arguments.
func NewFuncTool(name, description string, parameters map[string]any, fn func(ctx context.Context, args map[string]any) (any, error)) *FuncTool {
	return &FuncTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

func (t *FuncTool) Name() string        { return t.name }
func (t *FuncTool) Description() string { return t.description }

func (t *FuncTool) Parameters() map[string]any {
	if t.parameters == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.parameters
}

// Execute validates args against the parameters schema, then invokes the
// wrapped function. Validation failures are returned as errors with a
// "Schema validation failed" prefix so callers can surface them to the
// model without unwinding the turn.
func (t *FuncTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if err := t.validate(args); err != nil {
		return nil, err
	}
	return t.fn(ctx, args)
}

func (t *FuncTool) validate(args map[string]any) error {
	if t.parameters == nil {
		return nil
	}
	t.compileOnce.Do(func() {
		raw, err := json.Marshal(t.parameters)
		if err != nil {
			t.compileErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(t.name+".json", strings.NewReader(string(raw))); err != nil {
			t.compileErr = err
			return
		}
		t.compiled, t.compileErr = compiler.Compile(t.name + ".json")
	})
	if t.compileErr != nil || t.compiled == nil {
		// An uncompilable schema must not make the tool uncallable.
		return nil
	}

	// Round-trip through JSON so numeric types match what the validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("Schema validation failed: arguments are not JSON-encodable: %v", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("Schema validation failed: %v", err)
	}
	if err := t.compiled.Validate(doc); err != nil {
		return fmt.Errorf("Schema validation failed: %v", err)
	}
	return nil
}

// argNames returns the declared top-level properties and whether the schema
// admits additional ones.
func argNames(parameters map[string]any) (map[string]bool, bool) {
	names := map[string]bool{}
	allowExtra := true
	if parameters == nil {
		return names, true
	}
	if props, ok := parameters["properties"].(map[string]any); ok {
		for k := range props {
			names[k] = true
		}
		allowExtra = false
	}
	if ap, ok := parameters["additionalProperties"].(bool); ok {
		allowExtra = ap
	}
	return names, allowExtra
}
