package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inner struct {
	City string `json:"city"`
}

type outer struct {
	Name    string  `json:"name"`
	Address inner   `json:"address"`
	Tags    []inner `json:"tags,omitempty"`
}

func TestSchemaForFlattensRefs(t *testing.T) {
	schema := SchemaFor(&outer{})

	raw, err := json.Marshal(schema)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "$ref")
	assert.NotContains(t, string(raw), "$defs")

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "name")
	assert.Contains(t, props, "address")

	address, ok := props["address"].(map[string]any)
	require.True(t, ok)
	addrProps, ok := address["properties"].(map[string]any)
	require.True(t, ok, "nested struct schema must be inlined")
	assert.Contains(t, addrProps, "city")
}

func TestFlattenSchemaArrayItems(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"rows": map[string]any{
				"type":  "array",
				"items": map[string]any{"$ref": "#/$defs/Row"},
			},
		},
		"$defs": map[string]any{
			"Row": map[string]any{
				"type":       "object",
				"properties": map[string]any{"id": map[string]any{"type": "integer"}},
			},
		},
	}

	out := FlattenSchema(schema)

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "$ref")
	assert.NotContains(t, string(raw), "$defs")

	rows := out["properties"].(map[string]any)["rows"].(map[string]any)
	items := rows["items"].(map[string]any)
	assert.Equal(t, "object", items["type"])
}

func TestFlattenSchemaUnresolvableRef(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"x": map[string]any{"$ref": "#/$defs/Missing"},
		},
	}

	out := FlattenSchema(schema)
	x := out["properties"].(map[string]any)["x"].(map[string]any)
	assert.Equal(t, "object", x["type"], "dangling refs degrade to a permissive object")
}

func TestSpecOfDefaultsParameters(t *testing.T) {
	tool := NewFuncTool("noop", "does nothing", nil, nil)
	spec := SpecOf(tool)
	assert.Equal(t, "noop", spec.Name)
	require.NotNil(t, spec.Parameters)
	assert.Equal(t, "object", spec.Parameters["type"])
}
