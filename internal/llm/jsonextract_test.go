package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseJSONDirect(t *testing.T) {
	parsed := ParseJSON(`{"action": "click", "target": "[B]1"}`)
	m, ok := parsed.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "click", m["action"])
}

func TestParseJSONArray(t *testing.T) {
	parsed := ParseJSON(`[1, 2, 3]`)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, parsed)
}

func TestParseJSONEmbedded(t *testing.T) {
	text := "Sure, here is the plan:\n```json\n{\"action\": \"fill\", \"value\": \"hello\"}\n```\nLet me know."
	parsed := ParseJSON(text)
	m, ok := parsed.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "fill", m["action"])
}

func TestParseJSONPicksFirstObject(t *testing.T) {
	parsed := ParseJSON(`noise {"a": 1} trailing {"b": 2}`)
	m, ok := parsed.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, float64(1), m["a"])
}

func TestParseJSONScalarIsNil(t *testing.T) {
	assert.Nil(t, ParseJSON(`42`))
	assert.Nil(t, ParseJSON(`"just a string"`))
	assert.Nil(t, ParseJSON("no json here"))
	assert.Nil(t, ParseJSON(""))
}

func TestLoadsMap(t *testing.T) {
	assert.Equal(t, map[string]any{"k": "v"}, loadsMap(`{"k": "v"}`))
	assert.Nil(t, loadsMap(`[1]`))
	assert.Nil(t, loadsMap("plain"))
}
