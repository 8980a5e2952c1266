package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryToolCalls(t *testing.T) {
	content := `{"tool_calls": [
		{"name": "report_account_details", "arguments": {"accounts": []}, "call_id": "c1"},
		{"name": "fill", "arguments": "{\"value\": \"hi\"}", "id": "c2"},
		{"name": "noop", "arguments": 7},
		{"arguments": {"ignored": true}}
	]}`

	calls, ok := historyToolCalls(content)
	require.True(t, ok)
	require.Len(t, calls, 3)

	assert.Equal(t, "report_account_details", calls[0].Name)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, map[string]any{"accounts": []any{}}, calls[0].Arguments)

	assert.Equal(t, "c2", calls[1].ID)
	assert.Equal(t, map[string]any{"value": "hi"}, calls[1].Arguments)

	assert.Equal(t, map[string]any{"value": float64(7)}, calls[2].Arguments)
}

func TestHistoryToolCallsPlainText(t *testing.T) {
	_, ok := historyToolCalls("I clicked the button.")
	assert.False(t, ok)

	_, ok = historyToolCalls(`{"action": "click"}`)
	assert.False(t, ok)
}

func TestCoerceArguments(t *testing.T) {
	assert.Equal(t, map[string]any{}, coerceArguments(nil))
	assert.Equal(t, map[string]any{"a": float64(1)}, coerceArguments(map[string]any{"a": float64(1)}))
	assert.Equal(t, map[string]any{"a": true}, coerceArguments(`{"a": true}`))
	assert.Equal(t, map[string]any{"value": "raw"}, coerceArguments("raw"))
	assert.Equal(t, map[string]any{"value": 3.5}, coerceArguments(3.5))
}

func TestTokenStats(t *testing.T) {
	stats := NewTokenStats()
	stats.Update("navigation", 100, 20, 10)
	stats.Update("navigation", 50, 5, 0)
	stats.Update("reviewer", 30, 3, 0)

	snap := stats.Snapshot()
	require.Contains(t, snap, "navigation")
	assert.Equal(t, 150, snap["navigation"].PromptTokenCount)
	assert.Equal(t, 10, snap["navigation"].PromptTokenCached)
	assert.Equal(t, 25, snap["navigation"].CandidatesTokenCount)
	assert.Equal(t, 175, snap["navigation"].TotalTokenCount)
	assert.Equal(t, 33, snap["reviewer"].TotalTokenCount)

	cost := stats.Cost(0.10, 0.40)
	assert.InDelta(t, (180.0/1e6)*0.10+(28.0/1e6)*0.40, cost, 1e-12)
}
