package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEmitterSingleLineJSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewEventEmitter(&buf)

	emitter.Emit(EventTaskStart, map[string]any{"site": "acme", "goal": "log in"})
	emitter.Emit(EventTaskEnd, nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "task.start", first["type"])
	assert.Equal(t, "acme", first["site"])
	assert.NotEmpty(t, first["ts"])
	assert.NotEmpty(t, first["ts_local"])
}

func TestEventEmitterReservedKeys(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewEventEmitter(&buf)

	emitter.Emit(EventTurn, map[string]any{"type": "spoofed", "turn": 1})

	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "turn", event["type"])
	assert.EqualValues(t, 1, event["turn"])
}

func TestEventEmitterNilSafe(t *testing.T) {
	var emitter *EventEmitter
	assert.NotPanics(t, func() {
		emitter.Emit(EventTaskEnd, nil)
	})
}
