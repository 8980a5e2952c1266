package observability

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// EventType categorizes machine events.
type EventType string

const (
	EventTaskStart    EventType = "task.start"
	EventTaskEnd      EventType = "task.end"
	EventTurn         EventType = "turn"
	EventModelCall    EventType = "model.call"
	EventToolCall     EventType = "tool.call"
	EventReplayArmed  EventType = "replay.armed"
	EventReplayBroken EventType = "replay.broken"
	EventHandoff      EventType = "handoff"
	EventDownload     EventType = "download"
)

// EventEmitter writes single-line JSON events of the form
// {type, ts, ts_local, ...} to a dedicated stream. When log output is
// redirected to a file, the process keeps its original stdout for these
// events so supervising processes can follow progress.
type EventEmitter struct {
	mu  sync.Mutex
	out io.Writer
}

var (
	defaultEmitter     *EventEmitter
	defaultEmitterOnce sync.Once
)

// Events returns the process-wide event emitter bound to the original stdout.
func Events() *EventEmitter {
	defaultEmitterOnce.Do(func() {
		defaultEmitter = NewEventEmitter(os.Stdout)
	})
	return defaultEmitter
}

// NewEventEmitter creates an emitter writing to the given stream.
func NewEventEmitter(out io.Writer) *EventEmitter {
	return &EventEmitter{out: out}
}

// Emit writes one event line. Extra fields are merged into the event object;
// reserved keys (type, ts, ts_local) cannot be overridden.
func (e *EventEmitter) Emit(eventType EventType, fields map[string]any) {
	if e == nil || e.out == nil {
		return
	}
	now := time.Now()
	event := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		event[k] = v
	}
	event["type"] = string(eventType)
	event["ts"] = now.UTC().Format(time.RFC3339Nano)
	event["ts_local"] = now.Format(time.RFC3339Nano)

	line, err := json.Marshal(event)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.out.Write(append(line, '\n'))
}
