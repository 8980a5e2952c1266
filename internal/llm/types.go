// Package llm implements the unified model client: vendor dispatch by model
// name prefix, chat-history translation per vendor, structured tool calling,
// JSON extraction from free-form output, token accounting, and an optional
// signed HTTP proxy mode that keeps API keys off the client machine.
package llm

import (
	"github.com/surfari/surfari/internal/tools"
)

// Message is one turn of vendor-neutral chat history. Assistant turns whose
// Content is a JSON object with a "tool_calls" list are replayed to the
// vendor as structured function calls; tool turns carry the call they answer
// in CallID.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
	CallID  string `json:"call_id,omitempty"`
}

// Image is an inline image attachment for vision-capable models.
type Image struct {
	DataBase64 string `json:"data_base64"`
	Format     string `json:"format"`
}

// Request is one model invocation.
type Request struct {
	Model        string       `json:"model"`
	SystemPrompt string       `json:"system_prompt"`
	UserPrompt   string       `json:"user_prompt"`
	History      []Message    `json:"chat_history"`
	Image        *Image       `json:"image,omitempty"`
	Tools        []tools.Spec `json:"tools"`

	// Purpose names the agent making the call, for token accounting.
	Purpose string `json:"purpose"`
	SiteID  int    `json:"site_id"`
}

// ToolCall is one structured function call emitted by the model.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	ID        string         `json:"id,omitempty"`
}

// vendorResult is the normalized output of one vendor call.
type vendorResult struct {
	ToolCalls []ToolCall
	Text      string
	Usage     Usage
}

// historyToolCalls decodes the structured calls replayed inside an assistant
// message, if any.
func historyToolCalls(content string) ([]ToolCall, bool) {
	decoded := loadsMap(content)
	if decoded == nil {
		return nil, false
	}
	raw, ok := decoded["tool_calls"].([]any)
	if !ok {
		return nil, false
	}
	var calls []ToolCall
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		call := ToolCall{Name: name, Arguments: coerceArguments(m["arguments"])}
		if id, ok := m["call_id"].(string); ok && id != "" {
			call.ID = id
		} else if id, ok := m["id"].(string); ok {
			call.ID = id
		}
		calls = append(calls, call)
	}
	return calls, true
}

// coerceArguments normalizes the arguments field of a replayed call into an
// object: JSON strings are decoded, anything else is wrapped as {"value": x}.
func coerceArguments(v any) map[string]any {
	switch args := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return args
	case string:
		if m := loadsMap(args); m != nil {
			return m
		}
		return map[string]any{"value": args}
	default:
		return map[string]any{"value": args}
	}
}
