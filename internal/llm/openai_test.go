package llm

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfari/surfari/internal/tools"
)

func TestOpenAIMessagesBasic(t *testing.T) {
	req := Request{
		Model:        "gpt-4o",
		SystemPrompt: "You navigate pages.",
		UserPrompt:   "Click login",
		History: []Message{
			{Role: "user", Content: "Open the site"},
			{Role: "assistant", Content: "Done."},
		},
	}

	msgs := openAIMessages(req)
	require.Len(t, msgs, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "You navigate pages.", msgs[0].Content)
	assert.Equal(t, "Open the site", msgs[1].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[2].Role)
	assert.Equal(t, "Click login", msgs[3].Content)
}

func TestOpenAIMessagesToolHistory(t *testing.T) {
	req := Request{
		Model:      "gpt-4o",
		UserPrompt: "continue",
		History: []Message{
			{Role: "assistant", Content: `{"tool_calls": [{"name": "report_account_details", "arguments": {"accounts": []}, "call_id": "call_1"}]}`},
			{Role: "tool", Content: `{"ok": true}`, CallID: "call_1"},
			{Role: "tool", Content: "three rows saved", CallID: "call_2"},
			{Role: "tool", Content: "dropped, no call id"},
		},
	}

	msgs := openAIMessages(req)
	require.Len(t, msgs, 4)

	assistant := msgs[0]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "report_account_details", assistant.ToolCalls[0].Function.Name)
	assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)
	assert.JSONEq(t, `{"accounts": []}`, assistant.ToolCalls[0].Function.Arguments)

	toolMsg := msgs[1]
	assert.Equal(t, openai.ChatMessageRoleTool, toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.JSONEq(t, `{"ok": true}`, toolMsg.Content)

	wrapped := msgs[2]
	assert.JSONEq(t, `{"value": "three rows saved"}`, wrapped.Content)
}

func TestOpenAIMessagesImage(t *testing.T) {
	req := Request{
		Model:      "gpt-4o",
		UserPrompt: "What is on screen?",
		Image:      &Image{DataBase64: "aGk=", Format: "png"},
	}

	msgs := openAIMessages(req)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, msgs[0].MultiContent[0].Type)
	assert.Equal(t, "What is on screen?", msgs[0].MultiContent[0].Text)
	assert.Equal(t, "data:image/png;base64,aGk=", msgs[0].MultiContent[1].ImageURL.URL)
}

func TestOpenAITools(t *testing.T) {
	req := Request{Tools: []tools.Spec{
		{Name: "fill", Description: "fill a field", Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"value": map[string]any{"type": "string"}},
		}},
		{Name: "bare"},
	}}

	converted := openAITools(req)
	require.Len(t, converted, 2)
	assert.Equal(t, openai.ToolTypeFunction, converted[0].Type)
	assert.Equal(t, "fill", converted[0].Function.Name)
	params, ok := converted[1].Function.Parameters.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "object", params["type"])
}
