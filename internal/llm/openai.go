package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

func (c *Client) generateOpenAI(ctx context.Context, req Request) (*vendorResult, error) {
	if c.openaiKey == "" {
		return nil, errors.New("OpenAI API key not configured")
	}
	client := openai.NewClient(c.openaiKey)
	return runOpenAIChat(ctx, client, req, "openai")
}

// runOpenAIChat executes one chat completion against an OpenAI-compatible
// endpoint. Shared with the Ollama backend.
func runOpenAIChat(ctx context.Context, client *openai.Client, req Request, vendor string) (*vendorResult, error) {
	messages := openAIMessages(req)

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if strings.HasPrefix(req.Model, "gpt-5") {
		chatReq.ReasoningEffort = "minimal"
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openAITools(req)
	}

	resp, err := client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", vendor, err)
	}

	result := &vendorResult{
		Usage: Usage{
			Vendor:     vendor,
			Model:      req.Model,
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
		},
	}
	if resp.Usage.PromptTokensDetails != nil {
		result.Usage.Cached = resp.Usage.PromptTokensDetails.CachedTokens
	}

	if len(resp.Choices) == 0 {
		return result, nil
	}
	choice := resp.Choices[0].Message
	result.Text = strings.TrimSpace(choice.Content)

	for _, tc := range choice.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: args,
			ID:        tc.ID,
		})
	}
	return result, nil
}

// openAIMessages converts the request into chat-completion messages: system
// first, then translated history, then the user turn (multi-content when an
// image is attached).
func openAIMessages(req Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}

	for _, m := range req.History {
		switch m.Role {
		case "user":
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})
		case "assistant":
			if calls, ok := historyToolCalls(m.Content); ok {
				oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
				for _, call := range calls {
					args, _ := json.Marshal(call.Arguments)
					oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
						ID:   call.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      call.Name,
							Arguments: string(args),
						},
					})
				}
				if len(oaiMsg.ToolCalls) > 0 {
					messages = append(messages, oaiMsg)
				}
			} else if m.Content != "" {
				messages = append(messages, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: m.Content,
				})
			}
		case "tool":
			if m.CallID == "" {
				continue
			}
			payload := loadsMap(m.Content)
			if payload == nil {
				payload = map[string]any{"value": m.Content}
			}
			encoded, _ := json.Marshal(payload)
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    string(encoded),
				ToolCallID: m.CallID,
			})
		}
	}

	userMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if req.Image != nil {
		dataURL := fmt.Sprintf("data:image/%s;base64,%s", imageFormat(req.Image), req.Image.DataBase64)
		userMsg.MultiContent = []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: req.UserPrompt},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
				URL:    dataURL,
				Detail: openai.ImageURLDetailAuto,
			}},
		}
	} else {
		userMsg.Content = req.UserPrompt
	}
	return append(messages, userMsg)
}

func openAITools(req Request) []openai.Tool {
	out := make([]openai.Tool, 0, len(req.Tools))
	for _, spec := range req.Tools {
		params := spec.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func imageFormat(img *Image) string {
	if img.Format == "" {
		return "jpeg"
	}
	return img.Format
}
