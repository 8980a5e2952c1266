package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

func (c *Client) generateAnthropic(ctx context.Context, req Request) (*vendorResult, error) {
	if c.anthropicKey == "" {
		return nil, errors.New("Anthropic API key not configured")
	}
	client := anthropic.NewClient(option.WithAPIKey(c.anthropicKey))

	var messages []anthropic.MessageParam
	for _, m := range req.History {
		switch m.Role {
		case "assistant":
			if m.Content != "" {
				messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			}
		case "user", "tool":
			if m.Content != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)))

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   1024,
		Temperature: anthropic.Float(0.7),
		Messages:    messages,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &vendorResult{
		Text: strings.TrimSpace(text.String()),
		Usage: Usage{
			Vendor:     "anthropic",
			Model:      req.Model,
			Prompt:     int(resp.Usage.InputTokens),
			Completion: int(resp.Usage.OutputTokens),
		},
	}, nil
}
