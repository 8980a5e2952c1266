package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiBackend = *genai.Client

func (c *Client) geminiClient(ctx context.Context) (*genai.Client, error) {
	c.geminiOnce.Do(func() {
		if c.geminiKey == "" {
			c.geminiErr = errors.New("Gemini API key not configured")
			return
		}
		c.gemini, c.geminiErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  c.geminiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	return c.gemini, c.geminiErr
}

func (c *Client) generateGemini(ctx context.Context, req Request) (*vendorResult, error) {
	client, err := c.geminiClient(ctx)
	if err != nil {
		return nil, err
	}

	contents := geminiContents(req.History)

	userParts := []*genai.Part{{Text: req.UserPrompt}}
	if req.Image != nil {
		raw, err := base64.StdEncoding.DecodeString(req.Image.DataBase64)
		if err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		userParts = append(userParts, &genai.Part{
			InlineData: &genai.Blob{Data: raw, MIMEType: "image/" + imageFormat(req.Image)},
		})
	}
	contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: userParts})

	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt}}}
	}
	if len(req.Tools) > 0 {
		cfg.Tools = geminiTools(req)
	}
	if strings.HasPrefix(req.Model, "gemini-2.5") {
		// 2.5 models think by default; page navigation needs latency more
		// than reasoning depth.
		budget := int32(0)
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget}
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini completion: %w", err)
	}

	result := &vendorResult{
		Text:  strings.TrimSpace(resp.Text()),
		Usage: Usage{Vendor: "gemini", Model: req.Model},
	}
	if resp.UsageMetadata != nil {
		result.Usage.Prompt = int(resp.UsageMetadata.PromptTokenCount)
		result.Usage.Completion = int(resp.UsageMetadata.CandidatesTokenCount)
		result.Usage.Cached = int(resp.UsageMetadata.CachedContentTokenCount)
	}

	for _, fc := range resp.FunctionCalls() {
		args := fc.Args
		if args == nil {
			args = map[string]any{}
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{Name: fc.Name, Arguments: args, ID: fc.ID})
	}
	return result, nil
}

// geminiContents translates history into Gemini content turns. Assistant
// tool calls become model functionCall parts; tool results become user
// functionResponse parts matched by function name and order.
func geminiContents(history []Message) []*genai.Content {
	var contents []*genai.Content
	for _, m := range history {
		switch m.Role {
		case "assistant", "model":
			var parts []*genai.Part
			if calls, ok := historyToolCalls(m.Content); ok {
				for _, call := range calls {
					parts = append(parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{Name: call.Name, Args: call.Arguments},
					})
				}
			} else if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		case "tool":
			payload := loadsMap(m.Content)
			if payload == nil {
				payload = map[string]any{"value": m.Content}
			}
			name := m.Name
			if name == "" {
				name = "tool"
			}
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{Name: name, Response: payload},
				}},
			})
		case "user":
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}
	return contents
}

func geminiTools(req Request) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
	for _, spec := range req.Tools {
		params := spec.Parameters
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  geminiSchema(params),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// geminiSchema converts a JSON Schema map into Gemini's typed schema.
func geminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = geminiSchema(propMap)
			}
		}
	}
	switch required := schemaMap["required"].(type) {
	case []any:
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	case []string:
		schema.Required = append(schema.Required, required...)
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = geminiSchema(items)
	}
	return schema
}
