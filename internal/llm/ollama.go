package llm

import (
	"context"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOllamaBaseURL = "http://localhost:11434/v1"

// generateOllama runs local models through Ollama's OpenAI-compatible
// endpoint. Ollama does not report token usage, so counts stay zero.
func (c *Client) generateOllama(ctx context.Context, req Request) (*vendorResult, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	cfg := openai.DefaultConfig("ollama")
	cfg.BaseURL = baseURL

	result, err := runOpenAIChat(ctx, openai.NewClientWithConfig(cfg), req, "ollama")
	if err != nil {
		return nil, err
	}
	result.Usage = Usage{Vendor: "ollama", Model: req.Model}
	return result, nil
}
