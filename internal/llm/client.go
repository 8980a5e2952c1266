package llm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/surfari/surfari/internal/config"
	"github.com/surfari/surfari/internal/observability"
)

var envOnce sync.Once

// loadEnv loads API keys from security/.env_dev (preferred) or
// security/.env under the project root. Missing files are fine; keys may
// come from the process environment instead.
func loadEnv(projectRoot string) {
	envOnce.Do(func() {
		path := filepath.Join(projectRoot, "security", ".env_dev")
		if _, err := os.Stat(path); err != nil {
			path = filepath.Join(projectRoot, "security", ".env")
		}
		godotenv.Load(path)
	})
}

// Client is the unified model client. One client is shared across agents;
// it routes each request to a vendor by model name prefix, or to the signed
// proxy when that is enabled.
type Client struct {
	cfg    *config.Config
	logger *observability.Logger

	openaiKey    string
	geminiKey    string
	anthropicKey string

	// Stats accumulates token usage per purpose across all calls.
	Stats *TokenStats

	geminiOnce sync.Once
	geminiErr  error
	gemini     geminiBackend
}

// NewClient creates a client using keys from the environment.
func NewClient(cfg *config.Config, logger *observability.Logger) *Client {
	loadEnv(cfg.ProjectRoot)
	return &Client{
		cfg:          cfg,
		logger:       logger.WithComponent("llm"),
		openaiKey:    os.Getenv("OPENAI_API_KEY"),
		geminiKey:    os.Getenv("GEMINI_API_KEY"),
		anthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		Stats:        NewTokenStats(),
	}
}

// GenerateJSON runs one model turn and returns either
// map[string]any{"tool_calls": [...]} when the model emitted structured
// calls, or the parsed JSON of its text output. A nil result with nil error
// means the output was not parseable JSON.
func (c *Client) GenerateJSON(ctx context.Context, req Request) (any, error) {
	if req.Model == "" {
		req.Model = c.cfg.App.LLMModel
	}

	if c.cfg.App.UseLLMProxy {
		c.logger.Debug(ctx, "routing model call through proxy", "model", req.Model, "purpose", req.Purpose)
		return c.callProxy(ctx, req)
	}

	start := time.Now()
	result, err := c.generate(ctx, req)
	if err != nil {
		return nil, err
	}
	c.Stats.Update(req.Purpose, result.Usage.Prompt, result.Usage.Completion, result.Usage.Cached)
	c.logger.Info(ctx, "model call completed",
		"model", req.Model,
		"purpose", req.Purpose,
		"elapsed_s", fmt.Sprintf("%.2f", time.Since(start).Seconds()),
		"prompt_tokens", result.Usage.Prompt,
		"completion_tokens", result.Usage.Completion)

	if len(result.ToolCalls) > 0 {
		return map[string]any{"tool_calls": toolCallsToAny(result.ToolCalls)}, nil
	}
	parsed := ParseJSON(result.Text)
	if parsed == nil && result.Text != "" {
		c.logger.Error(ctx, "failed to parse JSON from model output", "model", req.Model, "text", result.Text)
	}
	return parsed, nil
}

// generate dispatches to a vendor by model name prefix.
func (c *Client) generate(ctx context.Context, req Request) (*vendorResult, error) {
	model := req.Model
	switch {
	case strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o3-"):
		return c.generateOpenAI(ctx, req)
	case strings.HasPrefix(model, "gemini-"):
		return c.generateGemini(ctx, req)
	case strings.HasPrefix(model, "claude-"):
		return c.generateAnthropic(ctx, req)
	case strings.HasPrefix(model, "deepseek") || strings.HasPrefix(model, "qwen") ||
		strings.HasPrefix(model, "llama") || strings.HasPrefix(model, "gemma"):
		return c.generateOllama(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported model: %s", model)
	}
}

// toolCallsToAny converts calls to plain JSON shapes so downstream consumers
// and logs see one representation regardless of vendor.
func toolCallsToAny(calls []ToolCall) []any {
	out := make([]any, 0, len(calls))
	for _, call := range calls {
		m := map[string]any{"name": call.Name, "arguments": call.Arguments}
		if call.ID != "" {
			m["id"] = call.ID
		}
		out = append(out, m)
	}
	return out
}
