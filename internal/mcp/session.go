package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/surfari/surfari/internal/observability"
)

// Session is a connection to one remote tool server with cached
// capabilities. Sessions are shared by server ID across agents; the cache is
// refreshed on connect and on explicit Refresh.
type Session struct {
	config    *ServerConfig
	transport Transport
	logger    *observability.Logger

	mu        sync.RWMutex
	tools     []*Tool
	resources []*Resource

	serverInfo ServerInfo
}

// NewSession creates a session over the transport selected by cfg.
func NewSession(cfg *ServerConfig, logger *observability.Logger) *Session {
	return &Session{
		config:    cfg,
		transport: NewTransport(cfg, logger),
		logger:    logger.WithComponent("mcp").WithFields("server", cfg.ID),
	}
}

// Connect establishes the transport, performs the initialize handshake, and
// caches the server's capabilities.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := s.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "surfari",
			"version": "1.0.0",
		},
	})
	if err != nil {
		s.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		s.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	s.serverInfo = initResult.ServerInfo

	if err := s.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		s.logger.Warn(ctx, "failed to send initialized notification", "error", err)
	}

	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn(ctx, "failed to refresh capabilities", "error", err)
	}

	s.logger.Info(ctx, "connected to tool server",
		"name", s.serverInfo.Name, "version", s.serverInfo.Version,
		"tools", len(s.Tools()))
	return nil
}

// Close shuts the transport and drops the capability cache.
func (s *Session) Close() error {
	err := s.transport.Close()
	s.mu.Lock()
	s.tools = nil
	s.resources = nil
	s.mu.Unlock()
	return err
}

// Config returns the server configuration.
func (s *Session) Config() *ServerConfig { return s.config }

// ServerInfo returns the handshake identity of the connected server.
func (s *Session) ServerInfo() ServerInfo { return s.serverInfo }

// Connected reports whether the transport is up.
func (s *Session) Connected() bool { return s.transport.Connected() }

// Refresh re-fetches the tool and resource lists. Failures of either list
// leave that half of the cache empty rather than failing the session.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools = nil
	if result, err := s.transport.Call(ctx, "tools/list", nil); err == nil {
		var resp ListToolsResult
		if json.Unmarshal(result, &resp) == nil {
			s.tools = resp.Tools
		}
	} else {
		return fmt.Errorf("tools/list: %w", err)
	}

	s.resources = nil
	if result, err := s.transport.Call(ctx, "resources/list", nil); err == nil {
		var resp ListResourcesResult
		if json.Unmarshal(result, &resp) == nil {
			s.resources = resp.Resources
		}
	}
	return nil
}

// Tools returns the cached tool declarations.
func (s *Session) Tools() []*Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// Resources returns the cached resource declarations.
func (s *Session) Resources() []*Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Resource, len(s.resources))
	copy(out, s.resources)
	return out
}

// ReadResource reads one resource by URI.
func (s *Session) ReadResource(ctx context.Context, uri string) CallResult {
	start := time.Now()
	result, err := s.transport.Call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return CallResult{OK: false, Error: err.Error()}
	}
	var readResult ReadResourceResult
	if err := json.Unmarshal(result, &readResult); err != nil {
		return CallResult{OK: false, Error: fmt.Sprintf("parse result: %v", err)}
	}
	return CallResult{OK: true, Data: readResult.Contents, ElapsedMS: time.Since(start).Milliseconds()}
}

// CallTool invokes a remote tool. A positive timeout bounds this call only;
// timeouts and transport failures come back as error results, not errors.
func (s *Session) CallTool(ctx context.Context, name string, arguments map[string]any, timeout time.Duration) CallResult {
	start := time.Now()

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	params := CallToolParams{Name: name}
	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			return CallResult{OK: false, Error: fmt.Sprintf("marshal arguments: %v", err)}
		}
		params.Arguments = argsJSON
	}

	result, err := s.transport.Call(callCtx, "tools/call", params)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return CallResult{OK: false, Error: fmt.Sprintf("Timed out after %gs", timeout.Seconds())}
		}
		return CallResult{OK: false, Error: err.Error()}
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return CallResult{OK: false, Error: fmt.Sprintf("parse result: %v", err)}
	}
	elapsed := time.Since(start).Milliseconds()

	if callResult.IsError {
		return CallResult{OK: false, Error: textOf(callResult), ElapsedMS: elapsed}
	}
	return CallResult{OK: true, Data: dataOf(callResult), ElapsedMS: elapsed}
}

// dataOf picks the payload for a successful call: the structured field when
// the server provides one, else the decoded or raw text content.
func dataOf(result ToolCallResult) any {
	if len(result.StructuredContent) > 0 {
		var structured any
		if json.Unmarshal(result.StructuredContent, &structured) == nil {
			return structured
		}
	}

	var texts []string
	for _, c := range result.Content {
		if c.Type == "text" {
			texts = append(texts, c.Text)
		}
	}
	if len(texts) == 1 {
		var decoded any
		if json.Unmarshal([]byte(texts[0]), &decoded) == nil {
			return decoded
		}
		return texts[0]
	}
	if len(texts) > 0 {
		return strings.Join(texts, "\n")
	}
	return result.Content
}

func textOf(result ToolCallResult) string {
	var texts []string
	for _, c := range result.Content {
		if c.Type == "text" && c.Text != "" {
			texts = append(texts, c.Text)
		}
	}
	if len(texts) == 0 {
		return "tool reported an error"
	}
	return strings.Join(texts, "\n")
}
