// Package mcp implements remote tool sessions: clients for out-of-process
// tool servers speaking JSON-RPC over a child-process pipe or HTTP with
// server-sent events, plus an embeddable filesystem tool server.
package mcp

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TransportType specifies the wire transport for one server.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
)

// ServerConfig holds one entry of mcp_config.json. Exactly one transport is
// used per server: URL wins over embedded_http, which wins over command.
type ServerConfig struct {
	ID       string `json:"id"`
	Disabled bool   `json:"disabled,omitempty"`

	// HTTP transport
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Embedded filesystem server
	EmbeddedHTTP bool   `json:"embedded_http,omitempty"`
	Root         string `json:"root,omitempty"`

	// Stdio transport
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`
}

// Transport reports which transport this config selects.
func (c *ServerConfig) Transport() TransportType {
	if c.URL != "" {
		return TransportHTTP
	}
	return TransportStdio
}

// Validate checks the server configuration for security issues.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server ID is required")
	}

	if c.URL != "" {
		if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
			return fmt.Errorf("http config for %s: URL must start with http:// or https://", c.ID)
		}
		return nil
	}

	if c.EmbeddedHTTP {
		return nil
	}

	if c.Command == "" {
		return fmt.Errorf("stdio config for %s: command is required", c.ID)
	}
	if err := validatePath(c.Command, "command"); err != nil {
		return fmt.Errorf("stdio config for %s: %w", c.ID, err)
	}
	if c.Cwd != "" {
		if err := validatePath(c.Cwd, "cwd"); err != nil {
			return fmt.Errorf("stdio config for %s: %w", c.ID, err)
		}
	}
	for i, arg := range c.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("stdio config for %s: arg[%d] contains suspicious shell metacharacters: %q", c.ID, i, arg)
		}
	}
	return nil
}

// validatePath checks a path for traversal attacks.
func validatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("%s contains path traversal: %q", fieldName, path)
	}
	return nil
}

// containsShellMetachars checks for shell metacharacters that could indicate injection.
func containsShellMetachars(s string) bool {
	// Only flag the most dangerous patterns that suggest command chaining.
	// Spaces and quotes are common in legitimate args.
	dangerousPatterns := []string{
		"$(", "${",
		"`",
		"&&", "||",
		";",
		"|",
		">", "<",
		"\n", "\r",
	}
	for _, pattern := range dangerousPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// Tool is a tool declaration exposed by a remote server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Resource is a resource declaration exposed by a remote server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContent holds the content of one resource read.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"` // base64
}

// ToolCallResult is the raw tools/call response.
type ToolCallResult struct {
	Content           []ToolResultContent `json:"content"`
	StructuredContent json.RawMessage     `json:"structuredContent,omitempty"`
	IsError           bool                `json:"isError,omitempty"`
}

// ToolResultContent holds one content block of a tool result.
type ToolResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallResult is the normalized outcome of call_tool and read_resource.
// Data prefers the server's structured payload over raw text blocks.
type CallResult struct {
	OK        bool   `json:"ok"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// JSON-RPC types

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCNotification is a JSON-RPC 2.0 notification (no ID).
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ServerInfo holds information about a remote server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools []*Tool `json:"tools"`
}

// ListResourcesResult holds the result of resources/list.
type ListResourcesResult struct {
	Resources []*Resource `json:"resources"`
}

// ReadResourceResult holds the result of resources/read.
type ReadResourceResult struct {
	Contents []*ResourceContent `json:"contents"`
}

// CallToolParams holds parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
