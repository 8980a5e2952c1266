package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/surfari/surfari/internal/tools"
)

const (
	maxProxyNameLen = 64
	maxProxyDescLen = 512
)

// defaultInputSchema is used for remote tools that declare no schema. It
// keeps the proxy callable with arbitrary arguments.
func defaultInputSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": true,
	}
}

// safeName rewrites s so it only contains [A-Za-z0-9_-], which is what model
// providers accept for function names.
func safeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ProxyName builds the registered function name for a remote tool. Provider
// limits cap function names at 64 characters, so long names are truncated;
// lookup falls back to a unique-prefix match for the remote side.
func ProxyName(serverID, toolName string) string {
	name := fmt.Sprintf("mcp__%s__%s", safeName(serverID), safeName(toolName))
	if len(name) > maxProxyNameLen {
		name = name[:maxProxyNameLen]
	}
	return name
}

// resolveToolName maps a possibly truncated remote tool name back to the
// server's declared tool. An exact match wins; otherwise a prefix match is
// accepted only when it is unambiguous.
func resolveToolName(session *Session, want string) (string, error) {
	declared := session.Tools()
	for _, t := range declared {
		if t.Name == want {
			return want, nil
		}
	}

	var candidates []string
	for _, t := range declared {
		if strings.HasPrefix(t.Name, want) {
			candidates = append(candidates, t.Name)
		}
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	if len(candidates) > 1 {
		return "", fmt.Errorf("tool name %q is ambiguous on server %q: %v", want, session.Config().ID, candidates)
	}
	return "", fmt.Errorf("tool %q not found on server %q", want, session.Config().ID)
}

// RegisterProxies registers every tool of every connected session into the
// registry, named mcp__<server>__<tool>. The proxy returns the remote call's
// data payload on success and an {ok:false, error} object on failure, so the
// model sees remote failures as results rather than aborted turns.
func RegisterProxies(manager *Manager, registry *tools.Registry, timeout time.Duration) int {
	count := 0
	for serverID, session := range manager.Sessions() {
		for _, tool := range session.Tools() {
			registry.Register(newProxyTool(session, serverID, tool, timeout))
			count++
		}
	}
	return count
}

func newProxyTool(session *Session, serverID string, tool *Tool, timeout time.Duration) tools.Tool {
	desc := tool.Description
	if desc == "" {
		desc = fmt.Sprintf("Tool %s on server %s", tool.Name, serverID)
	}
	if len(desc) > maxProxyDescLen {
		desc = desc[:maxProxyDescLen]
	}

	parameters := defaultInputSchema()
	if len(tool.InputSchema) > 0 {
		var decoded map[string]any
		if json.Unmarshal(tool.InputSchema, &decoded) == nil && len(decoded) > 0 {
			parameters = decoded
		}
	}

	remoteName := tool.Name
	return tools.NewFuncTool(ProxyName(serverID, tool.Name), desc, parameters,
		func(ctx context.Context, args map[string]any) (any, error) {
			name, err := resolveToolName(session, remoteName)
			if err != nil {
				return map[string]any{"ok": false, "error": err.Error()}, nil
			}
			result := session.CallTool(ctx, name, args, timeout)
			if !result.OK {
				return map[string]any{"ok": false, "error": result.Error}, nil
			}
			return result.Data, nil
		})
}
