package mcp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfari/surfari/internal/tools"
)

func TestSafeName(t *testing.T) {
	assert.Equal(t, "my-server_1", safeName("my-server_1"))
	assert.Equal(t, "a_b_c", safeName("a.b c"))
	assert.Equal(t, "files", safeName("files"))
	assert.Equal(t, "__", safeName("é!"))
}

func TestProxyName(t *testing.T) {
	assert.Equal(t, "mcp__files__list_directory", ProxyName("files", "list_directory"))
	assert.Equal(t, "mcp__my_srv__read_file", ProxyName("my.srv", "read_file"))

	long := ProxyName("files", strings.Repeat("x", 100))
	assert.Len(t, long, 64)
	assert.True(t, strings.HasPrefix(long, "mcp__files__"))
}

func TestRegisterProxies(t *testing.T) {
	srv, _ := startTestFS(t)
	logger := testLogger()

	manager := NewManager(logger)
	cfg := &ServerConfig{ID: "files", URL: srv.URL(), Timeout: 5 * time.Second}
	require.NoError(t, manager.AddServer(context.Background(), cfg))
	t.Cleanup(manager.Close)

	registry := tools.NewRegistry()
	count := RegisterProxies(manager, registry, 5*time.Second)
	assert.GreaterOrEqual(t, count, 4)

	proxy, ok := registry.Get("mcp__files__list_directory")
	require.True(t, ok)
	assert.NotEmpty(t, proxy.Description())
	assert.Equal(t, "object", proxy.Parameters()["type"])

	executor := tools.NewExecutor(registry, logger)
	results := executor.Execute(context.Background(), []tools.ToolCall{
		{Name: "mcp__files__list_directory", Arguments: map[string]any{"path": "/"}},
		{Name: "mcp__files__get_file_info", Arguments: map[string]any{"path": "notes.txt"}},
	}, tools.ExecuteOptions{Timeout: 10 * time.Second})

	require.Len(t, results, 2)
	require.True(t, results[0].OK, results[0].Error)
	assert.Equal(t, []any{"blob.bin", "notes.txt", "sub"}, results[0].Result)

	require.True(t, results[1].OK, results[1].Error)
	info, ok := results[1].Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, info["exists"])
}

func TestProxyRemoteErrorBecomesResult(t *testing.T) {
	srv, _ := startTestFS(t)
	session := connectTestSession(t, srv.URL())

	tool := &Tool{Name: "search_files", Description: "glob"}
	proxy := newProxyTool(session, "files", tool, 5*time.Second)

	out, err := proxy.Execute(context.Background(), map[string]any{"path": "/", "pattern": "[bad"})
	require.NoError(t, err)
	result, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, result["ok"])
	assert.Contains(t, result["error"], "bad pattern")
}

func TestResolveToolNamePrefix(t *testing.T) {
	srv, _ := startTestFS(t)
	session := connectTestSession(t, srv.URL())

	name, err := resolveToolName(session, "read_file")
	require.NoError(t, err)
	assert.Equal(t, "read_file", name)

	name, err = resolveToolName(session, "read_fi")
	require.NoError(t, err)
	assert.Equal(t, "read_file", name)

	_, err = resolveToolName(session, "nope")
	assert.Error(t, err)
}
