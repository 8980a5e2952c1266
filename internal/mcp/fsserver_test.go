package mcp

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfari/surfari/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func TestNormalizeSubpath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "."},
		{".", "."},
		{"./", "."},
		{"/", "."},
		{"/sub/child", "sub/child"},
		{"sub/child", "sub/child"},
		{"sub/./child", "sub/child"},
		{"sub/../other", "other"},
		{"..", "."},
		{"../../etc/passwd", "."},
		{"sub//child", "sub/child"},
		{"\\sub\\child", "sub/child"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeSubpath(tt.in), "input %q", tt.in)
	}
}

func startTestFS(t *testing.T) (*FSServer, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello world"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.bin"), []byte{0xff, 0xfe, 0x00, 0x01}, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "inner.txt"), []byte("inner"), 0o644))

	srv := NewFSServer(root, testLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Close() })
	return srv, root
}

func connectTestSession(t *testing.T, url string) *Session {
	t.Helper()
	cfg := &ServerConfig{ID: "files", URL: url, Timeout: 5 * time.Second}
	session := NewSession(cfg, testLogger())
	require.NoError(t, session.Connect(context.Background()))
	t.Cleanup(func() { session.Close() })
	return session
}

func TestFSServerSession(t *testing.T) {
	srv, root := startTestFS(t)
	session := connectTestSession(t, srv.URL())
	ctx := context.Background()

	assert.Equal(t, "surfari-files", session.ServerInfo().Name)

	names := map[string]bool{}
	for _, tool := range session.Tools() {
		names[tool.Name] = true
	}
	for _, want := range []string{"list_directory", "get_file_info", "search_files", "read_file"} {
		assert.True(t, names[want], "missing tool %s", want)
	}

	t.Run("list_directory", func(t *testing.T) {
		res := session.CallTool(ctx, "list_directory", map[string]any{"path": "/"}, 5*time.Second)
		require.True(t, res.OK, res.Error)
		assert.Equal(t, []any{"blob.bin", "notes.txt", "sub"}, res.Data)
	})

	t.Run("list_directory missing", func(t *testing.T) {
		res := session.CallTool(ctx, "list_directory", map[string]any{"path": "nope"}, 5*time.Second)
		require.True(t, res.OK, res.Error)
		assert.Empty(t, res.Data)
	})

	t.Run("list_directory on file", func(t *testing.T) {
		res := session.CallTool(ctx, "list_directory", map[string]any{"path": "notes.txt"}, 5*time.Second)
		require.True(t, res.OK, res.Error)
		assert.Equal(t, []any{"notes.txt"}, res.Data)
	})

	t.Run("traversal clamps to root", func(t *testing.T) {
		res := session.CallTool(ctx, "list_directory", map[string]any{"path": "../../.."}, 5*time.Second)
		require.True(t, res.OK, res.Error)
		assert.Equal(t, []any{"blob.bin", "notes.txt", "sub"}, res.Data)
	})

	t.Run("get_file_info", func(t *testing.T) {
		res := session.CallTool(ctx, "get_file_info", map[string]any{"path": "/notes.txt"}, 5*time.Second)
		require.True(t, res.OK, res.Error)
		info, ok := res.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, info["exists"])
		assert.Equal(t, false, info["is_dir"])
		assert.Equal(t, true, info["is_file"])
		assert.Equal(t, float64(11), info["size"])
		assert.Equal(t, "notes.txt", info["name"])
	})

	t.Run("get_file_info missing", func(t *testing.T) {
		res := session.CallTool(ctx, "get_file_info", map[string]any{"path": "ghost.txt"}, 5*time.Second)
		require.True(t, res.OK, res.Error)
		assert.Equal(t, map[string]any{"exists": false}, res.Data)
	})

	t.Run("search_files", func(t *testing.T) {
		res := session.CallTool(ctx, "search_files", map[string]any{"path": "/", "pattern": "*.txt"}, 5*time.Second)
		require.True(t, res.OK, res.Error)
		assert.Equal(t, []any{"notes.txt"}, res.Data)
	})

	t.Run("read_file text", func(t *testing.T) {
		res := session.CallTool(ctx, "read_file", map[string]any{"path": "sub/inner.txt"}, 5*time.Second)
		require.True(t, res.OK, res.Error)
		out, ok := res.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "text", out["type"])
		assert.Equal(t, "inner", out["text"])
		assert.Equal(t, false, out["truncated"])
	})

	t.Run("read_file binary", func(t *testing.T) {
		res := session.CallTool(ctx, "read_file", map[string]any{"path": "blob.bin"}, 5*time.Second)
		require.True(t, res.OK, res.Error)
		out, ok := res.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "bytes_b64", out["type"])
		assert.NotEmpty(t, out["data"])
	})

	t.Run("read_file truncated", func(t *testing.T) {
		res := session.CallTool(ctx, "read_file", map[string]any{"path": "notes.txt", "max_bytes": 5}, 5*time.Second)
		require.True(t, res.OK, res.Error)
		out, ok := res.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "hello", out["text"])
		assert.Equal(t, true, out["truncated"])
	})

	t.Run("read_file directory", func(t *testing.T) {
		res := session.CallTool(ctx, "read_file", map[string]any{"path": "sub"}, 5*time.Second)
		require.True(t, res.OK, res.Error)
		out, ok := res.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, false, out["ok"])
	})

	t.Run("unknown tool is an error result", func(t *testing.T) {
		res := session.CallTool(ctx, "no_such_tool", nil, 5*time.Second)
		assert.False(t, res.OK)
		assert.Contains(t, res.Error, "unknown tool")
	})

	t.Run("root resource", func(t *testing.T) {
		res := session.ReadResource(ctx, rootResourceURI)
		require.True(t, res.OK, res.Error)
		contents, ok := res.Data.([]*ResourceContent)
		require.True(t, ok)
		require.Len(t, contents, 1)
		assert.Equal(t, root, contents[0].Text)
	})
}
