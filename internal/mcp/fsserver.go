package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/surfari/surfari/internal/observability"
)

// readFileMaxBytes caps read_file responses so a single tool result cannot
// blow up the model context.
const readFileMaxBytes = 2 * 1024 * 1024

const rootResourceURI = "surfari://root"

// FSServer is an embedded tool server that exposes one directory tree over
// local HTTP JSON-RPC. It backs the "embedded_http" server configuration so
// agents can browse task files without spawning a subprocess.
//
// Path semantics are server-enforced: "/", ".", and "" all mean the root,
// a leading "/" means "from the root", and ".." traversal above the root
// clamps to the root.
type FSServer struct {
	root   string
	logger *observability.Logger

	listener net.Listener
	server   *http.Server
	url      string
}

// NewFSServer creates a server rooted at root. Start must be called before
// the server accepts requests.
func NewFSServer(root string, logger *observability.Logger) *FSServer {
	return &FSServer{
		root:   root,
		logger: logger.WithComponent("mcp").WithFields("embedded_root", root),
	}
}

// Start binds a loopback port and begins serving. The endpoint URL becomes
// available through URL.
func (s *FSServer) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.url = fmt.Sprintf("http://%s/mcp", listener.Addr().String())

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleRPC)
	s.server = &http.Server{Handler: mux}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error(context.Background(), "embedded server stopped", "error", err)
		}
	}()

	s.logger.Info(context.Background(), "embedded file server started", "url", s.url)
	return nil
}

// URL returns the JSON-RPC endpoint, valid after Start.
func (s *FSServer) URL() string { return s.url }

// Close shuts the server down.
func (s *FSServer) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *FSServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ErrCodeParseError, "invalid JSON")
		return
	}

	// Notifications get acknowledged with no body.
	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	result, rpcErr := s.dispatch(req.Method, req.Params)
	if rpcErr != nil {
		s.writeError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}
	resp.Result, _ = json.Marshal(result)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *FSServer) writeError(w http.ResponseWriter, id any, code int, message string) {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &JSONRPCError{Code: code, Message: message}}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *FSServer) dispatch(method string, params json.RawMessage) (any, *JSONRPCError) {
	switch method {
	case "initialize":
		return map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]any{
				"tools":     map[string]any{},
				"resources": map[string]any{},
			},
			"serverInfo": map[string]any{"name": "surfari-files", "version": "1.0.0"},
		}, nil

	case "tools/list":
		return map[string]any{"tools": fsToolDeclarations()}, nil

	case "tools/call":
		var call CallToolParams
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "invalid tools/call params"}
		}
		args := map[string]any{}
		if len(call.Arguments) > 0 {
			json.Unmarshal(call.Arguments, &args)
		}
		return s.callTool(call.Name, args), nil

	case "resources/list":
		return map[string]any{"resources": []map[string]any{{
			"uri":         rootResourceURI,
			"name":        "Root Path",
			"description": "Root directory served by this file server",
			"mimeType":    "text/plain",
		}}}, nil

	case "resources/read":
		var p struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.URI != rootResourceURI {
			return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "unknown resource"}
		}
		return map[string]any{"contents": []map[string]any{{
			"uri":      rootResourceURI,
			"mimeType": "text/plain",
			"text":     s.root,
		}}}, nil

	default:
		return nil, &JSONRPCError{Code: ErrCodeMethodNotFound, Message: "method not found: " + method}
	}
}

func fsToolDeclarations() []map[string]any {
	pathProp := map[string]any{
		"type":        "string",
		"description": "Path relative to the server root",
	}
	return []map[string]any{
		{
			"name":        "list_directory",
			"description": "List entries in a directory (names only). Path is interpreted relative to the server root.",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": pathProp},
			},
		},
		{
			"name":        "get_file_info",
			"description": "Stat a file or directory. Path is interpreted relative to the server root.",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": pathProp},
				"required":   []string{"path"},
			},
		},
		{
			"name":        "search_files",
			"description": "Glob under a directory with a simple pattern (non-recursive). Path is relative to the server root.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    pathProp,
					"pattern": map[string]any{"type": "string", "description": "Glob pattern, e.g. test*"},
				},
				"required": []string{"path"},
			},
		},
		{
			"name":        "read_file",
			"description": "Read a file. Text-like files come back as UTF-8 text, anything else base64. Caps at max_bytes.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":      pathProp,
					"max_bytes": map[string]any{"type": "integer", "description": "Byte cap, default 2097152"},
				},
				"required": []string{"path"},
			},
		},
		{
			"name":        "echo_info",
			"description": "Echo a message back, for connectivity checks.",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"msg": map[string]any{"type": "string"}},
				"required":   []string{"msg"},
			},
		},
	}
}

func (s *FSServer) callTool(name string, args map[string]any) map[string]any {
	var data any
	var err error

	switch name {
	case "list_directory":
		data, err = s.listDirectory(stringArg(args, "path"))
	case "get_file_info":
		data, err = s.fileInfo(stringArg(args, "path"))
	case "search_files":
		data, err = s.searchFiles(stringArg(args, "path"), stringArg(args, "pattern"))
	case "read_file":
		data, err = s.readFile(stringArg(args, "path"), intArg(args, "max_bytes", readFileMaxBytes))
	case "echo_info":
		data = "echo: " + stringArg(args, "msg")
	default:
		err = fmt.Errorf("unknown tool: %s", name)
	}

	if err != nil {
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": err.Error()}},
			"isError": true,
		}
	}

	text, _ := json.Marshal(data)
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": string(text)}},
		"structuredContent": data,
	}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}

// normalizeSubpath maps a client-supplied path onto a relative subpath under
// the root. Empty, ".", "./" and "/" mean the root; a leading "/" is
// stripped; ".." segments that would escape the root clamp to the root.
func normalizeSubpath(p string) string {
	s := strings.TrimSpace(p)
	if s == "" || s == "." || s == "./" || s == "/" {
		return "."
	}
	s = strings.ReplaceAll(s, "\\", "/")
	s = strings.TrimLeft(s, "/")

	var parts []string
	for _, seg := range strings.Split(s, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			} else {
				return "."
			}
		default:
			parts = append(parts, seg)
		}
	}
	if len(parts) == 0 {
		return "."
	}
	return strings.Join(parts, "/")
}

func (s *FSServer) resolve(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(normalizeSubpath(p)))
}

func (s *FSServer) listDirectory(path string) (any, error) {
	target := s.resolve(path)
	info, err := os.Stat(target)
	if err != nil {
		return []string{}, nil
	}
	if !info.IsDir() {
		return []string{info.Name()}, nil
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *FSServer) fileInfo(path string) (any, error) {
	target := s.resolve(path)
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{"exists": false}, nil
		}
		return nil, err
	}
	return map[string]any{
		"exists":  true,
		"is_dir":  info.IsDir(),
		"is_file": info.Mode().IsRegular(),
		"size":    info.Size(),
		"mtime":   float64(info.ModTime().UnixNano()) / 1e9,
		"path":    target,
		"name":    info.Name(),
	}, nil
}

func (s *FSServer) searchFiles(path, pattern string) (any, error) {
	if pattern == "" {
		pattern = "*"
	}
	dir := s.resolve(path)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return []string{}, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("bad pattern: %s", pattern)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	sort.Strings(names)
	return names, nil
}

func (s *FSServer) readFile(path string, maxBytes int) (any, error) {
	if maxBytes <= 0 {
		maxBytes = readFileMaxBytes
	}
	target := s.resolve(path)
	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return map[string]any{"ok": false, "error": "Not a file"}, nil
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return nil, err
	}
	truncated := false
	if len(data) > maxBytes {
		data = data[:maxBytes]
		truncated = true
	}

	if utf8.Valid(data) {
		return map[string]any{"ok": true, "type": "text", "text": string(data), "truncated": truncated}, nil
	}
	return map[string]any{
		"ok":        true,
		"type":      "bytes_b64",
		"data":      base64.StdEncoding.EncodeToString(data),
		"truncated": truncated,
	}, nil
}
