package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/surfari/surfari/internal/observability"
)

// stdioStopGrace is how long Close waits for the child to exit on its own
// after stdin closes before killing it.
const stdioStopGrace = 2 * time.Second

// StdioTransport speaks line-delimited JSON-RPC with a tool server child
// process over its stdin/stdout. Stderr is drained into the debug log.
type StdioTransport struct {
	config *ServerConfig
	logger *observability.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser
	exited  chan struct{}

	pending   map[int64]chan *JSONRPCResponse
	pendingMu sync.Mutex
	events    chan *JSONRPCNotification
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewStdioTransport creates a transport that will spawn cfg.Command.
func NewStdioTransport(cfg *ServerConfig, logger *observability.Logger) *StdioTransport {
	return &StdioTransport{
		config:   cfg,
		logger:   logger.WithComponent("mcp").WithFields("server", cfg.ID, "transport", "stdio"),
		pending:  make(map[int64]chan *JSONRPCResponse),
		events:   make(chan *JSONRPCNotification, 100),
		exited:   make(chan struct{}),
		stopChan: make(chan struct{}),
	}
}

// childEnv merges the configured variables over the inherited environment.
// Values go through os.ExpandEnv, so entries like "$HOME/bin" resolve the
// same way paths in mcp_config.json do.
func childEnv(configured map[string]string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range configured {
		merged[k] = os.ExpandEnv(v)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// Connect spawns the child process and starts the reader goroutines.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.config.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}

	t.process = exec.CommandContext(ctx, t.config.Command, t.config.Args...)
	t.process.Env = childEnv(t.config.Env)
	if t.config.Cwd != "" {
		t.process.Dir = t.config.Cwd
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.stdout = bufio.NewScanner(stdout)
	// Tool results can be large; the default scanner limit is 64KB.
	t.stdout.Buffer(make([]byte, 1024*1024), 1024*1024)
	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.config.Command, err)
	}
	go func() {
		t.process.Wait()
		close(t.exited)
	}()

	t.connected.Store(true)
	t.logger.Info(ctx, "started tool server process",
		"command", t.config.Command, "pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readResponses()
	if t.stderr != nil {
		t.wg.Add(1)
		go t.drainStderr()
	}
	return nil
}

// Close shuts the child down: closing stdin asks it to exit, and after a
// short grace period it is killed.
func (t *StdioTransport) Close() error {
	t.connected.Store(false)
	close(t.stopChan)

	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.process != nil && t.process.Process != nil {
		select {
		case <-t.exited:
		case <-time.After(stdioStopGrace):
			t.logger.Debug(context.Background(), "tool server did not exit, killing",
				"pid", t.process.Process.Pid)
			t.process.Process.Kill()
		}
	}

	t.wg.Wait()
	return nil
}

// Call sends a request and waits for the matching response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	id := t.nextID.Add(1)
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, _ := json.Marshal(req)
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("tool server error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("request timeout after %v", timeout)
	case <-t.stopChan:
		return nil, fmt.Errorf("transport closed")
	}
}

// Notify sends a notification. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}

	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	data, _ := json.Marshal(notif)
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Events returns the server-initiated notification channel.
func (t *StdioTransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Connected reports whether the child is up.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

// readResponses consumes the child's stdout until it closes.
func (t *StdioTransport) readResponses() {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for t.stdout.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		if line := t.stdout.Text(); line != "" {
			t.dispatch(line)
		}
	}
	if err := t.stdout.Err(); err != nil {
		t.logger.Error(context.Background(), "stdout scanner error", "error", err)
	}
}

// dispatch routes one line to its pending call, or onto the notification
// channel when it carries no id.
func (t *StdioTransport) dispatch(line string) {
	var resp JSONRPCResponse
	if err := json.Unmarshal([]byte(line), &resp); err == nil && resp.ID != nil {
		var id int64
		switch v := resp.ID.(type) {
		case float64:
			id = int64(v)
		case int64:
			id = v
		case int:
			id = int64(v)
		default:
			t.logger.Warn(context.Background(), "unexpected response id type", "id", resp.ID)
			return
		}

		t.pendingMu.Lock()
		if ch, ok := t.pending[id]; ok {
			select {
			case ch <- &resp:
			default:
			}
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
		return
	}

	var notif JSONRPCNotification
	if err := json.Unmarshal([]byte(line), &notif); err == nil && notif.Method != "" {
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn(context.Background(), "notification channel full, dropping")
		}
	}
}

// drainStderr forwards the child's stderr into the debug log.
func (t *StdioTransport) drainStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug(context.Background(), "server stderr", "message", line)
		}
	}
}
