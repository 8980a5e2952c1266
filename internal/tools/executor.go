package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/surfari/surfari/internal/observability"
)

// ToolCall is one invocation request emitted by the model.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

// ToolResult is the normalized outcome of one call. Exactly one of Result
// and Error is meaningful, selected by OK.
type ToolResult struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Registry maps tool names to callables. Registration is last-wins so a
// remote tool can shadow a built-in of the same name.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// ExecuteOptions controls one execution batch.
type ExecuteOptions struct {
	// Timeout bounds each individual call; zero means no per-call deadline.
	Timeout time.Duration

	// Parallel fans the calls out concurrently. Results keep input order.
	Parallel bool

	// AllowExtraArgs passes arguments not declared in the tool's schema
	// through instead of dropping them.
	AllowExtraArgs bool

	// StrictTypes disables string-to-scalar coercion.
	StrictTypes bool
}

// Executor runs batches of tool calls against a registry.
type Executor struct {
	registry *Registry
	logger   *observability.Logger
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, logger *observability.Logger) *Executor {
	return &Executor{registry: registry, logger: logger.WithComponent("tools")}
}

// Execute runs every call and returns one result per call in input order.
// Individual failures, unknown tools, and timeouts become error results;
// Execute itself only fails on a canceled context.
func (e *Executor) Execute(ctx context.Context, calls []ToolCall, opts ExecuteOptions) []ToolResult {
	results := make([]ToolResult, len(calls))

	if opts.Parallel && len(calls) > 1 {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(idx int, c ToolCall) {
				defer wg.Done()
				results[idx] = e.executeSingle(ctx, c, opts)
			}(i, call)
		}
		wg.Wait()
		return results
	}

	for i, call := range calls {
		results[i] = e.executeSingle(ctx, call, opts)
	}
	return results
}

func (e *Executor) executeSingle(ctx context.Context, call ToolCall, opts ExecuteOptions) ToolResult {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		e.logger.Warn(ctx, "unknown tool requested", "tool", call.Name)
		return ToolResult{ID: call.ID, Name: call.Name, OK: false, Error: "Unknown tool: " + call.Name}
	}

	args := NormalizeArguments(call.Arguments)
	if !opts.AllowExtraArgs {
		args = FilterArguments(args, tool.Parameters())
	}
	if !opts.StrictTypes {
		args, _ = CoerceScalars(args).(map[string]any)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := e.invoke(callCtx, tool, args)
	elapsed := time.Since(start)

	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			e.logger.Warn(ctx, "tool call timed out", "tool", call.Name, "timeout_s", opts.Timeout.Seconds())
			return ToolResult{ID: call.ID, Name: call.Name, OK: false,
				Error: fmt.Sprintf("Timeout after %gs", opts.Timeout.Seconds())}
		}
		e.logger.Warn(ctx, "tool call failed", "tool", call.Name, "error", err)
		return ToolResult{ID: call.ID, Name: call.Name, OK: false, Error: err.Error()}
	}

	e.logger.Debug(ctx, "tool call completed", "tool", call.Name, "elapsed_ms", elapsed.Milliseconds())
	return ToolResult{ID: call.ID, Name: call.Name, OK: true, Result: JSONSafe(result)}
}

// invoke runs the tool in its own goroutine so a deadline can abandon a
// tool that ignores context cancellation.
func (e *Executor) invoke(ctx context.Context, tool Tool, args map[string]any) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("Panic: %v", r)}
			}
		}()
		result, err := tool.Execute(ctx, args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// JSONSafe returns a value guaranteed to JSON-encode, falling back to its
// string rendering when it does not.
func JSONSafe(v any) any {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err == nil {
		return v
	}
	return fmt.Sprintf("%v", v)
}
