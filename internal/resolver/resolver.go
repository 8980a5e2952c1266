// Package resolver fills in values the model deliberately left blank.
// Model responses may carry a resolve_value prompt instead of a value on a
// step; the chain tries stored site secrets first, then an optional
// configured resolver, and delegates to the user when a prompt remains
// unresolved.
package resolver

import (
	"context"
	"strings"

	"github.com/surfari/surfari/internal/observability"
)

// Input is one resolution request: the prompt the model wrote into
// resolve_value plus run context (site_id, site_name, task_goal,
// current_url).
type Input struct {
	Text    string
	Context map[string]any
}

// Output carries a resolved value. Resolved false means this resolver has
// no answer and the chain moves on.
type Output struct {
	Value    string
	Resolved bool
}

// Resolver answers resolve_value prompts.
type Resolver interface {
	Resolve(ctx context.Context, in Input) (Output, error)
}

// Func adapts a function to the Resolver interface.
type Func func(ctx context.Context, in Input) (Output, error)

// Resolve implements Resolver.
func (f Func) Resolve(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

// ExtractSteps returns the step list of a model response, accepting both
// the singular "step" branch (object or array) and the plural "steps"
// branch.
func ExtractSteps(resp map[string]any) []map[string]any {
	toSteps := func(v any) []map[string]any {
		switch s := v.(type) {
		case map[string]any:
			return []map[string]any{s}
		case []any:
			var steps []map[string]any
			for _, item := range s {
				if st, ok := item.(map[string]any); ok {
					steps = append(steps, st)
				}
			}
			return steps
		}
		return nil
	}
	if v, ok := resp["step"]; ok && v != nil {
		return toSteps(v)
	}
	if v, ok := resp["steps"]; ok && v != nil {
		return toSteps(v)
	}
	return nil
}

func hasResolveValue(resp map[string]any) bool {
	for _, st := range ExtractSteps(resp) {
		if rv, ok := st["resolve_value"].(string); ok && strings.TrimSpace(rv) != "" {
			return true
		}
	}
	return false
}

// isSentinel reports prompts the action executor handles itself: one-time
// codes fetched at fill time and masked secrets that unmasking restores.
func isSentinel(rv string) bool {
	return rv == "OTP" || strings.Contains(rv, "**")
}

func resolveSteps(ctx context.Context, steps []map[string]any, r Resolver, runCtx map[string]any, logger *observability.Logger) {
	for _, step := range steps {
		if _, ok := step["value"]; ok {
			delete(step, "resolve_value")
			continue
		}
		rv, ok := step["resolve_value"].(string)
		if !ok || strings.TrimSpace(rv) == "" {
			continue
		}
		prompt := strings.TrimSpace(rv)
		out, err := r.Resolve(ctx, Input{Text: prompt, Context: runCtx})
		if err != nil {
			logger.Warn(ctx, "resolver failed", "prompt", prompt, "target", step["target"], "error", err)
			continue
		}
		if out.Resolved && out.Value != "" {
			step["orig_value"] = prompt
			step["value"] = out.Value
			delete(step, "resolve_value")
		}
	}
}

// Chain runs the full resolution pass over a model response.
type Chain struct {
	secrets    Resolver
	configured Resolver
	logger     *observability.Logger
}

// NewChain builds the chain. Either resolver may be nil.
func NewChain(secrets, configured Resolver, logger *observability.Logger) *Chain {
	return &Chain{secrets: secrets, configured: configured, logger: logger.WithComponent("resolver")}
}

// Resolve returns a copy of resp with resolve_value prompts answered.
// Sentinel prompts (OTP, masked secrets) pass through as values untouched.
// When a prompt survives both resolvers the response is rewritten to
// delegate to the user.
func (c *Chain) Resolve(ctx context.Context, resp map[string]any, runCtx map[string]any) map[string]any {
	if len(ExtractSteps(resp)) == 0 {
		return resp
	}
	out := deepCopyMap(resp)
	steps := ExtractSteps(out)

	for _, step := range steps {
		if rv, ok := step["resolve_value"].(string); ok && isSentinel(rv) {
			trimmed := strings.TrimSpace(rv)
			step["orig_value"] = trimmed
			step["value"] = trimmed
			delete(step, "resolve_value")
		}
	}
	if !hasResolveValue(out) {
		return out
	}

	if c.secrets != nil {
		resolveSteps(ctx, steps, c.secrets, runCtx, c.logger)
		if !hasResolveValue(out) {
			return out
		}
	}
	if c.configured != nil {
		resolveSteps(ctx, steps, c.configured, runCtx, c.logger)
		if !hasResolveValue(out) {
			return out
		}
	}

	c.logger.Warn(ctx, "unresolved values remain, delegating to user")
	return DelegateToUser(out)
}

// DelegateToUser rewrites a response into a user delegation: the steps are
// dropped and the reasoning is prefixed so the surface shows why control
// returned.
func DelegateToUser(resp map[string]any) map[string]any {
	out := deepCopyMap(resp)
	delete(out, "step")
	delete(out, "steps")
	reasoning, _ := out["reasoning"].(string)
	if reasoning == "" {
		reasoning = "No reasoning provided."
	}
	out["step_execution"] = "DELEGATE_TO_USER"
	out["reasoning"] = "Delegated to user for input: " + reasoning
	return out
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
