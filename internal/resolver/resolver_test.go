package resolver

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfari/surfari/internal/config"
	"github.com/surfari/surfari/internal/observability"
	"github.com/surfari/surfari/internal/security"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func TestExtractSteps(t *testing.T) {
	single := map[string]any{"step": map[string]any{"action": "click"}}
	assert.Len(t, ExtractSteps(single), 1)

	list := map[string]any{"step": []any{
		map[string]any{"action": "click"},
		map[string]any{"action": "fill"},
	}}
	assert.Len(t, ExtractSteps(list), 2)

	plural := map[string]any{"steps": []any{map[string]any{"action": "fill"}}}
	assert.Len(t, ExtractSteps(plural), 1)

	assert.Nil(t, ExtractSteps(map[string]any{"reasoning": "done"}))
	assert.Nil(t, ExtractSteps(map[string]any{"step": nil}))
}

func TestChainSentinelPassthrough(t *testing.T) {
	chain := NewChain(nil, nil, testLogger())
	resp := map[string]any{
		"step": []any{
			map[string]any{"action": "fill", "target": "Code", "resolve_value": "OTP"},
			map[string]any{"action": "fill", "target": "PIN", "resolve_value": "U#****##"},
		},
	}
	out := chain.Resolve(context.Background(), resp, nil)
	steps := ExtractSteps(out)
	require.Len(t, steps, 2)
	assert.Equal(t, "OTP", steps[0]["value"])
	assert.Equal(t, "OTP", steps[0]["orig_value"])
	assert.NotContains(t, steps[0], "resolve_value")
	assert.Equal(t, "U#****##", steps[1]["value"])

	// Original response is untouched.
	origSteps := ExtractSteps(resp)
	assert.Contains(t, origSteps[0], "resolve_value")
}

func TestChainConfiguredResolver(t *testing.T) {
	configured := Func(func(ctx context.Context, in Input) (Output, error) {
		if in.Text == "departure city" {
			return Output{Value: "New York", Resolved: true}, nil
		}
		return Output{}, nil
	})
	chain := NewChain(nil, configured, testLogger())
	resp := map[string]any{
		"reasoning": "filling the form",
		"steps": []any{
			map[string]any{"action": "fill", "target": "From", "resolve_value": "departure city"},
			map[string]any{"action": "fill", "target": "Notes", "value": "keep", "resolve_value": "ignored"},
		},
	}
	out := chain.Resolve(context.Background(), resp, map[string]any{"task_goal": "book"})
	steps := ExtractSteps(out)
	assert.Equal(t, "New York", steps[0]["value"])
	assert.Equal(t, "departure city", steps[0]["orig_value"])
	assert.NotContains(t, steps[0], "resolve_value")

	// A step that already has a value keeps it and sheds the prompt.
	assert.Equal(t, "keep", steps[1]["value"])
	assert.NotContains(t, steps[1], "resolve_value")
}

func TestChainDelegatesWhenUnresolved(t *testing.T) {
	chain := NewChain(nil, nil, testLogger())
	resp := map[string]any{
		"reasoning": "need the account number",
		"step":      map[string]any{"action": "fill", "target": "Account", "resolve_value": "account number"},
	}
	out := chain.Resolve(context.Background(), resp, nil)
	assert.Equal(t, "DELEGATE_TO_USER", out["step_execution"])
	assert.Equal(t, "Delegated to user for input: need the account number", out["reasoning"])
	assert.NotContains(t, out, "step")
	assert.NotContains(t, out, "steps")
}

func TestChainResolverErrorFallsThrough(t *testing.T) {
	failing := Func(func(ctx context.Context, in Input) (Output, error) {
		return Output{}, errors.New("backend down")
	})
	chain := NewChain(nil, failing, testLogger())
	resp := map[string]any{
		"step": map[string]any{"action": "fill", "target": "X", "resolve_value": "something"},
	}
	out := chain.Resolve(context.Background(), resp, nil)
	assert.Equal(t, "DELEGATE_TO_USER", out["step_execution"])
}

func TestBaseDomainsMatch(t *testing.T) {
	assert.True(t, BaseDomainsMatch("login.sbc.com", "https://www.sbc.com"))
	assert.True(t, BaseDomainsMatch("https://sub.level.sbc.com/hello?jsp", "sbc.com"))
	assert.False(t, BaseDomainsMatch("https://sbc.com", "https://evil.com"))
	assert.False(t, BaseDomainsMatch("", "https://sbc.com"))
	assert.True(t, BaseDomainsMatch("http://localhost:8080", "localhost"))
}

func TestSecretResolver(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	root := t.TempDir()
	ctx := context.Background()
	cm, err := security.NewCredentialManager(root, testLogger())
	require.NoError(t, err)
	require.NoError(t, cm.SaveCredentials(ctx, "My Bank", "https://bank.example.com", "alice", "pw1"))
	cred, err := cm.GetCredentials(ctx, "My Bank")
	require.NoError(t, err)

	r, err := NewSecretResolver(ctx, cm, cred.SiteID, testLogger())
	require.NoError(t, err)

	onSite := map[string]any{"current_url": "https://login.bank.example.com/auth"}
	out, err := r.Resolve(ctx, Input{Text: security.UsernamePlaceholder, Context: onSite})
	require.NoError(t, err)
	assert.True(t, out.Resolved)
	assert.Equal(t, "alice", out.Value)

	// Off the credential's domain nothing resolves.
	offSite := map[string]any{"current_url": "https://phish.example.org"}
	out, err = r.Resolve(ctx, Input{Text: security.UsernamePlaceholder, Context: offSite})
	require.NoError(t, err)
	assert.False(t, out.Resolved)

	// Prompts that are not stored secrets do not resolve.
	out, err = r.Resolve(ctx, Input{Text: "favorite color", Context: onSite})
	require.NoError(t, err)
	assert.False(t, out.Resolved)
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig(nil)
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = FromConfig(&config.ResolverConfig{Target: "does-not-exist"})
	assert.Error(t, err)

	r, err = FromConfig(&config.ResolverConfig{
		Target: "static",
		Params: map[string]any{"values": map[string]any{"departure city": "Boston"}},
	})
	require.NoError(t, err)
	out, err := r.Resolve(context.Background(), Input{Text: "departure city"})
	require.NoError(t, err)
	assert.Equal(t, "Boston", out.Value)

	r, err = FromConfig(&config.ResolverConfig{Target: "echo"})
	require.NoError(t, err)
	out, err = r.Resolve(context.Background(), Input{Text: "ping"})
	require.NoError(t, err)
	assert.True(t, out.Resolved)
	assert.Equal(t, "ping", out.Value)
}
