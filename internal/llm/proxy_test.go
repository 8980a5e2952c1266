package llm

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfari/surfari/internal/config"
	"github.com/surfari/surfari/internal/observability"
)

func newProxyTestClient(t *testing.T, url string) *Client {
	t.Helper()
	t.Setenv("SURFARI_PROXY_URL", url)
	t.Setenv("SURFARI_API_KEY", "test-key")
	t.Setenv("SURFARI_SIGNING_SECRET", "test-secret")

	cfg := config.Default()
	cfg.App.UseLLMProxy = true
	return NewClient(cfg, observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard}))
}

func TestCallProxySignsRequest(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": "{\"action\": \"done\"}"}`))
	}))
	defer server.Close()

	client := newProxyTestClient(t, server.URL)
	result, err := client.GenerateJSON(context.Background(), Request{
		Model:      "gemini-2.0-flash",
		UserPrompt: "go",
		Purpose:    "navigation",
	})
	require.NoError(t, err)
	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "done", m["action"])

	assert.Equal(t, "Bearer test-key", gotHeaders.Get("Authorization"))
	nonce := gotHeaders.Get("X-Surfari-Nonce")
	ts := gotHeaders.Get("X-Surfari-Timestamp")
	assert.Len(t, nonce, 32)
	assert.NotEmpty(t, ts)

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write(gotBody)
	mac.Write([]byte("|" + nonce + "|" + ts))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, gotHeaders.Get("X-Surfari-Signature"))

	var sent map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	assert.Equal(t, "gemini-2.0-flash", sent["model"])
	assert.Equal(t, "navigation", sent["purpose"])
	assert.Equal(t, "auto", sent["return_mode"])
}

func TestCallProxyToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tool_calls": [{"name": "fill", "arguments": {"value": "x"}}]}`))
	}))
	defer server.Close()

	client := newProxyTestClient(t, server.URL)
	result, err := client.GenerateJSON(context.Background(), Request{Model: "gpt-4o", UserPrompt: "go"})
	require.NoError(t, err)

	m, ok := result.(map[string]any)
	require.True(t, ok)
	calls, ok := m["tool_calls"].([]any)
	require.True(t, ok)
	require.Len(t, calls, 1)
}

func TestCallProxyErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad signature", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newProxyTestClient(t, server.URL)
	_, err := client.GenerateJSON(context.Background(), Request{Model: "gpt-4o", UserPrompt: "go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy error 401")
}

func TestCallProxyMissingEnv(t *testing.T) {
	t.Setenv("SURFARI_PROXY_URL", "")
	t.Setenv("SURFARI_API_KEY", "")
	t.Setenv("SURFARI_SIGNING_SECRET", "")

	cfg := config.Default()
	cfg.App.UseLLMProxy = true
	client := NewClient(cfg, observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard}))

	_, err := client.GenerateJSON(context.Background(), Request{Model: "gpt-4o", UserPrompt: "go"})
	require.Error(t, err)
}

func TestGenerateUnsupportedModel(t *testing.T) {
	cfg := config.Default()
	cfg.App.UseLLMProxy = false
	client := NewClient(cfg, observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard}))

	_, err := client.GenerateJSON(context.Background(), Request{Model: "mystery-9000", UserPrompt: "go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported model")
}
