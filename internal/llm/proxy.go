package llm

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

const proxyTimeout = 60 * time.Second

// proxyRequestBody is the wire shape sent to the model-router proxy.
type proxyRequestBody struct {
	Model        string       `json:"model"`
	SystemPrompt string       `json:"system_prompt"`
	UserPrompt   string       `json:"user_prompt"`
	ChatHistory  []Message    `json:"chat_history"`
	Image        *Image       `json:"image"`
	Tools        []toolDecl   `json:"tools"`
	Purpose      string       `json:"purpose"`
	SiteID       int          `json:"site_id"`
	ReturnMode   string       `json:"return_mode"`
}

type toolDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type proxyResponse struct {
	ToolCalls []any  `json:"tool_calls"`
	Text      string `json:"text"`
}

// callProxy delegates the model call to the hosted proxy. The request body
// is signed with HMAC-SHA256 over body|nonce|timestamp so the proxy can
// reject replayed or tampered requests.
func (c *Client) callProxy(ctx context.Context, req Request) (any, error) {
	proxyURL := os.Getenv("SURFARI_PROXY_URL")
	apiKey := os.Getenv("SURFARI_API_KEY")
	signingSecret := os.Getenv("SURFARI_SIGNING_SECRET")
	if proxyURL == "" || apiKey == "" || signingSecret == "" {
		return nil, errors.New("proxy mode requires SURFARI_PROXY_URL, SURFARI_API_KEY and SURFARI_SIGNING_SECRET")
	}

	body := proxyRequestBody{
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.UserPrompt,
		ChatHistory:  req.History,
		Image:        req.Image,
		Tools:        make([]toolDecl, 0, len(req.Tools)),
		Purpose:      req.Purpose,
		SiteID:       req.SiteID,
		ReturnMode:   "auto",
	}
	if body.ChatHistory == nil {
		body.ChatHistory = []Message{}
	}
	for _, spec := range req.Tools {
		body.Tools = append(body.Tools, toolDecl(spec))
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal proxy body: %w", err)
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write(bodyBytes)
	mac.Write([]byte("|" + nonce + "|" + ts))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	callCtx, cancel := context.WithTimeout(ctx, proxyTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, proxyURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create proxy request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Surfari-Nonce", nonce)
	httpReq.Header.Set("X-Surfari-Timestamp", ts)
	httpReq.Header.Set("X-Surfari-Signature", signature)

	start := time.Now()
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		c.logger.Error(ctx, "proxy request failed", "error", err)
		return nil, fmt.Errorf("proxy request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	c.logger.Info(ctx, "proxy call completed",
		"model", req.Model,
		"elapsed_s", fmt.Sprintf("%.2f", time.Since(start).Seconds()))

	if resp.StatusCode != http.StatusOK {
		c.logger.Error(ctx, "proxy returned error", "status", resp.StatusCode, "body", string(respBody))
		return nil, fmt.Errorf("proxy error %d: %s", resp.StatusCode, string(respBody))
	}

	var data proxyResponse
	if err := json.Unmarshal(respBody, &data); err != nil {
		return nil, fmt.Errorf("decode proxy response: %w", err)
	}

	if len(data.ToolCalls) > 0 {
		return map[string]any{"tool_calls": data.ToolCalls}, nil
	}
	return ParseJSON(data.Text), nil
}
