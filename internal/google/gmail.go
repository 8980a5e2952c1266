// Package google is a small Gmail and Sheets client over the REST APIs.
// It owns the installed-app OAuth flow, token persistence under
// projectRoot/security, and scope upgrades when an endpoint needs more
// than the base Gmail scopes.
package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"

	"github.com/surfari/surfari/internal/observability"
)

const (
	gmailScopeReadonly  = "https://www.googleapis.com/auth/gmail.readonly"
	gmailScopeSend      = "https://www.googleapis.com/auth/gmail.send"
	sheetsScopeReadonly = "https://www.googleapis.com/auth/spreadsheets.readonly"
	sheetsScopeRW       = "https://www.googleapis.com/auth/spreadsheets"

	defaultGmailBaseURL  = "https://gmail.googleapis.com"
	defaultSheetsBaseURL = "https://sheets.googleapis.com"

	oauthFlowTimeout = 5 * time.Minute
)

var baseScopes = []string{gmailScopeReadonly, gmailScopeSend}

// MessageSummary is the lightweight view of one Gmail message.
type MessageSummary struct {
	ID       string            `json:"id"`
	ThreadID string            `json:"threadId"`
	Snippet  string            `json:"snippet"`
	Headers  map[string]string `json:"headers"`
}

// storedToken is the on-disk token format: the oauth2 token plus the
// scopes it was granted for, so scope upgrades can union correctly.
type storedToken struct {
	oauth2.Token
	Scopes []string `json:"scopes,omitempty"`
}

// Client talks to the Gmail and Sheets REST APIs.
type Client struct {
	projectRoot string
	logger      *observability.Logger

	mu    sync.Mutex
	token *storedToken

	gmailBaseURL  string
	sheetsBaseURL string

	// httpClient overrides the authenticated client in tests. When set,
	// no OAuth flow runs.
	httpClient *http.Client
}

// NewClient creates a client rooted at projectRoot. Tokens live at
// security/google_auth_token.json, client secrets at
// security/google_client_secret.json.
func NewClient(projectRoot string, logger *observability.Logger) *Client {
	return &Client{
		projectRoot:   projectRoot,
		logger:        logger.WithComponent("google"),
		gmailBaseURL:  defaultGmailBaseURL,
		sheetsBaseURL: defaultSheetsBaseURL,
	}
}

func (c *Client) tokenFile() string {
	return filepath.Join(c.projectRoot, "security", "google_auth_token.json")
}

func (c *Client) secretsFile() string {
	return filepath.Join(c.projectRoot, "security", "google_client_secret.json")
}

func (c *Client) oauthConfig(scopes []string) (*oauth2.Config, error) {
	raw, err := os.ReadFile(c.secretsFile())
	if err != nil {
		return nil, fmt.Errorf("read client secrets: %w", err)
	}
	return googleoauth.ConfigFromJSON(raw, scopes...)
}

func (c *Client) loadToken() {
	if c.token != nil {
		return
	}
	raw, err := os.ReadFile(c.tokenFile())
	if err != nil {
		return
	}
	var tok storedToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		c.logger.Warn(context.Background(), "stored google token unreadable, will re-consent", "error", err)
		return
	}
	c.token = &tok
}

func (c *Client) saveToken() error {
	raw, err := json.Marshal(c.token)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.tokenFile()), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.tokenFile(), raw, 0o600)
}

func scopeUnion(a, b []string) []string {
	seen := map[string]bool{}
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		seen[s] = true
	}
	union := make([]string, 0, len(seen))
	for s := range seen {
		union = append(union, s)
	}
	sort.Strings(union)
	return union
}

func scopesCover(have, want []string) bool {
	set := map[string]bool{}
	for _, s := range have {
		set[s] = true
	}
	for _, s := range want {
		if !set[s] {
			return false
		}
	}
	return true
}

// ensureScopes guarantees a usable token covering the desired scopes,
// running the OAuth consent flow when the stored grant is missing or too
// narrow. Refresh of an expired token happens lazily at request time.
func (c *Client) ensureScopes(ctx context.Context, desired []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loadToken()
	needConsent := c.token == nil ||
		!scopesCover(c.token.Scopes, desired) ||
		(!c.token.Valid() && c.token.RefreshToken == "")
	if !needConsent {
		return nil
	}

	var existing []string
	if c.token != nil {
		existing = c.token.Scopes
	}
	all := scopeUnion(existing, scopeUnion(desired, baseScopes))
	c.logger.Info(ctx, "running google oauth flow", "scopes", strings.Join(all, " "))

	conf, err := c.oauthConfig(all)
	if err != nil {
		return err
	}
	tok, err := c.runOAuthFlow(ctx, conf)
	if err != nil {
		return err
	}
	c.token = &storedToken{Token: *tok, Scopes: all}
	return c.saveToken()
}

// runOAuthFlow starts a loopback redirect server on an ephemeral port,
// logs the consent URL for the user to open, and exchanges the returned
// code. GMAIL_OAUTH_CONSOLE switches to a paste-the-code prompt for
// hosts with no local browser.
func (c *Client) runOAuthFlow(ctx context.Context, conf *oauth2.Config) (*oauth2.Token, error) {
	switch strings.ToLower(os.Getenv("GMAIL_OAUTH_CONSOLE")) {
	case "1", "true", "yes":
		return c.runConsoleOAuthFlow(ctx, conf)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("start oauth redirect server: %w", err)
	}
	defer ln.Close()

	conf.RedirectURL = fmt.Sprintf("http://%s/", ln.Addr().String())
	state := fmt.Sprintf("surfari-%d", time.Now().UnixNano())
	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline)
	c.logger.Info(ctx, "open this URL to authorize gmail access", "url", authURL)

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			errCh <- fmt.Errorf("oauth state mismatch")
			return
		}
		if errMsg := q.Get("error"); errMsg != "" {
			http.Error(w, errMsg, http.StatusBadRequest)
			errCh <- fmt.Errorf("oauth consent denied: %s", errMsg)
			return
		}
		fmt.Fprintln(w, "Authorization complete. You can close this tab.")
		codeCh <- q.Get("code")
	})}
	go srv.Serve(ln)
	defer srv.Close()

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return nil, err
	case <-time.After(oauthFlowTimeout):
		return nil, fmt.Errorf("oauth flow timed out after %s", oauthFlowTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return conf.Exchange(ctx, code)
}

// runConsoleOAuthFlow prints the consent URL and reads the authorization
// code from stdin. Used on headless hosts where the loopback redirect
// cannot reach a browser.
func (c *Client) runConsoleOAuthFlow(ctx context.Context, conf *oauth2.Config) (*oauth2.Token, error) {
	conf.RedirectURL = "http://localhost"
	state := fmt.Sprintf("surfari-%d", time.Now().UnixNano())
	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline)

	fmt.Printf("Open this URL in a browser, authorize access, then paste the code parameter from the redirect URL:\n%s\nCode: ", authURL)

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		var code string
		if _, err := fmt.Scanln(&code); err != nil {
			errCh <- fmt.Errorf("read authorization code: %w", err)
			return
		}
		codeCh <- strings.TrimSpace(code)
	}()

	select {
	case code := <-codeCh:
		if code == "" {
			return nil, fmt.Errorf("empty authorization code")
		}
		return conf.Exchange(ctx, code)
	case err := <-errCh:
		return nil, err
	case <-time.After(oauthFlowTimeout):
		return nil, fmt.Errorf("oauth flow timed out after %s", oauthFlowTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// apiClient returns an authenticated HTTP client, refreshing and
// persisting the token when it has expired.
func (c *Client) apiClient(ctx context.Context, scopes []string) (*http.Client, error) {
	if c.httpClient != nil {
		return c.httpClient, nil
	}
	if len(scopes) == 0 {
		scopes = baseScopes
	}
	if err := c.ensureScopes(ctx, scopes); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	conf, err := c.oauthConfig(c.token.Scopes)
	if err != nil {
		return nil, err
	}
	tok, err := conf.TokenSource(ctx, &c.token.Token).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh google token: %w", err)
	}
	if tok.AccessToken != c.token.AccessToken {
		c.token.Token = *tok
		if err := c.saveToken(); err != nil {
			c.logger.Warn(ctx, "failed to persist refreshed token", "error", err)
		}
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok)), nil
}

func (c *Client) requestJSON(ctx context.Context, method, rawURL string, params url.Values, body any, scopes []string) (map[string]any, error) {
	client, err := c.apiClient(ctx, scopes)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = strings.NewReader(string(raw))
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := string(raw)
		if len(text) > 500 {
			text = text[:500]
		}
		return nil, fmt.Errorf("google api %d: %s", resp.StatusCode, text)
	}

	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return map[string]any{}, nil
		}
	}
	return out, nil
}

// SearchEmails runs a Gmail query and returns lightweight summaries of
// the matching messages, most recent first.
func (c *Client) SearchEmails(ctx context.Context, query string, maxResults int) ([]MessageSummary, error) {
	if maxResults < 1 {
		maxResults = 1
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("maxResults", fmt.Sprint(maxResults))
	listURL := c.gmailBaseURL + "/gmail/v1/users/me/messages"
	c.logger.Debug(ctx, "gmail search", "query", query, "max_results", maxResults)

	resp, err := c.requestJSON(ctx, http.MethodGet, listURL, params, nil, nil)
	if err != nil {
		return nil, err
	}

	items, _ := resp["messages"].([]any)
	var out []MessageSummary
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := entry["id"].(string)
		if id == "" {
			continue
		}
		msg, err := c.GetMessage(ctx, id)
		if err != nil {
			c.logger.Warn(ctx, "failed to fetch message metadata", "id", id, "error", err)
			continue
		}
		out = append(out, *msg)
	}
	return out, nil
}

// GetMessage fetches one message's metadata and snippet.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*MessageSummary, error) {
	params := url.Values{}
	params.Set("format", "metadata")
	for _, h := range []string{"From", "To", "Subject", "Date"} {
		params.Add("metadataHeaders", h)
	}
	msgURL := c.gmailBaseURL + "/gmail/v1/users/me/messages/" + url.PathEscape(messageID)

	resp, err := c.requestJSON(ctx, http.MethodGet, msgURL, params, nil, nil)
	if err != nil {
		return nil, err
	}

	out := &MessageSummary{Headers: map[string]string{}}
	out.ID, _ = resp["id"].(string)
	out.ThreadID, _ = resp["threadId"].(string)
	out.Snippet, _ = resp["snippet"].(string)
	if payload, ok := resp["payload"].(map[string]any); ok {
		if headers, ok := payload["headers"].([]any); ok {
			for _, h := range headers {
				hdr, ok := h.(map[string]any)
				if !ok {
					continue
				}
				name, _ := hdr["name"].(string)
				value, _ := hdr["value"].(string)
				switch name {
				case "From", "To", "Subject", "Date":
					out.Headers[name] = value
				}
			}
		}
	}
	return out, nil
}

// SendOptions are the optional fields of SendEmail.
type SendOptions struct {
	CC   string
	BCC  string
	HTML bool
	From string
}

// SendEmail sends a message through Gmail and returns its ID.
func (c *Client) SendEmail(ctx context.Context, to, subject, body string, opts SendOptions) (string, error) {
	var msg strings.Builder
	if opts.From != "" {
		fmt.Fprintf(&msg, "From: %s\r\n", opts.From)
	}
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	if opts.CC != "" {
		fmt.Fprintf(&msg, "Cc: %s\r\n", opts.CC)
	}
	if opts.BCC != "" {
		fmt.Fprintf(&msg, "Bcc: %s\r\n", opts.BCC)
	}
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	contentType := "text/plain"
	if opts.HTML {
		contentType = "text/html"
	}
	fmt.Fprintf(&msg, "Content-Type: %s; charset=\"UTF-8\"\r\n", contentType)
	msg.WriteString("MIME-Version: 1.0\r\n\r\n")
	msg.WriteString(body)

	raw := base64.RawURLEncoding.EncodeToString([]byte(msg.String()))
	sendURL := c.gmailBaseURL + "/gmail/v1/users/me/messages/send"

	resp, err := c.requestJSON(ctx, http.MethodPost, sendURL, nil, map[string]any{"raw": raw}, nil)
	if err != nil {
		return "", err
	}
	id, _ := resp["id"].(string)
	return id, nil
}
