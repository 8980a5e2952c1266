package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newAPIClient points a client at a fake Google API server, bypassing
// OAuth entirely.
func newAPIClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(t.TempDir(), testLogger())
	c.httpClient = srv.Client()
	c.gmailBaseURL = srv.URL
	c.sheetsBaseURL = srv.URL
	return c
}

func TestSearchEmails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "from:me subject:OTP", r.URL.Query().Get("q"))
		assert.Equal(t, "5", r.URL.Query().Get("maxResults"))
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []any{
				map[string]any{"id": "m1"},
				map[string]any{"id": "m2"},
			},
		})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
		assert.Equal(t, "metadata", r.URL.Query().Get("format"))
		json.NewEncoder(w).Encode(map[string]any{
			"id":       id,
			"threadId": "t-" + id,
			"snippet":  "snippet " + id,
			"payload": map[string]any{
				"headers": []any{
					map[string]any{"name": "Subject", "value": "Code for " + id},
					map[string]any{"name": "From", "value": "me@example.com"},
					map[string]any{"name": "X-Ignored", "value": "x"},
				},
			},
		})
	})

	c := newAPIClient(t, mux)
	messages, err := c.SearchEmails(context.Background(), "from:me subject:OTP", 5)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, "t-m1", messages[0].ThreadID)
	assert.Equal(t, "snippet m1", messages[0].Snippet)
	assert.Equal(t, "Code for m1", messages[0].Headers["Subject"])
	assert.Equal(t, "me@example.com", messages[0].Headers["From"])
	assert.NotContains(t, messages[0].Headers, "X-Ignored")
}

func TestSearchEmailsAPIError(t *testing.T) {
	c := newAPIClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	_, err := c.SearchEmails(context.Background(), "q", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestSendEmail(t *testing.T) {
	var captured map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{"id": "sent-1"})
	})

	c := newAPIClient(t, mux)
	id, err := c.SendEmail(context.Background(), "to@example.com", "Hi there", "hello body",
		SendOptions{CC: "cc@example.com", HTML: false})
	require.NoError(t, err)
	assert.Equal(t, "sent-1", id)

	rawEncoded, _ := captured["raw"].(string)
	raw, err := base64.RawURLEncoding.DecodeString(rawEncoded)
	require.NoError(t, err)
	msg := string(raw)
	assert.Contains(t, msg, "To: to@example.com\r\n")
	assert.Contains(t, msg, "Cc: cc@example.com\r\n")
	assert.Contains(t, msg, "Subject: Hi there\r\n")
	assert.Contains(t, msg, "Content-Type: text/plain")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\nhello body"))
}

func TestSheetsReadToJSON(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v4/spreadsheets/sheet-1/values/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"values": []any{
				[]any{"Name", "Amount"},
				[]any{"alice", "10"},
				[]any{"bob"},
			},
		})
	})

	c := newAPIClient(t, mux)
	data, err := c.SheetsReadToJSON(context.Background(), "sheet-1", "Sheet1!A1:B3")
	require.NoError(t, err)
	assert.Equal(t, []string{"Name", "Amount"}, data.Columns)
	require.Len(t, data.Rows, 2)
	assert.Equal(t, "alice", data.Rows[0]["Name"])
	assert.Equal(t, "10", data.Rows[0]["Amount"])
	// Short rows pad with empty strings.
	assert.Equal(t, "", data.Rows[1]["Amount"])
}

func TestSheetsCreateFromJSON(t *testing.T) {
	var updateBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v4/spreadsheets", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"spreadsheetId": "new-sheet"})
	})
	mux.HandleFunc("/v4/spreadsheets/new-sheet/values/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "USER_ENTERED", r.URL.Query().Get("valueInputOption"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&updateBody))
		json.NewEncoder(w).Encode(map[string]any{})
	})

	c := newAPIClient(t, mux)
	id, err := c.SheetsCreateFromJSON(context.Background(), "Report", []map[string]any{
		{"name": "alice", "amount": 10},
		{"name": "bob"},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "new-sheet", id)

	values, _ := updateBody["values"].([]any)
	require.Len(t, values, 3)
	header, _ := values[0].([]any)
	assert.Equal(t, []any{"amount", "name"}, header)
	row2, _ := values[2].([]any)
	// Missing keys fill with empty strings.
	assert.Equal(t, []any{"", "bob"}, row2)
}

func TestStoredTokenRoundTrip(t *testing.T) {
	c := NewClient(t.TempDir(), testLogger())
	c.token = &storedToken{Scopes: []string{gmailScopeReadonly}}
	c.token.AccessToken = "abc"
	c.token.RefreshToken = "def"
	require.NoError(t, c.saveToken())

	c2 := NewClient(c.projectRoot, testLogger())
	c2.loadToken()
	require.NotNil(t, c2.token)
	assert.Equal(t, "abc", c2.token.AccessToken)
	assert.Equal(t, []string{gmailScopeReadonly}, c2.token.Scopes)
	assert.True(t, scopesCover(c2.token.Scopes, []string{gmailScopeReadonly}))
	assert.False(t, scopesCover(c2.token.Scopes, baseScopes))
}
