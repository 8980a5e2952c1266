package security

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfari/surfari/internal/llm"
	"github.com/surfari/surfari/internal/observability"
)

func newTestManager(t *testing.T) (*CredentialManager, string) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	root := t.TempDir()
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	m, err := NewCredentialManager(root, logger)
	require.NoError(t, err)
	return m, root
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)

	blob, err := m.encrypt("hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "hunter2")

	plain, err := m.decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	empty, err := m.encrypt("")
	require.NoError(t, err)
	assert.Nil(t, empty)
	plain, err = m.decrypt(nil)
	require.NoError(t, err)
	assert.Equal(t, "", plain)
}

func TestKeyFilePersists(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})

	m1, err := NewCredentialManager(t.TempDir(), logger)
	require.NoError(t, err)
	blob, err := m1.encrypt("secret")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(home, ".surfari", "key_string"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A second manager loads the same key and can decrypt.
	m2, err := NewCredentialManager(t.TempDir(), logger)
	require.NoError(t, err)
	plain, err := m2.decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "secret", plain)
}

func TestSaveAndGetCredentials(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SaveCredentials(ctx, "My Bank", "https://bank.example.com", "alice", "pw1"))
	require.NoError(t, m.SaveCredentials(ctx, "My Broker", "https://broker.example.com", "bob", "pw2"))

	cred, err := m.GetCredentials(ctx, "My Bank")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "alice", cred.Username)
	assert.Equal(t, "pw1", cred.Password)
	assert.Equal(t, "https://bank.example.com", cred.URL)

	// Upsert replaces.
	require.NoError(t, m.SaveCredentials(ctx, "My Bank", "https://bank.example.com/login", "alice2", "pw3"))
	cred, err = m.GetCredentials(ctx, "My Bank")
	require.NoError(t, err)
	assert.Equal(t, "alice2", cred.Username)
	assert.Equal(t, "https://bank.example.com/login", cred.URL)

	missing, err := m.GetCredentials(ctx, "Nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	sites, err := m.ListSites(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"My Bank", "My Broker"}, sites)
}

func TestLoadSiteSecrets(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SaveCredentials(ctx, "My Bank", "https://bank.example.com", "alice", "pw1"))
	cred, err := m.GetCredentials(ctx, "My Bank")
	require.NoError(t, err)

	secrets, err := m.LoadSiteSecrets(ctx, cred.SiteID)
	require.NoError(t, err)
	assert.Equal(t, "alice", secrets[UsernamePlaceholder])
	assert.Equal(t, "pw1", secrets[PasswordPlaceholder])
	assert.Equal(t, "My Bank", secrets["SiteName"])

	empty, err := m.LoadSiteSecrets(ctx, 9999)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFindSiteByName(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SaveCredentials(ctx, "First National Bank", "https://fnb.example.com", "u", "p"))
	require.NoError(t, m.SaveCredentials(ctx, "Acme Brokerage", "https://acme.example.com", "u", "p"))

	info, err := m.FindSiteByName(ctx, "first national bank", 0.9)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "First National Bank", info.SiteName)

	info, err = m.FindSiteByName(ctx, "first nationl bank", 0.9)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "First National Bank", info.SiteName)

	info, err = m.FindSiteByName(ctx, "totally different", 0.9)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestDeleteSite(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SaveCredentials(ctx, "My Bank", "https://bank.example.com", "u", "p"))
	require.NoError(t, m.DeleteSite(ctx, "My Bank"))
	cred, err := m.GetCredentials(ctx, "My Bank")
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestRunStatsInsert(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	root := t.TempDir()
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	store := NewRunStatsStore(root, logger)

	stats := map[string]llm.PurposeStats{
		"navigation": {PromptTokenCount: 1000, CandidatesTokenCount: 200, TotalTokenCount: 1200},
	}
	require.NoError(t, store.Insert(context.Background(), "gemini-2.0-flash", stats, 0.10, 0.40))

	db, err := openDB(root)
	require.NoError(t, err)
	defer db.Close()

	var agentName string
	var totalCost float64
	row := db.QueryRow(`SELECT agent_name, total_llm_cost FROM agent_run_stats`)
	require.NoError(t, row.Scan(&agentName, &totalCost))
	assert.Equal(t, "navigation", agentName)
	assert.InDelta(t, 1000*0.10/1e6+200*0.40/1e6, totalCost, 1e-9)
}
