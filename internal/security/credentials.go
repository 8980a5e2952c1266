// Package security holds the encrypted site credential store and the
// per-run usage accounting that persists next to it.
package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/surfari/surfari/internal/distill"
	"github.com/surfari/surfari/internal/observability"
)

// Placeholder values the model uses to request stored credentials.
const (
	UsernamePlaceholder = "UsernameAssistant"
	PasswordPlaceholder = "PasswordAssistant"
)

// Credential is one decrypted credential row.
type Credential struct {
	SiteID   int    `json:"site_id"`
	SiteName string `json:"site_name"`
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// SiteInfo identifies a stored site without exposing its secrets.
type SiteInfo struct {
	SiteID   int    `json:"site_id"`
	SiteName string `json:"site_name"`
	URL      string `json:"url"`
}

// CredentialManager encrypts credentials at rest with AES-256-GCM. The key
// lives in ~/.surfari/key_string (mode 0600) and is created on first use.
type CredentialManager struct {
	projectRoot string
	logger      *observability.Logger
	aead        cipher.AEAD
}

// NewCredentialManager loads or creates the encryption key and returns a
// ready manager.
func NewCredentialManager(projectRoot string, logger *observability.Logger) (*CredentialManager, error) {
	key, err := loadOrCreateKey()
	if err != nil {
		return nil, fmt.Errorf("load encryption key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &CredentialManager{
		projectRoot: projectRoot,
		logger:      logger.WithComponent("security"),
		aead:        aead,
	}, nil
}

func keyFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".surfari", "key_string"), nil
}

func loadOrCreateKey() ([]byte, error) {
	path, err := keyFilePath()
	if err != nil {
		return nil, err
	}
	if raw, err := os.ReadFile(path); err == nil {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(key) != 32 {
			return nil, errors.New("key file is corrupt")
		}
		return key, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func (m *CredentialManager) encrypt(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return m.aead.Seal(nonce, nonce, []byte(value), nil), nil
}

func (m *CredentialManager) decrypt(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	if len(blob) < m.aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := blob[:m.aead.NonceSize()], blob[m.aead.NonceSize():]
	plain, err := m.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (m *CredentialManager) initSchema(ctx context.Context) error {
	db, err := openDB(m.projectRoot)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS credentials (
			site_id INTEGER NOT NULL UNIQUE PRIMARY KEY AUTOINCREMENT,
			site_name TEXT NOT NULL UNIQUE,
			url TEXT NOT NULL,
			encrypted_username BLOB,
			encrypted_password BLOB
		)`)
	return err
}

// SaveCredentials inserts or replaces the credential for a site.
func (m *CredentialManager) SaveCredentials(ctx context.Context, siteName, url, username, password string) error {
	if err := m.initSchema(ctx); err != nil {
		return err
	}
	encUser, err := m.encrypt(username)
	if err != nil {
		return err
	}
	encPass, err := m.encrypt(password)
	if err != nil {
		return err
	}

	db, err := openDB(m.projectRoot)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO credentials (site_name, url, encrypted_username, encrypted_password)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(site_name) DO UPDATE SET
			url = excluded.url,
			encrypted_username = excluded.encrypted_username,
			encrypted_password = excluded.encrypted_password`,
		siteName, url, encUser, encPass)
	return err
}

// GetCredentials returns the decrypted credential for a site, or nil when
// the site is unknown.
func (m *CredentialManager) GetCredentials(ctx context.Context, siteName string) (*Credential, error) {
	db, err := openDB(m.projectRoot)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx, `
		SELECT site_id, url, encrypted_username, encrypted_password
		FROM credentials WHERE site_name = ?`, siteName)

	var cred Credential
	var encUser, encPass []byte
	if err := row.Scan(&cred.SiteID, &cred.URL, &encUser, &encPass); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cred.SiteName = siteName
	if cred.Username, err = m.decrypt(encUser); err != nil {
		return nil, err
	}
	if cred.Password, err = m.decrypt(encPass); err != nil {
		return nil, err
	}
	return &cred, nil
}

// ListSites returns all stored site names.
func (m *CredentialManager) ListSites(ctx context.Context) ([]string, error) {
	db, err := openDB(m.projectRoot)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT DISTINCT site_name FROM credentials ORDER BY site_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		sites = append(sites, name)
	}
	return sites, rows.Err()
}

// LoadSiteSecrets returns the secret substitution map for a site: the
// decrypted username and password keyed by their placeholders, plus the
// site name and URL.
func (m *CredentialManager) LoadSiteSecrets(ctx context.Context, siteID int) (map[string]string, error) {
	db, err := openDB(m.projectRoot)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx, `
		SELECT site_name, url, encrypted_username, encrypted_password
		FROM credentials WHERE site_id = ?`, siteID)

	var siteName, url string
	var encUser, encPass []byte
	if err := row.Scan(&siteName, &url, &encUser, &encPass); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]string{}, nil
		}
		return nil, err
	}

	username, err := m.decrypt(encUser)
	if err != nil {
		m.logger.Warn(ctx, "failed to decrypt credentials", "site_id", siteID, "error", err)
		return map[string]string{}, nil
	}
	password, err := m.decrypt(encPass)
	if err != nil {
		m.logger.Warn(ctx, "failed to decrypt credentials", "site_id", siteID, "error", err)
		return map[string]string{}, nil
	}

	return map[string]string{
		UsernamePlaceholder: username,
		PasswordPlaceholder: password,
		"SiteName":          siteName,
		"URL":               url,
	}, nil
}

// DeleteSite removes a site's credential.
func (m *CredentialManager) DeleteSite(ctx context.Context, siteName string) error {
	db, err := openDB(m.projectRoot)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, `DELETE FROM credentials WHERE site_name = ?`, siteName)
	return err
}

// FindSiteByName fuzzy-matches a site name case-insensitively and returns
// the best match at or above cutoff, or nil.
func (m *CredentialManager) FindSiteByName(ctx context.Context, query string, cutoff float64) (*SiteInfo, error) {
	db, err := openDB(m.projectRoot)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT site_id, site_name, url FROM credentials`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var best *SiteInfo
	bestRatio := cutoff
	queryLower := strings.ToLower(query)
	for rows.Next() {
		var info SiteInfo
		if err := rows.Scan(&info.SiteID, &info.SiteName, &info.URL); err != nil {
			return nil, err
		}
		ratio := distill.SequenceRatio(queryLower, strings.ToLower(info.SiteName))
		if ratio >= bestRatio {
			bestRatio = ratio
			copied := info
			best = &copied
		}
	}
	return best, rows.Err()
}
