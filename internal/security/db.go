package security

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// openDB opens the credential database under projectRoot/security. A _dev
// database takes precedence so development runs never touch real
// credentials. Connections are opened per operation and closed by the
// caller; sqlite handles locking.
func openDB(projectRoot string) (*sql.DB, error) {
	return OpenDatabase(projectRoot)
}

// OpenDatabase opens the shared sqlite database used for credentials, run
// stats, and task recordings.
func OpenDatabase(projectRoot string) (*sql.DB, error) {
	dir := filepath.Join(projectRoot, "security")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "credentials_dev.db")
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(dir, "credentials.db")
	}
	return sql.Open("sqlite3", path)
}
