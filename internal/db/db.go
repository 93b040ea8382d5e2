// Package db opens the workspace-local sqlite database under .fleetradar/.
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".fleetradar"
	fileName     = "fleetradar.db"
)

// EnsureWorkspace creates the data directory for a workspace and returns it.
// An empty workspace means the current directory.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(defaultWorkspace(workspace), workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open ensures the data directory exists and opens its database. Foreign
// keys are enforced; WAL mode with a busy timeout lets the HTTP server and
// the CLI touch the same file.
func Open(workspace string) (*sql.DB, error) {
	dir, err := EnsureWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	dsn := "file:" + filepath.Join(dir, fileName) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	return sql.Open("sqlite", dsn)
}

// Path reports where the database lives for a workspace without creating
// anything.
func Path(workspace string) string {
	return filepath.Join(defaultWorkspace(workspace), workspaceDir, fileName)
}

func defaultWorkspace(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
