// Package dotdir finds the directory minesafe keeps its state in.
//
// A project can carry its own ./.minesafe/; otherwise ~/.minesafe/ is used.
// The directory holds:
//
//	config.toml       upstream, stream timeouts, storage and API settings
//	minesafe.sqlite   chat history when storage.driver is sqlite
//	session.json      the session "minesafe chat" resumes
//	serve.{lock,json,log}  run state of "minesafe serve"
//
// config.toml may hold the upstream API key and a Postgres DSN, so a
// directory created here is private to the user.
package dotdir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	dirName = ".minesafe"

	// DefaultSQLiteFile is the chat history database used when
	// storage.sqlite_path is unset.
	DefaultSQLiteFile = "minesafe.sqlite"

	dirPerm = 0o700
)

// Manager resolves the state directory.
type Manager struct{}

func NewManager() *Manager {
	return &Manager{}
}

// Target returns the absolute state directory, creating it when missing:
//  1. overrideDir (--config-dir) when set
//  2. ./.minesafe/ when it exists
//  3. ~/.minesafe/
//
// An existing directory keeps its permissions.
func (m *Manager) Target(overrideDir string) (string, error) {
	dir := overrideDir
	if dir == "" {
		var err error
		if dir, err = m.defaultDir(); err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("creating minesafe directory %s: %w", dir, err)
	}
	return filepath.Abs(dir)
}

// SQLitePath returns the chat history database: configured when set,
// otherwise DefaultSQLiteFile in the state directory.
func (m *Manager) SQLitePath(configured, overrideDir string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	dir, err := m.Target(overrideDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultSQLiteFile), nil
}

// defaultDir picks the project directory over the home one.
func (m *Manager) defaultDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	local := filepath.Join(cwd, dirName)
	if info, err := os.Stat(local); err == nil && info.IsDir() {
		return local, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, dirName), nil
}
