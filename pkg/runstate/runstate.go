// Package runstate records the API server started by "minesafe serve" in
// the .minesafe/ directory so other commands can find it.
package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/papercomputeco/minesafe/pkg/dotdir"
)

const (
	stateFileName = "serve.json"
	logFileName   = "serve.log"
	lockFileName  = "serve.lock"
	stateVersion  = 1
)

// ErrRunning is returned by TryLock when another server holds the lock.
var ErrRunning = errors.New("a minesafe server is already running for this directory")

// State describes a running server.
type State struct {
	Version   int       `json:"version"`
	PID       int       `json:"pid"`
	APIURL    string    `json:"api_url"`
	Model     string    `json:"model"`
	Storage   string    `json:"storage"`
	LogPath   string    `json:"log_path"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Alive reports whether the recorded process still exists.
func (s *State) Alive() bool {
	if s == nil || s.PID <= 0 {
		return false
	}
	err := syscall.Kill(s.PID, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

type Manager struct {
	Dir       string
	StatePath string
	LogPath   string
	LockPath  string
}

// Lock is the held server lock.
type Lock struct {
	flock *flock.Flock
}

func NewManager(configDir string) (*Manager, error) {
	dir, err := dotdir.NewManager().Target(configDir)
	if err != nil {
		return nil, err
	}

	return &Manager{
		Dir:       dir,
		StatePath: filepath.Join(dir, stateFileName),
		LogPath:   filepath.Join(dir, logFileName),
		LockPath:  filepath.Join(dir, lockFileName),
	}, nil
}

// TryLock takes the server lock without waiting.
func (m *Manager) TryLock() (*Lock, error) {
	fl := flock.New(m.LockPath, flock.SetPermissions(0o600))

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking serve file: %w", err)
	}
	if !locked {
		return nil, ErrRunning
	}

	return &Lock{flock: fl}, nil
}

// Release drops the lock. It is safe on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.flock == nil {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("unlocking serve file: %w", err)
	}
	return nil
}

func (m *Manager) LoadState() (*State, error) {
	data, err := os.ReadFile(m.StatePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading serve state: %w", err)
	}

	state := &State{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parsing serve state: %w", err)
	}

	return state, nil
}

// RunningState returns the recorded state if its process is alive.
func (m *Manager) RunningState() (*State, error) {
	state, err := m.LoadState()
	if err != nil || !state.Alive() {
		return nil, err
	}
	return state, nil
}

// SaveState atomically replaces the state file.
func (m *Manager) SaveState(state *State) error {
	if state == nil {
		return errors.New("cannot save nil state")
	}
	if state.Version == 0 {
		state.Version = stateVersion
	}
	state.UpdatedAt = time.Now()
	if state.LogPath == "" {
		state.LogPath = m.LogPath
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling serve state: %w", err)
	}

	tmpFile, err := os.CreateTemp(m.Dir, "serve-state-*.json")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}

	if err := tmpFile.Chmod(0o600); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp state file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), m.StatePath); err != nil {
		return fmt.Errorf("persisting state file: %w", err)
	}

	return nil
}

func (m *Manager) ClearState() error {
	if err := os.Remove(m.StatePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("removing serve state: %w", err)
	}
	return nil
}
