// Package identity tracks the signed-in user of this device. The session
// file is the source of truth: writing it signs in, removing it signs
// out, and a Watcher reports every transition.
package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	sessionDirPerm  = fs.FileMode(0o700)
	sessionFilePerm = fs.FileMode(0o600)
)

// Identity is a signed-in user and the API key the device syncs with.
type Identity struct {
	UserID string `yaml:"user_id"`
	APIKey string `yaml:"api_key"`
}

// Equal reports whether two possibly nil identities are the same.
func (id *Identity) Equal(other *Identity) bool {
	if id == nil || other == nil {
		return id == other
	}

	return *id == *other
}

// DefaultPath returns ~/.dash-sync/session.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".dash-sync", "session.yaml"), nil
}

// Read loads the session file. A missing file means signed out and
// returns nil without error.
func Read(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	var id Identity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parsing session file: %w", err)
	}

	if id.UserID == "" {
		return nil, fmt.Errorf("session file has no user_id")
	}

	if id.APIKey == "" {
		return nil, fmt.Errorf("session file has no api_key")
	}

	return &id, nil
}

// Write signs in by atomically replacing the session file.
func Write(path string, id Identity) error {
	if id.UserID == "" || id.APIKey == "" {
		return fmt.Errorf("user_id and api_key are required")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, sessionDirPerm); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	data, err := yaml.Marshal(id)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp session file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing session file: %w", err)
	}

	if err := tmp.Chmod(sessionFilePerm); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("setting session file permissions: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing session file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing session file: %w", err)
	}

	return nil
}

// Remove signs out. Removing an absent file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing session file: %w", err)
	}

	return nil
}
