// Package identity reads and writes the locally persisted viewer identity:
// the auth token and user id issued by the DrivUp backend at login. There is
// no validation or refresh here; a missing or incomplete file is reported as
// ErrNotAuthenticated and callers degrade to an inline error.
package identity

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ErrNotAuthenticated is returned when no usable identity is on disk.
var ErrNotAuthenticated = errors.New("not authenticated: run 'unibusctl login' first")

// Identity is the persisted viewer identity.
type Identity struct {
	UserID int64  `toml:"user_id"`
	Token  string `toml:"token"`
}

// Load reads the identity for a profile. Returns ErrNotAuthenticated if the
// file is missing or does not carry a user id.
func Load(profile string) (*Identity, error) {
	var id Identity
	if _, err := toml.DecodeFile(CredentialsPath(profile), &id); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotAuthenticated
		}
		return nil, err
	}
	if id.UserID == 0 {
		return nil, ErrNotAuthenticated
	}
	return &id, nil
}

// Save persists the identity for a profile with 0600 permissions.
func Save(profile string, id *Identity) error {
	path := CredentialsPath(profile)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(id)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Clear removes the persisted identity. Missing file is not an error.
func Clear(profile string) error {
	err := os.Remove(CredentialsPath(profile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
