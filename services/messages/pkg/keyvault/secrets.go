package keyvault

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cryptocore "secumsg/services/crypto-core"

	"github.com/google/uuid"
)

var ErrNoSecret = errors.New("keyvault: device secret not found")

// SecretStore keeps the per-install device secret that wraps the
// password-derived key. The secret never leaves the device.
type SecretStore interface {
	Load(userID string) ([32]byte, error)
	Save(userID string, secret [32]byte) error
	Delete(userID string) error
}

// FileSecrets stores one secret per user as a 0600 file under Dir.
type FileSecrets struct {
	Dir string
}

func (f FileSecrets) path(userID string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(userID))
	if err != nil {
		return "", fmt.Errorf("keyvault: bad user id: %w", err)
	}
	return filepath.Join(f.Dir, id.String()+".secret"), nil
}

func (f FileSecrets) Load(userID string) ([32]byte, error) {
	p, err := f.path(userID)
	if err != nil {
		return [32]byte{}, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return [32]byte{}, ErrNoSecret
	}
	if err != nil {
		return [32]byte{}, err
	}
	secret, err := cryptocore.DecodeKey(strings.TrimSpace(string(data)))
	if err != nil {
		return [32]byte{}, fmt.Errorf("keyvault: corrupt device secret: %w", err)
	}
	return secret, nil
}

func (f FileSecrets) Save(userID string, secret [32]byte) error {
	p, err := f.path(userID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(base64.StdEncoding.EncodeToString(secret[:])), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (f FileSecrets) Delete(userID string) error {
	p, err := f.path(userID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
