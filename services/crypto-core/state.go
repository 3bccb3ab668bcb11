package cryptocore

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ProtectedKeyState is the base64 JSON form of a ProtectedKey, used on the
// wire to the device directory and in local vault records.
type ProtectedKeyState struct {
	PublicKey  string       `json:"publicKey"`
	Ciphertext string       `json:"encryptedPrivateKey"`
	Salt       string       `json:"kdfSalt"`
	IV         string       `json:"iv"`
	Params     Argon2Params `json:"kdfParams"`
}

func (pk ProtectedKey) Export() ProtectedKeyState {
	return ProtectedKeyState{
		PublicKey:  EncodeKey(pk.PublicKey),
		Ciphertext: base64.StdEncoding.EncodeToString(pk.Ciphertext),
		Salt:       base64.StdEncoding.EncodeToString(pk.Salt),
		IV:         base64.StdEncoding.EncodeToString(pk.IV),
		Params:     pk.Params,
	}
}

func ImportProtectedKey(state ProtectedKeyState) (ProtectedKey, error) {
	pub, err := DecodeKey(state.PublicKey)
	if err != nil {
		return ProtectedKey{}, fmt.Errorf("cryptocore: decode public key: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(state.Ciphertext)
	if err != nil {
		return ProtectedKey{}, fmt.Errorf("cryptocore: decode encrypted private key: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(state.Salt)
	if err != nil {
		return ProtectedKey{}, fmt.Errorf("cryptocore: decode salt: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(state.IV)
	if err != nil {
		return ProtectedKey{}, fmt.Errorf("cryptocore: decode iv: %w", err)
	}
	if len(ct) == 0 || len(salt) == 0 || len(iv) == 0 {
		return ProtectedKey{}, errors.New("cryptocore: incomplete protected key")
	}
	if err := state.Params.Validate(); err != nil {
		return ProtectedKey{}, err
	}
	return ProtectedKey{PublicKey: pub, Ciphertext: ct, Salt: salt, IV: iv, Params: state.Params}, nil
}

// EncodeKey renders a 32 byte key as standard base64.
func EncodeKey(k [32]byte) string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// DecodeKey parses a base64 32 byte key.
func DecodeKey(s string) ([32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	if len(raw) != KeySize {
		return [32]byte{}, ErrInvalidKeyLength
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}
