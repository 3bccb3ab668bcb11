package cryptocore

import (
	"bytes"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// DefaultArgon2Params is the policy used for new device registrations.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:    3,
		Memory:  64 * 1024, // 64 MiB
		Threads: 1,
		KeyLen:  KeySize,
		SaltLen: 16,
	}
}

// Validate bounds the cost so a tampered backup cannot make unlocking
// allocate unbounded memory.
func (p Argon2Params) Validate() error {
	switch {
	case p.Time == 0 || p.Time > 10:
		return fmt.Errorf("%w: time=%d", ErrInvalidParams, p.Time)
	case p.Memory < 8*1024 || p.Memory > 1024*1024:
		return fmt.Errorf("%w: memory=%d", ErrInvalidParams, p.Memory)
	case p.Threads == 0:
		return fmt.Errorf("%w: threads=0", ErrInvalidParams)
	case p.KeyLen != KeySize:
		return fmt.Errorf("%w: keyLen=%d", ErrInvalidParams, p.KeyLen)
	case p.SaltLen < 16:
		return fmt.Errorf("%w: saltLen=%d", ErrInvalidParams, p.SaltLen)
	}
	return nil
}

// DeriveKey stretches a password into a key-encryption key with argon2id.
func DeriveKey(password string, salt []byte, p Argon2Params) ([32]byte, error) {
	if password == "" {
		return [32]byte{}, ErrEmptyPassword
	}
	if err := p.Validate(); err != nil {
		return [32]byte{}, err
	}
	if uint32(len(salt)) < p.SaltLen {
		return [32]byte{}, fmt.Errorf("%w: salt too short", ErrInvalidParams)
	}
	raw := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	defer Wipe(raw)
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}

// SealKey encrypts a 32 byte key under wrappingKey and returns the
// ciphertext and the random IV separately.
func SealKey(key, wrappingKey [32]byte, ad []byte) (ciphertext, iv []byte, err error) {
	aead, err := chacha20poly1305.NewX(wrappingKey[:])
	if err != nil {
		return nil, nil, err
	}
	iv, err = RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, iv, key[:], ad), iv, nil
}

// OpenKey reverses SealKey.
func OpenKey(ciphertext, iv []byte, wrappingKey [32]byte, ad []byte) ([32]byte, error) {
	aead, err := chacha20poly1305.NewX(wrappingKey[:])
	if err != nil {
		return [32]byte{}, err
	}
	if len(iv) != aead.NonceSize() {
		return [32]byte{}, fmt.Errorf("%w: bad iv length", ErrDecryptionFailed)
	}
	plain, err := aead.Open(nil, iv, ciphertext, ad)
	if err != nil {
		return [32]byte{}, ErrDecryptionFailed
	}
	defer Wipe(plain)
	if len(plain) != KeySize {
		return [32]byte{}, ErrInvalidKeyLength
	}
	var out [32]byte
	copy(out[:], plain)
	return out, nil
}

// ProtectPrivateKey encrypts kp's private key under a fresh password-derived
// key. The derived key is returned so the caller can wrap it for silent
// unlock; callers must wipe it when done.
func ProtectPrivateKey(kp KeyPair, password string, p Argon2Params) (ProtectedKey, [32]byte, error) {
	salt, err := RandomBytes(int(p.SaltLen))
	if err != nil {
		return ProtectedKey{}, [32]byte{}, err
	}
	derived, err := DeriveKey(password, salt, p)
	if err != nil {
		return ProtectedKey{}, [32]byte{}, err
	}
	ct, iv, err := SealKey(kp.Private, derived, kp.Public[:])
	if err != nil {
		return ProtectedKey{}, [32]byte{}, err
	}
	return ProtectedKey{PublicKey: kp.Public, Ciphertext: ct, Salt: salt, IV: iv, Params: p}, derived, nil
}

// PasswordKey re-derives the key-encryption key for pk.
func (pk ProtectedKey) PasswordKey(password string) ([32]byte, error) {
	return DeriveKey(password, pk.Salt, pk.Params)
}

// Unlock decrypts the private key with an already derived key and checks it
// matches the recorded public key.
func (pk ProtectedKey) Unlock(derived [32]byte) (KeyPair, error) {
	priv, err := OpenKey(pk.Ciphertext, pk.IV, derived, pk.PublicKey[:])
	if err != nil {
		return KeyPair{}, err
	}
	pub, err := PublicKeyFor(priv)
	if err != nil {
		return KeyPair{}, err
	}
	if !bytes.Equal(pub[:], pk.PublicKey[:]) {
		Wipe(priv[:])
		return KeyPair{}, ErrDecryptionFailed
	}
	return KeyPair{Private: priv, Public: pub}, nil
}
