package cryptocore

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Seal encrypts plaintext for one recipient device. The envelope layout is
// version(1) || nonce(24) || ciphertext || tag(16); the version and nonce are
// authenticated as associated data.
func Seal(plaintext []byte, secret [32]byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(secret[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if err := readRandom(nonce); err != nil {
		return nil, err
	}
	header := append([]byte{envelopeVersion}, nonce...)
	out := make([]byte, len(header), len(header)+len(plaintext)+aead.Overhead())
	copy(out, header)
	return aead.Seal(out, nonce, plaintext, header), nil
}

// Open reverses Seal. Any malformed or tampered envelope yields
// ErrDecryptionFailed.
func Open(envelope []byte, secret [32]byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(secret[:])
	if err != nil {
		return nil, err
	}
	if len(envelope) < 1+nonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: envelope too short", ErrDecryptionFailed)
	}
	if envelope[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: unknown envelope version %d", ErrDecryptionFailed, envelope[0])
	}
	header := envelope[:1+nonceSize]
	plaintext, err := aead.Open(nil, envelope[1:1+nonceSize], envelope[1+nonceSize:], header)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
