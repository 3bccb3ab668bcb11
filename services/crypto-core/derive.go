package cryptocore

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoPairwise = "SecuMSG-Pairwise-v1"

// DeriveSharedSecret runs X25519 between a local private key and a remote
// device's public key and stretches the result with HKDF-SHA256. Both sides of
// a device pair compute the same secret.
func DeriveSharedSecret(localPrivate, remotePublic [32]byte) ([32]byte, error) {
	dh, err := curve25519.X25519(localPrivate[:], remotePublic[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrInvalidRemoteKey, err)
	}
	defer Wipe(dh)

	var out [32]byte
	hk := hkdf.New(sha256.New, dh, nil, []byte(hkdfInfoPairwise))
	if _, err := io.ReadFull(hk, out[:]); err != nil {
		return [32]byte{}, err
	}
	return out, nil
}

type cachedSecret struct {
	remotePublic [32]byte
	secret       [32]byte
}

// SecretCache memoizes shared secrets per remote device for one session. An
// entry is dropped as soon as the same device id shows up with a different
// public key.
type SecretCache struct {
	mu      sync.Mutex
	entries map[string]cachedSecret
}

func NewSecretCache() *SecretCache {
	return &SecretCache{entries: make(map[string]cachedSecret)}
}

// Get returns the cached secret for deviceID or computes it with derive.
func (c *SecretCache) Get(deviceID string, remotePublic [32]byte, derive func([32]byte) ([32]byte, error)) ([32]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[deviceID]; ok {
		if e.remotePublic == remotePublic {
			return e.secret, nil
		}
		Wipe(e.secret[:])
		delete(c.entries, deviceID)
	}
	secret, err := derive(remotePublic)
	if err != nil {
		return [32]byte{}, err
	}
	c.entries[deviceID] = cachedSecret{remotePublic: remotePublic, secret: secret}
	return secret, nil
}

func (c *SecretCache) Invalidate(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[deviceID]; ok {
		Wipe(e.secret[:])
		delete(c.entries, deviceID)
	}
}

func (c *SecretCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear wipes every cached secret.
func (c *SecretCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		Wipe(e.secret[:])
		delete(c.entries, id)
	}
}
