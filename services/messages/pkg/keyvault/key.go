package keyvault

import (
	"sync"

	cryptocore "secumsg/services/crypto-core"
)

// Key is an unlocked device key pair. The private half is only reachable
// through SharedSecret.
type Key struct {
	mu        sync.Mutex
	userID    string
	deviceID  string
	pair      cryptocore.KeyPair
	destroyed bool
}

func (k *Key) PublicKey() [32]byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pair.Public
}

func (k *Key) DeviceID() string { return k.deviceID }

func (k *Key) UserID() string { return k.userID }

// SharedSecret derives the pairwise secret with a remote device.
func (k *Key) SharedSecret(remotePublic [32]byte) ([32]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return [32]byte{}, ErrKeyUnavailable
	}
	return cryptocore.DeriveSharedSecret(k.pair.Private, remotePublic)
}

// Destroy wipes the private key. Later SharedSecret calls fail.
func (k *Key) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	cryptocore.Wipe(k.pair.Private[:])
	k.destroyed = true
}
