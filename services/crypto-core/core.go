package cryptocore

import (
	"crypto/rand"
	"crypto/subtle"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
)

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests can
// substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic testing
// and returns a restore function that must be called when the test completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// RandomBytes returns n bytes from the package randomness source.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if err := readRandom(b); err != nil {
		return nil, err
	}
	return b, nil
}

// GenerateKeyPair creates a static X25519 device key pair.
func GenerateKeyPair() (KeyPair, error) {
	return generateX25519KeyPair()
}

// PublicKeyFor recomputes the public half of an X25519 private key.
func PublicKeyFor(private [32]byte) ([32]byte, error) {
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], pub)
	return out, nil
}

func generateX25519KeyPair() (KeyPair, error) {
	var priv [32]byte
	if err := readRandom(priv[:]); err != nil {
		return KeyPair{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := PublicKeyFor(priv)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}

var _ io.Reader = randReader{}
