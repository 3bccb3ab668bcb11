package cryptocore

// KeyPair is a static X25519 device key pair. Keys stay the same for the
// lifetime of a device id.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// Argon2Params is stored next to every password-protected blob so unlocking
// uses the cost the blob was created with.
type Argon2Params struct {
	Time    uint32 `json:"t"` // iterations
	Memory  uint32 `json:"m"` // KiB
	Threads uint8  `json:"p"`
	KeyLen  uint32 `json:"k"`
	SaltLen uint32 `json:"s"`
}

// ProtectedKey is a private key encrypted under a password-derived key, the
// shape uploaded to the device directory as a backup.
type ProtectedKey struct {
	PublicKey  [32]byte
	Ciphertext []byte
	Salt       []byte
	IV         []byte
	Params     Argon2Params
}

const (
	envelopeVersion = 0x01
	nonceSize       = 24 // XChaCha20-Poly1305
	KeySize         = 32
)
