package cryptocore

import "errors"

var (
	ErrDecryptionFailed = errors.New("cryptocore: message authentication failed")
	ErrInvalidRemoteKey = errors.New("cryptocore: invalid remote public key")
	ErrInvalidKeyLength = errors.New("cryptocore: invalid key length")
	ErrInvalidParams    = errors.New("cryptocore: invalid kdf parameters")
	ErrEmptyPassword    = errors.New("cryptocore: empty password")
)
