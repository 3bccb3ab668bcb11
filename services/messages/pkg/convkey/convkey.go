// Package convkey derives the stable identifier of a two-party conversation.
package convkey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	prefix = "c_"
	domain = "secumsg-conv-v1"
)

var ErrInvalid = errors.New("convkey: invalid conversation key")

// Derive returns the conversation key for the unordered pair (a, b), scoped to
// listingID. A plain two-user thread uses an empty listingID. Swapping a and b
// yields the same key.
func Derive(a, b uuid.UUID, listingID string) string {
	lo, hi := a, b
	if bytes.Compare(lo[:], hi[:]) > 0 {
		lo, hi = hi, lo
	}
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write(lo[:])
	h.Write(hi[:])
	h.Write([]byte(strings.TrimSpace(listingID)))
	sum := h.Sum(nil)
	return prefix + hex.EncodeToString(sum[:16])
}

// Validate checks the textual shape of a conversation key.
func Validate(key string) error {
	if len(key) != len(prefix)+32 || !strings.HasPrefix(key, prefix) {
		return ErrInvalid
	}
	if _, err := hex.DecodeString(key[len(prefix):]); err != nil {
		return ErrInvalid
	}
	if strings.ToLower(key) != key {
		return ErrInvalid
	}
	return nil
}
