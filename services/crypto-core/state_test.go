package cryptocore

import (
	"errors"
	"testing"
)

func TestProtectedKeyExportImport(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	pk, derived, err := ProtectPrivateKey(kp, "correct horse", testParams())
	if err != nil {
		t.Fatalf("ProtectPrivateKey: %v", err)
	}
	restored, err := ImportProtectedKey(pk.Export())
	if err != nil {
		t.Fatalf("ImportProtectedKey: %v", err)
	}
	unlocked, err := restored.Unlock(derived)
	if err != nil {
		t.Fatalf("Unlock(restored): %v", err)
	}
	if unlocked != kp {
		t.Fatalf("restored key pair mismatch")
	}
}

func TestImportProtectedKeyRejectsBadState(t *testing.T) {
	kp, _ := GenerateKeyPair()
	pk, _, err := ProtectPrivateKey(kp, "pw", testParams())
	if err != nil {
		t.Fatalf("ProtectPrivateKey: %v", err)
	}
	state := pk.Export()

	badKey := state
	badKey.PublicKey = "AAAA"
	if _, err := ImportProtectedKey(badKey); err == nil {
		t.Fatalf("expected short public key to be rejected")
	}

	badParams := state
	badParams.Params.Memory = 1 << 30
	if _, err := ImportProtectedKey(badParams); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}

	empty := state
	empty.IV = ""
	if _, err := ImportProtectedKey(empty); err == nil {
		t.Fatalf("expected incomplete state error")
	}
}
