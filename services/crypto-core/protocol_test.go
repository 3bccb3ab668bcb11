package cryptocore

import (
	"bytes"
	"errors"
	"testing"
)

func deterministicReader(size int) *bytes.Reader {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return bytes.NewReader(buf)
}

func testParams() Argon2Params {
	return Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: KeySize, SaltLen: 16}
}

func mustPair(t *testing.T) KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return kp
}

func TestSharedSecretIsSymmetric(t *testing.T) {
	alice, bob := mustPair(t), mustPair(t)

	ab, err := DeriveSharedSecret(alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("alice derive: %v", err)
	}
	ba, err := DeriveSharedSecret(bob.Private, alice.Public)
	if err != nil {
		t.Fatalf("bob derive: %v", err)
	}
	if ab != ba {
		t.Fatalf("shared secrets differ")
	}

	carol := mustPair(t)
	ac, err := DeriveSharedSecret(alice.Private, carol.Public)
	if err != nil {
		t.Fatalf("carol derive: %v", err)
	}
	if ac == ab {
		t.Fatalf("distinct peers produced the same secret")
	}
}

func TestDeriveRejectsLowOrderKey(t *testing.T) {
	alice := mustPair(t)
	if _, err := DeriveSharedSecret(alice.Private, [32]byte{}); !errors.Is(err, ErrInvalidRemoteKey) {
		t.Fatalf("expected ErrInvalidRemoteKey, got %v", err)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	alice, bob := mustPair(t), mustPair(t)
	secret, err := DeriveSharedSecret(alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	for _, msg := range [][]byte{nil, []byte("hello"), bytes.Repeat([]byte{0xAB}, 4096)} {
		env, err := Seal(msg, secret)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		got, err := Open(env, secret)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("round trip mismatch: got %q want %q", got, msg)
		}
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	var secret [32]byte
	a, err := Seal([]byte("same"), secret)
	if err != nil {
		t.Fatalf("seal a: %v", err)
	}
	b, err := Seal([]byte("same"), secret)
	if err != nil {
		t.Fatalf("seal b: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two seals of the same plaintext produced identical envelopes")
	}
}

func TestSealDeterministicWithFixedRandom(t *testing.T) {
	var secret [32]byte
	secret[0] = 7

	restore := UseDeterministicRandom(deterministicReader(64))
	first, err := Seal([]byte("hello bob"), secret)
	restore()
	if err != nil {
		t.Fatalf("seal first: %v", err)
	}
	restore = UseDeterministicRandom(deterministicReader(64))
	second, err := Seal([]byte("hello bob"), secret)
	restore()
	if err != nil {
		t.Fatalf("seal second: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("deterministic randomness should give identical envelopes")
	}
	wantNonce := make([]byte, nonceSize)
	for i := range wantNonce {
		wantNonce[i] = byte(i)
	}
	if first[0] != envelopeVersion || !bytes.Equal(first[1:1+nonceSize], wantNonce) {
		t.Fatalf("unexpected envelope header: %x", first[:1+nonceSize])
	}
}

func TestOpenDetectsEveryBitFlip(t *testing.T) {
	var secret [32]byte
	secret[5] = 1
	env, err := Seal([]byte("tamper me"), secret)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	for i := 0; i < len(env)*8; i++ {
		mutated := append([]byte(nil), env...)
		mutated[i/8] ^= 1 << (i % 8)
		if _, err := Open(mutated, secret); !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("bit %d: expected ErrDecryptionFailed, got %v", i, err)
		}
	}
}

func TestOpenWithWrongSecretFails(t *testing.T) {
	var good, bad [32]byte
	bad[0] = 1
	env, err := Seal([]byte("x"), good)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(env, bad); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
	if _, err := Open(env[:10], good); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for short envelope, got %v", err)
	}
}

func TestSecretCacheInvalidatesOnKeyChange(t *testing.T) {
	alice := mustPair(t)
	bob1, bob2 := mustPair(t), mustPair(t)
	cache := NewSecretCache()
	calls := 0
	derive := func(pub [32]byte) ([32]byte, error) {
		calls++
		return DeriveSharedSecret(alice.Private, pub)
	}

	s1, err := cache.Get("bob-device", bob1.Public, derive)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := cache.Get("bob-device", bob1.Public, derive); err != nil {
		t.Fatalf("get cached: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 derivation, got %d", calls)
	}

	s2, err := cache.Get("bob-device", bob2.Public, derive)
	if err != nil {
		t.Fatalf("get after key change: %v", err)
	}
	if calls != 2 || s1 == s2 {
		t.Fatalf("cache did not re-derive after key change (calls=%d)", calls)
	}

	cache.Invalidate("bob-device")
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache after invalidate")
	}
}

func TestProtectAndUnlockPrivateKey(t *testing.T) {
	kp := mustPair(t)
	pk, derived, err := ProtectPrivateKey(kp, "hunter2", testParams())
	if err != nil {
		t.Fatalf("protect: %v", err)
	}

	again, err := pk.PasswordKey("hunter2")
	if err != nil {
		t.Fatalf("password key: %v", err)
	}
	if again != derived {
		t.Fatalf("password key not reproducible")
	}
	got, err := pk.Unlock(again)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if got != kp {
		t.Fatalf("unlocked key mismatch")
	}

	wrong, err := pk.PasswordKey("hunter3")
	if err != nil {
		t.Fatalf("password key (wrong): %v", err)
	}
	if _, err := pk.Unlock(wrong); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for wrong password, got %v", err)
	}

	if _, err := pk.PasswordKey(""); !errors.Is(err, ErrEmptyPassword) {
		t.Fatalf("expected ErrEmptyPassword, got %v", err)
	}
}

func TestWrapKeyUnderDeviceSecret(t *testing.T) {
	var derived, deviceSecret, other [32]byte
	derived[0], deviceSecret[1], other[2] = 1, 2, 3

	ct, iv, err := SealKey(derived, deviceSecret, nil)
	if err != nil {
		t.Fatalf("seal key: %v", err)
	}
	got, err := OpenKey(ct, iv, deviceSecret, nil)
	if err != nil {
		t.Fatalf("open key: %v", err)
	}
	if got != derived {
		t.Fatalf("unwrapped key mismatch")
	}
	if _, err := OpenKey(ct, iv, other, nil); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestArgon2ParamsValidate(t *testing.T) {
	if err := DefaultArgon2Params().Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}
	bad := []Argon2Params{
		{Time: 0, Memory: 64 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16},
		{Time: 3, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16},
		{Time: 3, Memory: 64 * 1024, Threads: 0, KeyLen: 32, SaltLen: 16},
		{Time: 3, Memory: 64 * 1024, Threads: 1, KeyLen: 16, SaltLen: 16},
		{Time: 3, Memory: 64 * 1024, Threads: 1, KeyLen: 32, SaltLen: 8},
	}
	for i, p := range bad {
		if err := p.Validate(); !errors.Is(err, ErrInvalidParams) {
			t.Fatalf("case %d: expected ErrInvalidParams, got %v", i, err)
		}
	}
}
