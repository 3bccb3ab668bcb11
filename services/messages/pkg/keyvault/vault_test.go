package keyvault_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	cryptocore "secumsg/services/crypto-core"
	"secumsg/services/messages/pkg/keyvault"
	"secumsg/services/messages/pkg/localstore"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var testParams = cryptocore.Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

type fakeDirectory struct {
	mu      sync.Mutex
	devices map[string]keyvault.Registration
	keys    []string
	failing bool
}

func newDirectory() *fakeDirectory {
	return &fakeDirectory{devices: make(map[string]keyvault.Registration)}
}

func (d *fakeDirectory) RegisterDevice(_ context.Context, idemKey string, reg keyvault.Registration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failing {
		return errors.New("directory offline")
	}
	d.keys = append(d.keys, idemKey)
	d.devices[reg.DeviceID] = reg
	return nil
}

func (d *fakeDirectory) FetchBackup(_ context.Context, deviceID string) (cryptocore.ProtectedKeyState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.devices[deviceID]
	if !ok {
		return cryptocore.ProtectedKeyState{}, keyvault.ErrNoBackup
	}
	return reg.ProtectedKeyState, nil
}

type install struct {
	store   *localstore.Store
	secrets keyvault.FileSecrets
	vault   *keyvault.Vault
}

func newInstall(t *testing.T, dir *fakeDirectory) install {
	t.Helper()
	root := t.TempDir()
	st, err := localstore.Open(context.Background(), filepath.Join(root, "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	secrets := keyvault.FileSecrets{Dir: filepath.Join(root, "secrets")}
	return install{
		store:   st,
		secrets: secrets,
		vault:   keyvault.New(st, secrets, dir, keyvault.Options{Params: testParams}),
	}
}

func TestRegisterThenSilentUnlockKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory()
	in := newInstall(t, dir)
	userID := uuid.NewString()

	first, err := in.vault.Unlock(ctx, keyvault.UnlockRequest{UserID: userID, Password: "hunter2"})
	require.NoError(t, err)
	require.NotEmpty(t, first.DeviceID())
	require.Equal(t, []string{"register:" + first.DeviceID()}, dir.keys)
	require.Equal(t, cryptocore.EncodeKey(first.PublicKey()), dir.devices[first.DeviceID()].PublicKey)

	info, err := os.Stat(filepath.Join(in.secrets.Dir, userID+".secret"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := in.vault.Unlock(ctx, keyvault.UnlockRequest{UserID: userID})
	require.NoError(t, err)
	require.Equal(t, first.PublicKey(), second.PublicKey())
	require.Equal(t, first.DeviceID(), second.DeviceID())
	require.Len(t, dir.keys, 1)

	rec, err := in.store.GetVault(ctx, userID)
	require.NoError(t, err)
	require.True(t, rec.Registered)
	require.NotContains(t, rec.EncryptedPrivateKey, "hunter2")
}

func TestWrongPasswordIsUnavailable(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory()
	in := newInstall(t, dir)
	userID := uuid.NewString()

	key, err := in.vault.Unlock(ctx, keyvault.UnlockRequest{UserID: userID, Password: "right"})
	require.NoError(t, err)

	_, err = in.vault.Unlock(ctx, keyvault.UnlockRequest{UserID: userID, DeviceID: key.DeviceID(), Password: "wrong"})
	require.ErrorIs(t, err, keyvault.ErrKeyUnavailable)
	require.Len(t, dir.keys, 1)
}

func TestNoRecordWithoutPasswordIsUnavailable(t *testing.T) {
	in := newInstall(t, newDirectory())
	_, err := in.vault.Unlock(context.Background(), keyvault.UnlockRequest{UserID: uuid.NewString()})
	require.ErrorIs(t, err, keyvault.ErrKeyUnavailable)

	_, err = in.vault.Unlock(context.Background(), keyvault.UnlockRequest{UserID: "not-a-uuid", Password: "x"})
	require.ErrorIs(t, err, keyvault.ErrKeyUnavailable)
}

func TestReinstalledDeviceRestoresBackupWithPassword(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory()
	userID := uuid.NewString()

	original, err := newInstall(t, dir).vault.Unlock(ctx, keyvault.UnlockRequest{UserID: userID, Password: "hunter2"})
	require.NoError(t, err)

	fresh := newInstall(t, dir)
	_, err = fresh.vault.Unlock(ctx, keyvault.UnlockRequest{UserID: userID, DeviceID: original.DeviceID()})
	require.ErrorIs(t, err, keyvault.ErrKeyUnavailable)

	restored, err := fresh.vault.Unlock(ctx, keyvault.UnlockRequest{UserID: userID, DeviceID: original.DeviceID(), Password: "hunter2"})
	require.NoError(t, err)
	require.Equal(t, original.PublicKey(), restored.PublicKey())
	require.Len(t, dir.keys, 1)

	silent, err := fresh.vault.Unlock(ctx, keyvault.UnlockRequest{UserID: userID})
	require.NoError(t, err)
	require.Equal(t, original.PublicKey(), silent.PublicKey())
}

func TestCorruptRecordFallsBackToRegistrationOnlyWithPassword(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory()
	in := newInstall(t, dir)
	userID := uuid.NewString()

	key, err := in.vault.Unlock(ctx, keyvault.UnlockRequest{UserID: userID, Password: "hunter2"})
	require.NoError(t, err)

	rec, err := in.store.GetVault(ctx, userID)
	require.NoError(t, err)
	rec.PublicKey = "%%%"
	require.NoError(t, in.store.PutVault(ctx, rec))

	_, err = in.vault.Unlock(ctx, keyvault.UnlockRequest{UserID: userID})
	require.ErrorIs(t, err, keyvault.ErrKeyUnavailable)

	dir.devices = map[string]keyvault.Registration{}
	renewed, err := in.vault.Unlock(ctx, keyvault.UnlockRequest{UserID: userID, DeviceID: key.DeviceID(), Password: "hunter2"})
	require.NoError(t, err)
	require.Equal(t, key.DeviceID(), renewed.DeviceID())
	require.NotEqual(t, key.PublicKey(), renewed.PublicKey())
	require.Len(t, dir.keys, 2)
}

func TestFailedUploadIsRetriedOnNextUnlock(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory()
	dir.failing = true
	in := newInstall(t, dir)
	userID := uuid.NewString()

	_, err := in.vault.Unlock(ctx, keyvault.UnlockRequest{UserID: userID, Password: "hunter2"})
	require.Error(t, err)
	require.Empty(t, dir.devices)

	dir.failing = false
	key, err := in.vault.Unlock(ctx, keyvault.UnlockRequest{UserID: userID})
	require.NoError(t, err)
	require.Contains(t, dir.devices, key.DeviceID())
	require.Equal(t, []string{keyvault.RegistrationKey(key.DeviceID())}, dir.keys)
}

func TestSharedSecretAgreesAndDestroyWipes(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory()
	alice, err := newInstall(t, dir).vault.Unlock(ctx, keyvault.UnlockRequest{UserID: uuid.NewString(), Password: "a"})
	require.NoError(t, err)
	bob, err := newInstall(t, dir).vault.Unlock(ctx, keyvault.UnlockRequest{UserID: uuid.NewString(), Password: "b"})
	require.NoError(t, err)

	ab, err := alice.SharedSecret(bob.PublicKey())
	require.NoError(t, err)
	ba, err := bob.SharedSecret(alice.PublicKey())
	require.NoError(t, err)
	require.Equal(t, ab, ba)

	alice.Destroy()
	_, err = alice.SharedSecret(bob.PublicKey())
	require.ErrorIs(t, err, keyvault.ErrKeyUnavailable)
}

func TestForgetRequiresPasswordAgain(t *testing.T) {
	ctx := context.Background()
	in := newInstall(t, newDirectory())
	userID := uuid.NewString()

	_, err := in.vault.Unlock(ctx, keyvault.UnlockRequest{UserID: userID, Password: "hunter2"})
	require.NoError(t, err)
	require.NoError(t, in.vault.Forget(ctx, userID))

	_, err = in.vault.Unlock(ctx, keyvault.UnlockRequest{UserID: userID})
	require.ErrorIs(t, err, keyvault.ErrKeyUnavailable)
	_, err = in.secrets.Load(userID)
	require.ErrorIs(t, err, keyvault.ErrNoSecret)
}
