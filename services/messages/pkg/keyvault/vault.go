// Package keyvault unlocks the device private key on the client: with the
// account password, silently with the device secret, or by registering a new
// device key with the directory.
package keyvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"secumsg/internal/msgjson"
	cryptocore "secumsg/services/crypto-core"
	"secumsg/services/messages/pkg/localstore"

	"github.com/google/uuid"
)

var (
	ErrKeyUnavailable = errors.New("keyvault: key unavailable")
	ErrNoBackup       = errors.New("keyvault: no backup for device")
)

// Registration is the device upload sent to the directory.
type Registration struct {
	DeviceID string `json:"deviceId"`
	cryptocore.ProtectedKeyState
}

// Directory is the part of the device directory the vault needs.
// FetchBackup returns ErrNoBackup when the directory has no usable backup.
type Directory interface {
	RegisterDevice(ctx context.Context, idempotencyKey string, reg Registration) error
	FetchBackup(ctx context.Context, deviceID string) (cryptocore.ProtectedKeyState, error)
}

// Records is the local persistence of vault records.
type Records interface {
	GetVault(ctx context.Context, userID string) (localstore.VaultRecord, error)
	PutVault(ctx context.Context, rec localstore.VaultRecord) error
	DeleteVault(ctx context.Context, userID string) error
}

type UnlockRequest struct {
	UserID   string
	DeviceID string
	Password string
}

type Options struct {
	Params cryptocore.Argon2Params
	Logger *slog.Logger
}

type Vault struct {
	records   Records
	secrets   SecretStore
	directory Directory
	params    cryptocore.Argon2Params
	log       *slog.Logger
}

func New(records Records, secrets SecretStore, directory Directory, opts Options) *Vault {
	if opts.Params == (cryptocore.Argon2Params{}) {
		opts.Params = cryptocore.DefaultArgon2Params()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Vault{records: records, secrets: secrets, directory: directory, params: opts.Params, log: opts.Logger}
}

// RegistrationKey is the idempotency key used when uploading deviceID.
func RegistrationKey(deviceID string) string { return "register:" + deviceID }

// Unlock returns the device key of req.UserID. A missing or unreadable local
// record only leads to a new key when a password is given.
func (v *Vault) Unlock(ctx context.Context, req UnlockRequest) (*Key, error) {
	userID, err := uuid.Parse(strings.TrimSpace(req.UserID))
	if err != nil || userID == uuid.Nil {
		return nil, fmt.Errorf("%w: bad user id", ErrKeyUnavailable)
	}
	req.UserID = userID.String()
	if req.DeviceID = strings.TrimSpace(req.DeviceID); req.DeviceID != "" {
		id, err := uuid.Parse(req.DeviceID)
		if err != nil || id == uuid.Nil {
			return nil, fmt.Errorf("%w: bad device id", ErrKeyUnavailable)
		}
		req.DeviceID = id.String()
	}

	rec, pk, err := v.localRecord(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.DeviceID == "" && rec != nil {
		req.DeviceID = rec.DeviceID
	}

	if req.Password != "" {
		if rec == nil && req.DeviceID != "" {
			state, err := v.directory.FetchBackup(ctx, req.DeviceID)
			switch {
			case err == nil:
				backup, err := cryptocore.ImportProtectedKey(state)
				if err != nil {
					v.log.Warn("keyvault: unusable backup, registering new key", "device_id", req.DeviceID, "error", err)
					break
				}
				pk = &backup
				rec = &localstore.VaultRecord{UserID: req.UserID, DeviceID: req.DeviceID, Registered: true}
			case errors.Is(err, ErrNoBackup):
			default:
				return nil, fmt.Errorf("keyvault: fetch backup: %w", err)
			}
		}
		if pk == nil {
			return v.register(ctx, req)
		}
		return v.passwordUnlock(ctx, req, *rec, *pk)
	}

	if rec == nil || len(rec.WrappedKey) == 0 {
		return nil, ErrKeyUnavailable
	}
	return v.silentUnlock(ctx, *rec, *pk)
}

// localRecord loads the stored record for req. A missing, corrupt or
// other-device record yields nil.
func (v *Vault) localRecord(ctx context.Context, req UnlockRequest) (*localstore.VaultRecord, *cryptocore.ProtectedKey, error) {
	rec, err := v.records.GetVault(ctx, req.UserID)
	if errors.Is(err, localstore.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("keyvault: load record: %w", err)
	}
	if req.DeviceID != "" && rec.DeviceID != req.DeviceID {
		v.log.Info("keyvault: local record belongs to another device", "user_id", req.UserID, "device_id", req.DeviceID)
		return nil, nil, nil
	}
	state := cryptocore.ProtectedKeyState{
		PublicKey:  rec.PublicKey,
		Ciphertext: rec.EncryptedPrivateKey,
		Salt:       rec.KDFSalt,
		IV:         rec.IV,
	}
	if err := rec.KDFParams.Decode(&state.Params); err != nil {
		v.log.Warn("keyvault: corrupt local record", "user_id", req.UserID, "error", err)
		return nil, nil, nil
	}
	pk, err := cryptocore.ImportProtectedKey(state)
	if err != nil {
		v.log.Warn("keyvault: corrupt local record", "user_id", req.UserID, "error", err)
		return nil, nil, nil
	}
	return &rec, &pk, nil
}

func (v *Vault) passwordUnlock(ctx context.Context, req UnlockRequest, rec localstore.VaultRecord, pk cryptocore.ProtectedKey) (*Key, error) {
	derived, err := pk.PasswordKey(req.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	defer cryptocore.Wipe(derived[:])
	pair, err := pk.Unlock(derived)
	if err != nil {
		return nil, ErrKeyUnavailable
	}
	if err := v.persist(ctx, rec, pk, derived); err != nil {
		cryptocore.Wipe(pair.Private[:])
		return nil, err
	}
	v.log.Info("keyvault: unlocked with password", "user_id", req.UserID, "device_id", rec.DeviceID)
	return v.finish(ctx, rec, pk, pair)
}

func (v *Vault) silentUnlock(ctx context.Context, rec localstore.VaultRecord, pk cryptocore.ProtectedKey) (*Key, error) {
	secret, err := v.secrets.Load(rec.UserID)
	if err != nil {
		v.log.Info("keyvault: silent unlock unavailable", "user_id", rec.UserID, "error", err)
		return nil, ErrKeyUnavailable
	}
	defer cryptocore.Wipe(secret[:])
	derived, err := cryptocore.OpenKey(rec.WrappedKey, rec.WrappedKeyIV, secret, wrapAD(rec.UserID, rec.DeviceID))
	if err != nil {
		return nil, ErrKeyUnavailable
	}
	defer cryptocore.Wipe(derived[:])
	pair, err := pk.Unlock(derived)
	if err != nil {
		return nil, ErrKeyUnavailable
	}
	return v.finish(ctx, rec, pk, pair)
}

func (v *Vault) register(ctx context.Context, req UnlockRequest) (*Key, error) {
	if req.DeviceID == "" {
		req.DeviceID = uuid.NewString()
	}
	pair, err := cryptocore.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	pk, derived, err := cryptocore.ProtectPrivateKey(pair, req.Password, v.params)
	if err != nil {
		cryptocore.Wipe(pair.Private[:])
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	defer cryptocore.Wipe(derived[:])

	rec := localstore.VaultRecord{UserID: req.UserID, DeviceID: req.DeviceID}
	if err := v.persist(ctx, rec, pk, derived); err != nil {
		cryptocore.Wipe(pair.Private[:])
		return nil, err
	}
	v.log.Info("keyvault: generated new device key", "user_id", req.UserID, "device_id", req.DeviceID)
	return v.finish(ctx, rec, pk, pair)
}

// persist seals derived under the device secret, creating the secret when
// absent, and stores the record.
func (v *Vault) persist(ctx context.Context, rec localstore.VaultRecord, pk cryptocore.ProtectedKey, derived [32]byte) error {
	secret, err := v.secrets.Load(rec.UserID)
	if errors.Is(err, ErrNoSecret) {
		raw, rerr := cryptocore.RandomBytes(cryptocore.KeySize)
		if rerr != nil {
			return rerr
		}
		copy(secret[:], raw)
		cryptocore.Wipe(raw)
		if err := v.secrets.Save(rec.UserID, secret); err != nil {
			return fmt.Errorf("keyvault: save device secret: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("keyvault: load device secret: %w", err)
	}
	defer cryptocore.Wipe(secret[:])

	wrapped, iv, err := cryptocore.SealKey(derived, secret, wrapAD(rec.UserID, rec.DeviceID))
	if err != nil {
		return err
	}
	state := pk.Export()
	params, err := msgjson.From(state.Params)
	if err != nil {
		return err
	}
	rec.PublicKey = state.PublicKey
	rec.EncryptedPrivateKey = state.Ciphertext
	rec.KDFSalt = state.Salt
	rec.IV = state.IV
	rec.KDFParams = params
	rec.WrappedKey = wrapped
	rec.WrappedKeyIV = iv
	if err := v.records.PutVault(ctx, rec); err != nil {
		return fmt.Errorf("keyvault: store record: %w", err)
	}
	return nil
}

// finish uploads a record the directory has not acknowledged yet and hands
// out the key.
func (v *Vault) finish(ctx context.Context, rec localstore.VaultRecord, pk cryptocore.ProtectedKey, pair cryptocore.KeyPair) (*Key, error) {
	key := &Key{userID: rec.UserID, deviceID: rec.DeviceID, pair: pair}
	if rec.Registered {
		return key, nil
	}
	reg := Registration{DeviceID: rec.DeviceID, ProtectedKeyState: pk.Export()}
	if err := v.directory.RegisterDevice(ctx, RegistrationKey(rec.DeviceID), reg); err != nil {
		key.Destroy()
		return nil, fmt.Errorf("keyvault: register device: %w", err)
	}
	stored, err := v.records.GetVault(ctx, rec.UserID)
	if err != nil {
		key.Destroy()
		return nil, fmt.Errorf("keyvault: reload record: %w", err)
	}
	stored.Registered = true
	if err := v.records.PutVault(ctx, stored); err != nil {
		key.Destroy()
		return nil, fmt.Errorf("keyvault: store record: %w", err)
	}
	return key, nil
}

// Forget removes the local record and device secret of userID. The next
// unlock needs the password.
func (v *Vault) Forget(ctx context.Context, userID string) error {
	if err := v.records.DeleteVault(ctx, userID); err != nil {
		return fmt.Errorf("keyvault: delete record: %w", err)
	}
	if err := v.secrets.Delete(userID); err != nil {
		return fmt.Errorf("keyvault: delete device secret: %w", err)
	}
	return nil
}

func wrapAD(userID, deviceID string) []byte {
	return []byte("secumsg-vault-v1:" + userID + ":" + deviceID)
}
