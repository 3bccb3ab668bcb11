package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"secumsg/internal/msgjson"
	cryptocore "secumsg/services/crypto-core"
	"secumsg/services/keys/internal/domain"
	"secumsg/services/keys/internal/dto"
	"secumsg/services/keys/internal/store"

	"github.com/google/uuid"
)

const scopeRegisterDevice = "device.register"

type Service struct {
	store *store.Store
	now   func() time.Time
}

func New(store *store.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// RegisterResult is the outcome of a registration, fresh or replayed.
type RegisterResult struct {
	Device   dto.DeviceResponse
	Status   int
	Replayed bool
}

// RegisterDevice records a new device for userID. The idempotency key makes
// the call at-most-once: a retry, or a concurrent duplicate that loses the
// insert race, gets the stored response back instead of an error.
func (s *Service) RegisterDevice(ctx context.Context, userID uuid.UUID, idemKey string, req dto.RegisterDeviceRequest) (RegisterResult, error) {
	idemKey = strings.TrimSpace(idemKey)
	if userID == uuid.Nil || idemKey == "" || len(idemKey) > 255 {
		return RegisterResult{}, fmt.Errorf("%w: user and idempotency key required", ErrInvalidRequest)
	}
	deviceID, err := uuid.Parse(strings.TrimSpace(req.DeviceID))
	if err != nil || deviceID == uuid.Nil {
		return RegisterResult{}, fmt.Errorf("%w: invalid deviceId", ErrInvalidRequest)
	}
	if _, err := cryptocore.ImportProtectedKey(req.ProtectedKeyState); err != nil {
		return RegisterResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	hash, err := requestHash(req)
	if err != nil {
		return RegisterResult{}, err
	}

	if rec, err := s.store.Idempotency().Get(ctx, userID, scopeRegisterDevice, idemKey); err == nil {
		return replay(rec, hash)
	} else if !errors.Is(err, store.ErrRecordNotFound) {
		return RegisterResult{}, err
	}

	params, err := msgjson.From(req.Params)
	if err != nil {
		return RegisterResult{}, err
	}
	device := domain.Device{
		ID:                  deviceID,
		UserID:              userID,
		PublicKey:           req.PublicKey,
		EncryptedPrivateKey: req.Ciphertext,
		KDFSalt:             req.Salt,
		IV:                  req.IV,
		KDFParams:           params,
		CreatedAt:           s.now().UTC(),
	}

	var result RegisterResult
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Users().Ensure(ctx, userID); err != nil {
			return err
		}
		created, err := tx.Devices().Create(ctx, &device)
		if err != nil {
			return err
		}
		stored := &device
		if !created {
			stored, err = tx.Devices().Get(ctx, deviceID)
			if err != nil {
				return err
			}
			if stored.UserID != userID || stored.PublicKey != req.PublicKey {
				return domain.ErrDeviceConflict
			}
			if !stored.Active() {
				return domain.ErrDeviceRevoked
			}
		}

		result = RegisterResult{Device: toDeviceResponse(*stored), Status: http.StatusCreated}
		body, err := msgjson.From(result.Device)
		if err != nil {
			return err
		}
		claimed, err := tx.Idempotency().Claim(ctx, &domain.IdempotencyRecord{
			UserID:      userID,
			Scope:       scopeRegisterDevice,
			Key:         idemKey,
			RequestHash: hash,
			StatusCode:  result.Status,
			Response:    body,
			CreatedAt:   s.now().UTC(),
		})
		if err != nil {
			return err
		}
		if !claimed {
			return errReplay
		}
		return nil
	})
	if errors.Is(err, errReplay) {
		rec, getErr := s.store.Idempotency().Get(ctx, userID, scopeRegisterDevice, idemKey)
		if getErr != nil {
			return RegisterResult{}, getErr
		}
		return replay(rec, hash)
	}
	if err != nil {
		return RegisterResult{}, err
	}
	return result, nil
}

func replay(rec *domain.IdempotencyRecord, hash string) (RegisterResult, error) {
	if rec.RequestHash != hash {
		return RegisterResult{}, ErrIdempotencyKeyReused
	}
	var device dto.DeviceResponse
	if err := rec.Response.Decode(&device); err != nil {
		return RegisterResult{}, fmt.Errorf("decode stored response: %w", err)
	}
	return RegisterResult{Device: device, Status: rec.StatusCode, Replayed: true}, nil
}

func requestHash(req dto.RegisterDeviceRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ListDevices returns the active devices of userID. Any authenticated user may
// list another user's devices; only public keys are returned.
func (s *Service) ListDevices(ctx context.Context, userID uuid.UUID) (dto.DeviceListResponse, error) {
	if userID == uuid.Nil {
		return dto.DeviceListResponse{}, ErrInvalidRequest
	}
	devices, err := s.store.Devices().ListActive(ctx, userID)
	if err != nil {
		return dto.DeviceListResponse{}, err
	}
	resp := dto.DeviceListResponse{UserID: userID.String(), Devices: make([]dto.DeviceResponse, 0, len(devices))}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, toDeviceResponse(d))
	}
	return resp, nil
}

// GetDevice returns one device by id, revoked or not, so history sent from a
// since-revoked device can still be decrypted.
func (s *Service) GetDevice(ctx context.Context, deviceID uuid.UUID) (dto.DeviceResponse, error) {
	if deviceID == uuid.Nil {
		return dto.DeviceResponse{}, ErrInvalidRequest
	}
	device, err := s.store.Devices().Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return dto.DeviceResponse{}, ErrDeviceNotFound
		}
		return dto.DeviceResponse{}, err
	}
	return toDeviceResponse(*device), nil
}

// GetBackup returns the encrypted private key of a device owned by callerID.
func (s *Service) GetBackup(ctx context.Context, callerID, deviceID uuid.UUID) (dto.BackupResponse, error) {
	device, err := s.ownedDevice(ctx, s.store, callerID, deviceID, false)
	if err != nil {
		return dto.BackupResponse{}, err
	}
	if !device.Active() {
		return dto.BackupResponse{}, domain.ErrDeviceRevoked
	}
	var params cryptocore.Argon2Params
	if err := device.KDFParams.Decode(&params); err != nil {
		return dto.BackupResponse{}, fmt.Errorf("decode kdf params: %w", err)
	}
	return dto.BackupResponse{
		DeviceID: device.ID.String(),
		Key: cryptocore.ProtectedKeyState{
			PublicKey:  device.PublicKey,
			Ciphertext: device.EncryptedPrivateKey,
			Salt:       device.KDFSalt,
			IV:         device.IV,
			Params:     params,
		},
	}, nil
}

// RevokeDevice soft-deletes a device owned by callerID. Revoking twice is a
// no-op that returns the original revocation.
func (s *Service) RevokeDevice(ctx context.Context, callerID, deviceID uuid.UUID) (dto.DeviceResponse, error) {
	var out dto.DeviceResponse
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		device, err := s.ownedDevice(ctx, tx, callerID, deviceID, true)
		if err != nil {
			return err
		}
		if device.Active() {
			at := s.now().UTC()
			if err := tx.Devices().Revoke(ctx, deviceID, at); err != nil {
				return err
			}
			device.RevokedAt = &at
		}
		out = toDeviceResponse(*device)
		return nil
	})
	return out, err
}

func (s *Service) ownedDevice(ctx context.Context, st *store.Store, callerID, deviceID uuid.UUID, lock bool) (*domain.Device, error) {
	if callerID == uuid.Nil || deviceID == uuid.Nil {
		return nil, ErrInvalidRequest
	}
	get := st.Devices().Get
	if lock {
		get = st.Devices().GetForUpdate
	}
	device, err := get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	// Someone else's device looks the same as a missing one.
	if device.UserID != callerID {
		return nil, ErrDeviceNotFound
	}
	return device, nil
}

func toDeviceResponse(d domain.Device) dto.DeviceResponse {
	return dto.DeviceResponse{
		DeviceID:  d.ID.String(),
		UserID:    d.UserID.String(),
		PublicKey: d.PublicKey,
		CreatedAt: d.CreatedAt.UTC(),
		RevokedAt: d.RevokedAt,
	}
}
