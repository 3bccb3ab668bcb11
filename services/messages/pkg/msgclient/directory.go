package msgclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	cryptocore "secumsg/services/crypto-core"
	"secumsg/services/messages/pkg/keyvault"
)

// Device is a device of a user as published by the directory. RevokedAt is
// only ever set on single-device lookups.
type Device struct {
	DeviceID  string
	UserID    string
	PublicKey [32]byte
	CreatedAt time.Time
	RevokedAt *time.Time
}

// DirectoryClient talks to the device directory. It satisfies
// keyvault.Directory.
type DirectoryClient struct {
	api apiClient
}

type deviceJSON struct {
	DeviceID  string     `json:"deviceId"`
	UserID    string     `json:"userId"`
	PublicKey string     `json:"publicKey"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

func (dj deviceJSON) device() (Device, error) {
	pub, err := cryptocore.DecodeKey(dj.PublicKey)
	if err != nil {
		return Device{}, fmt.Errorf("msgclient: device %s: %w", dj.DeviceID, err)
	}
	return Device{DeviceID: dj.DeviceID, UserID: dj.UserID, PublicKey: pub, CreatedAt: dj.CreatedAt, RevokedAt: dj.RevokedAt}, nil
}

func (d *DirectoryClient) RegisterDevice(ctx context.Context, idempotencyKey string, reg keyvault.Registration) error {
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	return d.api.do(ctx, http.MethodPost, "/v1/devices", nil, headers, reg, nil)
}

func (d *DirectoryClient) FetchBackup(ctx context.Context, deviceID string) (cryptocore.ProtectedKeyState, error) {
	var out struct {
		DeviceID string                       `json:"deviceId"`
		Key      cryptocore.ProtectedKeyState `json:"key"`
	}
	err := d.api.do(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(deviceID)+"/backup", nil, nil, nil, &out)
	switch statusOf(err) {
	case 0:
	case http.StatusNotFound:
		return cryptocore.ProtectedKeyState{}, keyvault.ErrNoBackup
	case http.StatusGone:
		return cryptocore.ProtectedKeyState{}, fmt.Errorf("%w: %s", ErrDeviceRevoked, deviceID)
	}
	if err != nil {
		return cryptocore.ProtectedKeyState{}, err
	}
	return out.Key, nil
}

func (d *DirectoryClient) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	var out struct {
		Devices []deviceJSON `json:"devices"`
	}
	if err := d.api.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/devices", nil, nil, nil, &out); err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(out.Devices))
	for _, dj := range out.Devices {
		d, err := dj.device()
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// GetDevice looks one device up by id, including revoked ones. Use it to
// verify history; use ListDevices to pick fan-out targets.
func (d *DirectoryClient) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	var out deviceJSON
	if err := d.api.do(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(deviceID), nil, nil, nil, &out); err != nil {
		return Device{}, err
	}
	return out.device()
}

func (d *DirectoryClient) RevokeDevice(ctx context.Context, deviceID string) error {
	err := d.api.do(ctx, http.MethodDelete, "/v1/devices/"+url.PathEscape(deviceID), nil, nil, nil, nil)
	if statusOf(err) == http.StatusGone {
		return nil
	}
	return err
}
