package dto

import (
	"time"

	cryptocore "secumsg/services/crypto-core"
)

// RegisterDeviceRequest is the device id plus the public key and the
// password-protected private key backup.
type RegisterDeviceRequest struct {
	DeviceID string `json:"deviceId"`
	cryptocore.ProtectedKeyState
}

type DeviceResponse struct {
	DeviceID  string     `json:"deviceId"`
	UserID    string     `json:"userId"`
	PublicKey string     `json:"publicKey"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

type DeviceListResponse struct {
	UserID  string           `json:"userId"`
	Devices []DeviceResponse `json:"devices"`
}

// BackupResponse carries the password-protected private key of a device
// back to its owner.
type BackupResponse struct {
	DeviceID string                       `json:"deviceId"`
	Key      cryptocore.ProtectedKeyState `json:"key"`
}
