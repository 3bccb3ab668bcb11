package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"secumsg/internal/msgjson"
)

var (
	ErrDeviceRevoked  = errors.New("device revoked")
	ErrDeviceConflict = errors.New("device already registered with a different key")
)

type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

// Device is the directory entry for one client install. PublicKey never
// changes for a given ID; revoked devices stay in the table so peers keep
// their history.
type Device struct {
	ID                  uuid.UUID    `gorm:"type:uuid;primaryKey"`
	UserID              uuid.UUID    `gorm:"type:uuid;not null;index:idx_devices_user_active,priority:1"`
	PublicKey           string       `gorm:"type:text;not null"`
	EncryptedPrivateKey string       `gorm:"type:text;not null"`
	KDFSalt             string       `gorm:"column:kdf_salt;type:text;not null"`
	IV                  string       `gorm:"column:iv;type:text;not null"`
	KDFParams           msgjson.JSON `gorm:"column:kdf_params;not null"`
	CreatedAt           time.Time    `gorm:"not null;autoCreateTime"`
	RevokedAt           *time.Time   `gorm:"index:idx_devices_user_active,priority:2"`
}

func (d Device) Active() bool { return d.RevokedAt == nil }

// IdempotencyRecord stores the response of a mutating request so retries
// and concurrent duplicates replay it.
type IdempotencyRecord struct {
	UserID      uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Scope       string       `gorm:"type:text;primaryKey"`
	Key         string       `gorm:"column:idem_key;type:text;primaryKey"`
	RequestHash string       `gorm:"type:text;not null"`
	StatusCode  int          `gorm:"not null"`
	Response    msgjson.JSON `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;autoCreateTime"`
}
