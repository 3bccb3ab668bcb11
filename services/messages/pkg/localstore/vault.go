package localstore

import (
	"context"
	"time"

	"secumsg/internal/msgjson"

	"gorm.io/gorm/clause"
)

// VaultRecord is the sealed key material of the device a user last unlocked
// on this install. WrappedKey is the password-derived key sealed under the
// device secret; it is empty until the first password unlock.
type VaultRecord struct {
	UserID              string `gorm:"column:user_id;primaryKey"`
	DeviceID            string
	PublicKey           string
	EncryptedPrivateKey string
	KDFSalt             string       `gorm:"column:kdf_salt"`
	IV                  string       `gorm:"column:iv"`
	KDFParams           msgjson.JSON `gorm:"column:kdf_params"`
	WrappedKey          []byte
	WrappedKeyIV        []byte `gorm:"column:wrapped_key_iv"`
	Registered          bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (VaultRecord) TableName() string { return "vault_records" }

func (s *Store) GetVault(ctx context.Context, userID string) (VaultRecord, error) {
	var rec VaultRecord
	err := s.DB.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error
	return rec, translate(err)
}

// PutVault inserts or fully replaces the record of rec.UserID.
func (s *Store) PutVault(ctx context.Context, rec VaultRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"device_id", "public_key", "encrypted_private_key", "kdf_salt", "iv",
			"kdf_params", "wrapped_key", "wrapped_key_iv", "registered", "updated_at",
		}),
	}).Create(&rec).Error
}

func (s *Store) DeleteVault(ctx context.Context, userID string) error {
	return s.DB.WithContext(ctx).Where("user_id = ?", userID).Delete(&VaultRecord{}).Error
}
