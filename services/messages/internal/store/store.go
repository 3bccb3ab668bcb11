package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var ErrRecordNotFound = errors.New("record not found")

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{DB: db} }

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(&Conversation{}, &Participant{}, &ChatMessage{}, &DeviceDelivery{})
}

func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}

// sequenceLockKey is the postgres advisory lock that orders message and
// read-state writes across service instances.
const sequenceLockKey int64 = 0x5ec0_3e55

// LockSequence takes the ordering lock until the surrounding transaction
// ends, shared for readers. Dialects without advisory locks skip it and rely
// on the in-process lock.
func (s *Store) LockSequence(ctx context.Context, shared bool) error {
	if s.DB.Dialector.Name() != "postgres" {
		return nil
	}
	fn := "pg_advisory_xact_lock"
	if shared {
		fn = "pg_advisory_xact_lock_shared"
	}
	return s.DB.WithContext(ctx).Exec("SELECT "+fn+"(?)", sequenceLockKey).Error
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRecordNotFound
	}
	return err
}
