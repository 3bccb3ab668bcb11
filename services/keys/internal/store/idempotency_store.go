package store

import (
	"context"

	"secumsg/services/keys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IdempotencyStore struct{ db *gorm.DB }

func (s *Store) Idempotency() *IdempotencyStore { return &IdempotencyStore{db: s.DB} }

func (i *IdempotencyStore) Get(ctx context.Context, userID uuid.UUID, scope, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := i.db.WithContext(ctx).
		First(&rec, "user_id = ? AND scope = ? AND idem_key = ?", userID, scope, key).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

// Claim inserts rec unless a record with the same (user, scope, key) exists.
// A false return means another request already owns the key.
func (i *IdempotencyStore) Claim(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error) {
	res := i.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
