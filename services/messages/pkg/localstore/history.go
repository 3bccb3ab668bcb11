package localstore

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

// HistoryRecord is one delivery addressed to this device, kept as received.
type HistoryRecord struct {
	ID              string `gorm:"column:id;primaryKey"`
	LocalUserID     string
	ConversationKey string
	SenderID        string
	SenderDeviceID  string
	Ciphertext      []byte
	SentAt          time.Time
	ReadAt          *time.Time
}

func (HistoryRecord) TableName() string { return "message_history" }

// PutHistory stores recs; an id already stored only has its read_at
// refreshed.
func (s *Store) PutHistory(ctx context.Context, recs ...HistoryRecord) error {
	if len(recs) == 0 {
		return nil
	}
	for i := range recs {
		recs[i].SentAt = recs[i].SentAt.UTC()
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"read_at"}),
	}).Create(&recs).Error
}

// History returns up to limit records of one conversation, newest first.
// limit <= 0 returns everything.
func (s *Store) History(ctx context.Context, localUserID, conversationKey string, limit int) ([]HistoryRecord, error) {
	q := s.DB.WithContext(ctx).
		Where("local_user_id = ? AND conversation_key = ?", localUserID, conversationKey).
		Order("sent_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []HistoryRecord
	err := q.Find(&out).Error
	return out, err
}

// AllHistory returns every record of localUserID, newest first.
func (s *Store) AllHistory(ctx context.Context, localUserID string) ([]HistoryRecord, error) {
	var out []HistoryRecord
	err := s.DB.WithContext(ctx).
		Where("local_user_id = ?", localUserID).
		Order("sent_at DESC").
		Find(&out).Error
	return out, err
}

// LatestSentAt returns the newest sentAt mirrored for localUserID.
func (s *Store) LatestSentAt(ctx context.Context, localUserID string) (time.Time, error) {
	var rec HistoryRecord
	err := s.DB.WithContext(ctx).
		Where("local_user_id = ?", localUserID).
		Order("sent_at DESC").
		First(&rec).Error
	if err != nil {
		return time.Time{}, translate(err)
	}
	return rec.SentAt.UTC(), nil
}

// WipeHistory removes every mirrored message of users other than keep. An
// empty keep removes everything.
func (s *Store) WipeHistory(ctx context.Context, keep string) error {
	q := s.DB.WithContext(ctx)
	if keep == "" {
		return q.Where("1 = 1").Delete(&HistoryRecord{}).Error
	}
	return q.Where("local_user_id <> ?", keep).Delete(&HistoryRecord{}).Error
}
