package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ConversationStore struct{ db *gorm.DB }

func (s *Store) Conversations() *ConversationStore { return &ConversationStore{db: s.DB} }

// Create inserts the conversation unless the key exists and reports whether
// a row was written.
func (c *ConversationStore) Create(ctx context.Context, conv *Conversation) (bool, error) {
	res := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "conversation_key"}}, DoNothing: true}).
		Create(conv)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (c *ConversationStore) Get(ctx context.Context, key string) (*Conversation, error) {
	var conv Conversation
	if err := c.db.WithContext(ctx).First(&conv, "conversation_key = ?", key).Error; err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

// ListForUser returns the conversations userID participates in, newest first.
func (c *ConversationStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]Conversation, error) {
	var convs []Conversation
	err := c.db.WithContext(ctx).
		Where("conversation_key IN (?)", c.db.Model(&Participant{}).Select("conversation_key").Where("user_id = ?", userID)).
		Order("created_at desc").
		Find(&convs).Error
	if err != nil {
		return nil, err
	}
	return convs, nil
}

type ParticipantStore struct{ db *gorm.DB }

func (s *Store) Participants() *ParticipantStore { return &ParticipantStore{db: s.DB} }

func (p *ParticipantStore) Ensure(ctx context.Context, key string, userID uuid.UUID) error {
	row := Participant{ConversationKey: key, UserID: userID}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

func (p *ParticipantStore) Get(ctx context.Context, key string, userID uuid.UUID) (*Participant, error) {
	var row Participant
	err := p.db.WithContext(ctx).
		First(&row, "conversation_key = ? AND user_id = ?", key, userID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &row, nil
}

func (p *ParticipantStore) List(ctx context.Context, keys ...string) ([]Participant, error) {
	var rows []Participant
	if len(keys) == 0 {
		return rows, nil
	}
	err := p.db.WithContext(ctx).
		Where("conversation_key IN ?", keys).
		Order("conversation_key asc, user_id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// AdvanceRead moves last_read_at forward to lastRead. It never moves it
// back; the bool reports whether the row changed.
func (p *ParticipantStore) AdvanceRead(ctx context.Context, key string, userID uuid.UUID, lastRead, updatedAt time.Time) (bool, error) {
	res := p.db.WithContext(ctx).
		Model(&Participant{}).
		Where("conversation_key = ? AND user_id = ?", key, userID).
		Where("(last_read_at IS NULL OR last_read_at < ?)", lastRead).
		Updates(map[string]any{"last_read_at": lastRead, "read_updated_at": updatedAt})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdatedSince returns the read state of every participant, userID included,
// of every conversation userID is in, changed after since.
func (p *ParticipantStore) UpdatedSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]Participant, error) {
	var rows []Participant
	err := p.db.WithContext(ctx).
		Where("conversation_key IN (?)", p.db.Model(&Participant{}).Select("conversation_key").Where("user_id = ?", userID)).
		Where("last_read_at IS NOT NULL AND read_updated_at > ?", since).
		Order("read_updated_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
