package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageStore struct{ db *gorm.DB }

func (s *Store) Messages() *MessageStore { return &MessageStore{db: s.DB} }

// Create inserts msg unless its id exists and reports whether a row was
// written.
func (m *MessageStore) Create(ctx context.Context, msg *ChatMessage) (bool, error) {
	res := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(msg)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (m *MessageStore) Get(ctx context.Context, id uuid.UUID) (*ChatMessage, error) {
	var msg ChatMessage
	if err := m.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

// Latest returns the newest message, of one conversation when key is set.
func (m *MessageStore) Latest(ctx context.Context, key string) (*ChatMessage, error) {
	q := m.db.WithContext(ctx).Order("sent_at desc")
	if key != "" {
		q = q.Where("conversation_key = ?", key)
	}
	var msg ChatMessage
	if err := q.First(&msg).Error; err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

// MarkReadUpTo stamps readAt on the messages other participants sent in the
// conversation up to upTo.
func (m *MessageStore) MarkReadUpTo(ctx context.Context, key string, readerID uuid.UUID, upTo, at time.Time) (int64, error) {
	res := m.db.WithContext(ctx).
		Model(&ChatMessage{}).
		Where("conversation_key = ? AND sender_id <> ? AND sent_at <= ? AND read_at IS NULL", key, readerID, upTo).
		Update("read_at", at)
	return res.RowsAffected, res.Error
}

type DeliveryStore struct{ db *gorm.DB }

func (s *Store) Deliveries() *DeliveryStore { return &DeliveryStore{db: s.DB} }

func (d *DeliveryStore) Create(ctx context.Context, row *DeviceDelivery) error {
	return d.db.WithContext(ctx).Create(row).Error
}

func (d *DeliveryStore) ForMessage(ctx context.Context, messageID uuid.UUID) ([]DeviceDelivery, error) {
	var rows []DeviceDelivery
	err := d.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("recipient_device_id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

var ErrBothCursors = errors.New("store: before and after are mutually exclusive")

// PageQuery selects deliveries addressed to DeviceID in conversations UserID
// participates in. Before pages backwards (newest first), After catches up
// (oldest first); with neither the newest page is returned.
type PageQuery struct {
	UserID          uuid.UUID
	DeviceID        uuid.UUID
	ConversationKey string
	Before          *time.Time
	After           *time.Time
	Limit           int
}

func (d *DeliveryStore) Page(ctx context.Context, q PageQuery) ([]SyncRow, error) {
	if q.Before != nil && q.After != nil {
		return nil, ErrBothCursors
	}
	tx := d.db.WithContext(ctx).
		Table("device_deliveries AS d").
		Select("d.message_id, m.conversation_key, m.sender_id, m.sender_device_id, d.ciphertext, d.sent_at, m.read_at").
		Joins("JOIN chat_messages AS m ON m.id = d.message_id").
		Joins("JOIN participants AS p ON p.conversation_key = m.conversation_key AND p.user_id = ?", q.UserID).
		Where("d.recipient_device_id = ?", q.DeviceID)
	if q.ConversationKey != "" {
		tx = tx.Where("m.conversation_key = ?", q.ConversationKey)
	}
	switch {
	case q.After != nil:
		tx = tx.Where("d.sent_at > ?", *q.After).Order("d.sent_at asc")
	case q.Before != nil:
		tx = tx.Where("d.sent_at < ?", *q.Before).Order("d.sent_at desc")
	default:
		tx = tx.Order("d.sent_at desc")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var rows []SyncRow
	if err := tx.Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
