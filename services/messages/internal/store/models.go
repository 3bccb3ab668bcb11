package store

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is keyed by the deterministic conversation key, so both
// participants address it without a lookup.
type Conversation struct {
	Key       string    `gorm:"column:conversation_key;type:text;primaryKey"`
	ListingID string    `gorm:"type:text;not null;default:''"`
	CreatedAt time.Time `gorm:"not null"`
}

// Participant carries the per-user read state of a conversation. Read state
// is tracked per conversation, never per message.
type Participant struct {
	ConversationKey string     `gorm:"type:text;primaryKey"`
	UserID          uuid.UUID  `gorm:"type:uuid;primaryKey;index"`
	LastReadAt      *time.Time
	ReadUpdatedAt   *time.Time `gorm:"index"`
}

// ChatMessage is one send action. Only ReadAt changes after insert.
type ChatMessage struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ConversationKey string     `gorm:"type:text;not null;index:idx_chat_messages_conv_sent,priority:1"`
	SenderID        uuid.UUID  `gorm:"type:uuid;not null"`
	SenderDeviceID  uuid.UUID  `gorm:"type:uuid;not null"`
	SentAt          time.Time  `gorm:"not null;index:idx_chat_messages_conv_sent,priority:2"`
	ReadAt          *time.Time
}

// DeviceDelivery is the ciphertext of a message for one recipient device.
// SentAt repeats the message's so the sync cursor is served by one index.
type DeviceDelivery struct {
	MessageID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	RecipientDeviceID uuid.UUID `gorm:"type:uuid;primaryKey;index:idx_device_deliveries_device_sent,priority:1"`
	Ciphertext        []byte    `gorm:"not null"`
	SentAt            time.Time `gorm:"not null;index:idx_device_deliveries_device_sent,priority:2"`
}

// SyncRow is a delivery joined with its message header.
type SyncRow struct {
	MessageID       uuid.UUID
	ConversationKey string
	SenderID        uuid.UUID
	SenderDeviceID  uuid.UUID
	Ciphertext      []byte
	SentAt          time.Time
	ReadAt          *time.Time
}
