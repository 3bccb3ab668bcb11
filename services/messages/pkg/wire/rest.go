package wire

import "time"

// SyncedMessage is one delivery addressed to the requesting device.
type SyncedMessage struct {
	MessageID       string     `json:"messageId"`
	ConversationKey string     `json:"conversationKey"`
	SenderID        string     `json:"senderId"`
	SenderDeviceID  string     `json:"senderDeviceId"`
	Ciphertext      []byte     `json:"ciphertext"`
	SentAt          time.Time  `json:"sentAt"`
	ReadAt          *time.Time `json:"readAt,omitempty"`
}

type SyncResponse struct {
	Messages   []SyncedMessage `json:"messages"`
	ServerTime time.Time       `json:"serverTime"`
}

// ReadReceipt is the read state of one participant of a conversation.
type ReadReceipt struct {
	ConversationKey string    `json:"conversationKey"`
	UserID          string    `json:"userId"`
	LastRead        time.Time `json:"lastRead"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type ReadReceiptsResponse struct {
	Receipts   []ReadReceipt `json:"receipts"`
	ServerTime time.Time     `json:"serverTime"`
}

type Participant struct {
	UserID     string     `json:"userId"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

type Conversation struct {
	ConversationKey string        `json:"conversationKey"`
	ListingID       string        `json:"listingId,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	LastMessageAt   *time.Time    `json:"lastMessageAt,omitempty"`
	Participants    []Participant `json:"participants"`
}

type ConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	ServerTime    time.Time      `json:"serverTime"`
}
