// Package wire holds the websocket frames and REST payloads shared by the
// messages server and its clients.
package wire

import "time"

// Frame types.
const (
	TypeAuth            = "auth"
	TypeAuthOK          = "auth-ok"
	TypeChat            = "chat"
	TypeNewConversation = "new-conversation"
	TypeRead            = "read"
	TypeReadReceipt     = "read-receipt"
	TypeAck             = "ack"
	TypeError           = "error"
)

// Close codes sent by the server. Codes in the 4000 range are private to
// this protocol.
const (
	CloseBadToken          = 4001
	CloseDeviceMismatch    = 4003
	CloseAuthTimeout       = 4008
	CloseServerError       = 4500
	CloseProtocolViolation = 1008
	CloseSlowConsumer      = 1013
	CloseReplaced          = 4009
)

// Error codes carried by error frames.
const (
	ErrCodeInvalid        = "invalid_request"
	ErrCodeNotParticipant = "not_participant"
	ErrCodeConflict       = "message_id_conflict"
	ErrCodeStoreFailure   = "store_failure"
)

// Frame is the single envelope for every websocket message. Only the fields
// relevant to Type are set.
type Frame struct {
	Type string `json:"type"`

	// auth
	Token    string `json:"token,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`

	// auth-ok, read-receipt
	UserID string `json:"userId,omitempty"`

	// chat, new-conversation, ack, error
	MessageID       string     `json:"messageId,omitempty"`
	ConversationKey string     `json:"conversationKey,omitempty"`
	RecipientID     string     `json:"recipientId,omitempty"`
	ListingID       string     `json:"listingId,omitempty"`
	Deliveries      []Delivery `json:"deliveries,omitempty"`
	SentAt          *time.Time `json:"sentAt,omitempty"`

	// read, read-receipt
	LastRead *time.Time `json:"lastRead,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Delivery is the ciphertext for one recipient device. Ciphertext is base64
// on the wire.
type Delivery struct {
	DeviceID   string `json:"deviceId"`
	Ciphertext []byte `json:"ciphertext"`
}
