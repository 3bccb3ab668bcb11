package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"secumsg/services/messages/internal/store"
	"secumsg/services/messages/pkg/convkey"

	"github.com/google/uuid"
)

const (
	DefaultSyncCount = 50
	SyncMaxCount     = 200
	maxDeliveries    = 256
	maxCiphertext    = 64 << 10
)

type Service struct {
	store *store.Store
	now   func() time.Time
	seq   *sequencer
}

func New(st *store.Store) *Service {
	return &Service{store: st, now: time.Now, seq: &sequencer{now: time.Now}}
}

// Delivery is the ciphertext for one recipient device.
type Delivery struct {
	DeviceID   uuid.UUID
	Ciphertext []byte
}

// StoreInput is one send. Exactly one of ConversationKey (existing thread)
// or RecipientID (possibly new thread, scoped by ListingID) identifies the
// conversation; when both are set they must agree.
type StoreInput struct {
	MessageID       uuid.UUID
	SenderID        uuid.UUID
	SenderDeviceID  uuid.UUID
	ConversationKey string
	RecipientID     uuid.UUID
	ListingID       string
	Deliveries      []Delivery
}

type StoreResult struct {
	ConversationKey string
	Message         store.ChatMessage
	Deliveries      []store.DeviceDelivery
	Participants    []uuid.UUID
	NewConversation bool
	Replayed        bool
}

// StoreCiphertext persists a message and all of its per-device deliveries in
// one transaction. Resending a stored message id returns the stored result.
func (s *Service) StoreCiphertext(ctx context.Context, in StoreInput) (StoreResult, error) {
	key, err := validateStoreInput(&in)
	if err != nil {
		return StoreResult{}, err
	}
	if in.MessageID == uuid.Nil {
		in.MessageID = uuid.New()
	}

	if existing, err := s.store.Messages().Get(ctx, in.MessageID); err == nil {
		return s.replay(ctx, existing, in, key)
	} else if !errors.Is(err, store.ErrRecordNotFound) {
		return StoreResult{}, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}

	var res StoreResult
	err = s.seq.stamp(ctx, s.store, func(tx *store.Store, sentAt time.Time) error {
		created := false
		if in.RecipientID != uuid.Nil {
			conv := store.Conversation{Key: key, ListingID: strings.TrimSpace(in.ListingID), CreatedAt: sentAt}
			if created, err = tx.Conversations().Create(ctx, &conv); err != nil {
				return err
			}
			for _, uid := range []uuid.UUID{in.SenderID, in.RecipientID} {
				if err := tx.Participants().Ensure(ctx, key, uid); err != nil {
					return err
				}
			}
		} else {
			if _, err := tx.Conversations().Get(ctx, key); err != nil {
				if errors.Is(err, store.ErrRecordNotFound) {
					return ErrConversationNotFound
				}
				return err
			}
			if _, err := tx.Participants().Get(ctx, key, in.SenderID); err != nil {
				if errors.Is(err, store.ErrRecordNotFound) {
					return ErrNotParticipant
				}
				return err
			}
		}

		msg := store.ChatMessage{
			ID:              in.MessageID,
			ConversationKey: key,
			SenderID:        in.SenderID,
			SenderDeviceID:  in.SenderDeviceID,
			SentAt:          sentAt,
		}
		inserted, err := tx.Messages().Create(ctx, &msg)
		if err != nil {
			return err
		}
		if !inserted {
			return errReplay
		}

		deliveries := make([]store.DeviceDelivery, 0, len(in.Deliveries))
		for _, d := range in.Deliveries {
			row := store.DeviceDelivery{
				MessageID:         msg.ID,
				RecipientDeviceID: d.DeviceID,
				Ciphertext:        append([]byte(nil), d.Ciphertext...),
				SentAt:            sentAt,
			}
			if err := tx.Deliveries().Create(ctx, &row); err != nil {
				return err
			}
			deliveries = append(deliveries, row)
		}

		participants, err := participantIDs(ctx, tx, key)
		if err != nil {
			return err
		}
		res = StoreResult{
			ConversationKey: key,
			Message:         msg,
			Deliveries:      deliveries,
			Participants:    participants,
			NewConversation: created,
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, errReplay):
		existing, getErr := s.store.Messages().Get(ctx, in.MessageID)
		if getErr != nil {
			return StoreResult{}, fmt.Errorf("%w: %v", ErrStoreFailure, getErr)
		}
		return s.replay(ctx, existing, in, key)
	case errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrNotParticipant):
		return StoreResult{}, err
	default:
		slog.Error("store ciphertext failed", "error", err, "message_id", in.MessageID, "conversation_key", key)
		return StoreResult{}, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}

	slog.Debug("message stored", "message_id", res.Message.ID, "conversation_key", key, "deliveries", len(res.Deliveries), "new_conversation", res.NewConversation)
	return res, nil
}

func (s *Service) replay(ctx context.Context, msg *store.ChatMessage, in StoreInput, key string) (StoreResult, error) {
	if msg.SenderID != in.SenderID || msg.ConversationKey != key {
		return StoreResult{}, ErrMessageIDConflict
	}
	deliveries, err := s.store.Deliveries().ForMessage(ctx, msg.ID)
	if err != nil {
		return StoreResult{}, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	participants, err := participantIDs(ctx, s.store, key)
	if err != nil {
		return StoreResult{}, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return StoreResult{
		ConversationKey: key,
		Message:         *msg,
		Deliveries:      deliveries,
		Participants:    participants,
		Replayed:        true,
	}, nil
}

func participantIDs(ctx context.Context, st *store.Store, key string) ([]uuid.UUID, error) {
	rows, err := st.Participants().List(ctx, key)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(rows))
	for _, p := range rows {
		ids = append(ids, p.UserID)
	}
	return ids, nil
}

func validateStoreInput(in *StoreInput) (string, error) {
	if in.SenderID == uuid.Nil || in.SenderDeviceID == uuid.Nil {
		return "", fmt.Errorf("%w: sender required", ErrInvalidRequest)
	}
	if len(in.Deliveries) == 0 || len(in.Deliveries) > maxDeliveries {
		return "", fmt.Errorf("%w: between 1 and %d deliveries required", ErrInvalidRequest, maxDeliveries)
	}
	seen := make(map[uuid.UUID]struct{}, len(in.Deliveries))
	for _, d := range in.Deliveries {
		if d.DeviceID == uuid.Nil || len(d.Ciphertext) == 0 || len(d.Ciphertext) > maxCiphertext {
			return "", fmt.Errorf("%w: bad delivery", ErrInvalidRequest)
		}
		if _, dup := seen[d.DeviceID]; dup {
			return "", fmt.Errorf("%w: duplicate delivery for device %s", ErrInvalidRequest, d.DeviceID)
		}
		seen[d.DeviceID] = struct{}{}
	}

	in.ConversationKey = strings.TrimSpace(in.ConversationKey)
	if in.RecipientID == uuid.Nil {
		if err := convkey.Validate(in.ConversationKey); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return in.ConversationKey, nil
	}
	if in.RecipientID == in.SenderID {
		return "", fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalidRequest)
	}
	key := convkey.Derive(in.SenderID, in.RecipientID, in.ListingID)
	if in.ConversationKey != "" && in.ConversationKey != key {
		return "", fmt.Errorf("%w: conversation key does not match recipient", ErrInvalidRequest)
	}
	return key, nil
}
