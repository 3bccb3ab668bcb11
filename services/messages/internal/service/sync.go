package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"secumsg/services/messages/internal/store"
	"secumsg/services/messages/pkg/convkey"

	"github.com/google/uuid"
)

// SyncQuery selects ciphertext addressed to DeviceID. The conversation is
// ConversationKey, or the thread with TargetUserID (scoped by ListingID), or
// every conversation of UserID when neither is set.
type SyncQuery struct {
	UserID          uuid.UUID
	DeviceID        uuid.UUID
	TargetUserID    uuid.UUID
	ListingID       string
	ConversationKey string
	Count           int
	Before          *time.Time
	After           *time.Time
}

type SyncResult struct {
	Rows       []store.SyncRow
	ServerTime time.Time
}

func (s *Service) SyncMessages(ctx context.Context, q SyncQuery) (SyncResult, error) {
	if q.UserID == uuid.Nil || q.DeviceID == uuid.Nil {
		return SyncResult{}, fmt.Errorf("%w: user and device required", ErrInvalidRequest)
	}
	if q.Before != nil && q.After != nil {
		return SyncResult{}, fmt.Errorf("%w: beforeDate and afterDate are mutually exclusive", ErrInvalidRequest)
	}
	key := strings.TrimSpace(q.ConversationKey)
	if q.TargetUserID != uuid.Nil {
		derived := convkey.Derive(q.UserID, q.TargetUserID, q.ListingID)
		if key != "" && key != derived {
			return SyncResult{}, fmt.Errorf("%w: conversation key does not match target user", ErrInvalidRequest)
		}
		key = derived
	}
	if key != "" {
		if err := convkey.Validate(key); err != nil {
			return SyncResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	serverTime := s.now().UTC()
	rows, err := s.store.Deliveries().Page(ctx, store.PageQuery{
		UserID:          q.UserID,
		DeviceID:        q.DeviceID,
		ConversationKey: key,
		Before:          utcPtr(q.Before),
		After:           utcPtr(q.After),
		Limit:           clampCount(q.Count),
	})
	if err != nil {
		return SyncResult{}, err
	}
	return SyncResult{Rows: rows, ServerTime: serverTime}, nil
}

func clampCount(n int) int {
	switch {
	case n <= 0:
		return DefaultSyncCount
	case n > SyncMaxCount:
		return SyncMaxCount
	}
	return n
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

type ConversationSummary struct {
	Conversation  store.Conversation
	Participants  []store.Participant
	LastMessageAt *time.Time
}

// ListConversations returns the conversations userID participates in with
// every participant's read state, newest first.
func (s *Service) ListConversations(ctx context.Context, userID uuid.UUID) ([]ConversationSummary, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidRequest
	}
	convs, err := s.store.Conversations().ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(convs))
	for _, c := range convs {
		keys = append(keys, c.Key)
	}
	participants, err := s.store.Participants().List(ctx, keys...)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string][]store.Participant, len(convs))
	for _, p := range participants {
		byKey[p.ConversationKey] = append(byKey[p.ConversationKey], p)
	}

	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		summary := ConversationSummary{Conversation: c, Participants: byKey[c.Key]}
		latest, err := s.store.Messages().Latest(ctx, c.Key)
		switch {
		case err == nil:
			at := latest.SentAt
			summary.LastMessageAt = &at
		case !errors.Is(err, store.ErrRecordNotFound):
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}
