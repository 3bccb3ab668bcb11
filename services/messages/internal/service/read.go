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

// ReadUpdate is the read state of one participant after UpdateLastRead.
// Changed is false when lastRead did not move the marker forward.
type ReadUpdate struct {
	ConversationKey string
	UserID          uuid.UUID
	LastRead        time.Time
	UpdatedAt       time.Time
	Changed         bool
	Participants    []uuid.UUID
}

// UpdateLastRead advances userID's read marker in a conversation and stamps
// readAt on the counterpart's messages up to it. The marker never moves back
// and is capped at the newer of the current time and the latest message.
func (s *Service) UpdateLastRead(ctx context.Context, userID uuid.UUID, key string, lastRead time.Time) (ReadUpdate, error) {
	key = strings.TrimSpace(key)
	if userID == uuid.Nil || lastRead.IsZero() {
		return ReadUpdate{}, fmt.Errorf("%w: user and lastRead required", ErrInvalidRequest)
	}
	if err := convkey.Validate(key); err != nil {
		return ReadUpdate{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	lastRead = lastRead.UTC().Truncate(time.Microsecond)

	out := ReadUpdate{ConversationKey: key, UserID: userID}
	err := s.seq.write(ctx, s.store, func(tx *store.Store, now time.Time) error {
		if _, err := tx.Participants().Get(ctx, key, userID); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrNotParticipant
			}
			return err
		}
		if lastRead.After(now) {
			// sentAt can run a little ahead of the wall clock under load.
			ceiling := now
			if latest, err := tx.Messages().Latest(ctx, key); err == nil && latest.SentAt.After(ceiling) {
				ceiling = latest.SentAt.UTC()
			}
			if lastRead.After(ceiling) {
				lastRead = ceiling
			}
		}
		changed, err := tx.Participants().AdvanceRead(ctx, key, userID, lastRead, now)
		if err != nil {
			return err
		}
		if changed {
			if _, err := tx.Messages().MarkReadUpTo(ctx, key, userID, lastRead, now); err != nil {
				return err
			}
		}
		current, err := tx.Participants().Get(ctx, key, userID)
		if err != nil {
			return err
		}
		if current.LastReadAt != nil {
			out.LastRead = current.LastReadAt.UTC()
		}
		if current.ReadUpdatedAt != nil {
			out.UpdatedAt = current.ReadUpdatedAt.UTC()
		}
		out.Changed = changed
		out.Participants, err = participantIDs(ctx, tx, key)
		return err
	})
	if err != nil {
		return ReadUpdate{}, err
	}
	return out, nil
}

type ReadReceiptsResult struct {
	Receipts   []store.Participant
	ServerTime time.Time
}

// GetUpdatedReadReceipts returns read-state rows changed after since across
// every conversation userID is in, including userID's own rows so the
// user's other devices converge.
func (s *Service) GetUpdatedReadReceipts(ctx context.Context, userID uuid.UUID, since time.Time) (ReadReceiptsResult, error) {
	if userID == uuid.Nil {
		return ReadReceiptsResult{}, ErrInvalidRequest
	}
	var out ReadReceiptsResult
	err := s.seq.observe(ctx, s.store, func(tx *store.Store, serverTime time.Time) error {
		rows, err := tx.Participants().UpdatedSince(ctx, userID, since.UTC())
		if err != nil {
			return err
		}
		out = ReadReceiptsResult{Receipts: rows, ServerTime: serverTime}
		return nil
	})
	if err != nil {
		return ReadReceiptsResult{}, err
	}
	return out, nil
}
