package service

import (
	"context"
	"testing"
	"time"

	"secumsg/services/messages/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return st
}

func storeAt(t *testing.T, q *sequencer, st *store.Store) time.Time {
	t.Helper()
	var got time.Time
	err := q.stamp(context.Background(), st, func(tx *store.Store, sentAt time.Time) error {
		got = sentAt
		msg := store.ChatMessage{ID: uuid.New(), ConversationKey: "c_00", SenderID: uuid.New(), SenderDeviceID: uuid.New(), SentAt: sentAt}
		_, err := tx.Messages().Create(context.Background(), &msg)
		return err
	})
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}
	return got
}

func TestSequencerStampsAreStrictlyIncreasing(t *testing.T) {
	st := openStore(t)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 999, time.UTC)
	q := &sequencer{now: func() time.Time { return fixed }}

	var prev time.Time
	for i := 0; i < 5; i++ {
		got := storeAt(t, q, st)
		if got.Nanosecond()%1000 != 0 {
			t.Fatalf("expected microsecond precision, got %v", got)
		}
		if i > 0 && !got.After(prev) {
			t.Fatalf("timestamp %d not after previous: %v <= %v", i, got, prev)
		}
		prev = got
	}
}

func TestSequencerContinuesAfterStoredMessages(t *testing.T) {
	st := openStore(t)
	future := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
	msg := store.ChatMessage{ID: uuid.New(), ConversationKey: "c_00", SenderID: uuid.New(), SenderDeviceID: uuid.New(), SentAt: future}
	if _, err := st.Messages().Create(context.Background(), &msg); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	got := storeAt(t, &sequencer{now: time.Now}, st)
	if !got.After(future) {
		t.Fatalf("expected stamp after stored %v, got %v", future, got)
	}
}

func TestSequencerObserveCursorPrecedesLaterWrites(t *testing.T) {
	st := openStore(t)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 1500, time.UTC)
	q := &sequencer{now: func() time.Time { return fixed }}

	var cursor, stamp time.Time
	if err := q.observe(context.Background(), st, func(_ *store.Store, serverTime time.Time) error {
		cursor = serverTime
		return nil
	}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := q.write(context.Background(), st, func(_ *store.Store, now time.Time) error {
		stamp = now
		return nil
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !stamp.After(cursor) {
		t.Fatalf("write in the same instant must land after the cursor: stamp %v, cursor %v", stamp, cursor)
	}
}
