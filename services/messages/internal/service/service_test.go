package service_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"secumsg/services/messages/internal/service"
	"secumsg/services/messages/internal/store"
	"secumsg/services/messages/pkg/convkey"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupService(t *testing.T) (*service.Service, *store.Store) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return service.New(st), st
}

type party struct {
	user    uuid.UUID
	devices []uuid.UUID
}

func newParty(n int) party {
	p := party{user: uuid.New()}
	for i := 0; i < n; i++ {
		p.devices = append(p.devices, uuid.New())
	}
	return p
}

func deliveriesFor(text string, parties ...party) []service.Delivery {
	var out []service.Delivery
	for _, p := range parties {
		for _, d := range p.devices {
			out = append(out, service.Delivery{DeviceID: d, Ciphertext: []byte(text + "@" + d.String())})
		}
	}
	return out
}

func TestStoreCiphertextCreatesConversation(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()
	alice, bob := newParty(2), newParty(1)

	res, err := svc.StoreCiphertext(ctx, service.StoreInput{
		SenderID:       alice.user,
		SenderDeviceID: alice.devices[0],
		RecipientID:    bob.user,
		Deliveries:     deliveriesFor("hello", alice, bob),
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !res.NewConversation || res.Replayed {
		t.Fatalf("expected a fresh conversation, got %+v", res)
	}
	if want := convkey.Derive(bob.user, alice.user, ""); res.ConversationKey != want {
		t.Fatalf("conversation key %s, want %s", res.ConversationKey, want)
	}
	if len(res.Deliveries) != 3 || len(res.Participants) != 2 {
		t.Fatalf("expected 3 deliveries and 2 participants, got %d and %d", len(res.Deliveries), len(res.Participants))
	}

	rows, err := st.Deliveries().ForMessage(ctx, res.Message.ID)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 stored deliveries, got %d", len(rows))
	}

	second, err := svc.StoreCiphertext(ctx, service.StoreInput{
		SenderID:        bob.user,
		SenderDeviceID:  bob.devices[0],
		ConversationKey: res.ConversationKey,
		Deliveries:      deliveriesFor("hi", alice, bob),
	})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if second.NewConversation || !second.Message.SentAt.After(res.Message.SentAt) {
		t.Fatalf("expected reply in the same conversation after the first message: %+v", second)
	}
}

func TestStoreCiphertextReplaysMessageID(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	alice, bob := newParty(1), newParty(1)
	in := service.StoreInput{
		MessageID:      uuid.New(),
		SenderID:       alice.user,
		SenderDeviceID: alice.devices[0],
		RecipientID:    bob.user,
		Deliveries:     deliveriesFor("hello", bob),
	}

	first, err := svc.StoreCiphertext(ctx, in)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	again, err := svc.StoreCiphertext(ctx, in)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !again.Replayed || !again.Message.SentAt.Equal(first.Message.SentAt) || len(again.Deliveries) != 1 {
		t.Fatalf("expected stored result on replay, got %+v", again)
	}

	mallory := newParty(1)
	hijack := in
	hijack.SenderID, hijack.SenderDeviceID, hijack.RecipientID = mallory.user, mallory.devices[0], bob.user
	if _, err := svc.StoreCiphertext(ctx, hijack); !errors.Is(err, service.ErrMessageIDConflict) {
		t.Fatalf("expected message id conflict, got %v", err)
	}
}

func TestStoreCiphertextRollsBackPartialFanOut(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()
	alice, bob := newParty(1), newParty(3)

	var failing atomic.Bool
	var attempts atomic.Int32
	failing.Store(true)
	err := st.DB.Callback().Create().Before("gorm:create").Register("test:fail_fanout", func(tx *gorm.DB) {
		if tx.Statement.Table != "device_deliveries" || !failing.Load() {
			return
		}
		if attempts.Add(1) > 2 {
			_ = tx.AddError(errors.New("injected disk failure"))
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	in := service.StoreInput{
		MessageID:      uuid.New(),
		SenderID:       alice.user,
		SenderDeviceID: alice.devices[0],
		RecipientID:    bob.user,
		Deliveries:     deliveriesFor("hello", bob),
	}
	if _, err := svc.StoreCiphertext(ctx, in); !errors.Is(err, service.ErrStoreFailure) {
		t.Fatalf("expected store failure, got %v", err)
	}
	if _, err := st.Messages().Get(ctx, in.MessageID); !errors.Is(err, store.ErrRecordNotFound) {
		t.Fatalf("message must not exist after a failed fan-out, got %v", err)
	}
	rows, err := st.Deliveries().ForMessage(ctx, in.MessageID)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no partial deliveries, found %d", len(rows))
	}

	failing.Store(false)
	res, err := svc.StoreCiphertext(ctx, in)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Replayed || len(res.Deliveries) != 3 {
		t.Fatalf("expected full fan-out on retry, got %+v", res)
	}
}

func TestStoreCiphertextValidation(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	alice, bob, eve := newParty(1), newParty(1), newParty(1)

	res, err := svc.StoreCiphertext(ctx, service.StoreInput{
		SenderID: alice.user, SenderDeviceID: alice.devices[0], RecipientID: bob.user,
		Deliveries: deliveriesFor("hello", bob),
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	cases := []struct {
		name string
		in   service.StoreInput
		want error
	}{
		{"no deliveries", service.StoreInput{SenderID: alice.user, SenderDeviceID: alice.devices[0], RecipientID: bob.user}, service.ErrInvalidRequest},
		{"duplicate device", service.StoreInput{SenderID: alice.user, SenderDeviceID: alice.devices[0], RecipientID: bob.user,
			Deliveries: append(deliveriesFor("a", bob), deliveriesFor("b", bob)...)}, service.ErrInvalidRequest},
		{"self conversation", service.StoreInput{SenderID: alice.user, SenderDeviceID: alice.devices[0], RecipientID: alice.user,
			Deliveries: deliveriesFor("a", alice)}, service.ErrInvalidRequest},
		{"bad key", service.StoreInput{SenderID: alice.user, SenderDeviceID: alice.devices[0], ConversationKey: "nope",
			Deliveries: deliveriesFor("a", bob)}, service.ErrInvalidRequest},
		{"unknown conversation", service.StoreInput{SenderID: alice.user, SenderDeviceID: alice.devices[0],
			ConversationKey: convkey.Derive(alice.user, eve.user, ""), Deliveries: deliveriesFor("a", eve)}, service.ErrConversationNotFound},
		{"outsider", service.StoreInput{SenderID: eve.user, SenderDeviceID: eve.devices[0], ConversationKey: res.ConversationKey,
			Deliveries: deliveriesFor("a", bob)}, service.ErrNotParticipant},
	}
	for _, tc := range cases {
		if _, err := svc.StoreCiphertext(ctx, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestSyncMessagesPaginatesWithoutGapsOrDuplicates(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	alice, bob := newParty(1), newParty(1)

	var key string
	var sent []uuid.UUID
	for i := 0; i < 7; i++ {
		in := service.StoreInput{
			SenderID: alice.user, SenderDeviceID: alice.devices[0],
			Deliveries: deliveriesFor(fmt.Sprintf("m%d", i), bob),
		}
		if key == "" {
			in.RecipientID = bob.user
		} else {
			in.ConversationKey = key
		}
		res, err := svc.StoreCiphertext(ctx, in)
		if err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
		key = res.ConversationKey
		sent = append(sent, res.Message.ID)
	}

	var got []uuid.UUID
	var before *time.Time
	for page := 0; ; page++ {
		if page > 10 {
			t.Fatalf("pagination did not terminate")
		}
		res, err := svc.SyncMessages(ctx, service.SyncQuery{
			UserID: bob.user, DeviceID: bob.devices[0], TargetUserID: alice.user, Count: 3, Before: before,
		})
		if err != nil {
			t.Fatalf("sync page %d: %v", page, err)
		}
		if len(res.Rows) == 0 {
			break
		}
		for _, r := range res.Rows {
			got = append(got, r.MessageID)
		}
		last := res.Rows[len(res.Rows)-1].SentAt
		before = &last
	}
	if len(got) != len(sent) {
		t.Fatalf("expected %d messages, got %d", len(sent), len(got))
	}
	for i := range got {
		if got[i] != sent[len(sent)-1-i] {
			t.Fatalf("position %d: got %s want %s (newest first)", i, got[i], sent[len(sent)-1-i])
		}
	}

	// Catch up from the third message forward.
	third, err := svc.SyncMessages(ctx, service.SyncQuery{UserID: bob.user, DeviceID: bob.devices[0], ConversationKey: key, Count: 100})
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	cursor := third.Rows[len(third.Rows)-3].SentAt
	after, err := svc.SyncMessages(ctx, service.SyncQuery{UserID: bob.user, DeviceID: bob.devices[0], ConversationKey: key, Count: 100, After: &cursor})
	if err != nil {
		t.Fatalf("sync after: %v", err)
	}
	if len(after.Rows) != 4 || after.Rows[0].MessageID != sent[3] || after.Rows[3].MessageID != sent[6] {
		t.Fatalf("unexpected catch-up rows: %+v", after.Rows)
	}
}

func TestSyncMessagesScoping(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	alice, bob, eve := newParty(1), newParty(1), newParty(1)

	if _, err := svc.StoreCiphertext(ctx, service.StoreInput{
		SenderID: alice.user, SenderDeviceID: alice.devices[0], RecipientID: bob.user,
		Deliveries: deliveriesFor("hello", bob),
	}); err != nil {
		t.Fatalf("store: %v", err)
	}

	now := time.Now()
	if _, err := svc.SyncMessages(ctx, service.SyncQuery{UserID: bob.user, DeviceID: bob.devices[0], Before: &now, After: &now}); !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for both cursors, got %v", err)
	}
	res, err := svc.SyncMessages(ctx, service.SyncQuery{UserID: eve.user, DeviceID: bob.devices[0]})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Rows) != 0 {
		t.Fatalf("outsider must not read another user's deliveries, got %d rows", len(res.Rows))
	}
	res, err = svc.SyncMessages(ctx, service.SyncQuery{UserID: alice.user, DeviceID: alice.devices[0]})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Rows) != 0 {
		t.Fatalf("sender device had no delivery, got %d rows", len(res.Rows))
	}
}

func TestOfflineCatchUpReturnsExactlyTheNewMessage(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	alice, bob := newParty(1), newParty(1)

	first, err := svc.StoreCiphertext(ctx, service.StoreInput{
		SenderID: alice.user, SenderDeviceID: alice.devices[0], RecipientID: bob.user,
		Deliveries: deliveriesFor("earlier", bob),
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	lastKnown := first.Message.SentAt

	hello, err := svc.StoreCiphertext(ctx, service.StoreInput{
		SenderID: alice.user, SenderDeviceID: alice.devices[0], ConversationKey: first.ConversationKey,
		Deliveries: deliveriesFor("hello", bob),
	})
	if err != nil {
		t.Fatalf("store hello: %v", err)
	}

	res, err := svc.SyncMessages(ctx, service.SyncQuery{UserID: bob.user, DeviceID: bob.devices[0], After: &lastKnown, Count: 10})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0].MessageID != hello.Message.ID {
		t.Fatalf("expected exactly the hello message, got %+v", res.Rows)
	}
	if res.ServerTime.IsZero() {
		t.Fatalf("expected a server time")
	}
}

func TestCatchUpNeverSkipsASlowCommit(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "messages.db")+"?_busy_timeout=5000&_journal_mode=WAL"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	svc := service.New(st)
	ctx := context.Background()
	alice, carol, bob := newParty(1), newParty(1), newParty(1)

	first, err := svc.StoreCiphertext(ctx, service.StoreInput{
		SenderID: alice.user, SenderDeviceID: alice.devices[0], RecipientID: bob.user,
		Deliveries: deliveriesFor("earlier", bob),
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	other, err := svc.StoreCiphertext(ctx, service.StoreInput{
		SenderID: carol.user, SenderDeviceID: carol.devices[0], RecipientID: bob.user,
		Deliveries: deliveriesFor("earlier", bob),
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	cursor := other.Message.SentAt

	slowID := uuid.New()
	held, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	err = st.DB.Callback().Create().Before("gorm:create").Register("test:hold_message", func(tx *gorm.DB) {
		if msg, ok := tx.Statement.Dest.(*store.ChatMessage); ok && msg.ID == slowID {
			once.Do(func() { close(held) })
			<-release
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	send := func(id uuid.UUID, from party, key string) <-chan error {
		done := make(chan error, 1)
		go func() {
			_, err := svc.StoreCiphertext(ctx, service.StoreInput{
				MessageID: id, SenderID: from.user, SenderDeviceID: from.devices[0], ConversationKey: key,
				Deliveries: deliveriesFor(id.String(), bob),
			})
			done <- err
		}()
		return done
	}
	slowDone := send(slowID, alice, first.ConversationKey)
	<-held
	fastID := uuid.New()
	fastDone := send(fastID, carol, other.ConversationKey)

	// Whatever is visible while the slow send is in flight moves the cursor.
	time.Sleep(50 * time.Millisecond)
	mid, err := svc.SyncMessages(ctx, service.SyncQuery{UserID: bob.user, DeviceID: bob.devices[0], After: &cursor, Count: 10})
	if err != nil {
		t.Fatalf("sync while a send is in flight: %v", err)
	}
	seen := make(map[uuid.UUID]bool)
	for _, r := range mid.Rows {
		seen[r.MessageID] = true
		cursor = r.SentAt
	}

	close(release)
	for name, done := range map[string]<-chan error{"slow": slowDone, "fast": fastDone} {
		if err := <-done; err != nil {
			t.Fatalf("%s send: %v", name, err)
		}
	}

	after, err := svc.SyncMessages(ctx, service.SyncQuery{UserID: bob.user, DeviceID: bob.devices[0], After: &cursor, Count: 10})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	for _, r := range after.Rows {
		seen[r.MessageID] = true
	}
	if !seen[slowID] || !seen[fastID] {
		t.Fatalf("catch-up skipped a message: slow seen=%v fast seen=%v", seen[slowID], seen[fastID])
	}
}

func TestUpdateLastReadIsMonotonicAndFansOut(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()
	alice, bob := newParty(2), newParty(1)

	res, err := svc.StoreCiphertext(ctx, service.StoreInput{
		SenderID: alice.user, SenderDeviceID: alice.devices[0], RecipientID: bob.user,
		Deliveries: deliveriesFor("hello", alice, bob),
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	since := time.Now().Add(-time.Minute)

	upd, err := svc.UpdateLastRead(ctx, bob.user, res.ConversationKey, res.Message.SentAt)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !upd.Changed || !upd.LastRead.Equal(res.Message.SentAt) || len(upd.Participants) != 2 {
		t.Fatalf("unexpected update: %+v", upd)
	}
	msg, err := st.Messages().Get(ctx, res.Message.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.ReadAt == nil {
		t.Fatalf("expected readAt to be stamped")
	}

	back, err := svc.UpdateLastRead(ctx, bob.user, res.ConversationKey, res.Message.SentAt.Add(-time.Hour))
	if err != nil {
		t.Fatalf("update back: %v", err)
	}
	if back.Changed || !back.LastRead.Equal(res.Message.SentAt) {
		t.Fatalf("read marker moved backwards: %+v", back)
	}

	for _, viewer := range []uuid.UUID{alice.user, bob.user} {
		receipts, err := svc.GetUpdatedReadReceipts(ctx, viewer, since)
		if err != nil {
			t.Fatalf("receipts: %v", err)
		}
		if len(receipts.Receipts) != 1 || receipts.Receipts[0].UserID != bob.user {
			t.Fatalf("viewer %s: expected bob's receipt, got %+v", viewer, receipts.Receipts)
		}
	}
	later, err := svc.GetUpdatedReadReceipts(ctx, alice.user, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("receipts: %v", err)
	}
	if len(later.Receipts) != 0 {
		t.Fatalf("expected no receipts after the cursor, got %d", len(later.Receipts))
	}

	if _, err := svc.UpdateLastRead(ctx, uuid.New(), res.ConversationKey, time.Now()); !errors.Is(err, service.ErrNotParticipant) {
		t.Fatalf("expected not participant, got %v", err)
	}
}

func TestListConversations(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	alice, bob, carol := newParty(1), newParty(1), newParty(1)

	for _, peer := range []party{bob, carol} {
		if _, err := svc.StoreCiphertext(ctx, service.StoreInput{
			SenderID: alice.user, SenderDeviceID: alice.devices[0], RecipientID: peer.user,
			Deliveries: deliveriesFor("hi", peer),
		}); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	convs, err := svc.ListConversations(ctx, alice.user)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	for _, c := range convs {
		if len(c.Participants) != 2 || c.LastMessageAt == nil {
			t.Fatalf("incomplete summary: %+v", c)
		}
	}
	bobs, err := svc.ListConversations(ctx, bob.user)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bobs) != 1 {
		t.Fatalf("expected 1 conversation for bob, got %d", len(bobs))
	}
}
