package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"secumsg/services/messages/internal/store"
)

// sequencer orders the writes the sync cursors depend on. A message gets its
// sentAt inside the transaction that stores it and the lock is held until
// that transaction commits, so rows become visible in sentAt order and an
// afterDate cursor never passes a row that has yet to commit. Read-state
// writes take the same lock; receipt reads take it shared.
type sequencer struct {
	mu  sync.RWMutex
	now func() time.Time
}

// stamp runs fn in a transaction with a sentAt strictly after every stored
// message.
func (q *sequencer) stamp(ctx context.Context, st *store.Store, fn func(tx *store.Store, sentAt time.Time) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.LockSequence(ctx, false); err != nil {
			return err
		}
		sentAt, err := q.next(ctx, tx)
		if err != nil {
			return err
		}
		return fn(tx, sentAt)
	})
}

func (q *sequencer) next(ctx context.Context, tx *store.Store) (time.Time, error) {
	t := q.now().UTC().Truncate(time.Microsecond)
	latest, err := tx.Messages().Latest(ctx, "")
	switch {
	case err == nil:
		if last := latest.SentAt.UTC(); !t.After(last) {
			t = last.Add(time.Microsecond)
		}
	case !errors.Is(err, store.ErrRecordNotFound):
		return time.Time{}, err
	}
	return t, nil
}

// write runs fn in an exclusive transaction; now is the stamp for
// read_updated_at.
func (q *sequencer) write(ctx context.Context, st *store.Store, fn func(tx *store.Store, now time.Time) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.LockSequence(ctx, false); err != nil {
			return err
		}
		return fn(tx, q.now().UTC().Truncate(time.Microsecond))
	})
}

// observe runs fn with a cursor time no later than any stamp a write can
// still commit. The cursor sits one tick below the current microsecond since
// stamps are truncated to it.
func (q *sequencer) observe(ctx context.Context, st *store.Store, fn func(tx *store.Store, serverTime time.Time) error) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.LockSequence(ctx, true); err != nil {
			return err
		}
		return fn(tx, q.now().UTC().Truncate(time.Microsecond).Add(-time.Microsecond))
	})
}
