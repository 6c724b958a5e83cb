// Package presence records a coarse last-seen time, written once at logout.
package presence

import (
	"context"
	"time"

	"github.com/klipach/gatedchat/apperr"
	"github.com/klipach/gatedchat/contract"
	"github.com/klipach/gatedchat/store"
	"github.com/klipach/gatedchat/users"
)

type Tracker struct {
	store store.Store
	users *users.Directory
}

func New(st store.Store, dir *users.Directory) *Tracker {
	return &Tracker{store: st, users: dir}
}

// RecordLastSeen stamps uid's lastSeen with the server time. The user must exist.
func (t *Tracker) RecordLastSeen(ctx context.Context, uid string) error {
	if _, err := t.users.Get(ctx, uid); err != nil {
		return err
	}
	err := t.store.Put(ctx, contract.UsersCollection, uid, store.Data{"lastSeen": store.ServerTimestamp}, store.Merge())
	if err != nil {
		return apperr.Transient("presence.RecordLastSeen", err)
	}
	return nil
}

// LastSeen returns when uid last logged out; ok is false if they never did.
func (t *Tracker) LastSeen(ctx context.Context, uid string) (lastSeen time.Time, ok bool, err error) {
	u, err := t.users.Get(ctx, uid)
	if err != nil {
		return time.Time{}, false, err
	}
	if u.LastSeen == nil {
		return time.Time{}, false, nil
	}
	return *u.LastSeen, true, nil
}
