// Package users is the profile directory the rest of the core resolves uids against.
package users

import (
	"context"
	"errors"
	"strings"

	"github.com/klipach/gatedchat/apperr"
	"github.com/klipach/gatedchat/contract"
	"github.com/klipach/gatedchat/store"
)

type Directory struct {
	store store.Store
}

func New(st store.Store) *Directory {
	return &Directory{store: st}
}

// Ensure returns the stored profile of u, creating it on first authentication.
func (d *Directory) Ensure(ctx context.Context, u contract.User) (contract.User, error) {
	if u.UID == "" {
		return contract.User{}, apperr.Validation("users.Ensure", "uid is required")
	}
	existing, err := d.Get(ctx, u.UID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return contract.User{}, err
	}

	u.DisplayName = u.Name()
	if u.Gender != contract.GenderFemale {
		u.Gender = contract.GenderMale
	}
	u.LastSeen = nil
	if err := d.store.Put(ctx, contract.UsersCollection, u.UID, u.Data()); err != nil {
		return contract.User{}, apperr.Transient("users.Ensure", err)
	}
	return u, nil
}

func (d *Directory) Get(ctx context.Context, uid string) (contract.User, error) {
	if uid == "" {
		return contract.User{}, apperr.Validation("users.Get", "uid is required")
	}
	doc, err := d.store.Get(ctx, contract.UsersCollection, uid)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return contract.User{}, apperr.NotFound("users.Get", "user "+uid)
		}
		return contract.User{}, apperr.Transient("users.Get", err)
	}
	return contract.UserFromDoc(doc)
}

// Resolve returns the stored profile for u.UID, or u itself when the user has
// not been stored yet. Senders are resolved this way so a renamed profile
// shows up on what they send next.
func (d *Directory) Resolve(ctx context.Context, u contract.User) (contract.User, error) {
	stored, err := d.Get(ctx, u.UID)
	if err == nil {
		return stored, nil
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return u, nil
	}
	return contract.User{}, err
}

func (d *Directory) FindByEmail(ctx context.Context, email string) (contract.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return contract.User{}, apperr.Validation("users.FindByEmail", "email is required")
	}
	docs, err := d.store.Query(ctx, store.Query{
		Collection: contract.UsersCollection,
		Filters:    []store.Filter{store.Equal("email", email)},
	})
	if err != nil {
		return contract.User{}, apperr.Transient("users.FindByEmail", err)
	}
	if len(docs) == 0 {
		return contract.User{}, apperr.NotFound("users.FindByEmail", "user "+email)
	}
	return contract.UserFromDoc(docs[0])
}

// Rename is the profile edit: a merge write of the display name only.
func (d *Directory) Rename(ctx context.Context, uid, name string) (contract.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return contract.User{}, apperr.Validation("users.Rename", "display name is required")
	}
	u, err := d.Get(ctx, uid)
	if err != nil {
		return contract.User{}, err
	}
	if err := d.store.Put(ctx, contract.UsersCollection, uid, store.Data{"displayName": name}, store.Merge()); err != nil {
		return contract.User{}, apperr.Transient("users.Rename", err)
	}
	u.DisplayName = name
	return u, nil
}
