// Package groups manages group conversations: creation, append-only
// membership and member-only access to the group message log.
package groups

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/klipach/gatedchat/apperr"
	"github.com/klipach/gatedchat/contract"
	"github.com/klipach/gatedchat/conversation"
	"github.com/klipach/gatedchat/live"
	"github.com/klipach/gatedchat/log"
	"github.com/klipach/gatedchat/messages"
	"github.com/klipach/gatedchat/objstore"
	"github.com/klipach/gatedchat/store"
	"github.com/klipach/gatedchat/users"
)

const (
	groupIDLogField = "groupID"

	imagesRoot = "groupImages"
)

type Options struct {
	EnableGroupImages bool
}

type Registry struct {
	store    store.Store
	users    *users.Directory
	messages *messages.Log
	objects  objstore.Storage
	images   bool
}

// New wires the registry. objects may be nil when group images are disabled.
func New(st store.Store, dir *users.Directory, msgs *messages.Log, objects objstore.Storage, opts Options) *Registry {
	return &Registry{
		store:    st,
		users:    dir,
		messages: msgs,
		objects:  objects,
		images:   opts.EnableGroupImages && objects != nil,
	}
}

func (r *Registry) Create(ctx context.Context, creator, name string) (contract.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return contract.Group{}, apperr.Validation("groups.Create", "group name is required")
	}
	if creator == "" {
		return contract.Group{}, apperr.Validation("groups.Create", "creator is required")
	}
	g := contract.Group{
		ID:        uuid.NewString(),
		Name:      name,
		Members:   []string{creator},
		CreatedBy: creator,
	}
	if err := r.store.Put(ctx, contract.GroupsCollection, g.ID, g.Data()); err != nil {
		return contract.Group{}, apperr.Transient("groups.Create", err)
	}
	log.LoggerFromContext(ctx).Info("group created",
		slog.String(groupIDLogField, g.ID),
		slog.String(log.UserIDLogField, creator),
	)
	return g, nil
}

func (r *Registry) Get(ctx context.Context, id string) (contract.Group, error) {
	if id == "" {
		return contract.Group{}, apperr.Validation("groups.Get", "group id is required")
	}
	doc, err := r.store.Get(ctx, contract.GroupsCollection, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return contract.Group{}, apperr.NotFound("groups.Get", "group "+id)
		}
		return contract.Group{}, apperr.Transient("groups.Get", err)
	}
	return contract.GroupFromDoc(doc)
}

func (r *Registry) IsMember(ctx context.Context, id, uid string) (bool, error) {
	g, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return g.HasMember(uid), nil
}

// Join adds uid to the group's members. Membership only grows; joining twice
// is a no-op.
func (r *Registry) Join(ctx context.Context, id, uid string) (contract.Group, error) {
	if uid == "" {
		return contract.Group{}, apperr.Validation("groups.Join", "uid is required")
	}
	var g contract.Group
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		doc, err := tx.Get(contract.GroupsCollection, id)
		if err != nil {
			return err
		}
		g, err = contract.GroupFromDoc(doc)
		if err != nil {
			return err
		}
		if g.HasMember(uid) {
			return nil
		}
		g.Members = append(g.Members, uid)
		return tx.Put(contract.GroupsCollection, id, store.Data{"members": g.Members}, store.Merge())
	})
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return contract.Group{}, apperr.NotFound("groups.Join", "group "+id)
		}
		return contract.Group{}, apperr.Transient("groups.Join", err)
	}
	return g, nil
}

// ListFor streams the groups uid is a member of.
func (r *Registry) ListFor(ctx context.Context, uid string) (*live.Subscription[contract.Group], error) {
	return live.Subscribe(ctx, r.store, store.Query{
		Collection: contract.GroupsCollection,
		Filters:    []store.Filter{store.ArrayContains("members", uid)},
	}, contract.GroupFromDoc)
}

func (r *Registry) SendMessage(ctx context.Context, id string, sender contract.User, text string) (contract.Message, error) {
	if err := r.requireMember(ctx, id, sender.UID, "groups.SendMessage"); err != nil {
		return contract.Message{}, err
	}
	sender, err := r.users.Resolve(ctx, sender)
	if err != nil {
		return contract.Message{}, err
	}
	return r.messages.Send(ctx, conversation.Group(id), contract.Message{
		Text:       text,
		SenderID:   sender.UID,
		SenderName: sender.Name(),
	})
}

// SendImage uploads data to object storage and posts its URL as an image message.
func (r *Registry) SendImage(ctx context.Context, id string, sender contract.User, contentType string, data []byte) (contract.Message, error) {
	if !r.images {
		return contract.Message{}, apperr.Validation("groups.SendImage", "group images are disabled")
	}
	if len(data) == 0 {
		return contract.Message{}, apperr.Validation("groups.SendImage", "image is empty")
	}
	if err := r.requireMember(ctx, id, sender.UID, "groups.SendImage"); err != nil {
		return contract.Message{}, err
	}
	sender, err := r.users.Resolve(ctx, sender)
	if err != nil {
		return contract.Message{}, err
	}

	path := imagesRoot + "/" + id + "/" + uuid.NewString()
	handle, err := r.objects.Upload(ctx, path, contentType, data)
	if err != nil {
		return contract.Message{}, apperr.Transient("groups.SendImage", err)
	}
	url, err := r.objects.URL(ctx, handle)
	if err != nil {
		return contract.Message{}, apperr.Transient("groups.SendImage", err)
	}
	return r.messages.Send(ctx, conversation.Group(id), contract.Message{
		ImageURL:   url,
		SenderID:   sender.UID,
		SenderName: sender.Name(),
	})
}

func (r *Registry) SubscribeMessages(ctx context.Context, id, viewer string) (*live.Subscription[contract.Message], error) {
	if err := r.requireMember(ctx, id, viewer, "groups.SubscribeMessages"); err != nil {
		return nil, err
	}
	return r.messages.Subscribe(ctx, conversation.Group(id), viewer)
}

func (r *Registry) requireMember(ctx context.Context, id, uid, op string) error {
	ok, err := r.IsMember(ctx, id, uid)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Permission(op, uid+" is not a member of group "+id)
	}
	return nil
}
