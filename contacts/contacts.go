// Package contacts is the consent graph: directed contact edges and the
// message requests that stand in for a missing reverse edge.
package contacts

import (
	"context"
	"errors"
	"log/slog"

	"github.com/klipach/gatedchat/apperr"
	"github.com/klipach/gatedchat/contract"
	"github.com/klipach/gatedchat/live"
	"github.com/klipach/gatedchat/log"
	"github.com/klipach/gatedchat/store"
	"github.com/klipach/gatedchat/users"
)

const (
	ownerLogField     = "owner"
	targetLogField    = "target"
	recipientLogField = "recipient"
	senderLogField    = "sender"
)

type Graph struct {
	store store.Store
	users *users.Directory
}

func New(st store.Store, dir *users.Directory) *Graph {
	return &Graph{store: st, users: dir}
}

// AddContact upserts the edge owner -> target with a snapshot of target's
// profile. A pending request from target to owner is resolved by the same write.
func (g *Graph) AddContact(ctx context.Context, owner, target string) (contract.Contact, error) {
	if owner == "" || target == "" {
		return contract.Contact{}, apperr.Validation("contacts.AddContact", "owner and target are required")
	}
	if owner == target {
		return contract.Contact{}, apperr.Validation("contacts.AddContact", "cannot add yourself as a contact")
	}
	u, err := g.users.Get(ctx, target)
	if err != nil {
		return contract.Contact{}, err
	}
	return g.add(ctx, owner, u)
}

// AddContactByEmail resolves email through the user directory first.
func (g *Graph) AddContactByEmail(ctx context.Context, owner, email string) (contract.Contact, error) {
	u, err := g.users.FindByEmail(ctx, email)
	if err != nil {
		return contract.Contact{}, err
	}
	if u.UID == owner {
		return contract.Contact{}, apperr.Validation("contacts.AddContactByEmail", "cannot add yourself as a contact")
	}
	return g.add(ctx, owner, u)
}

func (g *Graph) add(ctx context.Context, owner string, target contract.User) (contract.Contact, error) {
	c := contract.ContactOf(target)
	err := g.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Put(contract.ContactsCollection(owner), target.UID, c.Data()); err != nil {
			return err
		}
		return tx.Delete(contract.RequestsCollection(owner), target.UID)
	})
	if err != nil {
		return contract.Contact{}, apperr.Transient("contacts.AddContact", err)
	}
	log.LoggerFromContext(ctx).Info("contact added",
		slog.String(ownerLogField, owner),
		slog.String(targetLogField, target.UID),
	)
	return c, nil
}

// HasContact reports whether owner has added target.
func (g *Graph) HasContact(ctx context.Context, owner, target string) (bool, error) {
	_, err := g.store.Get(ctx, contract.ContactsCollection(owner), target)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, apperr.ErrNotFound):
		return false, nil
	}
	return false, apperr.Transient("contacts.HasContact", err)
}

// ErrAlreadyContact is returned by RequestMessage when the recipient has
// already added the sender, so the sender may message directly.
var ErrAlreadyContact = errors.New("recipient already has sender as a contact")

// RequestMessage records that sender wants to message recipient. The first
// request wins: an existing request keeps its timestamp and created is false.
// Nothing is written when recipient already has sender as a contact; the
// error then wraps ErrAlreadyContact.
func (g *Graph) RequestMessage(ctx context.Context, recipient string, sender contract.User) (created bool, err error) {
	if recipient == "" || sender.UID == "" {
		return false, apperr.Validation("contacts.RequestMessage", "recipient and sender are required")
	}
	if recipient == sender.UID {
		return false, apperr.Validation("contacts.RequestMessage", "cannot request yourself")
	}
	req := contract.RequestFrom(sender)
	var isContact bool
	err = g.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		created, isContact = false, false
		_, err := tx.Get(contract.ContactsCollection(recipient), sender.UID)
		if err == nil {
			isContact = true
			return nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		_, err = tx.Get(contract.RequestsCollection(recipient), sender.UID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		created = true
		return tx.Put(contract.RequestsCollection(recipient), sender.UID, req.Data())
	})
	if err != nil {
		return false, apperr.Consistency("contacts.RequestMessage", err)
	}
	if isContact {
		return false, apperr.Wrap(apperr.KindConsistency, "contacts.RequestMessage", ErrAlreadyContact)
	}
	if created {
		log.LoggerFromContext(ctx).Info("message request created",
			slog.String(recipientLogField, recipient),
			slog.String(senderLogField, sender.UID),
		)
	}
	return created, nil
}

// AcceptRequest creates the edge recipient -> sender and deletes the request
// in one transaction. Accepting a request that does not exist (already
// accepted, or never sent) is a no-op reported as accepted == false.
func (g *Graph) AcceptRequest(ctx context.Context, recipient, sender string) (accepted bool, err error) {
	if recipient == "" || sender == "" {
		return false, apperr.Validation("contacts.AcceptRequest", "recipient and sender are required")
	}
	err = g.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		accepted = false
		doc, err := tx.Get(contract.RequestsCollection(recipient), sender)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		req, err := contract.RequestFromDoc(doc)
		if err != nil {
			return err
		}
		if err := tx.Put(contract.ContactsCollection(recipient), sender, req.Contact().Data()); err != nil {
			return err
		}
		if err := tx.Delete(contract.RequestsCollection(recipient), sender); err != nil {
			return err
		}
		accepted = true
		return nil
	})
	if err != nil {
		return false, apperr.Consistency("contacts.AcceptRequest", err)
	}
	logger := log.LoggerFromContext(ctx).With(
		slog.String(recipientLogField, recipient),
		slog.String(senderLogField, sender),
	)
	if accepted {
		logger.Info("message request accepted")
	} else {
		logger.Info("no pending message request, nothing to accept")
	}
	return accepted, nil
}

// ListContacts streams owner's contacts ordered by uid.
func (g *Graph) ListContacts(ctx context.Context, owner string) (*live.Subscription[contract.Contact], error) {
	return live.Subscribe(ctx, g.store, store.Query{Collection: contract.ContactsCollection(owner)}, contract.ContactFromDoc)
}

// ListRequests streams the pending requests addressed to recipient, oldest first.
func (g *Graph) ListRequests(ctx context.Context, recipient string) (*live.Subscription[contract.MessageRequest], error) {
	return live.Subscribe(ctx, g.store, store.Query{
		Collection: contract.RequestsCollection(recipient),
		OrderBy:    "timestamp",
	}, contract.RequestFromDoc)
}
