// Package chat wires the messaging components into one core and applies the
// contact gate to private sends.
package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/klipach/gatedchat/apperr"
	"github.com/klipach/gatedchat/contacts"
	"github.com/klipach/gatedchat/contract"
	"github.com/klipach/gatedchat/conversation"
	"github.com/klipach/gatedchat/groups"
	"github.com/klipach/gatedchat/live"
	"github.com/klipach/gatedchat/log"
	"github.com/klipach/gatedchat/messages"
	"github.com/klipach/gatedchat/objstore"
	"github.com/klipach/gatedchat/presence"
	"github.com/klipach/gatedchat/store"
	"github.com/klipach/gatedchat/users"
)

type Options struct {
	EnableReadReceipts bool
	EnableGroupImages  bool
}

type Core struct {
	Users    *users.Directory
	Contacts *contacts.Graph
	Messages *messages.Log
	Groups   *groups.Registry
	Presence *presence.Tracker
}

// New builds a core over st. objects may be nil when group images are disabled.
func New(st store.Store, objects objstore.Storage, opts Options) *Core {
	dir := users.New(st)
	msgs := messages.New(st, messages.Options{EnableReadReceipts: opts.EnableReadReceipts})
	return &Core{
		Users:    dir,
		Contacts: contacts.New(st, dir),
		Messages: msgs,
		Groups:   groups.New(st, dir, msgs, objects, groups.Options{EnableGroupImages: opts.EnableGroupImages}),
		Presence: presence.New(st, dir),
	}
}

// SignIn registers u on first authentication and returns the stored profile.
func (c *Core) SignIn(ctx context.Context, u contract.User) (contract.User, error) {
	return c.Users.Ensure(ctx, u)
}

// SignOut records the user's last-seen time.
func (c *Core) SignOut(ctx context.Context, uid string) error {
	return c.Presence.RecordLastSeen(ctx, uid)
}

type Outcome int

const (
	// OutcomeDelivered means the message was appended to the conversation.
	OutcomeDelivered Outcome = iota
	// OutcomeRequested means the recipient has not added the sender, so a
	// message request was recorded instead and no message was written.
	OutcomeRequested
)

func (o Outcome) String() string {
	if o == OutcomeRequested {
		return "requested"
	}
	return "delivered"
}

type SendResult struct {
	Outcome Outcome
	// Message is set only for OutcomeDelivered.
	Message contract.Message
}

// SendPrivate delivers text from sender to recipient when the recipient has
// the sender as a contact. Otherwise it records a message request.
func (c *Core) SendPrivate(ctx context.Context, sender contract.User, recipient, text string) (SendResult, error) {
	if sender.UID == recipient {
		return SendResult{}, apperr.Validation("chat.SendPrivate", "cannot message yourself")
	}
	msg := contract.Message{Text: text, SenderID: sender.UID}
	if err := messages.Validate(msg); err != nil {
		return SendResult{}, err
	}
	if _, err := c.Users.Get(ctx, recipient); err != nil {
		return SendResult{}, err
	}

	sender, err := c.Users.Resolve(ctx, sender)
	if err != nil {
		return SendResult{}, err
	}
	msg.SenderName = sender.Name()

	allowed, err := c.Contacts.HasContact(ctx, recipient, sender.UID)
	if err != nil {
		return SendResult{}, err
	}
	if !allowed {
		created, err := c.Contacts.RequestMessage(ctx, recipient, sender)
		switch {
		case errors.Is(err, contacts.ErrAlreadyContact):
			// the recipient added the sender in the meantime; deliver
		case err != nil:
			return SendResult{}, err
		default:
			log.LoggerFromContext(ctx).Info("recipient has not added sender, message held as request",
				slog.String(log.UserIDLogField, sender.UID),
				slog.String("recipient", recipient),
				slog.Bool("newRequest", created),
			)
			return SendResult{Outcome: OutcomeRequested}, nil
		}
	}

	m, err := c.Messages.Send(ctx, conversation.Private(sender.UID, recipient), msg)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{Outcome: OutcomeDelivered, Message: m}, nil
}

// Conversation streams the private conversation between viewer and peer.
func (c *Core) Conversation(ctx context.Context, viewer, peer string) (*live.Subscription[contract.Message], error) {
	if viewer == peer {
		return nil, apperr.Validation("chat.Conversation", "cannot open a conversation with yourself")
	}
	return c.Messages.Subscribe(ctx, conversation.Private(viewer, peer), viewer)
}

// History returns the private conversation between viewer and peer once.
func (c *Core) History(ctx context.Context, viewer, peer string) ([]contract.Message, error) {
	return c.Messages.History(ctx, conversation.Private(viewer, peer), viewer)
}
