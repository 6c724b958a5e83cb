// Package messages is the append-only, timestamp ordered message log shared by
// private and group conversations, with monotonic read receipts.
package messages

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klipach/gatedchat/apperr"
	"github.com/klipach/gatedchat/contract"
	"github.com/klipach/gatedchat/conversation"
	"github.com/klipach/gatedchat/live"
	"github.com/klipach/gatedchat/log"
	"github.com/klipach/gatedchat/store"
)

const (
	orderField = "timestamp"

	conversationLogField = "conversation"
	viewerLogField       = "viewer"
	messageIDLogField    = "messageID"
)

type Options struct {
	// EnableReadReceipts makes an open private conversation mark incoming
	// messages as seen.
	EnableReadReceipts bool
}

type Log struct {
	store        store.Store
	readReceipts bool
}

func New(st store.Store, opts Options) *Log {
	return &Log{store: st, readReceipts: opts.EnableReadReceipts}
}

// Validate checks the payload rule: exactly one of text and imageUrl.
// Whitespace-only text counts as no text.
func Validate(m contract.Message) error {
	hasText := strings.TrimSpace(m.Text) != ""
	hasImage := strings.TrimSpace(m.ImageURL) != ""
	switch {
	case m.SenderID == "":
		return apperr.Validation("messages.Send", "sender is required")
	case hasText && hasImage:
		return apperr.Validation("messages.Send", "message must have text or an image, not both")
	case !hasText && !hasImage:
		return apperr.Validation("messages.Send", "message must have text or an image")
	}
	return nil
}

// Send appends m to the conversation. The store assigns the timestamp; the
// returned message carries it when the write can be read back.
func (l *Log) Send(ctx context.Context, ref conversation.Ref, m contract.Message) (contract.Message, error) {
	if err := Validate(m); err != nil {
		return contract.Message{}, err
	}
	if ref.Kind() == conversation.KindPrivate && !ref.Participant(m.SenderID) {
		return contract.Message{}, apperr.Permission("messages.Send", "sender is not part of "+ref.String())
	}
	id, err := uuid.NewV7()
	if err != nil {
		return contract.Message{}, apperr.Transient("messages.Send", err)
	}
	m.ID = id.String()
	m.Seen = false
	m.Timestamp = time.Time{}
	if strings.TrimSpace(m.Text) == "" {
		m.Text = ""
	}

	if err := l.store.Put(ctx, ref.Collection(), m.ID, m.Data()); err != nil {
		return contract.Message{}, apperr.Transient("messages.Send", err)
	}

	doc, err := l.store.Get(ctx, ref.Collection(), m.ID)
	if err != nil {
		log.LoggerFromContext(ctx).Warn("sent message could not be read back",
			slog.String(conversationLogField, ref.String()),
			slog.String(messageIDLogField, m.ID),
			slog.String(log.ErrorMsgLogField, err.Error()),
		)
		return m, nil
	}
	return contract.MessageFromDoc(doc)
}

// Subscribe streams the conversation log in timestamp order. Only participants
// may open a private conversation; group membership is checked by the caller.
func (l *Log) Subscribe(ctx context.Context, ref conversation.Ref, viewer string) (*live.Subscription[contract.Message], error) {
	if err := l.canRead(ref, viewer, "messages.Subscribe"); err != nil {
		return nil, err
	}
	var opts []live.Option[contract.Message]
	if l.readReceipts && ref.Kind() == conversation.KindPrivate {
		opts = append(opts, live.WithHook(func(ctx context.Context, u live.Update[contract.Message]) {
			l.markSeenOnView(ctx, ref, viewer, u.Items)
		}))
	}
	return live.Subscribe(ctx, l.store, l.query(ref), contract.MessageFromDoc, opts...)
}

// History is a one-shot read of the conversation log.
func (l *Log) History(ctx context.Context, ref conversation.Ref, viewer string) ([]contract.Message, error) {
	if err := l.canRead(ref, viewer, "messages.History"); err != nil {
		return nil, err
	}
	return l.list(ctx, ref)
}

// MarkSeenBatch flips seen on every message from someone other than viewer
// with a timestamp up to upTo. It returns how many messages changed.
func (l *Log) MarkSeenBatch(ctx context.Context, ref conversation.Ref, viewer string, upTo time.Time) (int, error) {
	if err := l.canRead(ref, viewer, "messages.MarkSeenBatch"); err != nil {
		return 0, err
	}
	msgs, err := l.list(ctx, ref)
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, m := range msgs {
		if m.SenderID == viewer || m.Seen || m.Timestamp.After(upTo) {
			continue
		}
		if err := l.store.Put(ctx, ref.Collection(), m.ID, store.Data{"seen": true}, store.Merge()); err != nil {
			return marked, apperr.Transient("messages.MarkSeenBatch", err)
		}
		marked++
	}
	return marked, nil
}

func (l *Log) markSeenOnView(ctx context.Context, ref conversation.Ref, viewer string, items []contract.Message) {
	var upTo time.Time
	for _, m := range items {
		if m.SenderID != viewer && !m.Seen && m.Timestamp.After(upTo) {
			upTo = m.Timestamp
		}
	}
	if upTo.IsZero() {
		return
	}
	logger := log.LoggerFromContext(ctx).With(
		slog.String(conversationLogField, ref.String()),
		slog.String(viewerLogField, viewer),
	)
	n, err := l.MarkSeenBatch(ctx, ref, viewer, upTo)
	if err != nil {
		logger.Error("error while marking messages seen", slog.String(log.ErrorMsgLogField, err.Error()))
		return
	}
	logger.Debug("messages marked seen", slog.Int("count", n))
}

func (l *Log) canRead(ref conversation.Ref, viewer, op string) error {
	if viewer == "" {
		return apperr.Validation(op, "viewer is required")
	}
	if ref.Kind() == conversation.KindPrivate && !ref.Participant(viewer) {
		return apperr.Permission(op, viewer+" is not part of "+ref.String())
	}
	return nil
}

func (l *Log) query(ref conversation.Ref) store.Query {
	return store.Query{Collection: ref.Collection(), OrderBy: orderField}
}

func (l *Log) list(ctx context.Context, ref conversation.Ref) ([]contract.Message, error) {
	docs, err := l.store.Query(ctx, l.query(ref))
	if err != nil {
		return nil, apperr.Transient("messages.list", err)
	}
	msgs := make([]contract.Message, 0, len(docs))
	for _, d := range docs {
		m, err := contract.MessageFromDoc(d)
		if err != nil {
			log.LoggerFromContext(ctx).Warn("skipping undecodable document",
				slog.String(conversationLogField, ref.String()),
				slog.String("key", d.Key),
				slog.String(log.ErrorMsgLogField, err.Error()),
			)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
