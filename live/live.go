// Package live turns store watches into typed, cancellable update streams.
//
// Every subscription starts with a full snapshot and continues with
// incremental updates. Each update carries the whole ordered state plus the
// changes that produced it, so consumers can either re-render or patch.
package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/klipach/gatedchat/apperr"
	"github.com/klipach/gatedchat/log"
	"github.com/klipach/gatedchat/store"
)

type ChangeKind = store.ChangeKind

const (
	Added    = store.Added
	Modified = store.Modified
	Removed  = store.Removed
)

type Change[T any] struct {
	Kind ChangeKind
	Key  string
	Item T
}

type Update[T any] struct {
	// Initial is set on the first update of a subscription.
	Initial bool
	Items   []T
	Changes []Change[T]
}

// Decoder converts a stored document into an item.
type Decoder[T any] func(store.Doc) (T, error)

// Hook runs on the subscription goroutine before an update is delivered.
type Hook[T any] func(ctx context.Context, u Update[T])

type Option[T any] func(*Subscription[T])

func WithHook[T any](h Hook[T]) Option[T] {
	return func(s *Subscription[T]) { s.hooks = append(s.hooks, h) }
}

type Subscription[T any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	watcher store.Watcher
	decode  Decoder[T]
	hooks   []Hook[T]
	logger  *slog.Logger

	out    chan Update[T]
	done   chan struct{}
	exited chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

// Subscribe starts watching q. The subscription ends when Cancel is called,
// ctx is done, or the watch fails (see Err).
func Subscribe[T any](ctx context.Context, st store.Store, q store.Query, decode Decoder[T], opts ...Option[T]) (*Subscription[T], error) {
	ctx, cancel := context.WithCancel(ctx)
	w, err := st.Watch(ctx, q)
	if err != nil {
		cancel()
		return nil, apperr.Transient("live.Subscribe", err)
	}
	s := &Subscription[T]{
		ctx:     ctx,
		cancel:  cancel,
		watcher: w,
		decode:  decode,
		logger:  log.LoggerFromContext(ctx).With(slog.String(collectionLogField, q.Collection)),
		out:     make(chan Update[T]),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.pump()
	return s, nil
}

const collectionLogField = "collection"

// Updates is closed once the subscription ends.
func (s *Subscription[T]) Updates() <-chan Update[T] {
	return s.out
}

// Err reports why the subscription ended, nil after Cancel or context end.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel stops the subscription and waits for its goroutine to exit, so no
// update is delivered after it returns. Safe to call more than once. Must not
// be called from a Hook.
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		s.watcher.Stop()
	})
	<-s.exited
}

func (s *Subscription[T]) pump() {
	defer close(s.exited)
	defer close(s.out)
	defer s.watcher.Stop()

	initial := true
	for {
		snap, err := s.watcher.Next()
		if err != nil {
			if !errors.Is(err, store.ErrWatchStopped) && s.ctx.Err() == nil {
				s.logger.Error("watch failed", slog.String(log.ErrorMsgLogField, err.Error()))
				s.mu.Lock()
				s.err = apperr.Transient("live.watch", err)
				s.mu.Unlock()
			}
			return
		}

		u, ok := s.build(snap, initial)
		if !ok {
			continue
		}
		initial = false

		for _, h := range s.hooks {
			h(s.ctx, u)
		}

		select {
		case <-s.done:
			return
		default:
		}
		select {
		case s.out <- u:
		case <-s.done:
			return
		}
	}
}

// build decodes a snapshot and folds repeated changes of one key into one.
// A non-initial snapshot without observable changes produces no update.
func (s *Subscription[T]) build(snap *store.Snapshot, initial bool) (Update[T], bool) {
	u := Update[T]{Initial: initial, Items: make([]T, 0, len(snap.Docs))}
	for _, d := range snap.Docs {
		item, err := s.decode(d)
		if err != nil {
			s.logger.Warn("skipping undecodable document",
				slog.String("key", d.Key),
				slog.String(log.ErrorMsgLogField, err.Error()),
			)
			continue
		}
		u.Items = append(u.Items, item)
	}

	index := make(map[string]int)
	for _, c := range snap.Changes {
		var item T
		if c.Kind != store.Removed {
			decoded, err := s.decode(c.Doc)
			if err != nil {
				continue
			}
			item = decoded
		}
		i, seen := index[c.Doc.Key]
		if !seen {
			index[c.Doc.Key] = len(u.Changes)
			u.Changes = append(u.Changes, Change[T]{Kind: c.Kind, Key: c.Doc.Key, Item: item})
			continue
		}
		u.Changes[i] = fold(u.Changes[i], Change[T]{Kind: c.Kind, Key: c.Doc.Key, Item: item})
	}

	changes := u.Changes[:0]
	for _, c := range u.Changes {
		if c.Kind >= 0 {
			changes = append(changes, c)
		}
	}
	u.Changes = changes

	if !initial && len(u.Changes) == 0 {
		return u, false
	}
	return u, true
}

const dropped ChangeKind = -1

func fold[T any](prev, next Change[T]) Change[T] {
	switch {
	case prev.Kind == store.Added && next.Kind == store.Removed:
		return Change[T]{Kind: dropped, Key: prev.Key}
	case prev.Kind == store.Added:
		return Change[T]{Kind: store.Added, Key: next.Key, Item: next.Item}
	case prev.Kind == dropped && next.Kind != store.Removed:
		return Change[T]{Kind: store.Added, Key: next.Key, Item: next.Item}
	case prev.Kind == store.Removed && next.Kind == store.Added:
		return Change[T]{Kind: store.Modified, Key: next.Key, Item: next.Item}
	}
	return next
}
