// Package memstore is an in-process store.Store with live watches, used to
// embed the core without a database and as the test backend.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/klipach/gatedchat/apperr"
	"github.com/klipach/gatedchat/store"
)

const maxTxAttempts = 5

var (
	errReadAfterWrite = errors.New("transaction reads must precede writes")
	errTxContention   = errors.New("transaction contention: too many attempts")
)

type entry struct {
	data store.Data
	seq  int64 // insertion order, stable across rewrites
	rev  int64 // bumped on every write
}

// FaultFunc may fail an operation before it touches any state. op is one of
// "put", "get", "query", "delete", "watch" or "commit".
type FaultFunc func(op, collection string) error

type Store struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	docs     map[string]map[string]*entry
	counter  int64
	now      func() time.Time
	fault    FaultFunc
	watchers map[*watcher]struct{}
}

type Option func(*Store)

// WithClock replaces the server clock used for store.ServerTimestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		docs:     make(map[string]map[string]*entry),
		now:      time.Now,
		watchers: make(map[*watcher]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFault installs fn to inject failures; nil removes it.
func (s *Store) SetFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

func (s *Store) check(op, collection string) error {
	if s.fault == nil {
		return nil
	}
	if err := s.fault(op, collection); err != nil {
		return apperr.Transient("memstore."+op, err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, collection, key string, data store.Data, opts ...store.PutOption) error {
	if err := ctx.Err(); err != nil {
		return apperr.Transient("memstore.put", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("put", collection); err != nil {
		return err
	}
	s.put(collection, key, data, store.ApplyPutOptions(opts))
	s.notify(collection)
	return nil
}

func (s *Store) Get(ctx context.Context, collection, key string) (store.Doc, error) {
	if err := ctx.Err(); err != nil {
		return store.Doc{}, apperr.Transient("memstore.get", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get", collection); err != nil {
		return store.Doc{}, err
	}
	e, ok := s.docs[collection][key]
	if !ok {
		return store.Doc{}, apperr.NotFound("memstore.get", collection+"/"+key)
	}
	return store.Doc{Collection: collection, Key: key, Data: e.data.Clone()}, nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Transient("memstore.query", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("query", q.Collection); err != nil {
		return nil, err
	}
	return s.run(q), nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return apperr.Transient("memstore.delete", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("delete", collection); err != nil {
		return err
	}
	if s.remove(collection, key) {
		s.notify(collection)
	}
	return nil
}

func (s *Store) Watch(ctx context.Context, q store.Query) (store.Watcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("watch", q.Collection); err != nil {
		return nil, err
	}
	w := &watcher{
		s:       s,
		ctx:     ctx,
		q:       q,
		notify:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	w.notify <- struct{}{}
	s.watchers[w] = struct{}{}
	return w, nil
}

type txOp struct {
	delete     bool
	collection string
	key        string
	data       store.Data
	opts       store.PutOptions
}

type tx struct {
	s     *Store
	reads map[[2]string]int64
	ops   []txOp
}

func (t *tx) Get(collection, key string) (store.Doc, error) {
	if len(t.ops) > 0 {
		return store.Doc{}, errReadAfterWrite
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.s.check("get", collection); err != nil {
		return store.Doc{}, err
	}
	e, ok := t.s.docs[collection][key]
	if !ok {
		t.reads[[2]string{collection, key}] = 0
		return store.Doc{}, apperr.NotFound("memstore.tx.get", collection+"/"+key)
	}
	t.reads[[2]string{collection, key}] = e.rev
	return store.Doc{Collection: collection, Key: key, Data: e.data.Clone()}, nil
}

func (t *tx) Put(collection, key string, data store.Data, opts ...store.PutOption) error {
	t.ops = append(t.ops, txOp{collection: collection, key: key, data: data.Clone(), opts: store.ApplyPutOptions(opts)})
	return nil
}

func (t *tx) Delete(collection, key string) error {
	t.ops = append(t.ops, txOp{delete: true, collection: collection, key: key})
	return nil
}

// RunTransaction runs fn optimistically and commits only if nothing it read
// changed in the meantime, retrying otherwise.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return apperr.Transient("memstore.tx", err)
		}
		t := &tx{s: s, reads: make(map[[2]string]int64)}
		if err := fn(ctx, t); err != nil {
			return err
		}
		committed, err := s.commit(t)
		if err != nil {
			return err
		}
		if committed {
			return nil
		}
	}
	return apperr.Transient("memstore.tx", errTxContention)
}

func (s *Store) commit(t *tx) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, rev := range t.reads {
		var current int64
		if e, ok := s.docs[k[0]][k[1]]; ok {
			current = e.rev
		}
		if current != rev {
			return false, nil
		}
	}
	for _, op := range t.ops {
		if err := s.check("commit", op.collection); err != nil {
			return false, err
		}
	}
	touched := make(map[string]struct{})
	for _, op := range t.ops {
		if op.delete {
			s.remove(op.collection, op.key)
		} else {
			s.put(op.collection, op.key, op.data, op.opts)
		}
		touched[op.collection] = struct{}{}
	}
	for c := range touched {
		s.notify(c)
	}
	return true, nil
}

// put and remove expect s.mu held.
func (s *Store) put(collection, key string, data store.Data, o store.PutOptions) {
	resolved := resolve(data, s.now())
	c, ok := s.docs[collection]
	if !ok {
		c = make(map[string]*entry)
		s.docs[collection] = c
	}
	s.counter++
	e, ok := c[key]
	switch {
	case !ok:
		c[key] = &entry{data: resolved, seq: s.counter, rev: s.counter}
	case o.Merge:
		merged := e.data.Clone()
		for k, v := range resolved {
			merged[k] = v
		}
		e.data = merged
		e.rev = s.counter
	default:
		e.data = resolved
		e.rev = s.counter
	}
}

func (s *Store) remove(collection, key string) bool {
	c, ok := s.docs[collection]
	if !ok {
		return false
	}
	if _, ok := c[key]; !ok {
		return false
	}
	delete(c, key)
	return true
}

func (s *Store) run(q store.Query) []store.Doc {
	type row struct {
		doc store.Doc
		seq int64
	}
	var rows []row
	for key, e := range s.docs[q.Collection] {
		if !store.Matches(e.data, q.Filters) {
			continue
		}
		rows = append(rows, row{
			doc: store.Doc{Collection: q.Collection, Key: key, Data: e.data.Clone()},
			seq: e.seq,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if q.OrderBy == "" {
			return rows[i].doc.Key < rows[j].doc.Key
		}
		if c := store.Compare(rows[i].doc.Data[q.OrderBy], rows[j].doc.Data[q.OrderBy]); c != 0 {
			return c < 0
		}
		return rows[i].seq < rows[j].seq
	})
	docs := make([]store.Doc, len(rows))
	for i, r := range rows {
		docs[i] = r.doc
	}
	return docs
}

func (s *Store) notify(collection string) {
	for w := range s.watchers {
		if w.q.Collection != collection {
			continue
		}
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

func resolve(data store.Data, now time.Time) store.Data {
	out := data.Clone()
	if out == nil {
		out = store.Data{}
	}
	for k, v := range out {
		if v == store.ServerTimestamp {
			out[k] = now
		}
	}
	return out
}

type watcher struct {
	s       *Store
	ctx     context.Context
	q       store.Query
	notify  chan struct{}
	stopped chan struct{}
	once    sync.Once
	started bool
	prev    []store.Doc
}

// Next computes the diff lazily, so every write that landed since the previous
// call is folded into a single snapshot.
func (w *watcher) Next() (*store.Snapshot, error) {
	for {
		select {
		case <-w.stopped:
			return nil, store.ErrWatchStopped
		case <-w.ctx.Done():
			w.Stop()
			return nil, store.ErrWatchStopped
		case <-w.notify:
		}
		select {
		case <-w.stopped:
			return nil, store.ErrWatchStopped
		default:
		}

		w.s.mu.Lock()
		docs := w.s.run(w.q)
		w.s.mu.Unlock()

		changes := store.Diff(w.prev, docs)
		if w.started && len(changes) == 0 {
			continue
		}
		w.started = true
		w.prev = docs
		return &store.Snapshot{Docs: docs, Changes: changes}, nil
	}
}

func (w *watcher) Stop() {
	w.once.Do(func() {
		close(w.stopped)
		w.s.mu.Lock()
		delete(w.s.watchers, w)
		w.s.mu.Unlock()
	})
}
