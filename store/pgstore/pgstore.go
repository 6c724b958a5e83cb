// Package pgstore implements store.Store on PostgreSQL. Documents are JSONB
// rows; watches are driven by LISTEN/NOTIFY and re-run their query on every
// notification for the watched collection.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/klipach/gatedchat/apperr"
	"github.com/klipach/gatedchat/log"
	"github.com/klipach/gatedchat/store"
	"github.com/lib/pq"
)

const (
	dbDriver      = "postgres"
	notifyChannel = "gatedchat_docs"

	// timeLayout is fixed width, so text order equals time order.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

	maxTxAttempts        = 5
	serializationFailure = "40001"
	minReconnectInterval = 100 * time.Millisecond
	maxReconnectInterval = 10 * time.Second
)

var schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	key TEXT NOT NULL,
	data JSONB NOT NULL,
	seq BIGSERIAL,
	PRIMARY KEY (collection, key)
);
CREATE INDEX IF NOT EXISTS documents_data_idx ON documents USING GIN (data jsonb_path_ops);`

type Store struct {
	db       *sqlx.DB
	listener *pq.Listener
	now      func() time.Time

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	done     chan struct{}
}

type Option func(*Store)

// WithClock replaces the clock used for store.ServerTimestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects to dsn, creates the schema and starts listening for changes.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, dbDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error connecting to postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating schema: %w", err)
	}

	logger := log.LoggerFromContext(ctx)
	listener := pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("postgres listener event", slog.Int("event", int(ev)), slog.String(log.ErrorMsgLogField, err.Error()))
		}
	})
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		db.Close()
		return nil, fmt.Errorf("error listening on %s: %w", notifyChannel, err)
	}

	s := &Store{
		db:       db,
		listener: listener,
		now:      time.Now,
		watchers: make(map[*watcher]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.dispatch()
	return s, nil
}

func (s *Store) Close() error {
	close(s.done)
	lerr := s.listener.Close()
	return errors.Join(lerr, s.db.Close())
}

// dispatch wakes the watchers of every notified collection. A nil
// notification follows a reconnect, after which every watcher re-queries.
func (s *Store) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			s.mu.Lock()
			for w := range s.watchers {
				if n != nil && n.Extra != w.q.Collection {
					continue
				}
				select {
				case w.notify <- struct{}{}:
				default:
				}
			}
			s.mu.Unlock()
		}
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) put(ctx context.Context, ex execer, collection, key string, data store.Data, opts []store.PutOption) error {
	raw, err := json.Marshal(s.encode(data))
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "pgstore.put", err)
	}
	q := `INSERT INTO documents (collection, key, data) VALUES ($1, $2, $3)
		ON CONFLICT (collection, key) DO UPDATE SET data = EXCLUDED.data`
	if store.ApplyPutOptions(opts).Merge {
		q = `INSERT INTO documents (collection, key, data) VALUES ($1, $2, $3)
		ON CONFLICT (collection, key) DO UPDATE SET data = documents.data || EXCLUDED.data`
	}
	if _, err := ex.ExecContext(ctx, q, collection, key, raw); err != nil {
		return apperr.Transient("pgstore.put", err)
	}
	return notify(ctx, ex, collection)
}

func (s *Store) delete(ctx context.Context, ex execer, collection, key string) error {
	res, err := ex.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1 AND key = $2`, collection, key)
	if err != nil {
		return apperr.Transient("pgstore.delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	return notify(ctx, ex, collection)
}

func notify(ctx context.Context, ex execer, collection string) error {
	if _, err := ex.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, collection); err != nil {
		return apperr.Transient("pgstore.notify", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, collection, key string, data store.Data, opts ...store.PutOption) error {
	return s.put(ctx, s.db, collection, key, data, opts)
}

func (s *Store) Get(ctx context.Context, collection, key string) (store.Doc, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `SELECT data FROM documents WHERE collection = $1 AND key = $2`, collection, key)
	return toDoc("pgstore.get", collection, key, raw, err)
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	return s.delete(ctx, s.db, collection, key)
}

type row struct {
	Key  string `db:"key"`
	Data []byte `db:"data"`
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Doc, error) {
	query, args, err := s.selectQuery(q)
	if err != nil {
		return nil, err
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperr.Transient("pgstore.query", err)
	}
	docs := make([]store.Doc, 0, len(rows))
	for _, r := range rows {
		d, err := toDoc("pgstore.query", q.Collection, r.Key, r.Data, nil)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// selectQuery turns every filter into one JSONB containment test: equality is
// {"f": v}, array-contains is {"f": [v]}.
func (s *Store) selectQuery(q store.Query) (string, []any, error) {
	query := `SELECT key, data FROM documents WHERE collection = $1`
	args := []any{q.Collection}
	if len(q.Filters) > 0 {
		contains := make(map[string]any, len(q.Filters))
		for _, f := range q.Filters {
			v := s.encodeValue(f.Value)
			if f.Op == store.OpArrayContains {
				v = []any{v}
			}
			contains[f.Field] = v
		}
		raw, err := json.Marshal(contains)
		if err != nil {
			return "", nil, apperr.Wrap(apperr.KindValidation, "pgstore.query", err)
		}
		args = append(args, raw)
		query += fmt.Sprintf(` AND data @> $%d::jsonb`, len(args))
	}
	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		query += fmt.Sprintf(` ORDER BY data->>$%d COLLATE "C", seq`, len(args))
	} else {
		query += ` ORDER BY key COLLATE "C"`
	}
	return query, args, nil
}

func (s *Store) Watch(ctx context.Context, q store.Query) (store.Watcher, error) {
	w := &watcher{
		s:       s,
		ctx:     ctx,
		q:       q,
		notify:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	w.notify <- struct{}{}
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()
	return w, nil
}

type tx struct {
	s      *Store
	ctx    context.Context
	tx     *sqlx.Tx
	writes bool
}

func (t *tx) Get(collection, key string) (store.Doc, error) {
	if t.writes {
		return store.Doc{}, errors.New("transaction reads must precede writes")
	}
	var raw []byte
	err := t.tx.GetContext(t.ctx, &raw, `SELECT data FROM documents WHERE collection = $1 AND key = $2 FOR UPDATE`, collection, key)
	return toDoc("pgstore.tx.get", collection, key, raw, err)
}

func (t *tx) Put(collection, key string, data store.Data, opts ...store.PutOption) error {
	t.writes = true
	return t.s.put(t.ctx, t.tx, collection, key, data, opts)
}

func (t *tx) Delete(collection, key string) error {
	t.writes = true
	return t.s.delete(t.ctx, t.tx, collection, key)
}

// RunTransaction runs fn in a serializable transaction, retrying on
// serialization failures. Notifications are only delivered on commit.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.runOnce(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return apperr.Transient("pgstore.tx", err)
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return apperr.Transient("pgstore.tx", err)
	}
	if err := fn(ctx, &tx{s: s, ctx: ctx, tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return apperr.Transient("pgstore.tx", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == serializationFailure
}

func toDoc(op, collection, key string, raw []byte, err error) (store.Doc, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return store.Doc{}, apperr.NotFound(op, collection+"/"+key)
	}
	if err != nil {
		return store.Doc{}, apperr.Transient(op, err)
	}
	var data store.Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return store.Doc{}, apperr.Transient(op, err)
	}
	return store.Doc{Collection: collection, Key: key, Data: data}, nil
}

func (s *Store) encode(data store.Data) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = s.encodeValue(v)
	}
	return out
}

func (s *Store) encodeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(timeLayout)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(timeLayout)
	}
	if v == store.ServerTimestamp {
		return s.now().UTC().Format(timeLayout)
	}
	return v
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

		docs, err := w.s.Query(w.ctx, w.q)
		if err != nil {
			if w.ctx.Err() != nil {
				w.Stop()
				return nil, store.ErrWatchStopped
			}
			return nil, err
		}
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
