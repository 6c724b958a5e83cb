// Package fsstore implements store.Store on Cloud Firestore.
package fsstore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"
	"github.com/klipach/gatedchat/apperr"
	"github.com/klipach/gatedchat/store"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Store struct {
	client *firestore.Client
}

// New wraps an existing client; the caller keeps ownership of it.
func New(client *firestore.Client) *Store {
	return &Store{client: client}
}

// Open creates a client for projectID and returns the store and a close func.
func Open(ctx context.Context, projectID string, opts ...option.ClientOption) (*Store, func() error, error) {
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, nil, err
	}
	return New(client), client.Close, nil
}

func (s *Store) Put(ctx context.Context, collection, key string, data store.Data, opts ...store.PutOption) error {
	var setOpts []firestore.SetOption
	if store.ApplyPutOptions(opts).Merge {
		setOpts = append(setOpts, firestore.MergeAll)
	}
	_, err := s.client.Collection(collection).Doc(key).Set(ctx, encode(data), setOpts...)
	return mapErr("fsstore.put", err)
}

func (s *Store) Get(ctx context.Context, collection, key string) (store.Doc, error) {
	snap, err := s.client.Collection(collection).Doc(key).Get(ctx)
	if err != nil {
		return store.Doc{}, mapErr("fsstore.get", err)
	}
	return decode(collection, snap), nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Doc, error) {
	snaps, err := s.query(q).Documents(ctx).GetAll()
	if err != nil {
		return nil, mapErr("fsstore.query", err)
	}
	docs := make([]store.Doc, len(snaps))
	for i, snap := range snaps {
		docs[i] = decode(q.Collection, snap)
	}
	return docs, nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	_, err := s.client.Collection(collection).Doc(key).Delete(ctx)
	return mapErr("fsstore.delete", err)
}

func (s *Store) Watch(ctx context.Context, q store.Query) (store.Watcher, error) {
	return &watcher{collection: q.Collection, it: s.query(q).Snapshots(ctx)}, nil
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, t *firestore.Transaction) error {
		return fn(ctx, &tx{client: s.client, t: t})
	})
}

// query orders by document id after the requested field; message ids are
// time-ordered, so equal timestamps keep insertion order.
func (s *Store) query(q store.Query) firestore.Query {
	fq := s.client.Collection(q.Collection).Query
	for _, f := range q.Filters {
		switch f.Op {
		case store.OpArrayContains:
			fq = fq.Where(f.Field, "array-contains", f.Value)
		default:
			fq = fq.Where(f.Field, "==", f.Value)
		}
	}
	if q.OrderBy != "" {
		fq = fq.OrderBy(q.OrderBy, firestore.Asc)
	}
	return fq.OrderBy(firestore.DocumentID, firestore.Asc)
}

type tx struct {
	client *firestore.Client
	t      *firestore.Transaction
}

func (t *tx) Get(collection, key string) (store.Doc, error) {
	snap, err := t.t.Get(t.client.Collection(collection).Doc(key))
	if err != nil {
		return store.Doc{}, mapErr("fsstore.tx.get", err)
	}
	return decode(collection, snap), nil
}

func (t *tx) Put(collection, key string, data store.Data, opts ...store.PutOption) error {
	var setOpts []firestore.SetOption
	if store.ApplyPutOptions(opts).Merge {
		setOpts = append(setOpts, firestore.MergeAll)
	}
	return t.t.Set(t.client.Collection(collection).Doc(key), encode(data), setOpts...)
}

func (t *tx) Delete(collection, key string) error {
	return t.t.Delete(t.client.Collection(collection).Doc(key))
}

type watcher struct {
	collection string
	it         *firestore.QuerySnapshotIterator
}

func (w *watcher) Next() (*store.Snapshot, error) {
	qs, err := w.it.Next()
	if err != nil {
		if errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
			return nil, store.ErrWatchStopped
		}
		return nil, mapErr("fsstore.watch", err)
	}
	snaps, err := qs.Documents.GetAll()
	if err != nil {
		return nil, mapErr("fsstore.watch", err)
	}
	out := &store.Snapshot{Docs: make([]store.Doc, len(snaps))}
	for i, snap := range snaps {
		out.Docs[i] = decode(w.collection, snap)
	}
	for _, c := range qs.Changes {
		out.Changes = append(out.Changes, store.Change{Kind: changeKind(c.Kind), Doc: decode(w.collection, c.Doc)})
	}
	return out, nil
}

func (w *watcher) Stop() {
	w.it.Stop()
}

func changeKind(k firestore.DocumentChangeKind) store.ChangeKind {
	switch k {
	case firestore.DocumentRemoved:
		return store.Removed
	case firestore.DocumentModified:
		return store.Modified
	}
	return store.Added
}

func encode(data store.Data) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if v == store.ServerTimestamp {
			out[k] = firestore.ServerTimestamp
			continue
		}
		out[k] = v
	}
	return out
}

func decode(collection string, snap *firestore.DocumentSnapshot) store.Doc {
	return store.Doc{Collection: collection, Key: snap.Ref.ID, Data: store.Data(snap.Data())}
}

func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.NotFound {
		return apperr.Wrap(apperr.KindNotFound, op, err)
	}
	return apperr.Transient(op, err)
}
