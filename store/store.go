// Package store is the persistence contract of the messaging core: a document
// store with collections, merge writes, simple queries, transactions and live
// query watches. Backends live in the memstore, fsstore and pgstore packages.
package store

import (
	"context"
)

// Data is the content of one document. Values are strings, bools, numbers,
// time.Time, []string / []any, or ServerTimestamp on write.
type Data map[string]any

type Doc struct {
	Collection string
	Key        string
	Data       Data
}

type serverTimestamp struct{}

// ServerTimestamp is replaced by the backend's clock at write time.
var ServerTimestamp = serverTimestamp{}

type Op int

const (
	OpEqual Op = iota
	OpArrayContains
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

func Equal(field string, value any) Filter {
	return Filter{Field: field, Op: OpEqual, Value: value}
}

func ArrayContains(field string, value any) Filter {
	return Filter{Field: field, Op: OpArrayContains, Value: value}
}

// Query selects documents of one collection. Results are ordered by OrderBy
// ascending with ties broken by insertion order, or by key when OrderBy is empty.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
}

type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

type Change struct {
	Kind ChangeKind
	Doc  Doc
}

// Snapshot is one notification of a watched query: the full ordered result
// and the changes since the previous snapshot. The first snapshot reports
// every document as Added.
type Snapshot struct {
	Docs    []Doc
	Changes []Change
}

// Watcher delivers snapshots of a live query.
type Watcher interface {
	// Next blocks until the next snapshot. It returns ErrWatchStopped after Stop
	// or once the watch context is done.
	Next() (*Snapshot, error)
	Stop()
}

type PutOption func(*PutOptions)

type PutOptions struct {
	Merge bool
}

// Merge keeps fields of an existing document that are absent from the written data.
func Merge() PutOption {
	return func(o *PutOptions) { o.Merge = true }
}

func ApplyPutOptions(opts []PutOption) PutOptions {
	var o PutOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Tx is a transaction. All reads must happen before the first write.
type Tx interface {
	Get(collection, key string) (Doc, error)
	Put(collection, key string, data Data, opts ...PutOption) error
	Delete(collection, key string) error
}

type Store interface {
	Put(ctx context.Context, collection, key string, data Data, opts ...PutOption) error
	// Get returns an apperr.ErrNotFound error when the document does not exist.
	Get(ctx context.Context, collection, key string) (Doc, error)
	Query(ctx context.Context, q Query) ([]Doc, error)
	Watch(ctx context.Context, q Query) (Watcher, error)
	// Delete is a no-op for missing documents.
	Delete(ctx context.Context, collection, key string) error
	// RunTransaction applies every write of fn atomically, or none of them when
	// fn or the commit fails.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
