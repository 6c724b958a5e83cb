package fsstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klipach/gatedchat/apperr"
	"github.com/klipach/gatedchat/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openEmulator connects to the Firestore emulator named by FIRESTORE_EMULATOR_HOST.
func openEmulator(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	s, closeFn, err := Open(context.Background(), "gatedchat-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })
	return s
}

func TestEncode(t *testing.T) {
	data := store.Data{"seen": false, "timestamp": store.ServerTimestamp}
	out := encode(data)
	assert.Equal(t, false, out["seen"])
	assert.NotEqual(t, store.ServerTimestamp, out["timestamp"])
	assert.Equal(t, store.ServerTimestamp, data["timestamp"], "input left untouched")
}

func TestEmulatorPutGetQuery(t *testing.T) {
	s := openEmulator(t)
	ctx := context.Background()
	coll := "groups-" + uuid.NewString()

	require.NoError(t, s.Put(ctx, coll, "g1", store.Data{"name": "Team", "members": []string{"u1"}}))
	require.NoError(t, s.Put(ctx, coll, "g2", store.Data{"name": "Other", "members": []string{"u2"}}))
	require.NoError(t, s.Put(ctx, coll, "g1", store.Data{"createdBy": "u1"}, store.Merge()))

	doc, err := s.Get(ctx, coll, "g1")
	require.NoError(t, err)
	assert.Equal(t, "Team", doc.Data["name"])
	assert.Equal(t, "u1", doc.Data["createdBy"])

	docs, err := s.Query(ctx, store.Query{Collection: coll, Filters: []store.Filter{store.ArrayContains("members", "u1")}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "g1", docs[0].Key)

	require.NoError(t, s.Delete(ctx, coll, "g1"))
	_, err = s.Get(ctx, coll, "g1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestEmulatorWatch(t *testing.T) {
	s := openEmulator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	coll := "messages-" + uuid.NewString()

	w, err := s.Watch(ctx, store.Query{Collection: coll, OrderBy: "timestamp"})
	require.NoError(t, err)
	defer w.Stop()

	snap, err := w.Next()
	require.NoError(t, err)
	assert.Empty(t, snap.Docs)

	require.NoError(t, s.Put(ctx, coll, "m1", store.Data{"text": "hi", "timestamp": store.ServerTimestamp}))
	snap, err = w.Next()
	require.NoError(t, err)
	require.Len(t, snap.Changes, 1)
	assert.Equal(t, store.Added, snap.Changes[0].Kind)
	assert.IsType(t, time.Time{}, snap.Changes[0].Doc.Data["timestamp"])

	w.Stop()
	_, err = w.Next()
	assert.ErrorIs(t, err, store.ErrWatchStopped)
}

func TestEmulatorTransaction(t *testing.T) {
	s := openEmulator(t)
	ctx := context.Background()
	req := "requests-" + uuid.NewString()
	edges := "edges-" + uuid.NewString()
	require.NoError(t, s.Put(ctx, req, "a", store.Data{"uid": "a"}))

	err := s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		doc, err := tx.Get(req, "a")
		if err != nil {
			return err
		}
		if err := tx.Put(edges, "a", doc.Data); err != nil {
			return err
		}
		return tx.Delete(req, "a")
	})
	require.NoError(t, err)

	_, err = s.Get(ctx, req, "a")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.Get(ctx, edges, "a")
	assert.NoError(t, err)
}
