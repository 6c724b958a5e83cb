package presence

import (
	"context"
	"testing"
	"time"

	"github.com/klipach/gatedchat/apperr"
	"github.com/klipach/gatedchat/contract"
	"github.com/klipach/gatedchat/store/memstore"
	"github.com/klipach/gatedchat/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastSeen(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 18, 30, 0, 0, time.UTC)
	st := memstore.New(memstore.WithClock(func() time.Time { return now }))
	dir := users.New(st)
	tr := New(st, dir)

	_, err := dir.Ensure(ctx, contract.User{UID: "u1", DisplayName: "Ann", Email: "ann@example.com"})
	require.NoError(t, err)

	_, ok, err := tr.LastSeen(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tr.RecordLastSeen(ctx, "u1"))

	ts, ok, err := tr.LastSeen(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, now, ts)

	// the profile survives the merge write
	u, err := dir.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", u.DisplayName)
}

func TestUnknownUser(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	tr := New(st, users.New(st))

	assert.ErrorIs(t, tr.RecordLastSeen(ctx, "ghost"), apperr.ErrNotFound)
	_, _, err := tr.LastSeen(ctx, "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
