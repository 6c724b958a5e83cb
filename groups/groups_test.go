package groups

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/klipach/gatedchat/apperr"
	"github.com/klipach/gatedchat/contract"
	"github.com/klipach/gatedchat/messages"
	"github.com/klipach/gatedchat/objstore"
	"github.com/klipach/gatedchat/store/memstore"
	"github.com/klipach/gatedchat/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	u1 = contract.User{UID: "u1", DisplayName: "Ann"}
	u2 = contract.User{UID: "u2", Email: "bob@example.com"}
)

func setup(images bool) (*Registry, *objstore.Memory) {
	st := memstore.New()
	objects := objstore.NewMemory("bucket")
	return New(st, users.New(st), messages.New(st, messages.Options{}), objects, Options{EnableGroupImages: images}), objects
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	r, _ := setup(false)

	g, err := r.Create(ctx, "u1", "Team")
	require.NoError(t, err)
	assert.NotEmpty(t, g.ID)
	assert.Equal(t, "Team", g.Name)
	assert.Equal(t, []string{"u1"}, g.Members)

	stored, err := r.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, g, stored)

	_, err = r.Create(ctx, "u1", "   ")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListFor(t *testing.T) {
	ctx := context.Background()
	r, _ := setup(false)

	g, err := r.Create(ctx, "u1", "Team")
	require.NoError(t, err)

	sub1, err := r.ListFor(ctx, "u1")
	require.NoError(t, err)
	defer sub1.Cancel()
	u := <-sub1.Updates()
	require.Len(t, u.Items, 1)
	assert.Equal(t, g.ID, u.Items[0].ID)

	sub2, err := r.ListFor(ctx, "u2")
	require.NoError(t, err)
	defer sub2.Cancel()
	u = <-sub2.Updates()
	assert.Empty(t, u.Items)

	// joining shows up in the joiner's live list
	_, err = r.Join(ctx, g.ID, "u2")
	require.NoError(t, err)
	select {
	case u = <-sub2.Updates():
		require.Len(t, u.Items, 1)
		assert.Equal(t, []string{"u1", "u2"}, u.Items[0].Members)
	case <-time.After(2 * time.Second):
		t.Fatal("join not delivered")
	}
}

func TestJoin(t *testing.T) {
	ctx := context.Background()
	r, _ := setup(false)
	g, err := r.Create(ctx, "u1", "Team")
	require.NoError(t, err)

	g, err = r.Join(ctx, g.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, g.Members)

	g, err = r.Join(ctx, g.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, g.Members)

	_, err = r.Join(ctx, "missing", "u2")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSendMessageMembersOnly(t *testing.T) {
	ctx := context.Background()
	r, _ := setup(false)
	g, err := r.Create(ctx, "u1", "Team")
	require.NoError(t, err)

	m, err := r.SendMessage(ctx, g.ID, u1, "hello team")
	require.NoError(t, err)
	assert.Equal(t, "Ann", m.SenderName)

	_, err = r.SendMessage(ctx, g.ID, u2, "let me in")
	assert.ErrorIs(t, err, apperr.ErrPermission)

	_, err = r.SubscribeMessages(ctx, g.ID, "u2")
	assert.ErrorIs(t, err, apperr.ErrPermission)

	_, err = r.SendMessage(ctx, "missing", u1, "hi")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = r.Join(ctx, g.ID, "u2")
	require.NoError(t, err)
	m, err = r.SendMessage(ctx, g.ID, u2, "thanks")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", m.SenderName)

	sub, err := r.SubscribeMessages(ctx, g.ID, "u2")
	require.NoError(t, err)
	defer sub.Cancel()
	u := <-sub.Updates()
	require.Len(t, u.Items, 2)
	assert.Equal(t, "hello team", u.Items[0].Text)
	assert.Equal(t, "thanks", u.Items[1].Text)
}

func TestSendUsesStoredProfile(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	dir := users.New(st)
	r := New(st, dir, messages.New(st, messages.Options{}), objstore.NewMemory("bucket"), Options{EnableGroupImages: true})
	_, err := dir.Ensure(ctx, u1)
	require.NoError(t, err)
	_, err = dir.Rename(ctx, "u1", "Annie")
	require.NoError(t, err)
	g, err := r.Create(ctx, "u1", "Team")
	require.NoError(t, err)

	// u1 still carries the name from sign-in
	m, err := r.SendMessage(ctx, g.ID, u1, "hello")
	require.NoError(t, err)
	assert.Equal(t, "Annie", m.SenderName)

	m, err = r.SendImage(ctx, g.ID, u1, "image/png", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "Annie", m.SenderName)
}

func TestSendImage(t *testing.T) {
	ctx := context.Background()
	r, objects := setup(true)
	g, err := r.Create(ctx, "u1", "Team")
	require.NoError(t, err)

	m, err := r.SendImage(ctx, g.ID, u1, "image/png", []byte("png"))
	require.NoError(t, err)
	assert.Empty(t, m.Text)
	assert.True(t, strings.HasPrefix(m.ImageURL, "https://firebasestorage.googleapis.com/v0/b/bucket/o/groupImages%2F"+g.ID+"%2F"))
	assert.Equal(t, 1, objects.Len())

	_, err = r.SendImage(ctx, g.ID, u2, "image/png", []byte("png"))
	assert.ErrorIs(t, err, apperr.ErrPermission)
	assert.Equal(t, 1, objects.Len(), "nothing uploaded for non-members")

	_, err = r.SendImage(ctx, g.ID, u1, "image/png", nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSendImageDisabled(t *testing.T) {
	ctx := context.Background()
	r, objects := setup(false)
	g, err := r.Create(ctx, "u1", "Team")
	require.NoError(t, err)

	_, err = r.SendImage(ctx, g.ID, u1, "image/png", []byte("png"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 0, objects.Len())
}
