package users

import (
	"context"
	"testing"

	"github.com/klipach/gatedchat/apperr"
	"github.com/klipach/gatedchat/contract"
	"github.com/klipach/gatedchat/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsure(t *testing.T) {
	ctx := context.Background()
	d := New(memstore.New())

	u, err := d.Ensure(ctx, contract.User{UID: "u1", Email: "ann@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", u.DisplayName)
	assert.Equal(t, contract.GenderMale, u.Gender)

	// second sign in keeps the stored profile
	_, err = d.Rename(ctx, "u1", "Ann")
	require.NoError(t, err)
	u, err = d.Ensure(ctx, contract.User{UID: "u1", DisplayName: "Google Name", Email: "ann@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Ann", u.DisplayName)

	_, err = d.Ensure(ctx, contract.User{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestGetAndFind(t *testing.T) {
	ctx := context.Background()
	d := New(memstore.New())
	_, err := d.Ensure(ctx, contract.User{UID: "u1", DisplayName: "Ann", Email: "ann@example.com", Gender: contract.GenderFemale})
	require.NoError(t, err)

	tests := []struct {
		name    string
		lookup  func() (contract.User, error)
		wantUID string
		wantErr error
	}{
		{name: "get", lookup: func() (contract.User, error) { return d.Get(ctx, "u1") }, wantUID: "u1"},
		{name: "get unknown", lookup: func() (contract.User, error) { return d.Get(ctx, "nope") }, wantErr: apperr.ErrNotFound},
		{name: "find", lookup: func() (contract.User, error) { return d.FindByEmail(ctx, " ann@example.com ") }, wantUID: "u1"},
		{name: "find unknown", lookup: func() (contract.User, error) { return d.FindByEmail(ctx, "bob@example.com") }, wantErr: apperr.ErrNotFound},
		{name: "find empty", lookup: func() (contract.User, error) { return d.FindByEmail(ctx, "") }, wantErr: apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := tt.lookup()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUID, u.UID)
			assert.Equal(t, contract.GenderFemale, u.Gender)
		})
	}
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	d := New(memstore.New())
	_, err := d.Ensure(ctx, contract.User{UID: "u1", DisplayName: "Ann", Email: "ann@example.com"})
	require.NoError(t, err)

	_, err = d.Rename(ctx, "u1", "  ")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = d.Rename(ctx, "u2", "Bob")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	u, err := d.Rename(ctx, "u1", "Annie")
	require.NoError(t, err)
	assert.Equal(t, "Annie", u.DisplayName)

	u, err = d.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Annie", u.DisplayName)
	assert.Equal(t, "ann@example.com", u.Email)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	d := New(memstore.New())
	_, err := d.Ensure(ctx, contract.User{UID: "u1", DisplayName: "Ann"})
	require.NoError(t, err)
	_, err = d.Rename(ctx, "u1", "Annie")
	require.NoError(t, err)

	u, err := d.Resolve(ctx, contract.User{UID: "u1", DisplayName: "Ann"})
	require.NoError(t, err)
	assert.Equal(t, "Annie", u.DisplayName)

	unknown := contract.User{UID: "u2", DisplayName: "Bob"}
	u, err = d.Resolve(ctx, unknown)
	require.NoError(t, err)
	assert.Equal(t, unknown, u)
}
