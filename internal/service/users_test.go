package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/store"
)

func TestUserLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	root := asAdmin("root")

	version, err := f.svc.AddUser(root, master, "user", "carol",
		WithUserData[AddUserOptions](authz.UserData{Roles: []string{"reader"}}),
		WithPassword[AddUserOptions]("s3cret"))
	require.NoError(t, err)

	u, got, err := f.svc.GetUser(root, master, "user", "carol")
	require.NoError(t, err)
	assert.Equal(t, version, got)
	assert.Equal(t, []string{"reader"}, u.Roles)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.Password), []byte("s3cret")))

	_, err = f.svc.AddUser(root, master, "user", "carol",
		WithUserData[AddUserOptions](authz.UserData{}))
	require.ErrorIs(t, err, store.ErrKeyAlreadyExist)

	updated, err := f.svc.UpdateUser(root, master, "user", "carol",
		WithUserData[UpdateUserOptions](authz.UserData{Roles: []string{"reader", "writer"}}),
		WithExpectedVersion[UpdateUserOptions](version))
	require.NoError(t, err)
	assert.NotEqual(t, version, updated)

	u, _, err = f.svc.GetUser(root, master, "user", "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"reader", "writer"}, u.Roles)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.Password), []byte("s3cret")), "password hash kept")

	_, err = f.svc.UpdateUser(root, master, "user", "carol",
		WithUserData[UpdateUserOptions](authz.UserData{}),
		WithExpectedVersion[UpdateUserOptions](version))
	require.ErrorIs(t, err, store.ErrVersionIsNotSame)

	require.NoError(t, f.svc.DeleteUser(root, master, "user", "carol",
		WithExpectedVersion[DeleteUserOptions](updated)))

	_, _, err = f.svc.GetUser(root, master, "user", "carol")
	require.ErrorIs(t, err, store.ErrNotFound)
	err = f.svc.DeleteUser(root, master, "user", "carol")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateUserRequiresVersion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.UpdateUser(asAdmin("root"), master, "user", "bob",
		WithUserData[UpdateUserOptions](authz.UserData{}))
	require.ErrorIs(t, err, store.ErrBadRequest)
}

func TestGetUserAccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name string
		ctx  context.Context
		want error
	}{
		{name: "self", ctx: bob},
		{name: "admin", ctx: asAdmin("ops")},
		{name: "other user", ctx: alice, want: store.ErrAccessDenied},
		{name: "same name in another realm", ctx: authz.WithIdentity(context.Background(),
			authz.Identity{Name: "bob", Realm: "git"}), want: store.ErrAccessDenied},
		{name: "anonymous", ctx: anon, want: store.ErrAccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, _, err := f.svc.GetUser(tt.ctx, master, "user", "bob")
			if tt.want != nil {
				require.ErrorIs(t, err, tt.want)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"reader"}, u.Roles)
		})
	}
}

func TestManagingUsersNeedsAdmin(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.AddUser(alice, master, "user", "dave",
		WithUserData[AddUserOptions](authz.UserData{Roles: []string{"writer"}}))
	require.ErrorIs(t, err, store.ErrAccessDenied)

	err = f.svc.DeleteUser(alice, master, "user", "bob")
	require.ErrorIs(t, err, store.ErrAccessDenied)
}

func TestGitRealmNeedsSecretsRole(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	data := WithUserData[AddUserOptions](authz.UserData{Roles: []string{"pull"}})

	_, err := f.svc.AddUser(asAdmin("ops"), master, "git", "ci", data)
	require.ErrorIs(t, err, store.ErrAccessDenied)

	_, err = f.svc.AddUser(asAdmin("root"), master, "git", "ci", data)
	require.NoError(t, err)

	u, _, err := f.svc.GetUser(asAdmin("root"), "refs/heads/anything", "git", "ci")
	require.NoError(t, err, "git records live on the secrets ref whatever ref is named")
	assert.Equal(t, []string{"pull"}, u.Roles)

	_, err = f.svc.AddUser(authz.WithIdentity(context.Background(), authz.System), master, "git", "bot", data)
	require.NoError(t, err)
}

func TestUserTargetValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	root := asAdmin("root")

	_, _, err := f.svc.GetUser(root, master, "nope", "bob")
	require.ErrorIs(t, err, store.ErrBadRequest)

	_, _, err = f.svc.GetUser(root, master, "user", "../bob")
	require.ErrorIs(t, err, store.ErrBadRequest)

	_, err = f.svc.AddUser(root, master, "user", "erin")
	require.ErrorIs(t, err, store.ErrBadRequest)
}
