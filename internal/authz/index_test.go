package authz

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/store"
)

// plainVerifier compares passwords verbatim to keep tests fast.
var plainVerifier = PasswordVerifierFunc(func(password, hash string) bool {
	return hash != "" && password == hash
})

func newTestIndex(t *testing.T) (*Index, *git.Repository) {
	t.Helper()
	repo := git.NewTestRepository(t)
	engine, err := store.New(repo)
	require.NoError(t, err)
	idx, err := NewIndex(engine, WithVerifier(plainVerifier))
	require.NoError(t, err)
	return idx, repo
}

func TestRolesOf(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx, repo := newTestIndex(t)

	git.CommitFiles(t, repo, git.SecretsRef, map[string][]byte{
		"users/git/ci": []byte(`{"roles":["pull","push"],"password":"pw"}`),
	})
	git.CommitFiles(t, repo, plumbing.Master, map[string][]byte{
		"users/user/alice": []byte(`{"roles":["w"],"password":"pw"}`),
		"users/git/ci":     []byte(`{"roles":["secrets"]}`),
	})

	roles, found, err := idx.RolesOf(ctx, "ci", plumbing.Master, "git")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"pull", "push"}, roles, "git realm is read from the secrets ref")

	roles, found, err = idx.RolesOf(ctx, "alice", plumbing.Master, "user")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"w"}, roles)

	_, found, err = idx.RolesOf(ctx, "alice", "refs/heads/dev", "user")
	require.NoError(t, err)
	assert.False(t, found, "missing ref is unknown, not an error")

	_, found, err = idx.RolesOf(ctx, "nobody", plumbing.Master, "user")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRolesOfCorruptedRecord(t *testing.T) {
	t.Parallel()
	idx, repo := newTestIndex(t)

	git.CommitFiles(t, repo, plumbing.Master, map[string][]byte{
		"users/user/alice": []byte(`{"roles":"w"}`),
	})

	_, _, err := idx.RolesOf(context.Background(), "alice", plumbing.Master, "user")
	require.ErrorIs(t, err, store.ErrCorruptedSource)
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx, repo := newTestIndex(t)

	git.CommitFiles(t, repo, plumbing.Master, map[string][]byte{
		"users/user/alice": []byte(`{"roles":["w"],"password":"secret"}`),
		"users/admin/root": []byte(`{"roles":[],"password":"toor"}`),
		"users/user/nopw":  []byte(`{"roles":["w"]}`),
	})

	id, ok, err := idx.Authenticate(ctx, "alice", "secret", plumbing.Master, "user")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Identity{Name: "alice", Realm: "user", Roles: []string{"w"}}, id)

	id, ok, err = idx.Authenticate(ctx, "root", "toor", plumbing.Master, "admin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, id.Admin)

	_, ok, err = idx.Authenticate(ctx, "alice", "wrong", plumbing.Master, "user")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = idx.Authenticate(ctx, "nopw", "", plumbing.Master, "user")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = idx.Authenticate(ctx, "ghost", "x", plumbing.Master, "user")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecideWriteRolesScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx, _ := newTestIndex(t)

	lacking := Identity{Name: "bob", Realm: "user", Roles: []string{"r"}}
	holding := Identity{Name: "alice", Realm: "user", Roles: []string{"w"}}

	ok, err := idx.Decide(ctx, lacking, ActionWrite, "refs/heads/master:a", []string{"w"}, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = idx.Decide(ctx, holding, ActionWrite, "refs/heads/master:a", []string{"w"}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUserDataPreservesExtraFields(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"roles":["w"],"password":"h","email":"a@example.com","quota":{"keys":10}}`)
	u, err := ParseUserData("users/user/alice", "refs/heads/master", raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"w"}, u.Roles)
	assert.Equal(t, "h", u.Password)
	require.Contains(t, u.Extra, "email")

	u.Roles = append(u.Roles, "r")
	out, err := u.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"roles":["w","r"],"password":"h","email":"a@example.com","quota":{"keys":10}}`, string(out))

	empty, err := json.Marshal(UserData{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"roles":[]}`, string(empty))

	_, err = ParseUserData("users/user/alice", "", []byte(`{"password":"h"}`))
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestBcryptVerifier(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.True(t, BcryptVerifier{}.Verify("s3cret", hash))
	assert.False(t, BcryptVerifier{}.Verify("nope", hash))
	assert.False(t, BcryptVerifier{}.Verify("s3cret", ""))

	_, err = HashPassword("")
	require.Error(t, err)
}

func TestIdentityContext(t *testing.T) {
	t.Parallel()

	id, ok := IdentityFromContext(context.Background())
	assert.False(t, ok)
	assert.True(t, id.IsAnonymous())

	ctx := WithIdentity(context.Background(), Identity{Name: "alice", Roles: []string{"w"}})
	id, ok = IdentityFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "alice", id.Name)
	assert.True(t, id.HasRole("w"))
	assert.False(t, id.HasRole("r"))
}
