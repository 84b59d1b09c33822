package push

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/reflock"
	"github.com/stacklok/gitkv/internal/store"
)

type fixture struct {
	repo     *git.Repository
	engine   *store.Engine
	locks    *reflock.Registry
	receiver *Receiver
	master   plumbing.Hash
	secrets  plumbing.Hash
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := git.NewTestRepository(t)

	secrets := git.CommitFiles(t, repo, git.SecretsRef, map[string][]byte{
		"users/git/pusher": []byte(`{"roles":["pull","push"]}`),
		"users/git/forcer": []byte(`{"roles":["pull","push","forcepush"]}`),
		"users/git/keeper": []byte(`{"roles":["pull","push","secrets"]}`),
		"users/git/reader": []byte(`{"roles":["pull"]}`),
	})
	master := git.CommitFiles(t, repo, plumbing.Master, map[string][]byte{
		"k":          []byte("guarded"),
		"k.metadata": []byte(`{"protected":true}`),
		"free":       []byte("v"),
	})

	engine, err := store.New(repo)
	require.NoError(t, err)
	index, err := authz.NewIndex(engine)
	require.NoError(t, err)
	locks := reflock.New(200 * time.Millisecond)

	return &fixture{
		repo:     repo,
		engine:   engine,
		locks:    locks,
		receiver: NewReceiver(repo, locks, NewValidator(engine, index), nil),
		master:   master,
		secrets:  secrets,
	}
}

// commit builds a commit on base without moving any ref, as if its objects
// had arrived in a pack.
func (f *fixture) commit(t *testing.T, base plumbing.Hash, mutations ...git.Mutation) plumbing.Hash {
	t.Helper()
	res, err := f.repo.BuildCommit(context.Background(), git.CommitRequest{
		Base:      base,
		Mutations: mutations,
		Author:    git.TestAuthor,
		Message:   "pushed",
	})
	require.NoError(t, err)
	return res.Commit
}

func as(name string) context.Context {
	return authz.WithIdentity(context.Background(), authz.Identity{Name: name, Realm: "git"})
}

func (f *fixture) tip(t *testing.T, ref plumbing.ReferenceName) plumbing.Hash {
	t.Helper()
	h, err := f.repo.Reference(context.Background(), ref)
	if err != nil {
		return plumbing.ZeroHash
	}
	return h
}

func TestFastForwardPushIsAccepted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	next := f.commit(t, f.master, git.Put("free", []byte("v2")))

	report, err := f.receiver.Receive(as("pusher"), git.PushRequest{
		Updates: []git.RefUpdate{{Name: plumbing.Master, Old: f.master, New: next}},
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.True(t, report.Results[0].Accepted, report.Results[0].Reason)

	info, err := f.engine.Get(context.Background(), plumbing.Master, "free")
	require.NoError(t, err)
	content, err := info.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))
}

func TestMalformedMetadataRejectsWholePush(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	bad := f.commit(t, f.master, git.Put("free.metadata", []byte(`{"contentType":`)))
	other := f.commit(t, f.master, git.Put("other", []byte("x")))

	report, err := f.receiver.Receive(as("forcer"), git.PushRequest{
		Updates: []git.RefUpdate{
			{Name: plumbing.Master, Old: f.master, New: bad},
			{Name: "refs/heads/dev", New: other},
		},
	})
	require.NoError(t, err)
	assert.True(t, report.AllRejected())
	for _, res := range report.Results {
		assert.Contains(t, res.Reason, "refs/heads/master")
		assert.Contains(t, res.Reason, "free.metadata")
	}
	assert.Equal(t, f.master, f.tip(t, plumbing.Master))
	assert.True(t, f.tip(t, "refs/heads/dev").IsZero())
}

func TestSchemaViolatingMetadataRejectsWholePush(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	bad := f.commit(t, f.master, git.Put("dir/.metadata", []byte(`{"protected":"yes"}`)))

	report, err := f.receiver.Receive(as("pusher"), git.PushRequest{
		Updates: []git.RefUpdate{{Name: plumbing.Master, Old: f.master, New: bad}},
	})
	require.NoError(t, err)
	require.True(t, report.AllRejected())
	reason := report.Results[0].Reason
	assert.Contains(t, reason, "invalid dir/.metadata on refs/heads/master: at '/protected': got string, want boolean")
	assert.NotContains(t, reason, "file://")
	assert.NotContains(t, reason, "\n", "report-status reasons are single pkt-lines")
}

func TestInvalidUserRecordRejectsWholePush(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name string
		path string
		data string
	}{
		{name: "missing roles", path: "users/user/alice", data: `{"password":"x"}`},
		{name: "unknown realm", path: "users/nobody/alice", data: `{"roles":[]}`},
		{name: "not a record path", path: "users/alice", data: `{"roles":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := f.commit(t, f.master, git.Put(tt.path, []byte(tt.data)))
			report, err := f.receiver.Receive(as("pusher"), git.PushRequest{
				Updates: []git.RefUpdate{{Name: plumbing.Master, Old: f.master, New: next}},
			})
			require.NoError(t, err)
			require.True(t, report.AllRejected())
			assert.Contains(t, report.Results[0].Reason, tt.path)
		})
	}
	assert.Equal(t, f.master, f.tip(t, plumbing.Master))
}

func TestGitRoles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		user       string
		update     func(f *fixture, t *testing.T) git.RefUpdate
		wantReason string
	}{
		{
			name: "anonymous needs push",
			user: "",
			update: func(f *fixture, t *testing.T) git.RefUpdate {
				return git.RefUpdate{Name: plumbing.Master, Old: f.master, New: f.commit(t, f.master, git.Put("free", []byte("x")))}
			},
			wantReason: ReasonPushRequired,
		},
		{
			name: "pull only needs push",
			user: "reader",
			update: func(f *fixture, t *testing.T) git.RefUpdate {
				return git.RefUpdate{Name: plumbing.Master, Old: f.master, New: f.commit(t, f.master, git.Put("free", []byte("x")))}
			},
			wantReason: ReasonPushRequired,
		},
		{
			name: "non fast-forward needs forcepush",
			user: "pusher",
			update: func(f *fixture, t *testing.T) git.RefUpdate {
				return git.RefUpdate{Name: plumbing.Master, Old: f.master, New: f.commit(t, plumbing.ZeroHash, git.Put("free", []byte("x")))}
			},
			wantReason: ReasonForcePushRequired,
		},
		{
			name: "forcer may rewrite history",
			user: "forcer",
			update: func(f *fixture, t *testing.T) git.RefUpdate {
				return git.RefUpdate{Name: plumbing.Master, Old: f.master, New: f.commit(t, plumbing.ZeroHash, git.Put("k", []byte("x")))}
			},
		},
		{
			name: "branch deletion needs forcepush",
			user: "pusher",
			update: func(f *fixture, _ *testing.T) git.RefUpdate {
				return git.RefUpdate{Name: plumbing.Master, Old: f.master}
			},
			wantReason: ReasonForcePushRequired,
		},
		{
			name: "branch deletion removes protected keys",
			user: "forcer",
			update: func(f *fixture, _ *testing.T) git.RefUpdate {
				return git.RefUpdate{Name: plumbing.Master, Old: f.master}
			},
		},
		{
			name: "creating a tag needs push only",
			user: "pusher",
			update: func(f *fixture, _ *testing.T) git.RefUpdate {
				return git.RefUpdate{Name: "refs/tags/v1", New: f.master}
			},
		},
		{
			name: "secrets ref needs secrets",
			user: "forcer",
			update: func(f *fixture, t *testing.T) git.RefUpdate {
				return git.RefUpdate{Name: git.SecretsRef, Old: f.secrets, New: f.commit(t, f.secrets, git.Put("users/git/new", []byte(`{"roles":["pull"]}`)))}
			},
			wantReason: ReasonSecretsRequired,
		},
		{
			name: "keeper may change secrets",
			user: "keeper",
			update: func(f *fixture, t *testing.T) git.RefUpdate {
				return git.RefUpdate{Name: git.SecretsRef, Old: f.secrets, New: f.commit(t, f.secrets, git.Put("users/git/new", []byte(`{"roles":["pull"]}`)))}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			u := tt.update(f, t)

			ctx := context.Background()
			if tt.user != "" {
				ctx = as(tt.user)
			}
			report, err := f.receiver.Receive(ctx, git.PushRequest{Updates: []git.RefUpdate{u}})
			require.NoError(t, err)
			require.Len(t, report.Results, 1)

			res := report.Results[0]
			if tt.wantReason == "" {
				assert.True(t, res.Accepted, res.Reason)
				assert.Equal(t, u.New, f.tip(t, u.Name))
				return
			}
			assert.False(t, res.Accepted)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, u.Old, f.tip(t, u.Name))
		})
	}
}

func TestRejectedSecretsUpdateDoesNotBlockOtherRefs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	secrets := f.commit(t, f.secrets, git.Put("users/git/pusher", []byte(`{"roles":["pull","push","secrets"]}`)))
	master := f.commit(t, f.master, git.Put("free", []byte("x")))

	report, err := f.receiver.Receive(as("pusher"), git.PushRequest{
		Updates: []git.RefUpdate{
			{Name: git.SecretsRef, Old: f.secrets, New: secrets},
			{Name: plumbing.Master, Old: f.master, New: master},
		},
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, ReasonSecretsRequired, report.Results[0].Reason)
	assert.True(t, report.Results[1].Accepted)
	assert.Equal(t, f.secrets, f.tip(t, git.SecretsRef))
}

func TestProtectedKeyDeletion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutations []git.Mutation
		wantOK    bool
	}{
		{name: "deleting protected content", mutations: []git.Mutation{git.Remove("k")}},
		{name: "deleting protected content and sidecar", mutations: []git.Mutation{git.Remove("k"), git.Remove("k.metadata")}},
		{name: "deleting unprotected content leaves a phantom", mutations: []git.Mutation{git.Remove("free")}, wantOK: true},
		{name: "dropping protection keeps content", mutations: []git.Mutation{git.Remove("k.metadata")}, wantOK: true},
		{name: "updating protected content", mutations: []git.Mutation{git.Put("k", []byte("new"))}, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			next := f.commit(t, f.master, tt.mutations...)

			report, err := f.receiver.Receive(as("forcer"), git.PushRequest{
				Updates: []git.RefUpdate{{Name: plumbing.Master, Old: f.master, New: next}},
			})
			require.NoError(t, err)
			res := report.Results[0]
			if tt.wantOK {
				assert.True(t, res.Accepted, res.Reason)
				return
			}
			assert.False(t, res.Accepted)
			assert.Contains(t, res.Reason, ReasonProtectedKey)
			assert.Contains(t, res.Reason, "k")
		})
	}
}

func TestStaleUpdateIsRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	next := f.commit(t, f.master, git.Put("free", []byte("x")))
	git.CommitFiles(t, f.repo, plumbing.Master, map[string][]byte{"free": []byte("moved")})

	report, err := f.receiver.Receive(as("forcer"), git.PushRequest{
		Updates: []git.RefUpdate{{Name: plumbing.Master, Old: f.master, New: next}},
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonStale, report.Results[0].Reason)
}

func TestPushWaitsForRefLocks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	next := f.commit(t, f.master, git.Put("free", []byte("x")))

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = f.locks.WithLock(context.Background(), plumbing.Master, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	report, err := f.receiver.Receive(as("pusher"), git.PushRequest{
		Updates: []git.RefUpdate{{Name: plumbing.Master, Old: f.master, New: next}},
	})
	require.NoError(t, err)
	require.True(t, report.AllRejected())
	assert.Equal(t, ReasonFailedToLock, report.Results[0].Reason)
	assert.Equal(t, f.master, f.tip(t, plumbing.Master))
}
