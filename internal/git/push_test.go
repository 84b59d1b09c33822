package git

import (
	"context"
	"errors"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptPushUnpacksAndMovesRefs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client := NewTestRepository(t)
	server := NewTestRepository(t)

	commit := CommitFiles(t, client, plumbing.Master, map[string][]byte{"k": []byte("pushed")})
	pack := EncodePack(t, client, commit)

	var events []RefEvent
	server.OnRefUpdate(func(ev RefEvent) { events = append(events, ev) })

	var reviewed []RefUpdate
	hook := PushHookFunc(func(_ context.Context, updates []RefUpdate) (map[plumbing.ReferenceName]string, error) {
		reviewed = updates
		return nil, nil
	})

	report, err := server.AcceptPush(ctx, PushRequest{
		Updates: []RefUpdate{{Name: plumbing.Master, New: commit}},
		Pack:    pack,
	}, hook)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.True(t, report.Results[0].Accepted)
	assert.Len(t, reviewed, 1)
	assert.True(t, reviewed[0].IsCreate())

	head, err := server.Resolve(ctx, plumbing.Master)
	require.NoError(t, err)
	assert.Equal(t, commit, head)
	tree := collectTree(t, server, head)
	assert.Equal(t, "pushed", readAll(t, server, tree["k"].Blob))
	require.Len(t, events, 1)
	assert.Equal(t, commit, events[0].New)
}

func TestAcceptPushHookRejectsWholePush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewTestRepository(t)

	base := CommitFiles(t, repo, plumbing.Master, map[string][]byte{"a": []byte("1")})
	res, err := repo.BuildCommit(ctx, CommitRequest{Base: base, Mutations: []Mutation{Put("a", []byte("2"))}, Author: TestAuthor})
	require.NoError(t, err)

	hook := PushHookFunc(func(context.Context, []RefUpdate) (map[plumbing.ReferenceName]string, error) {
		return nil, errors.New("invalid metadata a.metadata on refs/heads/master")
	})
	report, err := repo.AcceptPush(ctx, PushRequest{Updates: []RefUpdate{
		{Name: plumbing.Master, Old: base, New: res.Commit},
		{Name: "refs/heads/other", New: res.Commit},
	}}, hook)
	require.NoError(t, err)
	assert.True(t, report.AllRejected())
	for _, r := range report.Results {
		assert.Contains(t, r.Reason, "refs/heads/master")
	}

	head, err := repo.Resolve(ctx, plumbing.Master)
	require.NoError(t, err)
	assert.Equal(t, base, head)
	_, err = repo.Resolve(ctx, "refs/heads/other")
	require.ErrorIs(t, err, ErrRefNotFound)
}

func TestAcceptPushPerRefRejection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewTestRepository(t)

	base := CommitFiles(t, repo, plumbing.Master, map[string][]byte{"a": []byte("1")})
	res, err := repo.BuildCommit(ctx, CommitRequest{Base: base, Mutations: []Mutation{Put("a", []byte("2"))}, Author: TestAuthor})
	require.NoError(t, err)

	hook := PushHookFunc(func(context.Context, []RefUpdate) (map[plumbing.ReferenceName]string, error) {
		return map[plumbing.ReferenceName]string{SecretsRef: "secrets role required"}, nil
	})
	report, err := repo.AcceptPush(ctx, PushRequest{Updates: []RefUpdate{
		{Name: plumbing.Master, Old: base, New: res.Commit},
		{Name: SecretsRef, New: res.Commit},
	}}, hook)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.True(t, report.Results[0].Accepted)
	assert.False(t, report.Results[1].Accepted)
	assert.Equal(t, "secrets role required", report.Results[1].Reason)
	assert.Equal(t, []RefUpdate{{Name: plumbing.Master, Old: base, New: res.Commit}}, report.Accepted())
}

func TestAcceptPushStaleOldIsRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewTestRepository(t)

	base := CommitFiles(t, repo, plumbing.Master, map[string][]byte{"a": []byte("1")})
	moved := CommitFiles(t, repo, plumbing.Master, map[string][]byte{"a": []byte("2")})
	res, err := repo.BuildCommit(ctx, CommitRequest{Base: base, Mutations: []Mutation{Put("a", []byte("3"))}, Author: TestAuthor})
	require.NoError(t, err)

	report, err := repo.AcceptPush(ctx, PushRequest{Updates: []RefUpdate{
		{Name: plumbing.Master, Old: base, New: res.Commit},
	}}, nil)
	require.NoError(t, err)
	assert.True(t, report.AllRejected())
	assert.Equal(t, "stale info", report.Results[0].Reason)

	head, err := repo.Resolve(ctx, plumbing.Master)
	require.NoError(t, err)
	assert.Equal(t, moved, head)
}

func TestAcceptPushMissingObjects(t *testing.T) {
	t.Parallel()
	repo := NewTestRepository(t)

	missing := plumbing.NewHash("1111111111111111111111111111111111111111")
	report, err := repo.AcceptPush(context.Background(), PushRequest{Updates: []RefUpdate{
		{Name: plumbing.Master, New: missing},
	}}, nil)
	require.NoError(t, err)
	assert.True(t, report.AllRejected())
	assert.Equal(t, "missing objects", report.Results[0].Reason)
}

func TestReadViewHidesFilteredRefs(t *testing.T) {
	t.Parallel()
	repo := NewTestRepository(t)
	CommitFiles(t, repo, plumbing.Master, map[string][]byte{"a": []byte("1")})
	CommitFiles(t, repo, SecretsRef, map[string][]byte{"users/git/admin": []byte("{}")})

	view := repo.ReadView(func(name plumbing.ReferenceName) bool { return name != SecretsRef })

	_, err := view.Reference(SecretsRef)
	require.ErrorIs(t, err, plumbing.ErrReferenceNotFound)
	_, err = view.Reference(plumbing.Master)
	require.NoError(t, err)

	iter, err := view.IterReferences()
	require.NoError(t, err)
	var names []plumbing.ReferenceName
	require.NoError(t, iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name())
		return nil
	}))
	assert.Contains(t, names, plumbing.Master)
	assert.NotContains(t, names, SecretsRef)

	require.ErrorIs(t, view.SetReference(plumbing.NewHashReference("refs/heads/x", plumbing.ZeroHash)), ErrReadOnly)
}

func TestRejectAllKeepsReasonOnOneLine(t *testing.T) {
	t.Parallel()

	report := rejectAll([]RefUpdate{{Name: plumbing.Master}, {Name: SecretsRef}}, "invalid k.metadata\n- at '/hidden':  bad")
	require.Len(t, report.Results, 2)
	for _, res := range report.Results {
		assert.Equal(t, "invalid k.metadata - at '/hidden': bad", res.Reason)
	}
	assert.True(t, report.AllRejected())
}
