package git

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, repo *Repository, id plumbing.Hash) string {
	t.Helper()
	rc, err := repo.ReadBlob(context.Background(), id)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func collectTree(t *testing.T, repo *Repository, commit plumbing.Hash) map[string]TreeEntry {
	t.Helper()
	out := map[string]TreeEntry{}
	for e, err := range repo.ReadTree(context.Background(), commit) {
		require.NoError(t, err)
		out[e.Path] = e
	}
	return out
}

func TestResolve(t *testing.T) {
	t.Parallel()
	repo := NewTestRepository(t)
	ctx := context.Background()

	_, err := repo.Resolve(ctx, plumbing.Master)
	require.ErrorIs(t, err, ErrRefNotFound)

	commit := CommitFiles(t, repo, plumbing.Master, map[string][]byte{"a": []byte("1")})
	got, err := repo.Resolve(ctx, plumbing.Master)
	require.NoError(t, err)
	assert.Equal(t, commit, got)
}

func TestNormalizeRef(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want plumbing.ReferenceName
	}{
		{name: "short branch", in: "master", want: "refs/heads/master"},
		{name: "nested branch", in: "feature/x", want: "refs/heads/feature/x"},
		{name: "full branch", in: "refs/heads/dev", want: "refs/heads/dev"},
		{name: "tag", in: "refs/tags/v1", want: "refs/tags/v1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeRef(tt.in))
		})
	}
}

func TestBuildCommitAndReadTree(t *testing.T) {
	t.Parallel()
	repo := NewTestRepository(t)
	ctx := context.Background()

	first := CommitFiles(t, repo, plumbing.Master, map[string][]byte{
		"a":             []byte("alpha"),
		"dir/b":         []byte("beta"),
		"dir/.metadata": []byte("{}"),
		"dir/sub/c":     []byte("gamma"),
	})

	tree := collectTree(t, repo, first)
	require.Contains(t, tree, "a")
	require.Contains(t, tree, "dir")
	require.Contains(t, tree, "dir/sub/c")
	assert.True(t, tree["dir"].IsContainer)
	assert.True(t, tree["dir/sub"].IsContainer)
	assert.False(t, tree["dir/b"].IsContainer)
	assert.Equal(t, "gamma", readAll(t, repo, tree["dir/sub/c"].Blob))

	res, err := repo.BuildCommit(ctx, CommitRequest{
		Base:      first,
		Mutations: []Mutation{Put("dir/b", []byte("beta2")), Remove("dir/sub/c"), Put("e/f", []byte("new"))},
		Author:    TestAuthor,
		Message:   "second",
	})
	require.NoError(t, err)

	// BuildCommit never moves the ref.
	head, err := repo.Resolve(ctx, plumbing.Master)
	require.NoError(t, err)
	assert.Equal(t, first, head)

	tree = collectTree(t, repo, res.Commit)
	assert.NotContains(t, tree, "dir/sub", "empty directories are pruned")
	assert.NotContains(t, tree, "dir/sub/c")
	assert.Equal(t, "beta2", readAll(t, repo, tree["dir/b"].Blob))
	assert.Equal(t, res.Blobs["dir/b"], tree["dir/b"].Blob)
	assert.Equal(t, "new", readAll(t, repo, tree["e/f"].Blob))
	assert.Equal(t, "alpha", readAll(t, repo, tree["a"].Blob))
}

func TestReadTreeIsRestartable(t *testing.T) {
	t.Parallel()
	repo := NewTestRepository(t)
	commit := CommitFiles(t, repo, plumbing.Master, map[string][]byte{"x": []byte("1"), "y/z": []byte("2")})

	seq := repo.ReadTree(context.Background(), commit)
	var first, second []string
	for e, err := range seq {
		require.NoError(t, err)
		first = append(first, e.Path)
	}
	for e, err := range seq {
		require.NoError(t, err)
		second = append(second, e.Path)
	}
	sort.Strings(first)
	sort.Strings(second)
	assert.Equal(t, []string{"x", "y", "y/z"}, first)
	assert.Equal(t, first, second)
}

func TestBuildCommitRejectsInvalidPaths(t *testing.T) {
	t.Parallel()
	repo := NewTestRepository(t)
	ctx := context.Background()
	base := CommitFiles(t, repo, plumbing.Master, map[string][]byte{"file": []byte("1"), "dir/x": []byte("2")})

	tests := []struct {
		name     string
		mutation Mutation
	}{
		{name: "empty", mutation: Put("", []byte("x"))},
		{name: "dot segment", mutation: Put("a/./b", []byte("x"))},
		{name: "parent segment", mutation: Put("../b", []byte("x"))},
		{name: "empty segment", mutation: Put("a//b", []byte("x"))},
		{name: "below a file", mutation: Put("file/child", []byte("x"))},
		{name: "over a directory", mutation: Put("dir", []byte("x"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := repo.BuildCommit(ctx, CommitRequest{Base: base, Mutations: []Mutation{tt.mutation}, Author: TestAuthor})
			require.ErrorIs(t, err, ErrInvalidPath)
		})
	}
}

func TestUpdateRefCompareAndSwap(t *testing.T) {
	t.Parallel()
	repo := NewTestRepository(t)
	ctx := context.Background()

	var events []RefEvent
	var mu sync.Mutex
	repo.OnRefUpdate(func(ev RefEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	c1 := CommitFiles(t, repo, plumbing.Master, map[string][]byte{"a": []byte("1")})
	res, err := repo.BuildCommit(ctx, CommitRequest{Base: c1, Mutations: []Mutation{Put("a", []byte("2"))}, Author: TestAuthor})
	require.NoError(t, err)

	// Creating an existing ref fails.
	err = repo.UpdateRef(ctx, plumbing.Master, plumbing.ZeroHash, res.Commit)
	require.ErrorIs(t, err, ErrRefConflict)

	// Wrong expected value fails.
	err = repo.UpdateRef(ctx, plumbing.Master, res.Commit, res.Commit)
	require.ErrorIs(t, err, ErrRefConflict)

	require.NoError(t, repo.UpdateRef(ctx, plumbing.Master, c1, res.Commit))
	head, err := repo.Resolve(ctx, plumbing.Master)
	require.NoError(t, err)
	assert.Equal(t, res.Commit, head)

	// Delete.
	require.NoError(t, repo.UpdateRef(ctx, plumbing.Master, res.Commit, plumbing.ZeroHash))
	_, err = repo.Resolve(ctx, plumbing.Master)
	require.ErrorIs(t, err, ErrRefNotFound)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, RefEvent{Ref: plumbing.Master, Old: c1, New: res.Commit}, events[1])
	assert.True(t, events[2].New.IsZero())
}

func TestUpdateRefConcurrentWritersOneWins(t *testing.T) {
	t.Parallel()
	repo := NewTestRepository(t)
	ctx := context.Background()
	base := CommitFiles(t, repo, plumbing.Master, map[string][]byte{"a": []byte("0")})

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := repo.BuildCommit(ctx, CommitRequest{
				Base:      base,
				Mutations: []Mutation{Put("a", []byte{byte('a' + i)})},
				Author:    TestAuthor,
			})
			if err != nil {
				return
			}
			if err := repo.UpdateRef(ctx, plumbing.Master, base, res.Commit); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestDiff(t *testing.T) {
	t.Parallel()
	repo := NewTestRepository(t)
	ctx := context.Background()

	c1 := CommitFiles(t, repo, plumbing.Master, map[string][]byte{"a": []byte("1"), "b": []byte("2")})
	c2 := CommitFiles(t, repo, plumbing.Master, map[string][]byte{"a": []byte("changed"), "b": nil, "c/d": []byte("3")})

	changes, err := repo.Diff(ctx, c1, c2)
	require.NoError(t, err)
	byPath := map[string]Change{}
	for _, c := range changes {
		byPath[c.Path] = c
	}
	require.Len(t, byPath, 3)
	assert.False(t, byPath["a"].IsDelete())
	assert.False(t, byPath["a"].Old.IsZero())
	assert.True(t, byPath["b"].IsDelete())
	assert.True(t, byPath["c/d"].Old.IsZero())

	all, err := repo.Diff(ctx, plumbing.ZeroHash, c1)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestExecutorHonoursExpiredContext(t *testing.T) {
	t.Parallel()
	repo := NewTestRepository(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := repo.BuildCommit(ctx, CommitRequest{Mutations: []Mutation{Put("a", []byte("1"))}, Author: TestAuthor})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClosedRepositoryRejectsMutations(t *testing.T) {
	t.Parallel()
	repo, err := NewInMemory()
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	_, err = repo.BuildCommit(context.Background(), CommitRequest{Mutations: []Mutation{Put("a", []byte("1"))}})
	require.ErrorIs(t, err, ErrClosed)
}

func TestInitOpenAndFileLock(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "store.git")
	ctx := context.Background()

	repo, err := Init(ctx, dir, WithName("store"))
	require.NoError(t, err)
	assert.Equal(t, "store", repo.Name())
	CommitFiles(t, repo, plumbing.Master, map[string][]byte{"k": []byte("v")})

	// A second owner is refused while the first holds the lock.
	_, err = Open(ctx, dir, WithFileLockWait(50*time.Millisecond))
	require.ErrorIs(t, err, ErrRepositoryLocked)

	require.NoError(t, repo.Close())

	reopened, err := Open(ctx, dir)
	require.NoError(t, err)
	defer reopened.Close()

	commit, err := reopened.Resolve(ctx, plumbing.Master)
	require.NoError(t, err)
	tree := collectTree(t, reopened, commit)
	assert.Equal(t, "v", readAll(t, reopened, tree["k"].Blob))
}

func TestOpenDetectsCorruption(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "broken.git")
	ctx := context.Background()

	repo, err := Init(ctx, dir)
	require.NoError(t, err)
	commit := CommitFiles(t, repo, plumbing.Master, map[string][]byte{"k": []byte("v")})
	require.NoError(t, repo.Close())

	// Remove the loose commit object.
	hex := commit.String()
	require.NoError(t, os.Remove(filepath.Join(dir, "objects", hex[:2], hex[2:])))

	_, err = Open(ctx, dir)
	require.ErrorIs(t, err, ErrCorruptedRepository)
}

func TestIsAncestor(t *testing.T) {
	t.Parallel()
	repo := NewTestRepository(t)
	ctx := context.Background()
	c1 := CommitFiles(t, repo, plumbing.Master, map[string][]byte{"a": []byte("1")})
	c2 := CommitFiles(t, repo, plumbing.Master, map[string][]byte{"a": []byte("2")})

	ok, err := repo.IsAncestor(ctx, c1, c2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsAncestor(ctx, c2, c1)
	require.NoError(t, err)
	assert.False(t, ok)
}
