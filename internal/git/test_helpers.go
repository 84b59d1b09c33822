package git

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/revlist"
)

// TestAuthor is the author used by test commits.
var TestAuthor = Author{Name: "Test Author", Email: "test@example.com"}

// NewTestRepository creates an in-memory repository for tests. It is closed
// when the test finishes.
func NewTestRepository(t *testing.T) *Repository {
	t.Helper()

	repo, err := NewInMemory(WithName("test"))
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})
	return repo
}

// CommitFiles commits files on top of ref (creating it if needed) and moves ref
// to the new commit. A nil content deletes the path.
func CommitFiles(t *testing.T, repo *Repository, ref plumbing.ReferenceName, files map[string][]byte) plumbing.Hash {
	t.Helper()
	ctx := context.Background()

	base, err := repo.Reference(ctx, ref)
	if err != nil {
		base = plumbing.ZeroHash
	}

	mutations := make([]Mutation, 0, len(files))
	for path, content := range files {
		if content == nil {
			mutations = append(mutations, Remove(path))
			continue
		}
		mutations = append(mutations, Put(path, content))
	}

	res, err := repo.BuildCommit(ctx, CommitRequest{
		Base:      base,
		Mutations: mutations,
		Author:    TestAuthor,
		Message:   "test commit",
	})
	if err != nil {
		t.Fatalf("Failed to build commit: %v", err)
	}
	if err := repo.UpdateRef(ctx, ref, base, res.Commit); err != nil {
		t.Fatalf("Failed to update %s: %v", ref, err)
	}
	return res.Commit
}

// EncodePack returns a packfile holding every object reachable from commit
// that is not reachable from any of have.
func EncodePack(t *testing.T, repo *Repository, commit plumbing.Hash, have ...plumbing.Hash) io.Reader {
	t.Helper()

	repo.objMu.RLock()
	defer repo.objMu.RUnlock()

	haveObjs, err := revlist.Objects(repo.storer, have, nil)
	if err != nil {
		t.Fatalf("Failed to list objects: %v", err)
	}
	hashes, err := revlist.Objects(repo.storer, []plumbing.Hash{commit}, haveObjs)
	if err != nil {
		t.Fatalf("Failed to list objects: %v", err)
	}

	var buf bytes.Buffer
	if _, err := packfile.NewEncoder(&buf, repo.storer, false).Encode(hashes, 10); err != nil {
		t.Fatalf("Failed to encode pack: %v", err)
	}
	return &buf
}
