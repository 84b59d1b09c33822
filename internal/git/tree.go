package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// TreeEntry is one path of a commit's tree.
type TreeEntry struct {
	Path        string
	Blob        plumbing.Hash
	IsContainer bool
}

// ReadTree lazily walks the tree of commit. Every range over the returned
// sequence starts a new walk.
func (r *Repository) ReadTree(ctx context.Context, commit plumbing.Hash) iter.Seq2[TreeEntry, error] {
	return func(yield func(TreeEntry, error) bool) {
		walker, err := r.newWalker(commit)
		if err != nil {
			yield(TreeEntry{}, err)
			return
		}
		defer walker.Close()

		for {
			if err := ctx.Err(); err != nil {
				yield(TreeEntry{}, err)
				return
			}

			r.objMu.RLock()
			name, entry, err := walker.Next()
			r.objMu.RUnlock()

			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(TreeEntry{}, fmt.Errorf("failed to walk tree of %s: %w", commit, err))
				return
			}
			if entry.Mode == filemode.Submodule {
				continue
			}
			te := TreeEntry{
				Path:        name,
				Blob:        entry.Hash,
				IsContainer: entry.Mode == filemode.Dir,
			}
			if !yield(te, nil) {
				return
			}
		}
	}
}

func (r *Repository) newWalker(commit plumbing.Hash) (*object.TreeWalker, error) {
	r.objMu.RLock()
	defer r.objMu.RUnlock()

	tree, err := r.commitTreeLocked(commit)
	if err != nil {
		return nil, err
	}
	return object.NewTreeWalker(tree, true, nil), nil
}

func (r *Repository) commitTreeLocked(commit plumbing.Hash) (*object.Tree, error) {
	peeled, err := r.peelLocked(commit)
	if err != nil {
		return nil, err
	}
	c, err := object.GetCommit(r.storer, peeled)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", commit, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree of %s: %w", commit, err)
	}
	return tree, nil
}

// Change is a path whose blob differs between two commits.
type Change struct {
	Path string
	// Old is ZeroHash when the path was added.
	Old plumbing.Hash
	// New is ZeroHash when the path was removed.
	New plumbing.Hash
}

// IsDelete reports whether the change removes the path.
func (c Change) IsDelete() bool {
	return c.New.IsZero()
}

// Diff lists the file changes between two commits. A ZeroHash on either side
// stands for an empty tree.
func (r *Repository) Diff(ctx context.Context, from, to plumbing.Hash) ([]Change, error) {
	r.objMu.RLock()
	defer r.objMu.RUnlock()

	fromTree, err := r.treeOrEmptyLocked(from)
	if err != nil {
		return nil, err
	}
	toTree, err := r.treeOrEmptyLocked(to)
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTreeContext(ctx, fromTree, toTree)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s..%s: %w", from, to, err)
	}

	out := make([]Change, 0, len(changes))
	for _, ch := range changes {
		c := Change{Path: ch.To.Name}
		if c.Path == "" {
			c.Path = ch.From.Name
		}
		if ch.From.Name != "" {
			c.Old = ch.From.TreeEntry.Hash
		}
		if ch.To.Name != "" {
			c.New = ch.To.TreeEntry.Hash
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *Repository) treeOrEmptyLocked(commit plumbing.Hash) (*object.Tree, error) {
	if commit.IsZero() {
		return nil, nil
	}
	return r.commitTreeLocked(commit)
}

// Verify checks that every branch and tag points at a readable commit whose
// tree and blobs are all present. Failures wrap ErrCorruptedRepository.
func (r *Repository) Verify(ctx context.Context) error {
	refs, err := r.ListRefs(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptedRepository, err)
	}

	r.objMu.RLock()
	defer r.objMu.RUnlock()

	seen := make(map[plumbing.Hash]bool)
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		commit, err := r.peelLocked(ref.Hash())
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCorruptedRepository, ref.Name(), err)
		}
		c, err := object.GetCommit(r.storer, commit)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCorruptedRepository, ref.Name(), err)
		}
		for _, p := range c.ParentHashes {
			if err := r.storer.HasEncodedObject(p); err != nil {
				return fmt.Errorf("%w: %s: missing parent %s", ErrCorruptedRepository, ref.Name(), p)
			}
		}
		if err := r.verifyTreeLocked(c.TreeHash, seen); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCorruptedRepository, ref.Name(), err)
		}
	}
	return nil
}

func (r *Repository) verifyTreeLocked(h plumbing.Hash, seen map[plumbing.Hash]bool) error {
	if seen[h] {
		return nil
	}
	tree, err := object.GetTree(r.storer, h)
	if err != nil {
		return fmt.Errorf("tree %s: %w", h, err)
	}
	for _, e := range tree.Entries {
		switch e.Mode {
		case filemode.Dir:
			if err := r.verifyTreeLocked(e.Hash, seen); err != nil {
				return err
			}
		case filemode.Submodule:
		default:
			if seen[e.Hash] {
				continue
			}
			if err := r.storer.HasEncodedObject(e.Hash); err != nil {
				return fmt.Errorf("blob %s (%s): %w", e.Hash, e.Name, err)
			}
			seen[e.Hash] = true
		}
	}
	seen[h] = true
	return nil
}
