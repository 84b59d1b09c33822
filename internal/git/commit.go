package git

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Mutation is a single change applied to a tree: either new content for a
// path, or its removal.
type Mutation struct {
	Path    string
	Content []byte
	Delete  bool
}

// Put returns a mutation writing content at path.
func Put(path string, content []byte) Mutation {
	return Mutation{Path: path, Content: content}
}

// Remove returns a mutation deleting path.
func Remove(path string) Mutation {
	return Mutation{Path: path, Delete: true}
}

// Author identifies who made a change.
type Author struct {
	Name  string
	Email string
}

// CommitRequest describes a commit to build on top of Base.
type CommitRequest struct {
	// Base is the parent commit. ZeroHash builds a root commit.
	Base      plumbing.Hash
	Mutations []Mutation
	Author    Author
	Message   string
}

// CommitResult is a commit built by BuildCommit.
type CommitResult struct {
	Commit plumbing.Hash
	Tree   plumbing.Hash
	// Blobs maps every written path to the id of its new blob.
	Blobs map[string]plumbing.Hash
}

// BuildCommit writes the blobs, trees and commit for req without moving any ref.
func (r *Repository) BuildCommit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	for _, m := range req.Mutations {
		if err := validatePath(m.Path); err != nil {
			return nil, err
		}
	}

	var result *CommitResult
	err := r.exec.submit(ctx, func() error {
		var err error
		result, err = r.buildCommitLocked(req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Repository) buildCommitLocked(req CommitRequest) (*CommitResult, error) {
	root := &treeNode{loaded: true, entries: map[string]*treeNode{}}
	var parents []plumbing.Hash
	if !req.Base.IsZero() {
		base, err := object.GetCommit(r.storer, req.Base)
		if err != nil {
			return nil, fmt.Errorf("failed to read base commit %s: %w", req.Base, err)
		}
		root = &treeNode{hash: base.TreeHash, mode: filemode.Dir}
		parents = []plumbing.Hash{req.Base}
	}

	blobs := make(map[string]plumbing.Hash, len(req.Mutations))
	for _, m := range req.Mutations {
		if m.Delete {
			if err := r.removePath(root, splitPath(m.Path)); err != nil {
				return nil, fmt.Errorf("failed to remove %s: %w", m.Path, err)
			}
			delete(blobs, m.Path)
			continue
		}
		h, err := r.writeBlob(m.Content)
		if err != nil {
			return nil, err
		}
		if err := r.setPath(root, splitPath(m.Path), h); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", m.Path, err)
		}
		blobs[m.Path] = h
	}

	treeHash, err := r.writeTree(root)
	if err != nil {
		return nil, err
	}

	sig := object.Signature{
		Name:  req.Author.Name,
		Email: req.Author.Email,
		When:  time.Now(),
	}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      req.Message,
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	obj := r.storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return nil, fmt.Errorf("failed to encode commit: %w", err)
	}
	commitHash, err := r.storer.SetEncodedObject(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to store commit: %w", err)
	}

	return &CommitResult{Commit: commitHash, Tree: treeHash, Blobs: blobs}, nil
}

// treeNode is a mutable view of a tree. Subtrees are loaded from the object
// store only when a mutation descends into them.
type treeNode struct {
	hash    plumbing.Hash
	mode    filemode.FileMode
	loaded  bool
	dirty   bool
	entries map[string]*treeNode
}

func (n *treeNode) isDir() bool {
	return n.mode == filemode.Dir || n.entries != nil
}

func (r *Repository) load(n *treeNode) error {
	if n.loaded {
		return nil
	}
	tree, err := object.GetTree(r.storer, n.hash)
	if err != nil {
		return fmt.Errorf("failed to read tree %s: %w", n.hash, err)
	}
	n.entries = make(map[string]*treeNode, len(tree.Entries))
	for _, e := range tree.Entries {
		n.entries[e.Name] = &treeNode{hash: e.Hash, mode: e.Mode}
	}
	n.loaded = true
	return nil
}

func (r *Repository) setPath(n *treeNode, parts []string, blob plumbing.Hash) error {
	if err := r.load(n); err != nil {
		return err
	}
	n.dirty = true
	name := parts[0]
	child, ok := n.entries[name]

	if len(parts) == 1 {
		if ok && child.isDir() {
			return fmt.Errorf("%w: %s is a directory", ErrInvalidPath, name)
		}
		n.entries[name] = &treeNode{hash: blob, mode: filemode.Regular, loaded: true}
		return nil
	}

	if !ok {
		child = &treeNode{mode: filemode.Dir, loaded: true, entries: map[string]*treeNode{}}
		n.entries[name] = child
	} else if !child.isDir() {
		return fmt.Errorf("%w: %s is a file", ErrInvalidPath, name)
	}
	return r.setPath(child, parts[1:], blob)
}

func (r *Repository) removePath(n *treeNode, parts []string) error {
	if err := r.load(n); err != nil {
		return err
	}
	name := parts[0]
	child, ok := n.entries[name]
	if !ok {
		return nil
	}

	if len(parts) == 1 {
		if child.isDir() {
			return fmt.Errorf("%w: %s is a directory", ErrInvalidPath, name)
		}
		delete(n.entries, name)
		n.dirty = true
		return nil
	}

	if !child.isDir() {
		return nil
	}
	if err := r.removePath(child, parts[1:]); err != nil {
		return err
	}
	if child.dirty {
		n.dirty = true
		if len(child.entries) == 0 {
			delete(n.entries, name)
		}
	}
	return nil
}

func (r *Repository) writeTree(n *treeNode) (plumbing.Hash, error) {
	if !n.dirty && !n.hash.IsZero() {
		return n.hash, nil
	}

	entries := make([]object.TreeEntry, 0, len(n.entries))
	for name, child := range n.entries {
		h := child.hash
		mode := child.mode
		if child.isDir() {
			var err error
			if h, err = r.writeTree(child); err != nil {
				return plumbing.ZeroHash, err
			}
			mode = filemode.Dir
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: mode, Hash: h})
	}
	sortTreeEntries(entries)

	tree := &object.Tree{Entries: entries}
	obj := r.storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode tree: %w", err)
	}
	h, err := r.storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store tree: %w", err)
	}
	n.hash = h
	n.dirty = false
	return h, nil
}

func (r *Repository) writeBlob(content []byte) (plumbing.Hash, error) {
	obj := r.storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to open blob writer: %w", err)
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to write blob: %w", err)
	}
	h, err := r.storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store blob: %w", err)
	}
	return h, nil
}

// sortTreeEntries orders entries the way git does: directories compare as if
// their name had a trailing slash.
func sortTreeEntries(entries []object.TreeEntry) {
	key := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(entries, func(i, j int) bool {
		return key(entries[i]) < key(entries[j])
	})
}

func splitPath(p string) []string {
	return strings.Split(p, "/")
}

func validatePath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, part := range splitPath(p) {
		switch part {
		case "", ".", "..", ".git":
			return fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return nil
}
