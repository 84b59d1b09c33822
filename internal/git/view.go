package git

import (
	"errors"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// ErrReadOnly is returned by write methods of a read view.
var ErrReadOnly = errors.New("read-only repository view")

// RefFilter decides whether a ref is visible through a read view.
type RefFilter func(plumbing.ReferenceName) bool

// readView is a storer that serves upload-pack sessions. Object reads take the
// shared object store lock and refs rejected by the filter are invisible.
type readView struct {
	storer.Storer
	repo    *Repository
	visible RefFilter
}

// ReadView returns a read-only storer exposing only the refs accepted by visible.
// A nil filter exposes every ref.
func (r *Repository) ReadView(visible RefFilter) storer.Storer {
	if visible == nil {
		visible = func(plumbing.ReferenceName) bool { return true }
	}
	return &readView{Storer: r.storer, repo: r, visible: visible}
}

func (v *readView) EncodedObject(t plumbing.ObjectType, h plumbing.Hash) (plumbing.EncodedObject, error) {
	v.repo.objMu.RLock()
	defer v.repo.objMu.RUnlock()
	return v.Storer.EncodedObject(t, h)
}

func (v *readView) HasEncodedObject(h plumbing.Hash) error {
	v.repo.objMu.RLock()
	defer v.repo.objMu.RUnlock()
	return v.Storer.HasEncodedObject(h)
}

func (v *readView) EncodedObjectSize(h plumbing.Hash) (int64, error) {
	v.repo.objMu.RLock()
	defer v.repo.objMu.RUnlock()
	return v.Storer.EncodedObjectSize(h)
}

func (v *readView) Reference(name plumbing.ReferenceName) (*plumbing.Reference, error) {
	v.repo.objMu.RLock()
	defer v.repo.objMu.RUnlock()

	ref, err := v.Storer.Reference(name)
	if err != nil {
		return nil, err
	}
	if ref.Type() == plumbing.SymbolicReference {
		if !v.visible(ref.Target()) {
			return nil, plumbing.ErrReferenceNotFound
		}
		return ref, nil
	}
	if name != plumbing.HEAD && !v.visible(name) {
		return nil, plumbing.ErrReferenceNotFound
	}
	return ref, nil
}

func (v *readView) IterReferences() (storer.ReferenceIter, error) {
	v.repo.objMu.RLock()
	defer v.repo.objMu.RUnlock()

	iter, err := v.Storer.IterReferences()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var refs []*plumbing.Reference
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() == plumbing.HashReference && !v.visible(ref.Name()) {
			return nil
		}
		refs = append(refs, ref)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storer.NewReferenceSliceIter(refs), nil
}

func (*readView) SetEncodedObject(plumbing.EncodedObject) (plumbing.Hash, error) {
	return plumbing.ZeroHash, ErrReadOnly
}

func (*readView) SetReference(*plumbing.Reference) error {
	return ErrReadOnly
}

func (*readView) CheckAndSetReference(_, _ *plumbing.Reference) error {
	return ErrReadOnly
}

func (*readView) RemoveReference(plumbing.ReferenceName) error {
	return ErrReadOnly
}
