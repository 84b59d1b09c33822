package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage"
)

// RefEvent describes a ref that moved.
type RefEvent struct {
	Ref plumbing.ReferenceName
	Old plumbing.Hash
	// New is ZeroHash when the ref was deleted.
	New plumbing.Hash
}

// RefListener is notified after a ref moved.
type RefListener func(RefEvent)

// OnRefUpdate registers fn to be called after every successful ref update,
// whether it came from UpdateRef or from an accepted push.
func (r *Repository) OnRefUpdate(fn RefListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Repository) notify(ev RefEvent) {
	r.listenersMu.RLock()
	listeners := make([]RefListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// NormalizeRef expands a short branch name into a full ref name.
func NormalizeRef(name string) plumbing.ReferenceName {
	if strings.HasPrefix(name, "refs/") {
		return plumbing.ReferenceName(name)
	}
	return plumbing.NewBranchReferenceName(name)
}

// UpdateRef atomically moves ref from expectedOld to newHash. A ZeroHash
// expectedOld requires that the ref does not exist yet; a ZeroHash newHash
// deletes the ref. ErrRefConflict is returned when the ref is not at expectedOld.
func (r *Repository) UpdateRef(ctx context.Context, ref plumbing.ReferenceName, expectedOld, newHash plumbing.Hash) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("invalid ref %q: %w", ref, err)
	}

	err := r.exec.submit(ctx, func() error {
		return r.updateRefLocked(ref, expectedOld, newHash)
	})
	if err != nil {
		return err
	}

	slog.Debug("Ref updated", "ref", ref, "old", expectedOld, "new", newHash)
	r.notify(RefEvent{Ref: ref, Old: expectedOld, New: newHash})
	return nil
}

func (r *Repository) updateRefLocked(ref plumbing.ReferenceName, expectedOld, newHash plumbing.Hash) error {
	current, err := r.storer.Reference(ref)
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		if !expectedOld.IsZero() {
			return fmt.Errorf("%w: %s no longer exists", ErrRefConflict, ref)
		}
		current = nil
	case err != nil:
		return fmt.Errorf("failed to read %s: %w", ref, err)
	default:
		if current.Hash() != expectedOld {
			return fmt.Errorf("%w: %s is at %s, expected %s", ErrRefConflict, ref, current.Hash(), expectedOld)
		}
	}

	if newHash.IsZero() {
		if current == nil {
			return nil
		}
		if err := r.storer.RemoveReference(ref); err != nil {
			return fmt.Errorf("failed to delete %s: %w", ref, err)
		}
		return nil
	}

	err = r.storer.CheckAndSetReference(plumbing.NewHashReference(ref, newHash), current)
	if errors.Is(err, storage.ErrReferenceHasChanged) {
		return fmt.Errorf("%w: %s", ErrRefConflict, ref)
	}
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", ref, err)
	}
	return nil
}
