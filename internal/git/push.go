package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
)

// RefUpdate is one ref move proposed by a push.
type RefUpdate struct {
	Name plumbing.ReferenceName
	Old  plumbing.Hash
	New  plumbing.Hash
}

// IsCreate reports whether the update creates the ref.
func (u RefUpdate) IsCreate() bool {
	return u.Old.IsZero()
}

// IsDelete reports whether the update deletes the ref.
func (u RefUpdate) IsDelete() bool {
	return u.New.IsZero()
}

// PushRequest is an incoming native push.
type PushRequest struct {
	Updates []RefUpdate
	// Pack holds the pushed objects. It may be nil for delete-only pushes.
	Pack io.Reader
}

// PushHook reviews every ref update of a push before any ref moves.
type PushHook interface {
	// ReviewPush returns a non-nil error to reject the whole push. Otherwise
	// the returned map holds the rejection reason of every refused ref.
	ReviewPush(ctx context.Context, updates []RefUpdate) (map[plumbing.ReferenceName]string, error)
}

// PushHookFunc adapts a function to PushHook.
type PushHookFunc func(ctx context.Context, updates []RefUpdate) (map[plumbing.ReferenceName]string, error)

// ReviewPush calls f.
func (f PushHookFunc) ReviewPush(ctx context.Context, updates []RefUpdate) (map[plumbing.ReferenceName]string, error) {
	return f(ctx, updates)
}

// RefResult is the outcome of one ref update.
type RefResult struct {
	Update   RefUpdate
	Accepted bool
	// Reason explains a rejection.
	Reason string
}

// PushReport holds the outcome of every ref update of a push.
type PushReport struct {
	Results []RefResult
}

// Accepted returns the updates that moved their ref.
func (p *PushReport) Accepted() []RefUpdate {
	var out []RefUpdate
	for _, r := range p.Results {
		if r.Accepted {
			out = append(out, r.Update)
		}
	}
	return out
}

// AllRejected reports whether no ref moved.
func (p *PushReport) AllRejected() bool {
	return len(p.Accepted()) == 0
}

// rejectAll reports reason for every update. A reason travels as a single
// report-status pkt-line, so whitespace runs collapse to one space.
func rejectAll(updates []RefUpdate, reason string) *PushReport {
	reason = strings.Join(strings.Fields(reason), " ")
	report := &PushReport{Results: make([]RefResult, len(updates))}
	for i, u := range updates {
		report.Results[i] = RefResult{Update: u, Reason: reason}
	}
	return report
}

// AcceptPush stores the pushed objects, lets hook review the proposed ref
// updates, and moves every accepted ref with a compare-and-swap. Objects of a
// rejected push stay in the object store unreferenced.
func (r *Repository) AcceptPush(ctx context.Context, req PushRequest, hook PushHook) (*PushReport, error) {
	if len(req.Updates) == 0 {
		return &PushReport{}, nil
	}

	if req.Pack != nil {
		err := r.exec.submit(ctx, func() error {
			err := packfile.UpdateObjectStorage(r.storer, req.Pack)
			if errors.Is(err, packfile.ErrEmptyPackfile) {
				return nil
			}
			return err
		})
		if err != nil {
			return rejectAll(req.Updates, "unpack failed"), fmt.Errorf("failed to store pushed objects: %w", err)
		}
	}

	for _, u := range req.Updates {
		if err := u.Name.Validate(); err != nil {
			return rejectAll(req.Updates, "invalid ref name"), nil
		}
		if u.IsDelete() {
			continue
		}
		r.objMu.RLock()
		_, err := r.peelLocked(u.New)
		r.objMu.RUnlock()
		if err != nil {
			return rejectAll(req.Updates, "missing objects"), nil
		}
	}

	rejected := map[plumbing.ReferenceName]string{}
	if hook != nil {
		var err error
		rejected, err = hook.ReviewPush(ctx, req.Updates)
		if err != nil {
			slog.Warn("Push rejected", "repository", r.name, "error", err)
			return rejectAll(req.Updates, err.Error()), nil
		}
	}

	report := &PushReport{Results: make([]RefResult, len(req.Updates))}
	var applied []RefUpdate
	err := r.exec.submit(ctx, func() error {
		for i, u := range req.Updates {
			report.Results[i] = RefResult{Update: u}
			if reason, ok := rejected[u.Name]; ok {
				report.Results[i].Reason = reason
				continue
			}
			if err := r.updateRefLocked(u.Name, u.Old, u.New); err != nil {
				if errors.Is(err, ErrRefConflict) {
					report.Results[i].Reason = "stale info"
					continue
				}
				report.Results[i].Reason = "failed to update ref"
				slog.Error("Failed to apply pushed ref", "ref", u.Name, "error", err)
				continue
			}
			report.Results[i].Accepted = true
			applied = append(applied, u)
		}
		return nil
	})
	if err != nil {
		return rejectAll(req.Updates, "failed to lock"), err
	}

	for _, u := range applied {
		slog.Info("Push accepted", "repository", r.name, "ref", u.Name, "old", u.Old, "new", u.New)
		r.notify(RefEvent{Ref: u.Name, Old: u.Old, New: u.New})
	}
	return report, nil
}
