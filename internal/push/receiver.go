package push

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"

	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/reflock"
	"github.com/stacklok/gitkv/internal/telemetry"
)

// ReasonFailedToLock is reported for every ref of a push that could not
// acquire its ref locks in time.
const ReasonFailedToLock = "failed to lock"

// Receiver applies native pushes while holding the locks of every targeted
// ref, so pushes serialize with key writes on the same refs.
type Receiver struct {
	repo    *git.Repository
	locks   *reflock.Registry
	hook    git.PushHook
	metrics *telemetry.PushMetrics
}

// NewReceiver creates a receiver. metrics may be nil.
func NewReceiver(repo *git.Repository, locks *reflock.Registry, hook git.PushHook, metrics *telemetry.PushMetrics) *Receiver {
	return &Receiver{
		repo:    repo,
		locks:   locks,
		hook:    hook,
		metrics: metrics,
	}
}

// Receive stores the pushed objects and applies every update the hook accepts.
// A lock timeout rejects every update and is not reported as an error.
func (r *Receiver) Receive(ctx context.Context, req git.PushRequest) (*git.PushReport, error) {
	pushID := uuid.NewString()
	refs := make([]plumbing.ReferenceName, len(req.Updates))
	for i, u := range req.Updates {
		refs[i] = u.Name
	}
	slog.Debug("Receiving push", "push_id", pushID, "refs", refs)

	var report *git.PushReport
	err := r.locks.WithLocks(ctx, refs, func(ctx context.Context) error {
		var err error
		report, err = r.repo.AcceptPush(ctx, req, r.hook)
		return err
	})
	if errors.Is(err, reflock.ErrFailedToLock) {
		slog.Warn("Push could not lock its refs", "push_id", pushID, "refs", refs, "error", err)
		report = &git.PushReport{Results: make([]git.RefResult, len(req.Updates))}
		for i, u := range req.Updates {
			report.Results[i] = git.RefResult{Update: u, Reason: ReasonFailedToLock}
		}
		err = nil
	}
	if report != nil {
		for _, res := range report.Results {
			r.metrics.RecordRefUpdate(ctx, res.Update.Name.String(), res.Accepted)
		}
	}
	if err != nil {
		slog.Error("Push failed", "push_id", pushID, "error", err)
		return report, err
	}

	slog.Info("Push processed",
		"push_id", pushID,
		"refs", len(refs),
		"accepted", len(report.Accepted()))
	return report, nil
}
