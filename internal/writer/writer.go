// Package writer turns key and user writes into commits.
//
// Every write runs under the lock of its ref: the current snapshot is taken,
// the caller's Prepare step checks expected versions against it and returns
// the tree mutations, a commit is built on the snapshot's commit and the ref
// is moved with a compare-and-swap. A ref that moved underneath the write
// (an external change) is retried a bounded number of times.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/otel"
	"github.com/stacklok/gitkv/internal/reflock"
	"github.com/stacklok/gitkv/internal/store"
	"github.com/stacklok/gitkv/internal/telemetry"
)

const (
	// DefaultMaxAttempts bounds how often a write re-verifies after losing a
	// ref update race.
	DefaultMaxAttempts = 4

	// DefaultRetryInterval is the pause between attempts.
	DefaultRetryInterval = 25 * time.Millisecond
)

// PrepareFunc checks the request against snap and returns the mutations to
// commit. Returning no mutations ends the write without a commit.
type PrepareFunc func(ctx context.Context, snap *store.Snapshot) ([]git.Mutation, error)

// Request is one write to a ref.
type Request struct {
	Ref     plumbing.ReferenceName
	Author  git.Author
	Message string
	Prepare PrepareFunc
}

// Result is the outcome of a successful write.
type Result struct {
	// Commit is the commit the ref points to after the write.
	Commit plumbing.Hash
	// Snapshot holds the state of Commit.
	Snapshot *store.Snapshot
	// Attempts is the number of times Prepare ran.
	Attempts int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxAttempts sets the number of attempts before a contended write fails.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRetryInterval sets the pause between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.retryInterval = d
		}
	}
}

// WithMetrics records write outcomes.
func WithMetrics(m *telemetry.WriteMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTracer records a span per write.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// Coordinator applies writes to the repository.
type Coordinator struct {
	repo          *git.Repository
	engine        *store.Engine
	locks         *reflock.Registry
	maxAttempts   int
	retryInterval time.Duration
	metrics       *telemetry.WriteMetrics
	tracer        trace.Tracer
}

// New creates a coordinator writing through engine's repository.
func New(engine *store.Engine, locks *reflock.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:          engine.Repository(),
		engine:        engine,
		locks:         locks,
		maxAttempts:   DefaultMaxAttempts,
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Write applies req. Lock timeouts and exhausted retries return an error
// matching store.ErrFailedToLock; errors from Prepare are returned as is.
func (c *Coordinator) Write(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "writer.Write",
		trace.WithAttributes(otel.AttrRef.String(req.Ref.String())))
	start := time.Now()
	defer func() {
		c.metrics.RecordWrite(ctx, req.Ref.String(), outcome(err), time.Since(start))
		if res != nil {
			span.SetAttributes(otel.AttrAttempts.Int(res.Attempts))
		}
		otel.RecordError(span, err)
		span.End()
	}()

	if req.Ref.IsTag() {
		return nil, fmt.Errorf("%w: %s is a tag", store.ErrBadRequest, req.Ref)
	}
	if !req.Ref.IsBranch() {
		return nil, fmt.Errorf("%w: %s is not a branch", store.ErrBadRequest, req.Ref)
	}

	res, err = reflock.Do(ctx, c.locks, req.Ref, func(ctx context.Context) (*Result, error) {
		return c.write(ctx, req)
	})
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, store.ErrFailedToLock) && ctx.Err() == nil {
		err = &reflock.FailedToLockError{Ref: req.Ref, Err: err}
	}
	return res, err
}

func (c *Coordinator) write(ctx context.Context, req Request) (*Result, error) {
	attempts := 0
	commit, err := backoff.Retry(ctx, func() (plumbing.Hash, error) {
		attempts++
		return c.attempt(ctx, req)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryInterval)),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("Retrying write", "ref", req.Ref, "attempt", attempts, "next", next, "error", err)
		}),
	)
	c.metrics.RecordAttempts(ctx, req.Ref.String(), attempts)
	if errors.Is(err, git.ErrRefConflict) {
		slog.Warn("Write gave up after concurrent ref updates", "ref", req.Ref, "attempts", attempts)
		return nil, &reflock.FailedToLockError{Ref: req.Ref, Err: err}
	}
	if err != nil {
		return nil, err
	}

	snap, err := c.engine.Snapshot(ctx, req.Ref)
	if err == nil && snap.Commit != commit {
		snap, err = c.engine.SnapshotAt(ctx, req.Ref, commit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to refresh %s after commit %s: %w", req.Ref, commit, err)
	}
	return &Result{Commit: commit, Snapshot: snap, Attempts: attempts}, nil
}

// attempt runs one pass of the write. Only lost ref update races are
// retryable.
func (c *Coordinator) attempt(ctx context.Context, req Request) (plumbing.Hash, error) {
	snap, err := c.engine.Current(ctx, req.Ref)
	if err != nil {
		return plumbing.ZeroHash, backoff.Permanent(err)
	}

	mutations, err := req.Prepare(ctx, snap)
	if err != nil {
		return plumbing.ZeroHash, backoff.Permanent(err)
	}
	if len(mutations) == 0 {
		return snap.Commit, nil
	}

	built, err := c.repo.BuildCommit(ctx, git.CommitRequest{
		Base:      snap.Commit,
		Mutations: mutations,
		Author:    req.Author,
		Message:   req.Message,
	})
	if errors.Is(err, git.ErrInvalidPath) {
		return plumbing.ZeroHash, backoff.Permanent(fmt.Errorf("%w: %w", store.ErrBadRequest, err))
	}
	if err != nil {
		return plumbing.ZeroHash, backoff.Permanent(fmt.Errorf("failed to build commit on %s: %w", req.Ref, err))
	}

	err = c.repo.UpdateRef(ctx, req.Ref, snap.Commit, built.Commit)
	if errors.Is(err, git.ErrRefConflict) {
		slog.Debug("Ref moved during write", "ref", req.Ref, "expected", snap.Commit)
		c.engine.Invalidate(req.Ref)
		return plumbing.ZeroHash, err
	}
	if err != nil {
		return plumbing.ZeroHash, backoff.Permanent(fmt.Errorf("failed to update %s: %w", req.Ref, err))
	}

	slog.Debug("Committed write", "ref", req.Ref, "commit", built.Commit, "parent", snap.Commit)
	return built.Commit, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeSuccess
	case errors.Is(err, store.ErrFailedToLock):
		return telemetry.OutcomeLockFailed
	case errors.Is(err, store.ErrVersionIsNotSame), errors.Is(err, store.ErrKeyAlreadyExist):
		return telemetry.OutcomeConflict
	case errors.Is(err, store.ErrValidation), errors.Is(err, store.ErrBadRequest):
		return telemetry.OutcomeInvalid
	default:
		return telemetry.OutcomeError
	}
}
