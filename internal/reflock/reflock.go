// Package reflock provides per-ref mutual exclusion with a bounded wait.
//
// Locks are created the first time a ref is locked and discarded once no
// goroutine holds or waits for them, so the registry only ever holds entries
// for refs with in-flight writes.
package reflock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"golang.org/x/sync/semaphore"
)

// DefaultTimeout is used when the registry is created without a timeout.
const DefaultTimeout = 10 * time.Second

// ErrFailedToLock matches every FailedToLockError.
var ErrFailedToLock = errors.New("failed to lock ref")

// FailedToLockError is returned when a ref lock could not be acquired in time.
type FailedToLockError struct {
	Ref plumbing.ReferenceName
	// Err is the context error that ended the wait.
	Err error
}

func (e *FailedToLockError) Error() string {
	return fmt.Sprintf("failed to lock %s: %v", e.Ref, e.Err)
}

// Is makes errors.Is(err, ErrFailedToLock) succeed.
func (*FailedToLockError) Is(target error) bool {
	return target == ErrFailedToLock
}

func (e *FailedToLockError) Unwrap() error {
	return e.Err
}

type refLock struct {
	sem *semaphore.Weighted
	// users counts holders and waiters. Guarded by Registry.mu.
	users int
}

// Registry maps ref names to locks.
type Registry struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[plumbing.ReferenceName]*refLock
}

// New creates a registry whose acquisitions wait at most timeout.
// A non-positive timeout selects DefaultTimeout.
func New(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		timeout: timeout,
		locks:   make(map[plumbing.ReferenceName]*refLock),
	}
}

// Timeout returns the maximum time an acquisition waits.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// WithLock runs fn while holding the lock of ref. It waits at most the
// registry timeout, or until ctx is done if that comes first, and returns a
// *FailedToLockError without running fn when the wait expires.
func (r *Registry) WithLock(ctx context.Context, ref plumbing.ReferenceName, fn func(context.Context) error) error {
	return r.WithLocks(ctx, []plumbing.ReferenceName{ref}, fn)
}

// WithLocks runs fn while holding the locks of every ref. Locks are taken in
// sorted order so that two callers locking overlapping sets cannot deadlock.
// The timeout bounds the acquisition of the whole set.
func (r *Registry) WithLocks(ctx context.Context, refs []plumbing.ReferenceName, fn func(context.Context) error) error {
	sorted := slices.Clone(refs)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	waitCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	held := make([]plumbing.ReferenceName, 0, len(sorted))
	defer func() {
		for _, ref := range slices.Backward(held) {
			r.release(ref)
		}
	}()

	for _, ref := range sorted {
		if err := r.acquire(waitCtx, ref); err != nil {
			return err
		}
		held = append(held, ref)
	}
	return fn(ctx)
}

// Do runs fn under the lock of ref and returns its value.
func Do[T any](ctx context.Context, r *Registry, ref plumbing.ReferenceName, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := r.WithLock(ctx, ref, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// Held returns the number of refs that currently have a holder or a waiter.
func (r *Registry) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func (r *Registry) acquire(ctx context.Context, ref plumbing.ReferenceName) error {
	r.mu.Lock()
	l, ok := r.locks[ref]
	if !ok {
		l = &refLock{sem: semaphore.NewWeighted(1)}
		r.locks[ref] = l
	}
	l.users++
	r.mu.Unlock()

	if l.sem.TryAcquire(1) {
		return nil
	}

	start := time.Now()
	slog.Debug("Waiting for ref lock", "ref", ref)
	if err := l.sem.Acquire(ctx, 1); err != nil {
		r.forget(ref, l)
		slog.Warn("Timed out waiting for ref lock", "ref", ref, "waited", time.Since(start), "error", err)
		return &FailedToLockError{Ref: ref, Err: err}
	}
	slog.Debug("Acquired ref lock", "ref", ref, "waited", time.Since(start))
	return nil
}

func (r *Registry) release(ref plumbing.ReferenceName) {
	r.mu.Lock()
	l := r.locks[ref]
	r.mu.Unlock()

	l.sem.Release(1)
	r.forget(ref, l)
}

func (r *Registry) forget(ref plumbing.ReferenceName, l *refLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.users--
	if l.users == 0 {
		delete(r.locks, ref)
	}
}
