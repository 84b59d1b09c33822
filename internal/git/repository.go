// Package git provides access to the single Git repository that backs the key-value store.
//
// Every mutation of the object store or the ref table runs on one sequential
// executor goroutine. Reads take a shared lock on the object store and never go
// through the executor.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/gofrs/flock"
)

const (
	// SecretsRef holds the git realm user records.
	SecretsRef = plumbing.ReferenceName("refs/heads/secrets")

	// DefaultBranch is the branch created by Init.
	DefaultBranch = plumbing.Master

	lockFileName          = "gitkv.lock"
	defaultExecutorQueue  = 64
	defaultFileLockWait   = 5 * time.Second
	defaultFileLockPeriod = 100 * time.Millisecond
)

var (
	// ErrRefNotFound is returned when a ref does not exist.
	ErrRefNotFound = errors.New("ref not found")

	// ErrRefConflict is returned by UpdateRef when the ref moved since it was read.
	ErrRefConflict = errors.New("ref changed concurrently")

	// ErrCorruptedRepository is returned when the integrity check at startup fails.
	ErrCorruptedRepository = errors.New("corrupted repository")

	// ErrRepositoryLocked is returned when another process owns the repository.
	ErrRepositoryLocked = errors.New("repository is locked by another process")

	// ErrInvalidPath is returned when a mutation path cannot be applied to the tree.
	ErrInvalidPath = errors.New("invalid path")

	// ErrClosed is returned once the repository has been closed.
	ErrClosed = errors.New("repository closed")
)

// Option configures a Repository.
type Option func(*options) error

type options struct {
	name          string
	executorQueue int
	fileLockWait  time.Duration
	skipVerify    bool
}

// WithName sets the name the repository is served under.
func WithName(name string) Option {
	return func(o *options) error {
		if name == "" {
			return fmt.Errorf("repository name cannot be empty")
		}
		if strings.ContainsAny(name, "/\\") {
			return fmt.Errorf("repository name must not contain path separators: %s", name)
		}
		o.name = name
		return nil
	}
}

// WithExecutorQueue sets the number of mutations that may wait for the executor.
func WithExecutorQueue(size int) Option {
	return func(o *options) error {
		if size <= 0 {
			return fmt.Errorf("executor queue size must be positive, got %d", size)
		}
		o.executorQueue = size
		return nil
	}
}

// WithFileLockWait bounds how long Open waits for the repository file lock.
func WithFileLockWait(d time.Duration) Option {
	return func(o *options) error {
		o.fileLockWait = d
		return nil
	}
}

// WithoutVerify skips the integrity check performed by Open.
func WithoutVerify() Option {
	return func(o *options) error {
		o.skipVerify = true
		return nil
	}
}

// Repository is the capability over one Git repository.
type Repository struct {
	name   string
	path   string
	repo   *git.Repository
	storer storer.Storer

	// objMu guards the object store and ref table. The executor holds it
	// exclusively while running a mutation.
	objMu sync.RWMutex
	exec  *executor

	fileLock *flock.Flock

	listenersMu sync.RWMutex
	listeners   []RefListener
}

func buildOptions(opts []Option) (*options, error) {
	o := &options{
		name:          "repository",
		executorQueue: defaultExecutorQueue,
		fileLockWait:  defaultFileLockWait,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Init creates a bare repository at path and opens it.
func Init(ctx context.Context, path string, opts ...Option) (*Repository, error) {
	_, err := git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: DefaultBranch},
		Bare:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository at %s: %w", path, err)
	}
	slog.Info("Initialized bare repository", "path", path)
	return Open(ctx, path, opts...)
}

// Open opens the repository at path, takes the process-level file lock and
// verifies the integrity of every ref.
func Open(ctx context.Context, path string, opts ...Option) (*Repository, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository path: %w", err)
	}

	fl := flock.New(filepath.Join(absPath, lockFileName))
	lockCtx, cancel := context.WithTimeout(ctx, o.fileLockWait)
	defer cancel()
	locked, err := fl.TryLockContext(lockCtx, defaultFileLockPeriod)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("failed to lock repository: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrRepositoryLocked, absPath)
	}

	repo, err := git.PlainOpen(absPath)
	if err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("failed to open repository at %s: %w", absPath, err)
	}

	r := newRepository(o, repo)
	r.path = absPath
	r.fileLock = fl

	if !o.skipVerify {
		if err := r.Verify(ctx); err != nil {
			return nil, errors.Join(err, r.Close())
		}
	}

	slog.Info("Opened repository", "name", r.name, "path", absPath)
	return r, nil
}

// NewInMemory creates an empty repository backed by memory storage.
func NewInMemory(opts ...Option) (*Repository, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	repo, err := git.InitWithOptions(memory.NewStorage(), nil, git.InitOptions{DefaultBranch: DefaultBranch})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory repository: %w", err)
	}
	return newRepository(o, repo), nil
}

func newRepository(o *options, repo *git.Repository) *Repository {
	r := &Repository{
		name:   o.name,
		repo:   repo,
		storer: repo.Storer,
	}
	r.exec = newExecutor(o.executorQueue, &r.objMu)
	return r
}

// Name returns the name the repository is served under.
func (r *Repository) Name() string {
	return r.name
}

// Path returns the on-disk location, or an empty string for in-memory repositories.
func (r *Repository) Path() string {
	return r.path
}

// Close stops the executor and releases the file lock.
func (r *Repository) Close() error {
	r.exec.stop()
	if r.fileLock != nil {
		if err := r.fileLock.Unlock(); err != nil {
			return fmt.Errorf("failed to release repository lock: %w", err)
		}
		_ = os.Remove(r.fileLock.Path())
	}
	return nil
}

// Resolve returns the commit a ref points to. Annotated tags are peeled.
func (r *Repository) Resolve(_ context.Context, ref plumbing.ReferenceName) (plumbing.Hash, error) {
	r.objMu.RLock()
	defer r.objMu.RUnlock()
	return r.resolveLocked(ref)
}

func (r *Repository) resolveLocked(ref plumbing.ReferenceName) (plumbing.Hash, error) {
	h, err := r.referenceLocked(ref)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return r.peelLocked(h)
}

func (r *Repository) referenceLocked(ref plumbing.ReferenceName) (plumbing.Hash, error) {
	resolved, err := storer.ResolveReference(r.storer, ref)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrRefNotFound, ref)
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to resolve %s: %w", ref, err)
	}
	return resolved.Hash(), nil
}

func (r *Repository) peelLocked(h plumbing.Hash) (plumbing.Hash, error) {
	obj, err := r.storer.EncodedObject(plumbing.AnyObject, h)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to read object %s: %w", h, err)
	}
	if obj.Type() != plumbing.TagObject {
		return h, nil
	}
	tag, err := object.DecodeTag(r.storer, obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to decode tag %s: %w", h, err)
	}
	c, err := tag.Commit()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to peel tag %s: %w", h, err)
	}
	return c.Hash, nil
}

// Reference returns the raw object id a ref points to, without peeling.
func (r *Repository) Reference(_ context.Context, ref plumbing.ReferenceName) (plumbing.Hash, error) {
	r.objMu.RLock()
	defer r.objMu.RUnlock()
	return r.referenceLocked(ref)
}

// ListRefs returns every branch and tag with the object it points to.
func (r *Repository) ListRefs(_ context.Context) ([]*plumbing.Reference, error) {
	r.objMu.RLock()
	defer r.objMu.RUnlock()

	iter, err := r.storer.IterReferences()
	if err != nil {
		return nil, fmt.Errorf("failed to list refs: %w", err)
	}
	defer iter.Close()

	var refs []*plumbing.Reference
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		if !ref.Name().IsBranch() && !ref.Name().IsTag() {
			return nil
		}
		refs = append(refs, ref)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list refs: %w", err)
	}
	return refs, nil
}

// ReadBlob returns the content of a blob.
func (r *Repository) ReadBlob(_ context.Context, id plumbing.Hash) (io.ReadCloser, error) {
	content, err := r.ReadBlobBytes(id)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

// ReadBlobBytes returns the content of a blob as a byte slice.
func (r *Repository) ReadBlobBytes(id plumbing.Hash) ([]byte, error) {
	r.objMu.RLock()
	defer r.objMu.RUnlock()

	blob, err := object.GetBlob(r.storer, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}
	rd, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", id, err)
	}
	defer rd.Close()

	content, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}
	return content, nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (r *Repository) IsAncestor(_ context.Context, ancestor, descendant plumbing.Hash) (bool, error) {
	r.objMu.RLock()
	defer r.objMu.RUnlock()

	a, err := object.GetCommit(r.storer, ancestor)
	if err != nil {
		return false, fmt.Errorf("failed to read commit %s: %w", ancestor, err)
	}
	d, err := object.GetCommit(r.storer, descendant)
	if err != nil {
		return false, fmt.Errorf("failed to read commit %s: %w", descendant, err)
	}
	return a.IsAncestor(d)
}
