// Package store serves keys, metadata and user records from per-ref snapshots
// of the repository.
//
// A snapshot is built by walking the tree of the ref's current commit and is
// swapped in atomically, so readers always see one whole commit. Snapshots are
// dropped when the repository reports that a ref moved and are rebuilt on the
// next access.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/telemetry"
)

// DefaultBlobCacheSize is the number of blobs kept in memory by default.
const DefaultBlobCacheSize = 4096

// Option configures an Engine.
type Option func(*Engine)

// WithBlobCacheSize sets the number of blob contents kept in memory.
func WithBlobCacheSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.blobCacheSize = n
		}
	}
}

// WithMetrics records cache rebuilds.
func WithMetrics(m *telemetry.StoreMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

type refCache struct {
	snap atomic.Pointer[Snapshot]
	gen  atomic.Uint64
}

// Engine is the per-ref cache of key snapshots.
type Engine struct {
	repo          *git.Repository
	blobCacheSize int
	blobs         *lru.Cache[plumbing.Hash, []byte]
	metrics       *telemetry.StoreMetrics
	group         singleflight.Group

	mu   sync.Mutex
	refs map[plumbing.ReferenceName]*refCache
}

// New creates an engine over repo and subscribes it to ref updates.
func New(repo *git.Repository, opts ...Option) (*Engine, error) {
	e := &Engine{
		repo:          repo,
		blobCacheSize: DefaultBlobCacheSize,
		refs:          make(map[plumbing.ReferenceName]*refCache),
	}
	for _, opt := range opts {
		opt(e)
	}

	blobs, err := lru.New[plumbing.Hash, []byte](e.blobCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob cache: %w", err)
	}
	e.blobs = blobs

	repo.OnRefUpdate(func(ev git.RefEvent) {
		e.Invalidate(ev.Ref)
	})
	return e, nil
}

// Repository returns the repository the engine reads from.
func (e *Engine) Repository() *git.Repository {
	return e.repo
}

func (e *Engine) cache(ref plumbing.ReferenceName) *refCache {
	e.mu.Lock()
	defer e.mu.Unlock()
	rc, ok := e.refs[ref]
	if !ok {
		rc = &refCache{}
		e.refs[ref] = rc
	}
	return rc
}

// lookup returns the cache entry of ref without creating one.
func (e *Engine) lookup(ref plumbing.ReferenceName) *refCache {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs[ref]
}

// forget drops the entry of a ref that does not exist, unless a snapshot
// was stored in it meanwhile or another entry replaced it.
func (e *Engine) forget(ref plumbing.ReferenceName, rc *refCache) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs[ref] == rc && rc.snap.Load() == nil {
		delete(e.refs, ref)
	}
}

// CachedRefs returns the refs that currently hold a valid snapshot.
func (e *Engine) CachedRefs() []plumbing.ReferenceName {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []plumbing.ReferenceName
	for ref, rc := range e.refs {
		if s := rc.snap.Load(); s != nil && s.gen == rc.gen.Load() {
			out = append(out, ref)
		}
	}
	slices.Sort(out)
	return out
}

// Invalidate drops the snapshot of ref. The next access rebuilds it.
func (e *Engine) Invalidate(ref plumbing.ReferenceName) {
	rc := e.lookup(ref)
	if rc == nil {
		return
	}
	rc.gen.Add(1)
	rc.snap.Store(nil)
	slog.Debug("Invalidated ref cache", "ref", ref)
}

// Snapshot returns the cached snapshot of ref, building it when needed.
// Concurrent builds of the same ref are shared.
func (e *Engine) Snapshot(ctx context.Context, ref plumbing.ReferenceName) (*Snapshot, error) {
	rc := e.cache(ref)
	gen := rc.gen.Load()
	if s := rc.snap.Load(); s != nil && s.gen == gen {
		return s, nil
	}

	// The entry address keeps flights of a forgotten entry apart.
	v, err, _ := e.group.Do(fmt.Sprintf("%s@%p@%d", ref, rc, gen), func() (any, error) {
		s, err := e.build(context.WithoutCancel(ctx), ref, gen)
		if err != nil {
			return nil, err
		}
		for {
			cur := rc.snap.Load()
			if cur != nil && cur.gen >= s.gen {
				break
			}
			if rc.snap.CompareAndSwap(cur, s) {
				break
			}
		}
		return s, nil
	})
	if errors.Is(err, ErrRefNotFound) {
		e.forget(ref, rc)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Current returns a snapshot of the commit ref points to right now,
// rebuilding the cache when it lags behind.
func (e *Engine) Current(ctx context.Context, ref plumbing.ReferenceName) (*Snapshot, error) {
	s, err := e.Snapshot(ctx, ref)
	if err != nil {
		return nil, err
	}
	tip, err := e.resolve(ctx, ref)
	if err != nil {
		e.Invalidate(ref)
		if rc := e.lookup(ref); rc != nil && errors.Is(err, ErrRefNotFound) {
			e.forget(ref, rc)
		}
		return nil, err
	}
	if tip == s.Commit {
		return s, nil
	}
	slog.Debug("Ref cache is stale", "ref", ref, "cached", s.Commit, "tip", tip)
	e.Invalidate(ref)
	return e.Snapshot(ctx, ref)
}

// Refresh rebuilds the snapshot of ref.
func (e *Engine) Refresh(ctx context.Context, ref plumbing.ReferenceName) (*Snapshot, error) {
	e.Invalidate(ref)
	return e.Snapshot(ctx, ref)
}

// Get returns the key from the snapshot of ref.
func (e *Engine) Get(ctx context.Context, ref plumbing.ReferenceName, key string) (*StoreInfo, error) {
	s, err := e.Snapshot(ctx, ref)
	if err != nil {
		return nil, err
	}
	info, ok := s.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotFound, key, ref)
	}
	return info, nil
}

// List returns the visible keys of ref selected by opts.
func (e *Engine) List(ctx context.Context, ref plumbing.ReferenceName, opts ListOptions) ([]Entry, error) {
	s, err := e.Snapshot(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.List(opts), nil
}

// ReadBlob returns blob content through the blob cache. The returned slice is
// shared and must not be modified.
func (e *Engine) ReadBlob(_ context.Context, id plumbing.Hash) ([]byte, error) {
	if b, ok := e.blobs.Get(id); ok {
		return b, nil
	}
	b, err := e.repo.ReadBlobBytes(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptedSource, err)
	}
	e.blobs.Add(id, b)
	return b, nil
}

func (e *Engine) opener(id plumbing.Hash) func(context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		b, err := e.ReadBlob(ctx, id)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(b)), nil
	}
}

func (e *Engine) resolve(ctx context.Context, ref plumbing.ReferenceName) (plumbing.Hash, error) {
	tip, err := e.repo.Resolve(ctx, ref)
	if errors.Is(err, git.ErrRefNotFound) {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrRefNotFound, ref)
	}
	return tip, err
}

func (e *Engine) build(ctx context.Context, ref plumbing.ReferenceName, gen uint64) (s *Snapshot, err error) {
	start := time.Now()
	defer func() {
		keys := 0
		if s != nil {
			keys = s.Len()
		}
		e.metrics.RecordRebuild(ctx, ref.String(), keys, time.Since(start), err == nil)
	}()

	commit, err := e.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.buildCommit(ctx, ref, commit, gen)
}

// SnapshotAt returns a snapshot of an arbitrary commit of ref. The cached
// snapshot is returned when it holds commit; otherwise a snapshot is built
// without being cached. It is used to inspect proposed pushes.
func (e *Engine) SnapshotAt(ctx context.Context, ref plumbing.ReferenceName, commit plumbing.Hash) (*Snapshot, error) {
	if rc := e.lookup(ref); rc != nil {
		if s := rc.snap.Load(); s != nil && s.gen == rc.gen.Load() && s.Commit == commit {
			return s, nil
		}
	}
	return e.buildCommit(ctx, ref, commit, 0)
}

func (e *Engine) buildCommit(ctx context.Context, ref plumbing.ReferenceName, commit plumbing.Hash, gen uint64) (*Snapshot, error) {
	start := time.Now()
	s := &Snapshot{
		Ref:        ref,
		Commit:     commit,
		gen:        gen,
		infos:      make(map[string]*StoreInfo),
		sidecars:   make(map[string]sidecar),
		containers: make(map[string]bool),
		users:      make(map[string]plumbing.Hash),
	}

	files := make(map[string]plumbing.Hash)
	metaFiles := make(map[string]plumbing.Hash)
	for entry, err := range e.repo.ReadTree(ctx, commit) {
		if err != nil {
			return nil, fmt.Errorf("failed to read tree of %s: %w", ref, err)
		}
		switch {
		case entry.IsContainer:
			s.containers[entry.Path+"/"] = true
		case IsUserPath(entry.Path):
			if realm, name, ok := ParseUserPath(entry.Path); ok {
				s.users[realm+"/"+name] = entry.Blob
			}
		case IsMetadataPath(entry.Path):
			metaFiles[MetadataOwner(entry.Path)] = entry.Blob
		default:
			files[entry.Path] = entry.Blob
		}
	}

	parsed := make(map[plumbing.Hash]MetaData, len(metaFiles))
	for owner, blob := range metaFiles {
		meta, ok := parsed[blob]
		if !ok {
			data, err := e.ReadBlob(ctx, blob)
			if err != nil {
				return nil, err
			}
			meta, err = ParseMetaData(MetadataPath(owner), ref.String(), data)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrCorruptedSource, err)
			}
			parsed[blob] = meta
		}
		s.sidecars[owner] = sidecar{meta: meta, version: blob.String()}
	}

	inherited := make(map[string]sidecar)
	var containerMeta func(dir string) sidecar
	containerMeta = func(dir string) sidecar {
		if sc, ok := inherited[dir]; ok {
			return sc
		}
		sc, ok := s.sidecars[dir]
		switch {
		case ok:
		case dir == "":
			sc = sidecar{meta: DefaultMetaData()}
		default:
			sc = containerMeta(ancestors(dir)[0])
		}
		inherited[dir] = sc
		return sc
	}

	s.keys = make([]string, 0, len(files))
	for key, blob := range files {
		sc, ok := s.sidecars[key]
		if !ok {
			sc = containerMeta(parentContainer(key))
		}
		s.infos[key] = &StoreInfo{
			Key:         key,
			Ref:         ref,
			Meta:        sc.meta,
			Version:     blob.String(),
			MetaVersion: sc.version,
			open:        e.opener(blob),
		}
		s.keys = append(s.keys, key)
	}
	slices.Sort(s.keys)

	slog.Debug("Rebuilt ref cache",
		"ref", ref,
		"commit", commit,
		"keys", len(s.keys),
		"users", len(s.users),
		"duration", time.Since(start))
	return s, nil
}

func parentContainer(key string) string {
	dir := path.Dir(key)
	if dir == "." {
		return ""
	}
	return dir + "/"
}
