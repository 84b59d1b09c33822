package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/stacklok/gitkv/internal/store"
)

const defaultDebounce = 200 * time.Millisecond

// Cache is the ref cache kept in step with the repository.
type Cache interface {
	CachedRefs() []plumbing.ReferenceName
	Snapshot(ctx context.Context, ref plumbing.ReferenceName) (*store.Snapshot, error)
	Invalidate(ref plumbing.ReferenceName)
}

// TipResolver reads the commit a ref points to.
type TipResolver interface {
	Resolve(ctx context.Context, ref plumbing.ReferenceName) (plumbing.Hash, error)
}

// Option configures a Watcher
type Option func(*Watcher)

// WithDebounce sets how long events must settle before the caches are checked
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watcher invalidates cached refs moved by other processes.
type Watcher struct {
	dir      string
	cache    Cache
	tips     TipResolver
	debounce time.Duration

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// New creates a watcher for the repository at dir.
func New(dir string, cache Cache, tips TipResolver, opts ...Option) *Watcher {
	w := &Watcher{
		dir:      dir,
		cache:    cache,
		tips:     tips,
		debounce: defaultDebounce,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start watches the repository until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if w.dir == "" {
		close(w.done)
		return errors.New("watching needs an on-disk repository")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		close(w.done)
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw); err != nil {
		close(w.done)
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancelFunc = cancel
	w.mu.Unlock()
	defer func() {
		close(w.done)
		slog.Info("Ref watcher stopped", "path", w.dir)
	}()
	slog.Info("Watching repository for external ref changes", "path", w.dir, "debounce", w.debounce)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := fw.Add(ev.Name); err != nil {
						slog.Warn("Failed to watch ref directory", "path", ev.Name, "error", err)
					}
				}
			}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Ref watcher error", "error", err)
		case <-timer.C:
			w.Reconcile(watchCtx)
		case <-watchCtx.Done():
			return nil
		}
	}
}

// Stop ends a running Start and waits for it to return.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	cancel := w.cancelFunc
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-w.done
	}
	return nil
}

// Reconcile invalidates every cached ref whose tip moved or disappeared and
// returns them.
func (w *Watcher) Reconcile(ctx context.Context) []plumbing.ReferenceName {
	var stale []plumbing.ReferenceName
	for _, ref := range w.cache.CachedRefs() {
		snap, err := w.cache.Snapshot(ctx, ref)
		if err != nil {
			stale = append(stale, ref)
			continue
		}
		tip, err := w.tips.Resolve(ctx, ref)
		if err != nil || tip != snap.Commit {
			stale = append(stale, ref)
		}
	}
	for _, ref := range stale {
		w.cache.Invalidate(ref)
	}
	if len(stale) > 0 {
		slog.Info("Invalidated refs changed outside the server", "refs", stale)
	}
	return stale
}

// addTree watches the repository root for packed-refs and every directory
// below refs.
func (w *Watcher) addTree(fw *fsnotify.Watcher) error {
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	refs := filepath.Join(w.dir, "refs")
	return filepath.WalkDir(refs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// relevant reports whether a change at path can move a ref.
func (w *Watcher) relevant(path string) bool {
	if strings.HasSuffix(path, ".lock") {
		return false
	}
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel == "packed-refs" || rel == "refs" || strings.HasPrefix(rel, "refs/")
}
