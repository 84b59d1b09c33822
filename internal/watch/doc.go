// Package watch keeps the ref caches in step with changes made to the
// repository by other processes.
//
// Writes made through this server already invalidate the cache of their ref.
// A git client running directly against the repository directory, or a
// repository restored from backup, moves refs behind the server's back. The
// watcher observes the refs directory and the packed-refs file with fsnotify
// and, once the events settle, invalidates every cached ref whose tip no longer
// matches its snapshot.
//
// # Lifecycle
//
//	w := watch.New(repo.Path(), engine, repo, watch.WithDebounce(200*time.Millisecond))
//	go func() { _ = w.Start(ctx) }()
//	...
//	_ = w.Stop()
package watch
