// Package gitproto serves the Git smart HTTP protocol for the store's
// repository. Fetches go through go-git's upload-pack server over a filtered
// read view; pushes are decoded here and applied by the push receiver.
package gitproto

import (
	"errors"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/server"

	"github.com/stacklok/gitkv/internal/git"
)

// ErrRepositoryNotFound is returned for request paths naming another repository.
var ErrRepositoryNotFound = errors.New("repository not found")

// Resolver maps request paths to the single served repository.
type Resolver struct {
	repo *git.Repository
}

// NewResolver creates a resolver serving repo under its name.
func NewResolver(repo *git.Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve returns the repository named by the first segment of path. A
// ".git" suffix on the name is ignored.
func (r *Resolver) Resolve(path string) (*git.Repository, error) {
	name, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	name = strings.TrimSuffix(name, ".git")
	if name == "" || name != r.repo.Name() {
		return nil, ErrRepositoryNotFound
	}
	return r.repo, nil
}

// Load implements server.Loader with every ref visible.
func (r *Resolver) Load(ep *transport.Endpoint) (storer.Storer, error) {
	return r.Loader(nil).Load(ep)
}

// Loader returns a server.Loader exposing only the refs accepted by visible.
func (r *Resolver) Loader(visible git.RefFilter) server.Loader {
	return loaderFunc(func(ep *transport.Endpoint) (storer.Storer, error) {
		repo, err := r.Resolve(ep.Path)
		if err != nil {
			return nil, transport.ErrRepositoryNotFound
		}
		return repo.ReadView(visible), nil
	})
}

type loaderFunc func(*transport.Endpoint) (storer.Storer, error)

func (f loaderFunc) Load(ep *transport.Endpoint) (storer.Storer, error) {
	return f(ep)
}
