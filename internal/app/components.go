package app

import (
	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/reflock"
	"github.com/stacklok/gitkv/internal/service"
	"github.com/stacklok/gitkv/internal/store"
	"github.com/stacklok/gitkv/internal/watch"
	"github.com/stacklok/gitkv/internal/writer"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Repository is the bare repository backing the store
	Repository *git.Repository

	// Engine serves snapshots of every ref
	Engine *store.Engine

	// Index resolves user records and decides access
	Index *authz.Index

	// Locks serializes writers and pushes per ref
	Locks *reflock.Registry

	// Writer commits key and user changes
	Writer *writer.Coordinator

	// Service provides the key and user operations
	Service service.Service

	// Watcher drops snapshots of refs moved by other processes (optional)
	Watcher *watch.Watcher
}
