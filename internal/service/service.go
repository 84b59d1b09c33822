// Package service provides the key and user operations of the store.
//
// Every operation reads the caller from the context (authz.IdentityFromContext)
// and checks it against the metadata that applies to the target before
// touching it. Writes go through the write coordinator so they serialize with
// native pushes on the same ref.
package service

import (
	"context"

	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/store"
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go Service

// Service defines the operations exposed to the HTTP layer.
type Service interface {
	// CheckReadiness checks whether the repository can serve requests
	CheckReadiness(ctx context.Context) error

	// GetKey returns a key with its content and metadata
	GetKey(ctx context.Context, ref, key string) (*store.StoreInfo, error)

	// GetMetaKey returns the metadata of a key or container and its version
	GetMetaKey(ctx context.Context, ref, key string) (store.MetaData, string, error)

	// AddKey creates a key and returns its version
	AddKey(ctx context.Context, ref, key string, opts ...Option[AddKeyOptions]) (string, error)

	// Put replaces the content of an existing key and returns its new version
	Put(ctx context.Context, ref, key string, opts ...Option[PutOptions]) (string, error)

	// PutMetaData replaces the metadata of a key or container and returns the
	// new metadata version
	PutMetaData(ctx context.Context, ref, key string, opts ...Option[PutMetaDataOptions]) (string, error)

	// Delete removes the content of a key
	Delete(ctx context.Context, ref, key string, opts ...Option[DeleteOptions]) error

	// GetUser returns a user record and its version
	GetUser(ctx context.Context, ref, realm, name string) (*authz.UserData, string, error)

	// AddUser creates a user record and returns its version
	AddUser(ctx context.Context, ref, realm, name string, opts ...Option[AddUserOptions]) (string, error)

	// UpdateUser replaces a user record and returns its new version
	UpdateUser(ctx context.Context, ref, realm, name string, opts ...Option[UpdateUserOptions]) (string, error)

	// DeleteUser removes a user record
	DeleteUser(ctx context.Context, ref, realm, name string, opts ...Option[DeleteUserOptions]) error

	// GetList lists the visible keys below a container
	GetList(ctx context.Context, ref string, opts store.ListOptions) ([]store.Entry, error)
}
