package service

import (
	"errors"
	"fmt"

	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/store"
)

// WriteOptions lists the option sets of the write operations.
type WriteOptions interface {
	AddKeyOptions | PutOptions | PutMetaDataOptions | DeleteOptions |
		AddUserOptions | UpdateUserOptions | DeleteUserOptions
}

// Option is a function that sets an option of a write operation
type Option[T WriteOptions] func(*T) error

// CommitInfo describes the commit a write produces. Empty fields are derived
// from the caller and the operation.
type CommitInfo struct {
	Author  git.Author
	Message string
}

func (c *CommitInfo) commitInfo() *CommitInfo {
	return c
}

type commitOption interface {
	commitInfo() *CommitInfo
}

// AddKeyOptions is the options for the AddKey operation
type AddKeyOptions struct {
	CommitInfo
	Content  []byte
	MetaData *store.MetaData
}

// PutOptions is the options for the Put operation
type PutOptions struct {
	CommitInfo
	Content         []byte
	ExpectedVersion string
}

// PutMetaDataOptions is the options for the PutMetaData operation
type PutMetaDataOptions struct {
	CommitInfo
	MetaData        *store.MetaData
	ExpectedVersion string
}

// DeleteOptions is the options for the Delete operation
type DeleteOptions struct {
	CommitInfo
	// ExpectedVersion is checked when set.
	ExpectedVersion string
	// PurgeMetaData also removes the key's own metadata sidecar.
	PurgeMetaData bool
}

// AddUserOptions is the options for the AddUser operation
type AddUserOptions struct {
	CommitInfo
	Data     *authz.UserData
	Password string
}

// UpdateUserOptions is the options for the UpdateUser operation
type UpdateUserOptions struct {
	CommitInfo
	Data            *authz.UserData
	Password        string
	ExpectedVersion string
}

// DeleteUserOptions is the options for the DeleteUser operation
type DeleteUserOptions struct {
	CommitInfo
	// ExpectedVersion is checked when set.
	ExpectedVersion string
}

func applyOptions[T WriteOptions](opts []Option[T]) (*T, error) {
	o := new(T)
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("%w: %w", store.ErrBadRequest, err)
		}
	}
	return o, nil
}

// WithAuthor sets the author of the commit of any write operation
func WithAuthor[T WriteOptions](author git.Author) Option[T] {
	return func(o *T) error {
		if author.Name == "" {
			return fmt.Errorf("invalid author: %q", author.Name)
		}
		c, ok := any(o).(commitOption)
		if !ok {
			return fmt.Errorf("invalid option type: %T", o)
		}
		c.commitInfo().Author = author
		return nil
	}
}

// WithMessage sets the message of the commit of any write operation
func WithMessage[T WriteOptions](message string) Option[T] {
	return func(o *T) error {
		if message == "" {
			return fmt.Errorf("invalid message: %q", message)
		}
		c, ok := any(o).(commitOption)
		if !ok {
			return fmt.Errorf("invalid option type: %T", o)
		}
		c.commitInfo().Message = message
		return nil
	}
}

// WithContent sets the content for the AddKey or Put operation
func WithContent[T AddKeyOptions | PutOptions](content []byte) Option[T] {
	return func(o *T) error {
		if content == nil {
			content = []byte{}
		}
		switch o := any(o).(type) {
		case *AddKeyOptions:
			o.Content = content
		case *PutOptions:
			o.Content = content
		default:
			return fmt.Errorf("invalid option type: %T", o)
		}
		return nil
	}
}

// WithMetaData sets the metadata for the AddKey or PutMetaData operation
func WithMetaData[T AddKeyOptions | PutMetaDataOptions](meta store.MetaData) Option[T] {
	return func(o *T) error {
		switch o := any(o).(type) {
		case *AddKeyOptions:
			o.MetaData = &meta
		case *PutMetaDataOptions:
			o.MetaData = &meta
		default:
			return fmt.Errorf("invalid option type: %T", o)
		}
		return nil
	}
}

// WithExpectedVersion sets the version the target must currently have for the
// Put, PutMetaData, Delete, UpdateUser or DeleteUser operation
func WithExpectedVersion[T PutOptions | PutMetaDataOptions | DeleteOptions | UpdateUserOptions | DeleteUserOptions](
	version string,
) Option[T] {
	return func(o *T) error {
		switch o := any(o).(type) {
		case *PutOptions:
			o.ExpectedVersion = version
		case *PutMetaDataOptions:
			o.ExpectedVersion = version
		case *DeleteOptions:
			o.ExpectedVersion = version
		case *UpdateUserOptions:
			o.ExpectedVersion = version
		case *DeleteUserOptions:
			o.ExpectedVersion = version
		default:
			return fmt.Errorf("invalid option type: %T", o)
		}
		return nil
	}
}

// WithPurgeMetaData makes Delete remove the key's own metadata sidecar too
func WithPurgeMetaData() Option[DeleteOptions] {
	return func(o *DeleteOptions) error {
		o.PurgeMetaData = true
		return nil
	}
}

// WithUserData sets the record for the AddUser or UpdateUser operation
func WithUserData[T AddUserOptions | UpdateUserOptions](data authz.UserData) Option[T] {
	return func(o *T) error {
		switch o := any(o).(type) {
		case *AddUserOptions:
			o.Data = &data
		case *UpdateUserOptions:
			o.Data = &data
		default:
			return fmt.Errorf("invalid option type: %T", o)
		}
		return nil
	}
}

// WithPassword sets a clear-text password that is hashed into the record for
// the AddUser or UpdateUser operation
func WithPassword[T AddUserOptions | UpdateUserOptions](password string) Option[T] {
	return func(o *T) error {
		if password == "" {
			return errors.New("invalid password: empty")
		}
		switch o := any(o).(type) {
		case *AddUserOptions:
			o.Password = password
		case *UpdateUserOptions:
			o.Password = password
		default:
			return fmt.Errorf("invalid option type: %T", o)
		}
		return nil
	}
}
