package store

import (
	"errors"
	"fmt"

	"github.com/stacklok/gitkv/internal/reflock"
)

var (
	// ErrFailedToLock is returned when a ref stayed contended past the lock
	// timeout or the write retry bound.
	ErrFailedToLock = reflock.ErrFailedToLock

	// ErrVersionIsNotSame is returned when the expected version of a write does
	// not match the current one.
	ErrVersionIsNotSame = errors.New("version is not the same")

	// ErrKeyAlreadyExist is returned when creating a key that already exists.
	ErrKeyAlreadyExist = errors.New("key already exists")

	// ErrRefNotFound is returned when the ref does not exist.
	ErrRefNotFound = errors.New("ref not found")

	// ErrNotFound is returned when a key or user record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when metadata or a user record fails its schema.
	ErrValidation = errors.New("validation failed")

	// ErrCorruptedSource is returned when repository content cannot be read back.
	ErrCorruptedSource = errors.New("corrupted source")

	// ErrAccessDenied is returned when the caller holds none of the required roles.
	ErrAccessDenied = errors.New("access denied")

	// ErrBadRequest is returned for writes that can never succeed, such as
	// deleting a protected key or writing to a tag.
	ErrBadRequest = errors.New("bad request")
)

// ConflictError reports an optimistic concurrency failure.
type ConflictError struct {
	Key      string
	Expected string
	Current  string
}

func (e *ConflictError) Error() string {
	current := e.Current
	if current == "" {
		current = "<none>"
	}
	return fmt.Sprintf("%s: version of %s is %s, expected %s", ErrVersionIsNotSame, e.Key, current, e.Expected)
}

// Is makes errors.Is(err, ErrVersionIsNotSame) succeed.
func (*ConflictError) Is(target error) bool {
	return target == ErrVersionIsNotSame
}

// ValidationError reports a document that failed schema validation.
type ValidationError struct {
	Path string
	Ref  string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("invalid %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("invalid %s on %s: %v", e.Path, e.Ref, e.Err)
}

// Is makes errors.Is(err, ErrValidation) succeed.
func (*ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
