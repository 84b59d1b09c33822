package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/store"
)

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithRealms sets the realm names.
func WithRealms(r Realms) IndexOption {
	return func(i *Index) {
		i.realms = r
	}
}

// WithSecretsRef sets the ref holding git realm records.
func WithSecretsRef(ref plumbing.ReferenceName) IndexOption {
	return func(i *Index) {
		i.secretsRef = ref
	}
}

// WithVerifier replaces the bcrypt password verifier.
func WithVerifier(v PasswordVerifier) IndexOption {
	return func(i *Index) {
		i.verifier = v
	}
}

// WithAuthorizer replaces the default Cedar authorizer.
func WithAuthorizer(a Authorizer) IndexOption {
	return func(i *Index) {
		i.authorizer = a
	}
}

// Index resolves user records from the repository and decides access.
type Index struct {
	engine     *store.Engine
	realms     Realms
	secretsRef plumbing.ReferenceName
	verifier   PasswordVerifier
	authorizer Authorizer
}

// NewIndex creates an index reading user records through engine.
func NewIndex(engine *store.Engine, opts ...IndexOption) (*Index, error) {
	i := &Index{
		engine:     engine,
		realms:     DefaultRealms(),
		secretsRef: git.SecretsRef,
		verifier:   BcryptVerifier{},
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.authorizer == nil {
		a, err := NewCedarAuthorizer(nil)
		if err != nil {
			return nil, err
		}
		i.authorizer = a
	}
	return i, nil
}

// Realms returns the configured realm names.
func (i *Index) Realms() Realms {
	return i.realms
}

// SecretsRef returns the ref holding git realm records.
func (i *Index) SecretsRef() plumbing.ReferenceName {
	return i.secretsRef
}

// SourceRef returns the ref whose users tree holds the records of realm:
// the secrets ref for the git realm and ref itself for every other realm.
func (i *Index) SourceRef(ref plumbing.ReferenceName, realm string) plumbing.ReferenceName {
	if realm == i.realms.Git {
		return i.secretsRef
	}
	return ref
}

// Lookup returns the record of name in realm together with its version.
// It returns store.ErrNotFound when the record or its ref does not exist.
func (i *Index) Lookup(ctx context.Context, name string, ref plumbing.ReferenceName, realm string) (*UserData, string, error) {
	source := i.SourceRef(ref, realm)
	snap, err := i.engine.Snapshot(ctx, source)
	if errors.Is(err, store.ErrRefNotFound) {
		return nil, "", fmt.Errorf("%w: user %s/%s on %s", store.ErrNotFound, realm, name, source)
	}
	if err != nil {
		return nil, "", err
	}

	blob, ok := snap.User(realm, name)
	if !ok {
		return nil, "", fmt.Errorf("%w: user %s/%s on %s", store.ErrNotFound, realm, name, source)
	}
	data, err := i.engine.ReadBlob(ctx, blob)
	if err != nil {
		return nil, "", err
	}
	u, err := ParseUserData(store.UserPath(realm, name), source.String(), data)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", store.ErrCorruptedSource, err)
	}
	return u, blob.String(), nil
}

// RolesOf returns the roles of name in realm for ref. The second result is
// false when no record exists, which is never an error.
func (i *Index) RolesOf(ctx context.Context, name string, ref plumbing.ReferenceName, realm string) ([]string, bool, error) {
	u, _, err := i.Lookup(ctx, name, ref, realm)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return u.Roles, true, nil
}

// Authenticate verifies the password of name in realm and returns the
// resulting identity. The second result is false for unknown users and wrong
// passwords alike.
func (i *Index) Authenticate(ctx context.Context, name, password string, ref plumbing.ReferenceName, realm string) (Identity, bool, error) {
	u, _, err := i.Lookup(ctx, name, ref, realm)
	if errors.Is(err, store.ErrNotFound) {
		return Anonymous, false, nil
	}
	if err != nil {
		return Anonymous, false, err
	}
	if !i.verifier.Verify(password, u.Password) {
		slog.Warn("Password verification failed", "user", name, "realm", realm)
		return Anonymous, false, nil
	}
	return Identity{
		Name:  name,
		Realm: realm,
		Roles: u.Roles,
		Admin: realm == i.realms.Admin,
	}, true, nil
}

// Authorize evaluates req with the configured authorizer.
func (i *Index) Authorize(ctx context.Context, req Request) (Decision, error) {
	return i.authorizer.Authorize(ctx, req)
}

// Decide reports whether id may perform action on a resource guarded by the
// required roles and, for keys, the legacy user list.
func (i *Index) Decide(ctx context.Context, id Identity, action, resource string, required, users []string) (bool, error) {
	d, err := i.authorizer.Authorize(ctx, Request{
		Principal:     id,
		Action:        action,
		Resource:      resource,
		RequiredRoles: required,
		Users:         users,
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate authorization: %w", err)
	}
	return d.Allowed, nil
}

// GitRolesOf returns the git realm roles of name.
func (i *Index) GitRolesOf(ctx context.Context, name string) ([]string, error) {
	roles, _, err := i.RolesOf(ctx, name, i.secretsRef, i.realms.Git)
	return roles, err
}
