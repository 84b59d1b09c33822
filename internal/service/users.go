package service

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/otel"
	"github.com/stacklok/gitkv/internal/store"
)

// userTarget resolves the ref holding the records of realm and the record path.
func (s *KeyService) userTarget(ref, realm, name string) (plumbing.ReferenceName, string, error) {
	if err := store.ValidateUserName(realm, name); err != nil {
		return "", "", err
	}
	if !s.index.Realms().Contains(realm) {
		return "", "", fmt.Errorf("%w: unknown realm %q", store.ErrBadRequest, realm)
	}
	return s.index.SourceRef(git.NormalizeRef(ref), realm), store.UserPath(realm, name), nil
}

// authorizeUserAdmin lets key admins manage records. Records of the git realm
// additionally need the secrets role, exactly as pushing to the secrets ref does.
func (s *KeyService) authorizeUserAdmin(ctx context.Context, ref plumbing.ReferenceName, realm string) error {
	id, _ := authz.IdentityFromContext(ctx)
	if id.IsSystem() {
		return nil
	}
	if !id.Admin {
		return fmt.Errorf("%w: managing users needs the %s realm", store.ErrAccessDenied, s.index.Realms().Admin)
	}
	if realm != s.index.Realms().Git {
		return nil
	}

	ok, err := s.hasSecretsRole(ctx, id.Name, ref)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: managing %s users needs the %s role", store.ErrAccessDenied, realm, authz.RoleSecrets)
	}
	return nil
}

func userSpan(realm, name string) trace.SpanStartOption {
	return trace.WithAttributes(otel.AttrRealm.String(realm), otel.AttrUser.String(name))
}

// GetUser implements Service.GetUser. Callers may read their own record;
// key admins may read any.
func (s *KeyService) GetUser(ctx context.Context, ref, realm, name string) (_ *authz.UserData, _ string, err error) {
	ctx, span := s.startSpan(ctx, "service.GetUser", ref, userSpan(realm, name))
	defer func() {
		otel.RecordError(span, err)
		span.End()
	}()

	r, _, err := s.userTarget(ref, realm, name)
	if err != nil {
		return nil, "", err
	}
	id, _ := authz.IdentityFromContext(ctx)
	if !(id.Name == name && id.Realm == realm) {
		if err := s.authorizeUserAdmin(ctx, r, realm); err != nil {
			return nil, "", err
		}
	}
	return s.index.Lookup(ctx, name, git.NormalizeRef(ref), realm)
}

// encodeUser hashes password into data when set and checks the result
// against the user schema.
func encodeUser(path string, ref plumbing.ReferenceName, data *authz.UserData, password string) ([]byte, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: user data is required", store.ErrBadRequest)
	}
	u := *data
	if password != "" {
		hash, err := authz.HashPassword(password)
		if err != nil {
			return nil, err
		}
		u.Password = hash
	}
	out, err := u.Encode()
	if err != nil {
		return nil, err
	}
	if _, err := authz.ParseUserData(path, ref.String(), out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddUser implements Service.AddUser
func (s *KeyService) AddUser(ctx context.Context, ref, realm, name string, opts ...Option[AddUserOptions]) (_ string, err error) {
	ctx, span := s.startSpan(ctx, "service.AddUser", ref, userSpan(realm, name))
	defer func() {
		otel.RecordError(span, err)
		span.End()
	}()

	o, err := applyOptions(opts)
	if err != nil {
		return "", err
	}
	r, path, err := s.userTarget(ref, realm, name)
	if err != nil {
		return "", err
	}
	if err := s.authorizeUserAdmin(ctx, r, realm); err != nil {
		return "", err
	}
	data, err := encodeUser(path, r, o.Data, o.Password)
	if err != nil {
		return "", err
	}

	req := commitRequest(ctx, r, o.CommitInfo, "Add user "+realm+"/"+name, func(_ context.Context, snap *store.Snapshot) ([]git.Mutation, error) {
		if _, ok := snap.User(realm, name); ok {
			return nil, fmt.Errorf("%w: user %s/%s on %s", store.ErrKeyAlreadyExist, realm, name, r)
		}
		return []git.Mutation{git.Put(path, data)}, nil
	})
	res, err := s.writer.Write(ctx, req)
	if err != nil {
		return "", err
	}
	return userVersion(res.Snapshot, realm, name)
}

// UpdateUser implements Service.UpdateUser. The stored password hash is kept
// when neither the record nor the options carry a new one.
func (s *KeyService) UpdateUser(ctx context.Context, ref, realm, name string, opts ...Option[UpdateUserOptions]) (_ string, err error) {
	ctx, span := s.startSpan(ctx, "service.UpdateUser", ref, userSpan(realm, name))
	defer func() {
		otel.RecordError(span, err)
		span.End()
	}()

	o, err := applyOptions(opts)
	if err != nil {
		return "", err
	}
	if o.ExpectedVersion == "" {
		return "", fmt.Errorf("%w: an expected version is required to update user %s/%s", store.ErrBadRequest, realm, name)
	}
	r, path, err := s.userTarget(ref, realm, name)
	if err != nil {
		return "", err
	}
	if err := s.authorizeUserAdmin(ctx, r, realm); err != nil {
		return "", err
	}
	if o.Data == nil {
		return "", fmt.Errorf("%w: user data is required", store.ErrBadRequest)
	}

	req := commitRequest(ctx, r, o.CommitInfo, "Update user "+realm+"/"+name, func(ctx context.Context, snap *store.Snapshot) ([]git.Mutation, error) {
		blob, ok := snap.User(realm, name)
		if !ok {
			return nil, fmt.Errorf("%w: user %s/%s on %s", store.ErrNotFound, realm, name, r)
		}
		if err := checkVersion(path, o.ExpectedVersion, blob.String()); err != nil {
			return nil, err
		}

		next := *o.Data
		if next.Password == "" && o.Password == "" {
			current, err := s.engine.ReadBlob(ctx, blob)
			if err != nil {
				return nil, err
			}
			old, err := authz.ParseUserData(path, r.String(), current)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", store.ErrCorruptedSource, err)
			}
			next.Password = old.Password
		}
		data, err := encodeUser(path, r, &next, o.Password)
		if err != nil {
			return nil, err
		}
		return []git.Mutation{git.Put(path, data)}, nil
	})
	res, err := s.writer.Write(ctx, req)
	if err != nil {
		return "", err
	}
	return userVersion(res.Snapshot, realm, name)
}

// DeleteUser implements Service.DeleteUser
func (s *KeyService) DeleteUser(ctx context.Context, ref, realm, name string, opts ...Option[DeleteUserOptions]) (err error) {
	ctx, span := s.startSpan(ctx, "service.DeleteUser", ref, userSpan(realm, name))
	defer func() {
		otel.RecordError(span, err)
		span.End()
	}()

	o, err := applyOptions(opts)
	if err != nil {
		return err
	}
	r, path, err := s.userTarget(ref, realm, name)
	if err != nil {
		return err
	}
	if err := s.authorizeUserAdmin(ctx, r, realm); err != nil {
		return err
	}

	req := commitRequest(ctx, r, o.CommitInfo, "Delete user "+realm+"/"+name, func(_ context.Context, snap *store.Snapshot) ([]git.Mutation, error) {
		blob, ok := snap.User(realm, name)
		if !ok {
			return nil, fmt.Errorf("%w: user %s/%s on %s", store.ErrNotFound, realm, name, r)
		}
		if o.ExpectedVersion != "" {
			if err := checkVersion(path, o.ExpectedVersion, blob.String()); err != nil {
				return nil, err
			}
		}
		return []git.Mutation{git.Remove(path)}, nil
	})
	_, err = s.writer.Write(ctx, req)
	return err
}

func userVersion(snap *store.Snapshot, realm, name string) (string, error) {
	blob, ok := snap.User(realm, name)
	if !ok {
		return "", fmt.Errorf("%w: user %s/%s missing after commit %s", store.ErrCorruptedSource, realm, name, snap.Commit)
	}
	return blob.String(), nil
}
