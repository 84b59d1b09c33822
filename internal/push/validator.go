// Package push reviews native git pushes before any ref moves.
//
// The Validator applies the rules the key API enforces on writes to the trees
// a push proposes: metadata and user records must satisfy their schemas,
// the pusher needs the git roles matching the kind of update, and protected
// keys may only disappear together with their branch.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/store"
)

// Rejection reasons reported to git clients.
const (
	ReasonPushRequired      = "push role required"
	ReasonForcePushRequired = "forcepush role required"
	ReasonSecretsRequired   = "secrets role required"
	ReasonProtectedKey      = "protected key cannot be deleted"
	ReasonInternalError     = "internal error"
	ReasonStale             = "stale info"
)

var errNotUserRecord = errors.New("not a user record of a known realm")

// Validator implements git.PushHook.
type Validator struct {
	repo   *git.Repository
	engine *store.Engine
	index  *authz.Index
}

var _ git.PushHook = (*Validator)(nil)

// NewValidator creates a validator reading current state through engine and
// roles through index.
func NewValidator(engine *store.Engine, index *authz.Index) *Validator {
	return &Validator{
		repo:   engine.Repository(),
		engine: engine,
		index:  index,
	}
}

// ReviewPush checks every proposed update. Schema failures reject the whole
// push; every other rule rejects only the offending ref.
func (v *Validator) ReviewPush(ctx context.Context, updates []git.RefUpdate) (map[plumbing.ReferenceName]string, error) {
	rejected := make(map[plumbing.ReferenceName]string)
	changes := make(map[plumbing.ReferenceName][]git.Change, len(updates))
	for _, u := range updates {
		current, err := v.repo.Reference(ctx, u.Name)
		if err != nil {
			current = plumbing.ZeroHash
		}
		if current != u.Old {
			rejected[u.Name] = ReasonStale
			continue
		}
		if u.IsDelete() {
			continue
		}
		diff, err := v.repo.Diff(ctx, u.Old, u.New)
		if err != nil {
			return nil, fmt.Errorf("failed to diff %s: %w", u.Name, err)
		}
		if err := v.validateSchemas(ctx, u.Name, diff); err != nil {
			return nil, err
		}
		changes[u.Name] = diff
	}

	identity, _ := authz.IdentityFromContext(ctx)
	pusher, err := v.gitIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}

	for _, u := range updates {
		if _, ok := rejected[u.Name]; ok {
			continue
		}
		reason, err := v.reviewUpdate(ctx, pusher, u, changes[u.Name])
		if err != nil {
			slog.Error("Failed to review ref update", "ref", u.Name, "user", pusher.Name, "error", err)
			rejected[u.Name] = ReasonInternalError
			continue
		}
		if reason != "" {
			slog.Warn("Ref update rejected", "ref", u.Name, "user", pusher.Name, "reason", reason)
			rejected[u.Name] = reason
		}
	}
	return rejected, nil
}

// gitIdentity returns the pusher with its current git realm roles, read from
// the secrets ref as it is now rather than from the push itself.
func (v *Validator) gitIdentity(ctx context.Context, id authz.Identity) (authz.Identity, error) {
	if id.IsAnonymous() {
		return id, nil
	}
	roles, _, err := v.index.RolesOf(ctx, id.Name, v.index.SecretsRef(), v.index.Realms().Git)
	if err != nil {
		return authz.Anonymous, fmt.Errorf("failed to load roles of %s: %w", id.Name, err)
	}
	return authz.Identity{Name: id.Name, Realm: v.index.Realms().Git, Roles: roles}, nil
}

func (v *Validator) validateSchemas(ctx context.Context, ref plumbing.ReferenceName, changes []git.Change) error {
	for _, c := range changes {
		if c.IsDelete() {
			continue
		}
		switch {
		case store.IsUserPath(c.Path):
			realm, _, ok := store.ParseUserPath(c.Path)
			if !ok || !v.index.Realms().Contains(realm) {
				return &store.ValidationError{Path: c.Path, Ref: ref.String(), Err: errNotUserRecord}
			}
			data, err := v.engine.ReadBlob(ctx, c.New)
			if err != nil {
				return err
			}
			if _, err := authz.ParseUserData(c.Path, ref.String(), data); err != nil {
				return err
			}
		case store.IsMetadataPath(c.Path):
			data, err := v.engine.ReadBlob(ctx, c.New)
			if err != nil {
				return err
			}
			if _, err := store.ParseMetaData(c.Path, ref.String(), data); err != nil {
				return err
			}
		}
	}
	return nil
}

type requirement struct {
	role   string
	reason string
}

// reviewUpdate returns the rejection reason of u, or "" when it is allowed.
func (v *Validator) reviewUpdate(ctx context.Context, pusher authz.Identity, u git.RefUpdate, changes []git.Change) (string, error) {
	resource := u.Name.String()

	required := []requirement{{authz.RolePush, ReasonPushRequired}}
	if u.Name == v.index.SecretsRef() {
		required = append(required, requirement{authz.RoleSecrets, ReasonSecretsRequired})
	}
	force, err := v.needsForce(ctx, u)
	if err != nil {
		return "", err
	}
	if force {
		required = append(required, requirement{authz.RoleForcePush, ReasonForcePushRequired})
	}

	for _, r := range required {
		ok, err := v.index.Decide(ctx, pusher, r.role, resource, []string{r.role}, nil)
		if err != nil {
			return "", err
		}
		if !ok {
			return r.reason, nil
		}
	}

	if u.IsCreate() || u.IsDelete() {
		return "", nil
	}
	return v.protectedDeletion(ctx, u, changes)
}

// needsForce reports whether u rewrites history: a non fast-forward branch
// update, a branch deletion, or any change to an existing tag.
func (v *Validator) needsForce(ctx context.Context, u git.RefUpdate) (bool, error) {
	if u.IsCreate() {
		return false, nil
	}
	if u.Name.IsTag() || u.IsDelete() {
		return true, nil
	}
	ff, err := v.repo.IsAncestor(ctx, u.Old, u.New)
	if err != nil {
		return false, fmt.Errorf("failed to check ancestry of %s: %w", u.Name, err)
	}
	return !ff, nil
}

func (v *Validator) protectedDeletion(ctx context.Context, u git.RefUpdate, changes []git.Change) (string, error) {
	var before *store.Snapshot
	for _, c := range changes {
		if !c.IsDelete() || store.IsMetadataPath(c.Path) || store.IsUserPath(c.Path) {
			continue
		}
		if before == nil {
			s, err := v.engine.SnapshotAt(ctx, u.Name, u.Old)
			if err != nil {
				return "", err
			}
			before = s
		}
		if info, ok := before.Get(c.Path); ok && info.Meta.Protected {
			return fmt.Sprintf("%s: %s", ReasonProtectedKey, c.Path), nil
		}
	}
	return "", nil
}
