package authz

import "context"

type identityKey struct{}

// Identity is an authenticated caller, or the anonymous caller when Name is empty.
type Identity struct {
	Name  string
	Realm string
	Roles []string
	// Admin is set for members of the key-admin realm.
	Admin bool
}

// Anonymous is the identity of requests without credentials.
var Anonymous = Identity{}

// System is the identity of local maintenance commands. It belongs to no
// realm and may manage records of every realm.
var System = Identity{Name: "gitkv", Admin: true}

// IsAnonymous reports whether the caller did not authenticate.
func (i Identity) IsAnonymous() bool {
	return i.Name == ""
}

// IsSystem reports whether the caller is a local maintenance command.
func (i Identity) IsSystem() bool {
	return i.Admin && i.Realm == "" && i.Name != ""
}

// HasRole reports whether the caller holds role.
func (i Identity) HasRole(role string) bool {
	return Intersects(i.Roles, []string{role})
}

// WithIdentity stores the caller in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller stored in ctx, or Anonymous.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok {
		return Anonymous, false
	}
	return id, true
}
