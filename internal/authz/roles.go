package authz

import "slices"

// Realms names the partitions of the user namespace.
type Realms struct {
	// Git holds pushers and pullers. Its records live on the secrets ref.
	Git string
	// Admin holds key administrators.
	Admin string
	// User holds key users.
	User string
}

// DefaultRealms returns the realm names used when none are configured.
func DefaultRealms() Realms {
	return Realms{Git: "git", Admin: "admin", User: "user"}
}

// Contains reports whether realm is one of the configured realms.
func (r Realms) Contains(realm string) bool {
	return realm != "" && (realm == r.Git || realm == r.Admin || realm == r.User)
}

// Intersects reports whether the two role sets share a role.
func Intersects(have, required []string) bool {
	for _, role := range required {
		if slices.Contains(have, role) {
			return true
		}
	}
	return false
}

// NormalizeRoles returns roles sorted with duplicates and empty names removed.
func NormalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r != "" {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
