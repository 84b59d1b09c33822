package authz

import "net/http"

// Actions evaluated by the policies.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// Fixed roles of the git realm. Each is also the Cedar action it grants.
const (
	RolePull      = "pull"
	RolePush      = "push"
	RoleForcePush = "forcepush"
	RoleSecrets   = "secrets"
)

// GitRoles lists every role of the git realm.
var GitRoles = []string{RolePull, RolePush, RoleForcePush, RoleSecrets}

// MethodAction returns the key action an HTTP method performs.
func MethodAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ActionRead
	default:
		return ActionWrite
	}
}
