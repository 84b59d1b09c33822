// Package authz resolves user records and decides access for both the key API
// and native Git operations.
package authz

import "context"

//go:generate mockgen -destination=mocks/mock_authorizer.go -package=mocks -source=authorizer.go Authorizer

// Authorizer evaluates authorization decisions using Cedar policies.
type Authorizer interface {
	// Authorize checks if the principal can perform the action on a resource
	// guarded by the required roles.
	Authorize(ctx context.Context, req Request) (Decision, error)
}

// Request represents an authorization request.
type Request struct {
	// Principal is the caller.
	Principal Identity

	// Action is the Cedar action name (read, write, pull, push, forcepush, secrets).
	Action string

	// Resource identifies the ref or key, for logging and policies.
	Resource string

	// RequiredRoles guard the resource. An empty set means unrestricted.
	RequiredRoles []string

	// Users lists user names granted access regardless of their roles.
	Users []string
}

// Decision represents the result of an authorization check.
type Decision struct {
	// Allowed indicates whether the request is permitted.
	Allowed bool

	// Reasons provides policy IDs that contributed to the decision.
	Reasons []string
}
