package authz

import (
	"context"
	"fmt"
	"log/slog"

	cedar "github.com/cedar-policy/cedar-go"
)

const cedarNamespace = "Gitkv"

type cedarAuthorizer struct {
	policySet *cedar.PolicySet
}

// NewCedarAuthorizer creates a new Cedar-based authorizer.
// If policyBytes is nil, built-in default policies are used.
func NewCedarAuthorizer(policyBytes []byte) (*cedarAuthorizer, error) {
	if policyBytes == nil {
		policyBytes = []byte(defaultPolicies)
	}

	ps, err := cedar.NewPolicySetFromBytes("policies.cedar", policyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Cedar policies: %w", err)
	}

	return &cedarAuthorizer{policySet: ps}, nil
}

func stringSet(values []string) cedar.Set {
	out := make([]cedar.Value, len(values))
	for i, v := range values {
		out[i] = cedar.String(v)
	}
	return cedar.NewSet(out...)
}

// Authorize evaluates req against the policy set.
func (a *cedarAuthorizer) Authorize(_ context.Context, req Request) (Decision, error) {
	principalID := req.Principal.Name
	if principalID == "" {
		principalID = "anonymous"
	}
	principalUID := cedar.NewEntityUID(cedar.EntityType(cedarNamespace+"::User"), cedar.String(principalID))

	resourceID := req.Resource
	if resourceID == "" {
		resourceID = "global"
	}
	resourceUID := cedar.NewEntityUID(cedar.EntityType(cedarNamespace+"::Resource"), cedar.String(resourceID))

	entities := cedar.EntityMap{
		principalUID: cedar.Entity{
			UID: principalUID,
			Attributes: cedar.NewRecord(cedar.RecordMap{
				"name":  cedar.String(req.Principal.Name),
				"roles": stringSet(req.Principal.Roles),
				"admin": cedar.Boolean(req.Principal.Admin),
			}),
		},
		resourceUID: cedar.Entity{
			UID: resourceUID,
			Attributes: cedar.NewRecord(cedar.RecordMap{
				"restricted":    cedar.Boolean(len(req.RequiredRoles) > 0),
				"requiredRoles": stringSet(req.RequiredRoles),
				"users":         stringSet(req.Users),
			}),
		},
	}

	actionUID := cedar.NewEntityUID(cedar.EntityType(cedarNamespace+"::Action"), cedar.String(req.Action))

	cedarReq := cedar.Request{
		Principal: principalUID,
		Action:    actionUID,
		Resource:  resourceUID,
		Context:   cedar.NewRecord(cedar.RecordMap{}),
	}

	decision, diagnostic := cedar.Authorize(a.policySet, entities, cedarReq)
	for _, e := range diagnostic.Errors {
		slog.Warn("Cedar policy evaluation error", "policy", e.PolicyID, "error", e.Message)
	}

	var reasons []string
	for _, r := range diagnostic.Reasons {
		reasons = append(reasons, string(r.PolicyID))
	}

	slog.Debug("Authorization decision",
		"action", req.Action,
		"decision", decision,
		"principal", req.Principal.Name,
		"resource", req.Resource,
		"reasons", reasons,
	)

	return Decision{
		Allowed: decision == cedar.Allow,
		Reasons: reasons,
	}, nil
}
