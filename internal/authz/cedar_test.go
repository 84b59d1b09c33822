package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCedarAuthorizer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		policyBytes []byte
		wantErr     string
	}{
		{
			name:        "nil bytes uses default policies",
			policyBytes: nil,
		},
		{
			name:        "empty bytes creates authorizer with no policies",
			policyBytes: []byte(""),
		},
		{
			name:        "invalid policy bytes returns error",
			policyBytes: []byte("this is not a valid cedar policy!!!"),
			wantErr:     "failed to parse Cedar policies",
		},
		{
			name: "valid custom policy bytes succeeds",
			policyBytes: []byte(`permit(
				principal,
				action == Gitkv::Action::"read",
				resource
			);`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			authorizer, err := NewCedarAuthorizer(tt.policyBytes)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, authorizer)
				return
			}

			require.NoError(t, err)
			assert.NotNil(t, authorizer)
			assert.NotNil(t, authorizer.policySet)
		})
	}
}

func TestCedarAuthorizer_Authorize(t *testing.T) {
	t.Parallel()

	alice := Identity{Name: "alice", Realm: "user", Roles: []string{"r", "w"}}
	bob := Identity{Name: "bob", Realm: "user", Roles: []string{"other"}}
	admin := Identity{Name: "root", Realm: "admin", Admin: true}
	pusher := Identity{Name: "ci", Realm: "git", Roles: []string{RolePull, RolePush}}

	tests := []struct {
		name        string
		request     Request
		wantAllowed bool
	}{
		{
			name:        "empty required roles is unrestricted",
			request:     Request{Principal: Anonymous, Action: ActionRead},
			wantAllowed: true,
		},
		{
			name:        "anonymous is denied on restricted key",
			request:     Request{Principal: Anonymous, Action: ActionRead, RequiredRoles: []string{"r"}},
			wantAllowed: false,
		},
		{
			name:        "role intersection allows write",
			request:     Request{Principal: alice, Action: ActionWrite, RequiredRoles: []string{"w"}},
			wantAllowed: true,
		},
		{
			name:        "disjoint roles are denied",
			request:     Request{Principal: bob, Action: ActionWrite, RequiredRoles: []string{"w"}},
			wantAllowed: false,
		},
		{
			name:        "any shared role is enough",
			request:     Request{Principal: bob, Action: ActionRead, RequiredRoles: []string{"x", "other"}},
			wantAllowed: true,
		},
		{
			name:        "key admin bypasses key roles",
			request:     Request{Principal: admin, Action: ActionWrite, RequiredRoles: []string{"w"}},
			wantAllowed: true,
		},
		{
			name:        "key admin does not get git roles",
			request:     Request{Principal: admin, Action: RolePush, RequiredRoles: []string{RolePush}},
			wantAllowed: false,
		},
		{
			name:        "listed user is allowed",
			request:     Request{Principal: bob, Action: ActionRead, RequiredRoles: []string{"r"}, Users: []string{"bob"}},
			wantAllowed: true,
		},
		{
			name:        "listed user does not get git roles",
			request:     Request{Principal: bob, Action: RolePush, RequiredRoles: []string{RolePush}, Users: []string{"bob"}},
			wantAllowed: false,
		},
		{
			name:        "pusher may push",
			request:     Request{Principal: pusher, Action: RolePush, RequiredRoles: []string{RolePush}},
			wantAllowed: true,
		},
		{
			name:        "pusher may not force push",
			request:     Request{Principal: pusher, Action: RoleForcePush, RequiredRoles: []string{RoleForcePush}},
			wantAllowed: false,
		},
		{
			name:        "pusher may not touch secrets",
			request:     Request{Principal: pusher, Action: RoleSecrets, RequiredRoles: []string{RoleSecrets}},
			wantAllowed: false,
		},
	}

	authorizer, err := NewCedarAuthorizer(nil)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			decision, err := authorizer.Authorize(context.Background(), tt.request)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllowed, decision.Allowed)

			if tt.wantAllowed {
				assert.NotEmpty(t, decision.Reasons, "allowed decisions should have policy reasons")
			}
		})
	}
}

func TestCedarAuthorizer_Authorize_CustomPolicy(t *testing.T) {
	t.Parallel()

	// Custom policy that only allows reads, whatever the roles
	customPolicy := []byte(`permit(
		principal,
		action == Gitkv::Action::"read",
		resource
	);`)

	authorizer, err := NewCedarAuthorizer(customPolicy)
	require.NoError(t, err)

	decision, err := authorizer.Authorize(context.Background(), Request{
		Action:        ActionRead,
		RequiredRoles: []string{"r"},
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = authorizer.Authorize(context.Background(), Request{
		Principal: Identity{Name: "alice", Roles: []string{"w"}},
		Action:    ActionWrite,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestRoles(t *testing.T) {
	t.Parallel()

	assert.True(t, Intersects([]string{"a", "b"}, []string{"b"}))
	assert.False(t, Intersects([]string{"a"}, []string{"b"}))
	assert.False(t, Intersects(nil, []string{"b"}))
	assert.Equal(t, []string{"a", "b"}, NormalizeRoles([]string{"b", "", "a", "b"}))

	r := DefaultRealms()
	assert.True(t, r.Contains("git"))
	assert.True(t, r.Contains("admin"))
	assert.False(t, r.Contains("other"))
	assert.False(t, r.Contains(""))

	assert.Equal(t, ActionRead, MethodAction("GET"))
	assert.Equal(t, ActionWrite, MethodAction("PUT"))
}
