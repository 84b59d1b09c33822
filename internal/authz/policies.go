package authz

// defaultPolicies contains the built-in Cedar authorization policies.
// Roles are compared by set intersection. Administrators of the key realm
// bypass key roles but never git roles.
const defaultPolicies = `
@id("unrestricted")
permit(
  principal,
  action,
  resource
) when {
  !resource.restricted
};

@id("role-intersection")
permit(
  principal,
  action,
  resource
) when {
  principal.roles.containsAny(resource.requiredRoles)
};

@id("key-admin")
permit(
  principal,
  action in [Gitkv::Action::"read", Gitkv::Action::"write"],
  resource
) when {
  principal.admin
};

@id("listed-user")
permit(
  principal,
  action in [Gitkv::Action::"read", Gitkv::Action::"write"],
  resource
) when {
  resource.users.contains(principal.name)
};
`
