package authz

import "context"

// Store describes the reads the evaluator performs. Every call goes to the store;
// the evaluator keeps no cache of its own.
type Store interface {
	GetUser(ctx context.Context, userID string) (User, error)
	GetRole(ctx context.Context, name string) (Role, error)
	// RolePermissions returns the permission names of the role's base set.
	RolePermissions(ctx context.Context, role string) ([]string, error)
	DataScopes(ctx context.Context, userID, resourceType string) ([]DataScope, error)
	UnitMemberships(ctx context.Context, userID string) ([]UnitMembership, error)
	// ActiveConditions returns the active constraints on (userID, permission name).
	ActiveConditions(ctx context.Context, userID, permission string) ([]ConditionalPermission, error)
}
